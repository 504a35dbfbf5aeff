package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/stratumdb/stratum/ctl"
)

// Cleaner is global so that tests can control and verify it.
var Cleaner *ctl.CleanCommand

func newCleanCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Cleaner = ctl.NewCleanCommand(stdin, stdout, stderr)
	ccmd := &cobra.Command{
		Use:   "clean",
		Short: "Reclaim deleted chunks and expired metadata",
		Long: `
Removes chunk files whose deletion markers have aged past the grace period,
and dropped-table and transaction rows past the retention window. With
--daemon it keeps running on the configured cadence until interrupted.
`,
		RunE: func(c *cobra.Command, args []string) error {
			return Cleaner.Run(context.Background())
		},
	}

	flags := ccmd.Flags()
	ctl.SetConfigFlags(flags, Cleaner.Config)
	flags.BoolVar(&Cleaner.Daemon, "daemon", false, "keep cleaning on the configured cadence until interrupted")
	return ccmd
}
