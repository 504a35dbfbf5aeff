package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/stratumdb/stratum/ctl"
)

// Logger is global so that tests can control and verify it.
var Logger *ctl.LogCommand

func newLogCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Logger = ctl.NewLogCommand(stdin, stdout, stderr)
	ccmd := &cobra.Command{
		Use:   "log",
		Short: "Print the commit log",
		Long: `
Prints the most recent commits, newest first, with their start and finish
times and the client transaction that carried them.
`,
		RunE: func(c *cobra.Command, args []string) error {
			return Logger.Run(context.Background())
		},
	}

	flags := ccmd.Flags()
	ctl.SetConfigFlags(flags, Logger.Config)
	flags.IntVarP(&Logger.Limit, "limit", "n", Logger.Limit, "number of commits to print, 0 for all")
	return ccmd
}
