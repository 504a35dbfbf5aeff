package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/stratumdb/stratum/ctl"
)

// Recoverer is global so that tests can control and verify it.
var Recoverer *ctl.RecoverCommand

func newRecoverCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Recoverer = ctl.NewRecoverCommand(stdin, stdout, stderr)
	ccmd := &cobra.Command{
		Use:   "recover",
		Short: "Roll back a commit left open by a crash",
		Long: `
Discards any half-applied commit in the metadata store, leaving it ready for
new commits. Safe to run against a clean store.
`,
		RunE: func(c *cobra.Command, args []string) error {
			return Recoverer.Run(context.Background())
		},
	}

	ctl.SetConfigFlags(ccmd.Flags(), Recoverer.Config)
	return ccmd
}
