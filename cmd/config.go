package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/stratumdb/stratum/ctl"
)

// Conf is global so that tests can control and verify it.
var Conf *ctl.ConfigCommand

func newConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Conf = ctl.NewConfigCommand(stdin, stdout, stderr)
	ccmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `
Prints the configuration that would result from the given flags, environment
variables, and config file, as TOML.
`,
		RunE: func(c *cobra.Command, args []string) error {
			return Conf.Run(context.Background())
		},
	}

	ctl.SetConfigFlags(ccmd.Flags(), Conf.Config)
	return ccmd
}
