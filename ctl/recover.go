package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/transaction"
)

// RecoverCommand rolls back a commit left open by a crashed writer, leaving
// the metadata store ready for new commits. Running it against a clean store
// is a no-op.
type RecoverCommand struct {
	Config *stratum.Config

	// Standard input/output
	*stratum.CmdIO
}

// NewRecoverCommand returns a new instance of RecoverCommand.
func NewRecoverCommand(stdin io.Reader, stdout, stderr io.Writer) *RecoverCommand {
	return &RecoverCommand{
		Config: stratum.NewConfig(),
		CmdIO:  stratum.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run executes one recovery pass.
func (cmd *RecoverCommand) Run(ctx context.Context) error {
	if err := expandConfig(cmd.Config); err != nil {
		return err
	}
	log := cmd.Logger()

	db, md, err := openMetadata(cmd.Config, log)
	if err != nil {
		return err
	}
	defer db.Close()

	w := transaction.NewWriter(md, transaction.WithLogger(log))
	if err := w.Recover(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.Stdout, "metadata store recovered: %s\n", cmd.Config.MetadataFile())
	return nil
}
