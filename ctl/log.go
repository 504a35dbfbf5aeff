package ctl

import (
	"context"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"github.com/stratumdb/stratum"
)

// nullValue stands in for absent cells in rendered tables.
const nullValue = "NULL"

// LogCommand prints the most recent entries of the commit log, newest first.
type LogCommand struct {
	Config *stratum.Config

	// Limit caps the number of commits printed. Zero means no cap.
	Limit int

	// Standard input/output
	*stratum.CmdIO
}

// NewLogCommand returns a new instance of LogCommand.
func NewLogCommand(stdin io.Reader, stdout, stderr io.Writer) *LogCommand {
	return &LogCommand{
		Config: stratum.NewConfig(),
		Limit:  20,
		CmdIO:  stratum.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run prints the commit log.
func (cmd *LogCommand) Run(ctx context.Context) error {
	if err := expandConfig(cmd.Config); err != nil {
		return err
	}

	db, md, err := openMetadata(cmd.Config, cmd.Logger())
	if err != nil {
		return err
	}
	defer db.Close()

	commits, err := md.Commits(ctx, cmd.Limit)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.Stdout)

	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault

	t.AppendHeader(table.Row{"ID", "STARTED", "FINISHED", "TRANSACTION"})
	for _, ci := range commits {
		finished := nullValue
		if !ci.FinishedAt.IsZero() {
			finished = ci.FinishedAt.UTC().Format(time.RFC3339)
		}
		txID := nullValue
		if ci.TransactionID != nil {
			txID = string(*ci.TransactionID)
		}
		t.AppendRow(table.Row{
			uint64(ci.ID),
			ci.StartedAt.UTC().Format(time.RFC3339),
			finished,
			txID,
		})
	}
	t.Render()
	return nil
}
