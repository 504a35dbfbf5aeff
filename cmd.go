package stratum

import (
	"io"

	"github.com/stratumdb/stratum/logger"
)

// CmdIO bundles a command's standard streams. Subcommands embed it so that
// tests can substitute pipes for the process's stdin, stdout, and stderr.
type CmdIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	log logger.Logger
}

// NewCmdIO wraps the given streams. The default logger writes to stderr;
// commands that take logging configuration build their own instead.
func NewCmdIO(stdin io.Reader, stdout, stderr io.Writer) *CmdIO {
	return &CmdIO{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		log:    logger.NewStandardLogger(stderr),
	}
}

// Logger returns the stderr-backed logger.
func (c *CmdIO) Logger() logger.Logger { return c.log }
