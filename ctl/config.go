// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	toml "github.com/pelletier/go-toml"

	"github.com/stratumdb/stratum"
)

// ConfigCommand represents a command for printing the effective config.
type ConfigCommand struct {
	Config *stratum.Config

	// Standard input/output
	*stratum.CmdIO
}

// NewConfigCommand returns a new instance of ConfigCommand.
func NewConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *ConfigCommand {
	return &ConfigCommand{
		Config: stratum.NewConfig(),
		CmdIO:  stratum.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run prints the config as TOML.
func (cmd *ConfigCommand) Run(_ context.Context) error {
	buf, err := toml.Marshal(*cmd.Config)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Stdout, string(buf))
	return nil
}
