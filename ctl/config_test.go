// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/toml"
)

func TestConfigCommand_Run(t *testing.T) {
	var stdout bytes.Buffer
	cmd := NewConfigCommand(bytes.NewReader(nil), &stdout, io.Discard)

	require.NoError(t, cmd.Run(context.Background()))
	out := stdout.String()

	assert.Contains(t, out, `data-dir = "~/.stratum"`)
	assert.Contains(t, out, "localhost:10107")
	assert.Contains(t, out, "[cleaner]")
	assert.Contains(t, out, "interval = 5m0s")
	assert.Contains(t, out, "[chunk-store]")
	assert.Contains(t, out, `type = "file"`)
}

func TestConfigCommand_NonDefaults(t *testing.T) {
	cmd := NewConfigCommand(bytes.NewReader(nil), io.Discard, io.Discard)
	cmd.Config.DataDir = "/var/lib/stratum"
	cmd.Config.Cleaner.Interval = toml.Duration(90 * time.Second)
	cmd.Config.ChunkStore.Type = stratum.ChunkStoreS3
	cmd.Config.ChunkStore.S3.Bucket = "stratum-chunks"

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Run(context.Background()))

	assert.Contains(t, stdout.String(), "interval = 1m30s")
	assert.Contains(t, stdout.String(), `bucket = "stratum-chunks"`)
}
