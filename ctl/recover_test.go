package ctl

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/boltdb"
)

func TestRecoverCommand_Run(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedDeletedChunks(t, cfg, time.Now(), 1)

	var stdout bytes.Buffer
	cmd := NewRecoverCommand(bytes.NewReader(nil), &stdout, io.Discard)
	cmd.Config = cfg

	require.NoError(t, cmd.Run(ctx))
	assert.Contains(t, stdout.String(), "metadata store recovered")

	// The store is usable for new commits afterward.
	db, err := boltdb.NewMetadataBolt(cfg.MetadataFile())
	require.NoError(t, err)
	defer db.Close()
	md := boltdb.NewMetadataStore(db, nil)

	commitID, err := md.BeginCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, md.FinishCommit(ctx, commitID, nil))
}

func TestRecoverCommand_EmptyStore(t *testing.T) {
	cfg := testConfig(t)

	cmd := NewRecoverCommand(bytes.NewReader(nil), io.Discard, io.Discard)
	cmd.Config = cfg
	require.NoError(t, cmd.Run(context.Background()))
}

func TestRecoverCommand_StoreLocked(t *testing.T) {
	cfg := testConfig(t)

	// Hold the bolt file open so the command's open times out.
	db, err := boltdb.NewMetadataBolt(cfg.MetadataFile())
	require.NoError(t, err)
	defer db.Close()

	cmd := NewRecoverCommand(bytes.NewReader(nil), io.Discard, io.Discard)
	cmd.Config = cfg
	err = cmd.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening metadata store")
}
