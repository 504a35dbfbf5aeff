package ctl

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/boltdb"
	"github.com/stratumdb/stratum/chunkstore"
	"github.com/stratumdb/stratum/toml"
)

// testConfig returns a config rooted in a fresh temp dir with a file chunk
// store and the debug listener disabled.
func testConfig(t *testing.T) *stratum.Config {
	t.Helper()
	cfg := stratum.NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.BindDebug = ""
	return cfg
}

// seedDeletedChunks writes chunk files and marks them deleted at a moment in
// the past, then closes the metadata store so commands can reopen it.
func seedDeletedChunks(t *testing.T, cfg *stratum.Config, at time.Time, ids ...stratum.ChunkID) {
	t.Helper()
	ctx := context.Background()

	store, err := chunkstore.NewFileStore(cfg.ChunkDir())
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, store.PutChunk(ctx, id, bytes.NewReader([]byte("chunk"))))
	}

	db, err := boltdb.NewMetadataBolt(cfg.MetadataFile())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()
	md := boltdb.NewMetadataStore(db, nil)

	commitID, err := md.BeginCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, md.CreateSchema(ctx, commitID, stratum.SchemaInfo{ID: 1, Name: "raw"}))
	require.NoError(t, md.CreateTable(ctx, commitID, stratum.TableInfo{ID: 10, SchemaID: 1, Name: "events", BucketCount: 1}))
	require.NoError(t, md.FinishCommit(ctx, commitID, nil))

	db.Now = func() time.Time { return at }

	chunks := make([]stratum.ChunkInfo, len(ids))
	for i, id := range ids {
		chunks[i] = stratum.ChunkInfo{ID: id, RowCount: 1}
	}
	commitID, err = md.BeginCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, md.InsertChunks(ctx, commitID, 10, chunks))
	require.NoError(t, md.FinishCommit(ctx, commitID, nil))

	commitID, err = md.BeginCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, md.DeleteChunks(ctx, commitID, 10, ids))
	require.NoError(t, md.FinishCommit(ctx, commitID, nil))
}

func chunkPresent(t *testing.T, cfg *stratum.Config, id stratum.ChunkID) bool {
	t.Helper()
	store, err := chunkstore.NewFileStore(cfg.ChunkDir())
	require.NoError(t, err)
	ok, err := store.ChunkExists(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func TestCleanCommand_SinglePass(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedDeletedChunks(t, cfg, time.Now().Add(-time.Hour), 1, 2)

	var stderr bytes.Buffer
	cmd := NewCleanCommand(bytes.NewReader(nil), io.Discard, &stderr)
	cmd.Config = cfg

	require.NoError(t, cmd.Run(ctx))

	assert.False(t, chunkPresent(t, cfg, 1))
	assert.False(t, chunkPresent(t, cfg, 2))
}

func TestCleanCommand_GracePeriodKeepsYoungChunks(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedDeletedChunks(t, cfg, time.Now(), 3)

	cmd := NewCleanCommand(bytes.NewReader(nil), io.Discard, io.Discard)
	cmd.Config = cfg

	require.NoError(t, cmd.Run(ctx))
	assert.True(t, chunkPresent(t, cfg, 3))
}

func TestCleanCommand_LogFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.LogPath = filepath.Join(t.TempDir(), "clean.log")
	seedDeletedChunks(t, cfg, time.Now().Add(-time.Hour), 4)

	cmd := NewCleanCommand(bytes.NewReader(nil), io.Discard, io.Discard)
	cmd.Config = cfg
	require.NoError(t, cmd.Run(ctx))

	out, err := os.ReadFile(cfg.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(out), "clean pass complete")
}

func TestCleanCommand_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChunkStore.Type = "tape"

	cmd := NewCleanCommand(bytes.NewReader(nil), io.Discard, io.Discard)
	cmd.Config = cfg
	err := cmd.Run(context.Background())
	require.Error(t, err)
}

func TestCleanCommand_Daemon(t *testing.T) {
	cfg := testConfig(t)
	cfg.BindDebug = "localhost:0"
	cfg.Cleaner.Interval = toml.Duration(time.Second)
	seedDeletedChunks(t, cfg, time.Now().Add(-time.Hour), 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewCleanCommand(bytes.NewReader(nil), io.Discard, io.Discard)
	cmd.Config = cfg
	cmd.Daemon = true

	done := make(chan error, 1)
	go func() { done <- cmd.Run(ctx) }()

	select {
	case <-cmd.Started():
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start")
	}

	base := "http://" + cmd.DebugAddr().String()

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"RUNNING"`)

	// The job's first chunk pass runs right away and reclaims the aged file.
	store, err := chunkstore.NewFileStore(cfg.ChunkDir())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ok, err := store.ChunkExists(context.Background(), 7)
		return err == nil && !ok
	}, 5*time.Second, 50*time.Millisecond)

	// At least one pass has finished, so the run counter is visible.
	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "stratum_cleaner_runs_total")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
