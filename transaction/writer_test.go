package transaction_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Write(t *testing.T) {
	ctx := context.Background()

	schema := stratum.SchemaInfo{ID: 1, Name: "main"}
	table := stratum.TableInfo{ID: 2, SchemaID: 1, Name: "events", BucketCount: 4}
	column := stratum.ColumnInfo{ID: 3, Name: "value", Type: "bigint", Ordinal: 0}

	t.Run("EmptyBatchNoOp", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		require.NoError(t, w.Write(ctx, nil, nil))
		require.NoError(t, w.Write(ctx, []transaction.Action{}, nil))
		assert.Empty(t, md.callNames(), "an empty batch must not touch the store, not even for recovery")
	})

	t.Run("RecoverBeforeFirstCommit", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, nil))

		assert.Equal(t, []string{"Recover", "BeginCommit", "CreateSchema", "FinishCommit"}, md.callNames())
	})

	t.Run("RecoverOnlyAfterFailure", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		batch := []transaction.Action{transaction.CreateSchema{Schema: schema}}

		require.NoError(t, w.Write(ctx, batch, nil))
		require.NoError(t, w.Write(ctx, batch, nil))
		assert.Equal(t, 1, md.recovers, "no recovery between consecutive successful commits")

		md.failOnce("CreateSchema", errors.New(stratum.ErrMetadataStore, "disk gone"))
		require.Error(t, w.Write(ctx, batch, nil))
		assert.Equal(t, 1, md.recovers, "the failure itself must not recover; the next call does")

		require.NoError(t, w.Write(ctx, batch, nil))
		assert.Equal(t, 2, md.recovers)

		// Recovery precedes any new work after a failure.
		calls := md.callNames()
		require.GreaterOrEqual(t, len(calls), 4)
		assert.Equal(t,
			[]string{"Recover", "BeginCommit", "CreateSchema", "FinishCommit"},
			calls[len(calls)-4:],
		)
	})

	t.Run("ActionsApplyInInputOrder", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		err := w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
			transaction.CreateTable{Table: table},
			transaction.AddColumn{TableID: table.ID, Column: column},
			transaction.InsertChunks{TableID: table.ID, Chunks: []stratum.ChunkInfo{{ID: 7, RowCount: 10}}},
			transaction.DeleteChunks{TableID: table.ID, ChunkIDs: []stratum.ChunkID{7}},
		}, nil)
		require.NoError(t, err)

		assert.Equal(t, []string{
			"Recover",
			"BeginCommit",
			"CreateSchema",
			"CreateTable",
			"AddColumn",
			"InsertChunks",
			"DeleteChunks",
			"FinishCommit",
		}, md.callNames())
	})

	t.Run("AllVariantsDispatch", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		view := stratum.ViewInfo{ID: 4, SchemaID: 1, Name: "recent", Definition: "SELECT 1"}
		err := w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
			transaction.RenameSchema{SchemaID: schema.ID, NewName: "main2"},
			transaction.CreateTable{Table: table},
			transaction.RenameTable{TableID: table.ID, SchemaID: schema.ID, NewName: "events2"},
			transaction.AddColumn{TableID: table.ID, Column: column},
			transaction.RenameColumn{TableID: table.ID, ColumnID: column.ID, NewName: "value2"},
			transaction.DropColumn{TableID: table.ID, ColumnID: column.ID},
			transaction.CreateView{View: view},
			transaction.DropView{ViewID: view.ID},
			transaction.InsertChunks{TableID: table.ID, Chunks: []stratum.ChunkInfo{{ID: 7}}},
			transaction.DeleteChunks{TableID: table.ID, ChunkIDs: []stratum.ChunkID{7}},
			transaction.DropTable{TableID: table.ID},
			transaction.DropSchema{SchemaID: schema.ID},
		}, nil)
		require.NoError(t, err)

		assert.Equal(t, []string{
			"Recover",
			"BeginCommit",
			"CreateSchema",
			"RenameSchema",
			"CreateTable",
			"RenameTable",
			"AddColumn",
			"RenameColumn",
			"DropColumn",
			"CreateView",
			"DropView",
			"InsertChunks",
			"DeleteChunks",
			"DropTable",
			"DropSchema",
			"FinishCommit",
		}, md.callNames())
	})

	t.Run("FailedActionAbortsCommit", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		md.failOnce("AddColumn", errors.New(stratum.ErrMetadataStore, "connection reset"))
		err := w.Write(ctx, []transaction.Action{
			transaction.CreateTable{Table: table},
			transaction.AddColumn{TableID: table.ID, Column: column},
			transaction.InsertChunks{TableID: table.ID, Chunks: []stratum.ChunkInfo{{ID: 7}}},
		}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, stratum.ErrMetadataStore))

		calls := md.callNames()
		assert.NotContains(t, calls, "InsertChunks", "actions after the failed one must not apply")
		assert.NotContains(t, calls, "FinishCommit", "a failed commit must not be sealed")

		// The next write recovers, then applies.
		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateTable{Table: table},
		}, nil))
		assert.Equal(t, 2, md.recovers)
	})

	t.Run("DomainErrorsPropagateUnchanged", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		md.failOnce("CreateTable", stratum.NewErrTableExists("events"))
		err := w.Write(ctx, []transaction.Action{
			transaction.CreateTable{Table: table},
		}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, stratum.ErrTableExists))
		assert.False(t, errors.Is(err, stratum.ErrMetadataStore))

		// Even a domain failure forces recovery before the next commit.
		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, nil))
		assert.Equal(t, 2, md.recovers)
	})

	t.Run("FinishCommitFailure", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		md.failOnce("FinishCommit", errors.New(stratum.ErrMetadataStore, "fsync failed"))
		err := w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, nil)
		require.Error(t, err)

		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, nil))
		assert.Equal(t, 2, md.recovers)
	})

	t.Run("TransactionIDReachesFinish", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		txID := stratum.TransactionID("txn-831")
		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, &txID))
		require.NotNil(t, md.lastTxID)
		assert.Equal(t, txID, *md.lastTxID)

		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, nil))
		assert.Nil(t, md.lastTxID)
	})

	t.Run("RecoveryFailureKeepsFlag", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		md.failOnce("Recover", errors.New(stratum.ErrMetadataStore, "still down"))
		err := w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, nil)
		require.Error(t, err)
		assert.NotContains(t, md.callNames(), "BeginCommit", "no commit may start while recovery is owed")

		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, nil))
		assert.Equal(t, 2, md.recovers, "recovery retried on the next call")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := w.Write(cctx, []transaction.Action{
			transaction.CreateSchema{Schema: schema},
		}, nil)
		require.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, md.callNames())
	})
}

func TestWriter_LockWaitCancel(t *testing.T) {
	ctx := context.Background()
	md := newFakeMetadata()
	md.blockFinish = make(chan struct{})
	w := transaction.NewWriter(md)

	// First writer parks inside the lock, holding it.
	done := make(chan error, 1)
	go func() {
		done <- w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: stratum.SchemaInfo{ID: 1, Name: "main"}},
		}, nil)
	}()

	select {
	case <-md.finishEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("first write never reached FinishCommit")
	}

	// Second writer queues on the lock, then gives up.
	cctx, cancel := context.WithCancel(ctx)
	canceled := make(chan error, 1)
	go func() {
		canceled <- w.Write(cctx, []transaction.Action{
			transaction.CreateSchema{Schema: stratum.SchemaInfo{ID: 2, Name: "aux"}},
		}, nil)
	}()

	time.Sleep(50 * time.Millisecond) // let it queue
	cancel()

	select {
	case err := <-canceled:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("queued write did not observe cancellation")
	}

	close(md.blockFinish)
	require.NoError(t, <-done)
}

func TestWriter_Concurrent(t *testing.T) {
	ctx := context.Background()
	md := newFakeMetadata()
	w := transaction.NewWriter(md)

	const goroutines = 8
	const writes = 25

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*writes)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				errs <- w.Write(ctx, []transaction.Action{
					transaction.CreateSchema{Schema: stratum.SchemaInfo{
						ID:   stratum.SchemaID(g*writes + i),
						Name: fmt.Sprintf("s%d-%d", g, i),
					}},
				}, nil)
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.False(t, md.overlapped(), "no two commits may ever be under construction at once")
	assert.Equal(t, goroutines*writes, md.finishes)
	assert.Equal(t, 1, md.recovers, "exactly one recovery for the whole healthy run")
}

func TestWriter_Maintenance(t *testing.T) {
	ctx := context.Background()

	t.Run("RecoversFirst", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		require.NoError(t, w.BlockMaintenance(ctx, 5))
		assert.Equal(t, []string{"Recover", "BlockMaintenance"}, md.callNames())

		require.NoError(t, w.UnblockMaintenance(ctx, 5))
		require.NoError(t, w.ClearAllMaintenance(ctx))
		assert.Equal(t, 1, md.recovers, "recovery owed only once")
	})

	t.Run("FailureDoesNotPoisonWriter", func(t *testing.T) {
		md := newFakeMetadata()
		w := transaction.NewWriter(md)

		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: stratum.SchemaInfo{ID: 1, Name: "main"}},
		}, nil))

		md.failOnce("UnblockMaintenance", errors.New(stratum.ErrMetadataStore, "timeout"))
		require.Error(t, w.UnblockMaintenance(ctx, 5))

		require.NoError(t, w.Write(ctx, []transaction.Action{
			transaction.CreateSchema{Schema: stratum.SchemaInfo{ID: 2, Name: "aux"}},
		}, nil))
		assert.Equal(t, 1, md.recovers, "a fencing failure is not a failed commit")
	})
}

func TestWriter_ExplicitRecover(t *testing.T) {
	ctx := context.Background()
	md := newFakeMetadata()
	w := transaction.NewWriter(md)

	require.NoError(t, w.Recover(ctx))
	require.NoError(t, w.Recover(ctx))
	assert.Equal(t, 2, md.recovers, "explicit recover always runs a pass")

	require.NoError(t, w.Write(ctx, []transaction.Action{
		transaction.CreateSchema{Schema: stratum.SchemaInfo{ID: 1, Name: "main"}},
	}, nil))
	assert.Equal(t, 2, md.recovers, "explicit recovery satisfies the startup requirement")
}

// fakeMetadata is a MetadataWriter that records the order of calls, detects
// overlapping commits, and fails on demand.
type fakeMetadata struct {
	mu       sync.Mutex
	calls    []string
	errOn    map[string]error
	inCommit bool
	overlap  bool
	commits  uint64
	finishes int
	recovers int
	lastTxID *stratum.TransactionID

	// blockFinish, when non-nil, parks FinishCommit until closed.
	// finishEntered is signalled once FinishCommit is reached.
	blockFinish   chan struct{}
	finishEntered chan struct{}
}

var _ stratum.MetadataWriter = (*fakeMetadata)(nil)

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		errOn:         make(map[string]error),
		finishEntered: make(chan struct{}, 1),
	}
}

func (f *fakeMetadata) failOnce(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errOn[name] = err
}

func (f *fakeMetadata) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeMetadata) overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

// record logs the call and returns (and clears) any scripted failure.
func (f *fakeMetadata) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err, ok := f.errOn[name]; ok {
		delete(f.errOn, name)
		return err
	}
	return nil
}

func (f *fakeMetadata) apply(name string) error {
	if err := f.record(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inCommit {
		f.overlap = true
	}
	return nil
}

func (f *fakeMetadata) BeginCommit(ctx context.Context) (stratum.CommitID, error) {
	if err := f.record("BeginCommit"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inCommit {
		f.overlap = true
	}
	f.inCommit = true
	f.commits++
	return stratum.CommitID(f.commits), nil
}

func (f *fakeMetadata) FinishCommit(ctx context.Context, commitID stratum.CommitID, txID *stratum.TransactionID) error {
	select {
	case f.finishEntered <- struct{}{}:
	default:
	}
	if f.blockFinish != nil {
		<-f.blockFinish
	}
	if err := f.record("FinishCommit"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inCommit {
		f.overlap = true
	}
	f.inCommit = false
	f.finishes++
	f.lastTxID = txID
	return nil
}

func (f *fakeMetadata) Recover(ctx context.Context) error {
	if err := f.record("Recover"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inCommit = false
	f.recovers++
	return nil
}

func (f *fakeMetadata) CreateSchema(ctx context.Context, commitID stratum.CommitID, schema stratum.SchemaInfo) error {
	return f.apply("CreateSchema")
}

func (f *fakeMetadata) RenameSchema(ctx context.Context, commitID stratum.CommitID, schemaID stratum.SchemaID, newName string) error {
	return f.apply("RenameSchema")
}

func (f *fakeMetadata) DropSchema(ctx context.Context, commitID stratum.CommitID, schemaID stratum.SchemaID) error {
	return f.apply("DropSchema")
}

func (f *fakeMetadata) CreateTable(ctx context.Context, commitID stratum.CommitID, table stratum.TableInfo) error {
	return f.apply("CreateTable")
}

func (f *fakeMetadata) RenameTable(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, schemaID stratum.SchemaID, newName string) error {
	return f.apply("RenameTable")
}

func (f *fakeMetadata) DropTable(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID) error {
	return f.apply("DropTable")
}

func (f *fakeMetadata) AddColumn(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, column stratum.ColumnInfo) error {
	return f.apply("AddColumn")
}

func (f *fakeMetadata) RenameColumn(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, columnID stratum.ColumnID, newName string) error {
	return f.apply("RenameColumn")
}

func (f *fakeMetadata) DropColumn(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, columnID stratum.ColumnID) error {
	return f.apply("DropColumn")
}

func (f *fakeMetadata) CreateView(ctx context.Context, commitID stratum.CommitID, view stratum.ViewInfo) error {
	return f.apply("CreateView")
}

func (f *fakeMetadata) DropView(ctx context.Context, commitID stratum.CommitID, viewID stratum.ViewID) error {
	return f.apply("DropView")
}

func (f *fakeMetadata) InsertChunks(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, chunks []stratum.ChunkInfo) error {
	return f.apply("InsertChunks")
}

func (f *fakeMetadata) DeleteChunks(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, chunkIDs []stratum.ChunkID) error {
	return f.apply("DeleteChunks")
}

func (f *fakeMetadata) BlockMaintenance(ctx context.Context, tableID stratum.TableID) error {
	return f.record("BlockMaintenance")
}

func (f *fakeMetadata) UnblockMaintenance(ctx context.Context, tableID stratum.TableID) error {
	return f.record("UnblockMaintenance")
}

func (f *fakeMetadata) ClearAllMaintenance(ctx context.Context) error {
	return f.record("ClearAllMaintenance")
}
