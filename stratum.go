// Package stratum implements the transactional metadata and chunk-lifecycle
// engine underlying a columnar table store: an ordered commit log of
// structural changes, crash recovery for half-applied commits, background
// reclamation of orphaned chunks and bookkeeping rows, and the read-side
// delete/rewrite protocol for individual chunks.
package stratum

import (
	"context"
	"fmt"
	"io"
	"time"
)

// SchemaID is the unique identifier of a schema.
type SchemaID uint64

// String returns the SchemaID as a string.
func (id SchemaID) String() string { return fmt.Sprintf("%d", id) }

// TableID is the unique identifier of a table.
type TableID uint64

// String returns the TableID as a string.
func (id TableID) String() string { return fmt.Sprintf("%d", id) }

// ColumnID is the unique identifier of a column within a table.
type ColumnID uint64

// String returns the ColumnID as a string.
func (id ColumnID) String() string { return fmt.Sprintf("%d", id) }

// ViewID is the unique identifier of a view.
type ViewID uint64

// String returns the ViewID as a string.
func (id ViewID) String() string { return fmt.Sprintf("%d", id) }

// ChunkID is the unique identifier of a stored chunk of columnar data.
type ChunkID uint64

// String returns the ChunkID as a string.
func (id ChunkID) String() string { return fmt.Sprintf("%d", id) }

// ChunkIDs is a sortable slice of ChunkID.
type ChunkIDs []ChunkID

func (c ChunkIDs) Len() int           { return len(c) }
func (c ChunkIDs) Less(i, j int) bool { return c[i] < c[j] }
func (c ChunkIDs) Swap(i, j int)      { c[i], c[j] = c[j], c[i] }

// CommitID identifies one commit in the ordered commit log.
type CommitID uint64

// String returns the CommitID as a string.
func (id CommitID) String() string { return fmt.Sprintf("%d", id) }

// TransactionID is an optional correlation identifier associating a commit
// with a higher-level client transaction. Commits made for internal
// maintenance carry none.
type TransactionID string

// String returns the TransactionID as a string.
func (id TransactionID) String() string { return string(id) }

// SchemaInfo describes a schema.
type SchemaInfo struct {
	ID   SchemaID `json:"id"`
	Name string   `json:"name"`
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	ID      ColumnID `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Ordinal int      `json:"ordinal"`
}

// TableInfo describes a table and its columns, ordered by ordinal.
type TableInfo struct {
	ID          TableID      `json:"id"`
	SchemaID    SchemaID     `json:"schemaId"`
	Name        string       `json:"name"`
	BucketCount int          `json:"bucketCount"`
	Columns     []ColumnInfo `json:"columns,omitempty"`
}

// Column returns the column with the given id, or nil.
func (t *TableInfo) Column(id ColumnID) *ColumnInfo {
	for i := range t.Columns {
		if t.Columns[i].ID == id {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnByName returns the column with the given name, or nil.
func (t *TableInfo) ColumnByName(name string) *ColumnInfo {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// ViewInfo describes a view.
type ViewInfo struct {
	ID         ViewID   `json:"id"`
	SchemaID   SchemaID `json:"schemaId"`
	Name       string   `json:"name"`
	Definition string   `json:"definition"`
}

// ChunkInfo describes one immutable chunk of stored columnar data.
type ChunkInfo struct {
	ID               ChunkID `json:"id"`
	BucketNumber     int     `json:"bucketNumber"`
	RowCount         int64   `json:"rowCount"`
	CompressedSize   int64   `json:"compressedSize"`
	UncompressedSize int64   `json:"uncompressedSize"`
	Checksum         uint64  `json:"checksum"`
}

// DeletedChunk is the bookkeeping row for a chunk that was deleted from
// table metadata and is awaiting removal from chunk storage.
type DeletedChunk struct {
	TableID   TableID   `json:"tableId"`
	Chunk     ChunkInfo `json:"chunk"`
	DeletedAt time.Time `json:"deletedAt"`
}

// DroppedTable is the bookkeeping row for a dropped table whose remaining
// metadata is awaiting purge.
type DroppedTable struct {
	TableID   TableID   `json:"tableId"`
	DroppedAt time.Time `json:"droppedAt"`
}

// CommitInfo describes one commit. FinishedAt is zero until the commit is
// sealed.
type CommitInfo struct {
	ID            CommitID       `json:"id"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt,omitempty"`
	TransactionID *TransactionID `json:"transactionId,omitempty"`
}

// TransactionInfo associates a client transaction with the commit that
// carried its changes.
type TransactionInfo struct {
	ID         TransactionID `json:"id"`
	CommitID   CommitID      `json:"commitId"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// MetadataWriter is the durable store of commit history and current
// structural state. Implementations are the atomicity authority: all apply
// calls between BeginCommit and FinishCommit become visible together or not
// at all. Callers must serialize use; the transaction Writer is the single
// entry point in a running system.
type MetadataWriter interface {
	// BeginCommit starts a new commit and returns its id. A commit already
	// in progress is an error.
	BeginCommit(ctx context.Context) (CommitID, error)

	// FinishCommit seals the commit, recording the optional transaction id,
	// and makes every change applied under it durably visible.
	FinishCommit(ctx context.Context, commitID CommitID, txID *TransactionID) error

	// Recover restores the store to a consistent state after a failed or
	// interrupted commit. It is idempotent and cheap when there is nothing
	// to recover.
	Recover(ctx context.Context) error

	CreateSchema(ctx context.Context, commitID CommitID, schema SchemaInfo) error
	RenameSchema(ctx context.Context, commitID CommitID, schemaID SchemaID, newName string) error
	DropSchema(ctx context.Context, commitID CommitID, schemaID SchemaID) error
	CreateTable(ctx context.Context, commitID CommitID, table TableInfo) error
	RenameTable(ctx context.Context, commitID CommitID, tableID TableID, schemaID SchemaID, newName string) error
	DropTable(ctx context.Context, commitID CommitID, tableID TableID) error
	AddColumn(ctx context.Context, commitID CommitID, tableID TableID, column ColumnInfo) error
	RenameColumn(ctx context.Context, commitID CommitID, tableID TableID, columnID ColumnID, newName string) error
	DropColumn(ctx context.Context, commitID CommitID, tableID TableID, columnID ColumnID) error
	CreateView(ctx context.Context, commitID CommitID, view ViewInfo) error
	DropView(ctx context.Context, commitID CommitID, viewID ViewID) error
	InsertChunks(ctx context.Context, commitID CommitID, tableID TableID, chunks []ChunkInfo) error
	DeleteChunks(ctx context.Context, commitID CommitID, tableID TableID, chunkIDs []ChunkID) error

	// BlockMaintenance fences background reclamation away from the table's
	// chunks until UnblockMaintenance (or ClearAllMaintenance) is called.
	BlockMaintenance(ctx context.Context, tableID TableID) error
	UnblockMaintenance(ctx context.Context, tableID TableID) error
	ClearAllMaintenance(ctx context.Context) error
}

// ChunkStore is content-addressed storage for chunk files.
type ChunkStore interface {
	PutChunk(ctx context.Context, chunkID ChunkID, r io.Reader) error
	OpenChunk(ctx context.Context, chunkID ChunkID) (io.ReadCloser, error)
	ChunkExists(ctx context.Context, chunkID ChunkID) (bool, error)
	DeleteChunk(ctx context.Context, chunkID ChunkID) error
}

// CommitCleaner reclaims byproducts of past commits: chunk files no longer
// referenced by live metadata, and bookkeeping rows for dropped tables and
// finished transactions. Both methods are idempotent and safe to re-run
// after interruption.
type CommitCleaner interface {
	RemoveChunks(ctx context.Context) error
	RemoveTablesAndTransactions(ctx context.Context) error
}

// CleanerMetadata is the metadata-store surface the cleaner consumes.
type CleanerMetadata interface {
	// DeletedChunks returns deleted-chunk rows older than the cutoff,
	// excluding chunks of tables currently under a maintenance block.
	DeletedChunks(ctx context.Context, olderThan time.Time) ([]DeletedChunk, error)

	// PurgeDeletedChunks removes the named deleted-chunk rows.
	PurgeDeletedChunks(ctx context.Context, chunkIDs []ChunkID) error

	// DroppedTables returns ids of tables dropped before the cutoff.
	DroppedTables(ctx context.Context, olderThan time.Time) ([]TableID, error)

	// PurgeDroppedTables removes the named dropped-table rows.
	PurgeDroppedTables(ctx context.Context, tableIDs []TableID) error

	// PurgeTransactions removes transaction rows finished before the cutoff
	// and reports how many were removed.
	PurgeTransactions(ctx context.Context, olderThan time.Time) (int, error)
}
