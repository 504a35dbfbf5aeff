package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/logger"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSchemas       = Bucket("schemas")
	bucketSchemaNames   = Bucket("schemaNames")
	bucketTables        = Bucket("tables")
	bucketTableNames    = Bucket("tableNames")
	bucketViews         = Bucket("views")
	bucketViewNames     = Bucket("viewNames")
	bucketChunks        = Bucket("chunks")
	bucketDeletedChunks = Bucket("deletedChunks")
	bucketDroppedTables = Bucket("droppedTables")
	bucketCommits       = Bucket("commits")
	bucketTransactions  = Bucket("transactions")
	bucketMaintenance   = Bucket("maintenance")
)

// MetadataBuckets lists every bucket the metadata store uses. Pass these to
// NewDB when opening the database by hand.
var MetadataBuckets = []Bucket{
	bucketSchemas,
	bucketSchemaNames,
	bucketTables,
	bucketTableNames,
	bucketViews,
	bucketViewNames,
	bucketChunks,
	bucketDeletedChunks,
	bucketDroppedTables,
	bucketCommits,
	bucketTransactions,
	bucketMaintenance,
}

// NewMetadataBolt opens (creating it if needed) the bolt database file for
// the metadata store with all of its buckets registered.
func NewMetadataBolt(path string) (*DB, error) {
	db := NewDB(path, MetadataBuckets...)
	err := db.Open()
	return db, errors.Wrap(err, "opening")
}

// Ensure type implements interfaces.
var _ stratum.MetadataWriter = (*MetadataStore)(nil)
var _ stratum.CleanerMetadata = (*MetadataStore)(nil)

// MetadataStore implements the metadata interfaces on a bolt database.
//
// One bolt write transaction is held open for the duration of each commit, so
// every change applied under a commit id becomes visible atomically when
// FinishCommit commits the transaction, and disappears entirely when the
// transaction rolls back. A commit abandoned by a crash never committed its
// transaction, so nothing half-applied can be durably visible; Recover only
// has to roll back a transaction left dangling in this process.
//
// Maintenance flags and cleaner purges run in their own short transactions so
// they remain visible to readers regardless of commit activity.
type MetadataStore struct {
	db     *DB
	logger logger.Logger

	mu       sync.Mutex
	tx       *Tx
	commitID stratum.CommitID
}

// NewMetadataStore returns a new instance of MetadataStore on the given
// database.
func NewMetadataStore(db *DB, log logger.Logger) *MetadataStore {
	if log == nil {
		log = logger.NopLogger
	}
	return &MetadataStore{
		db:     db,
		logger: log,
	}
}

// BeginCommit starts a new commit by opening the underlying write transaction
// and writing the unsealed commit log row.
func (s *MetadataStore) BeginCommit(ctx context.Context) (stratum.CommitID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return 0, stratum.NewErrCommitInProgress(s.commitID)
	}

	tx, err := s.db.BeginTx(ctx, true)
	if err != nil {
		return 0, metadataErr(err, "beginning transaction")
	}

	commitID, err := startCommit(tx)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	s.tx = tx
	s.commitID = commitID
	return commitID, nil
}

// startCommit allocates the next commit id and writes its unsealed log row.
func startCommit(tx *Tx) (stratum.CommitID, error) {
	bkt, err := bucketOf(tx, bucketCommits)
	if err != nil {
		return 0, err
	}

	seq, err := bkt.NextSequence()
	if err != nil {
		return 0, metadataErr(err, "allocating commit id")
	}
	commitID := stratum.CommitID(seq)

	info := stratum.CommitInfo{
		ID:        commitID,
		StartedAt: tx.now,
	}
	if err := putJSON(bkt, keyU64(uint64(commitID)), info); err != nil {
		return 0, err
	}
	return commitID, nil
}

// FinishCommit seals the commit log row, upserts the transaction row if a
// transaction id was provided, and commits the underlying transaction.
func (s *MetadataStore) FinishCommit(ctx context.Context, commitID stratum.CommitID, txID *stratum.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	bkt, err := bucketOf(tx, bucketCommits)
	if err != nil {
		return err
	}
	v := bkt.Get(keyU64(uint64(commitID)))
	if v == nil {
		return errors.Newf(stratum.ErrMetadataStore, "commit %s has no log row", commitID)
	}
	var info stratum.CommitInfo
	if err := json.Unmarshal(v, &info); err != nil {
		return metadataErr(err, "unmarshalling commit")
	}
	info.FinishedAt = tx.now
	info.TransactionID = txID
	if err := putJSON(bkt, keyU64(uint64(commitID)), info); err != nil {
		return err
	}

	if txID != nil {
		txns, err := bucketOf(tx, bucketTransactions)
		if err != nil {
			return err
		}
		row := stratum.TransactionInfo{
			ID:         *txID,
			CommitID:   commitID,
			FinishedAt: tx.now,
		}
		if err := putJSON(txns, []byte(txID.String()), row); err != nil {
			return err
		}
	}

	// Commit closes the transaction whether or not it succeeds.
	err = tx.Commit()
	s.tx = nil
	s.commitID = 0
	if err != nil {
		return metadataErr(err, "committing transaction")
	}
	return nil
}

// Recover rolls back a commit transaction left open by an earlier failure.
// Nothing from an unfinished commit ever reached disk, so rolling back the
// in-process transaction is the whole job. It is a no-op when there is
// nothing to recover.
func (s *MetadataStore) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}

	s.logger.Printf("rolling back abandoned commit %s", s.commitID)
	err := s.tx.Rollback()
	s.tx = nil
	s.commitID = 0
	if err != nil {
		return metadataErr(err, "rolling back abandoned commit")
	}
	return nil
}

// requireCommit returns the open commit transaction, which must match the
// given commit id. Callers must hold s.mu.
func (s *MetadataStore) requireCommit(commitID stratum.CommitID) (*Tx, error) {
	if s.tx == nil || s.commitID != commitID {
		return nil, stratum.NewErrNoActiveCommit(commitID)
	}
	return s.tx, nil
}

func (s *MetadataStore) CreateSchema(ctx context.Context, commitID stratum.CommitID, schema stratum.SchemaInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	schemas, err := bucketOf(tx, bucketSchemas)
	if err != nil {
		return err
	}
	names, err := bucketOf(tx, bucketSchemaNames)
	if err != nil {
		return err
	}

	if names.Get([]byte(schema.Name)) != nil {
		return stratum.NewErrSchemaExists(schema.Name)
	}
	if schemas.Get(keyU64(uint64(schema.ID))) != nil {
		return stratum.NewErrSchemaExists(schema.Name)
	}

	if err := putJSON(schemas, keyU64(uint64(schema.ID)), schema); err != nil {
		return err
	}
	if err := names.Put([]byte(schema.Name), keyU64(uint64(schema.ID))); err != nil {
		return metadataErr(err, "putting schema name")
	}
	return nil
}

func (s *MetadataStore) RenameSchema(ctx context.Context, commitID stratum.CommitID, schemaID stratum.SchemaID, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	schemas, err := bucketOf(tx, bucketSchemas)
	if err != nil {
		return err
	}
	names, err := bucketOf(tx, bucketSchemaNames)
	if err != nil {
		return err
	}

	var schema stratum.SchemaInfo
	if ok, err := getJSON(schemas, keyU64(uint64(schemaID)), &schema); err != nil {
		return err
	} else if !ok {
		return stratum.NewErrSchemaNotFound(schemaID)
	}

	if v := names.Get([]byte(newName)); v != nil && binary.BigEndian.Uint64(v) != uint64(schemaID) {
		return stratum.NewErrSchemaExists(newName)
	}

	if err := names.Delete([]byte(schema.Name)); err != nil {
		return metadataErr(err, "deleting schema name")
	}
	schema.Name = newName
	if err := putJSON(schemas, keyU64(uint64(schemaID)), schema); err != nil {
		return err
	}
	if err := names.Put([]byte(newName), keyU64(uint64(schemaID))); err != nil {
		return metadataErr(err, "putting schema name")
	}
	return nil
}

func (s *MetadataStore) DropSchema(ctx context.Context, commitID stratum.CommitID, schemaID stratum.SchemaID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	schemas, err := bucketOf(tx, bucketSchemas)
	if err != nil {
		return err
	}
	names, err := bucketOf(tx, bucketSchemaNames)
	if err != nil {
		return err
	}

	var schema stratum.SchemaInfo
	if ok, err := getJSON(schemas, keyU64(uint64(schemaID)), &schema); err != nil {
		return err
	} else if !ok {
		return stratum.NewErrSchemaNotFound(schemaID)
	}

	// Tables and views are indexed by schema-scoped name keys, so a prefix
	// probe is enough to detect children.
	for _, b := range []Bucket{bucketTableNames, bucketViewNames} {
		bkt, err := bucketOf(tx, b)
		if err != nil {
			return err
		}
		prefix := keyU64(uint64(schemaID))
		if k, _ := bkt.Cursor().Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) {
			return stratum.NewErrSchemaNotEmpty(schemaID)
		}
	}

	if err := schemas.Delete(keyU64(uint64(schemaID))); err != nil {
		return metadataErr(err, "deleting schema")
	}
	if err := names.Delete([]byte(schema.Name)); err != nil {
		return metadataErr(err, "deleting schema name")
	}
	return nil
}

func (s *MetadataStore) CreateTable(ctx context.Context, commitID stratum.CommitID, table stratum.TableInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	schemas, err := bucketOf(tx, bucketSchemas)
	if err != nil {
		return err
	}
	if schemas.Get(keyU64(uint64(table.SchemaID))) == nil {
		return stratum.NewErrSchemaNotFound(table.SchemaID)
	}

	tables, err := bucketOf(tx, bucketTables)
	if err != nil {
		return err
	}
	names, err := bucketOf(tx, bucketTableNames)
	if err != nil {
		return err
	}

	nameKey := keyScopedName(table.SchemaID, table.Name)
	if names.Get(nameKey) != nil {
		return stratum.NewErrTableExists(table.Name)
	}
	if tables.Get(keyU64(uint64(table.ID))) != nil {
		return stratum.NewErrTableExists(table.Name)
	}

	// Columns are stored in definition order; ordinals are assigned here so
	// later AddColumn calls can extend the sequence.
	seenNames := make(map[string]struct{}, len(table.Columns))
	seenIDs := make(map[stratum.ColumnID]struct{}, len(table.Columns))
	for i := range table.Columns {
		col := &table.Columns[i]
		if _, ok := seenNames[col.Name]; ok {
			return stratum.NewErrColumnExists(col.Name)
		}
		if _, ok := seenIDs[col.ID]; ok {
			return stratum.NewErrColumnExists(col.Name)
		}
		seenNames[col.Name] = struct{}{}
		seenIDs[col.ID] = struct{}{}
		col.Ordinal = i
	}

	if err := putJSON(tables, keyU64(uint64(table.ID)), table); err != nil {
		return err
	}
	if err := names.Put(nameKey, keyU64(uint64(table.ID))); err != nil {
		return metadataErr(err, "putting table name")
	}
	return nil
}

func (s *MetadataStore) RenameTable(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, schemaID stratum.SchemaID, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	tables, err := bucketOf(tx, bucketTables)
	if err != nil {
		return err
	}
	names, err := bucketOf(tx, bucketTableNames)
	if err != nil {
		return err
	}
	schemas, err := bucketOf(tx, bucketSchemas)
	if err != nil {
		return err
	}

	var table stratum.TableInfo
	if ok, err := getJSON(tables, keyU64(uint64(tableID)), &table); err != nil {
		return err
	} else if !ok {
		return stratum.NewErrTableNotFound(tableID)
	}
	if schemas.Get(keyU64(uint64(schemaID))) == nil {
		return stratum.NewErrSchemaNotFound(schemaID)
	}

	newKey := keyScopedName(schemaID, newName)
	if v := names.Get(newKey); v != nil && binary.BigEndian.Uint64(v) != uint64(tableID) {
		return stratum.NewErrTableExists(newName)
	}

	if err := names.Delete(keyScopedName(table.SchemaID, table.Name)); err != nil {
		return metadataErr(err, "deleting table name")
	}
	table.SchemaID = schemaID
	table.Name = newName
	if err := putJSON(tables, keyU64(uint64(tableID)), table); err != nil {
		return err
	}
	if err := names.Put(newKey, keyU64(uint64(tableID))); err != nil {
		return metadataErr(err, "putting table name")
	}
	return nil
}

// DropTable removes the table row and moves every one of its chunks to the
// deleted-chunk bookkeeping bucket, stamped with the transaction time. The
// table id itself lands in droppedTables so the cleaner can purge stragglers
// after the retention window.
func (s *MetadataStore) DropTable(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	tables, err := bucketOf(tx, bucketTables)
	if err != nil {
		return err
	}
	names, err := bucketOf(tx, bucketTableNames)
	if err != nil {
		return err
	}
	chunks, err := bucketOf(tx, bucketChunks)
	if err != nil {
		return err
	}
	deleted, err := bucketOf(tx, bucketDeletedChunks)
	if err != nil {
		return err
	}
	dropped, err := bucketOf(tx, bucketDroppedTables)
	if err != nil {
		return err
	}

	var table stratum.TableInfo
	if ok, err := getJSON(tables, keyU64(uint64(tableID)), &table); err != nil {
		return err
	} else if !ok {
		return stratum.NewErrTableNotFound(tableID)
	}

	var rows []stratum.DeletedChunk
	var keys [][]byte
	prefix := keyU64(uint64(tableID))
	c := chunks.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var chunk stratum.ChunkInfo
		if err := json.Unmarshal(v, &chunk); err != nil {
			return metadataErr(err, "unmarshalling chunk")
		}
		rows = append(rows, stratum.DeletedChunk{
			TableID:   tableID,
			Chunk:     chunk,
			DeletedAt: tx.now,
		})
		keys = append(keys, k)
	}
	for _, row := range rows {
		if err := putJSON(deleted, keyU64(uint64(row.Chunk.ID)), row); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := chunks.Delete(k); err != nil {
			return metadataErr(err, "deleting chunk row")
		}
	}

	if err := tables.Delete(keyU64(uint64(tableID))); err != nil {
		return metadataErr(err, "deleting table")
	}
	if err := names.Delete(keyScopedName(table.SchemaID, table.Name)); err != nil {
		return metadataErr(err, "deleting table name")
	}
	row := stratum.DroppedTable{TableID: tableID, DroppedAt: tx.now}
	if err := putJSON(dropped, keyU64(uint64(tableID)), row); err != nil {
		return err
	}
	return nil
}

func (s *MetadataStore) AddColumn(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, column stratum.ColumnInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	tables, err := bucketOf(tx, bucketTables)
	if err != nil {
		return err
	}

	var table stratum.TableInfo
	if ok, err := getJSON(tables, keyU64(uint64(tableID)), &table); err != nil {
		return err
	} else if !ok {
		return stratum.NewErrTableNotFound(tableID)
	}

	ordinal := 0
	for _, col := range table.Columns {
		if col.Name == column.Name || col.ID == column.ID {
			return stratum.NewErrColumnExists(column.Name)
		}
		if col.Ordinal >= ordinal {
			ordinal = col.Ordinal + 1
		}
	}
	column.Ordinal = ordinal
	table.Columns = append(table.Columns, column)

	return putJSON(tables, keyU64(uint64(tableID)), table)
}

func (s *MetadataStore) RenameColumn(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, columnID stratum.ColumnID, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	tables, err := bucketOf(tx, bucketTables)
	if err != nil {
		return err
	}

	var table stratum.TableInfo
	if ok, err := getJSON(tables, keyU64(uint64(tableID)), &table); err != nil {
		return err
	} else if !ok {
		return stratum.NewErrTableNotFound(tableID)
	}

	for _, col := range table.Columns {
		if col.Name == newName && col.ID != columnID {
			return stratum.NewErrColumnExists(newName)
		}
	}
	col := table.Column(columnID)
	if col == nil {
		return stratum.NewErrColumnNotFound(columnID)
	}
	col.Name = newName

	return putJSON(tables, keyU64(uint64(tableID)), table)
}

func (s *MetadataStore) DropColumn(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, columnID stratum.ColumnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	tables, err := bucketOf(tx, bucketTables)
	if err != nil {
		return err
	}

	var table stratum.TableInfo
	if ok, err := getJSON(tables, keyU64(uint64(tableID)), &table); err != nil {
		return err
	} else if !ok {
		return stratum.NewErrTableNotFound(tableID)
	}

	idx := -1
	for i, col := range table.Columns {
		if col.ID == columnID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return stratum.NewErrColumnNotFound(columnID)
	}
	table.Columns = append(table.Columns[:idx], table.Columns[idx+1:]...)

	return putJSON(tables, keyU64(uint64(tableID)), table)
}

func (s *MetadataStore) CreateView(ctx context.Context, commitID stratum.CommitID, view stratum.ViewInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	schemas, err := bucketOf(tx, bucketSchemas)
	if err != nil {
		return err
	}
	if schemas.Get(keyU64(uint64(view.SchemaID))) == nil {
		return stratum.NewErrSchemaNotFound(view.SchemaID)
	}

	views, err := bucketOf(tx, bucketViews)
	if err != nil {
		return err
	}
	names, err := bucketOf(tx, bucketViewNames)
	if err != nil {
		return err
	}

	nameKey := keyScopedName(view.SchemaID, view.Name)
	if names.Get(nameKey) != nil {
		return stratum.NewErrViewExists(view.Name)
	}
	if views.Get(keyU64(uint64(view.ID))) != nil {
		return stratum.NewErrViewExists(view.Name)
	}

	if err := putJSON(views, keyU64(uint64(view.ID)), view); err != nil {
		return err
	}
	if err := names.Put(nameKey, keyU64(uint64(view.ID))); err != nil {
		return metadataErr(err, "putting view name")
	}
	return nil
}

func (s *MetadataStore) DropView(ctx context.Context, commitID stratum.CommitID, viewID stratum.ViewID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	views, err := bucketOf(tx, bucketViews)
	if err != nil {
		return err
	}
	names, err := bucketOf(tx, bucketViewNames)
	if err != nil {
		return err
	}

	var view stratum.ViewInfo
	if ok, err := getJSON(views, keyU64(uint64(viewID)), &view); err != nil {
		return err
	} else if !ok {
		return stratum.NewErrViewNotFound(viewID)
	}

	if err := views.Delete(keyU64(uint64(viewID))); err != nil {
		return metadataErr(err, "deleting view")
	}
	if err := names.Delete(keyScopedName(view.SchemaID, view.Name)); err != nil {
		return metadataErr(err, "deleting view name")
	}
	return nil
}

// InsertChunks registers new chunks under the table, in input order. Chunk
// ids must be fresh: colliding with a live chunk or with one awaiting
// deletion is an error, since both still occupy chunk storage.
func (s *MetadataStore) InsertChunks(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, chunks []stratum.ChunkInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	tables, err := bucketOf(tx, bucketTables)
	if err != nil {
		return err
	}
	if tables.Get(keyU64(uint64(tableID))) == nil {
		return stratum.NewErrTableNotFound(tableID)
	}

	bkt, err := bucketOf(tx, bucketChunks)
	if err != nil {
		return err
	}
	deleted, err := bucketOf(tx, bucketDeletedChunks)
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		key := keyTableChunk(tableID, chunk.ID)
		if bkt.Get(key) != nil {
			return stratum.NewErrChunkExists(chunk.ID)
		}
		if deleted.Get(keyU64(uint64(chunk.ID))) != nil {
			return stratum.NewErrChunkExists(chunk.ID)
		}
		if err := putJSON(bkt, key, chunk); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChunks moves chunks from live table metadata to the deleted-chunk
// bookkeeping bucket. The chunk files themselves are untouched; the cleaner
// removes them after the grace period.
func (s *MetadataStore) DeleteChunks(ctx context.Context, commitID stratum.CommitID, tableID stratum.TableID, chunkIDs []stratum.ChunkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.requireCommit(commitID)
	if err != nil {
		return err
	}

	tables, err := bucketOf(tx, bucketTables)
	if err != nil {
		return err
	}
	if tables.Get(keyU64(uint64(tableID))) == nil {
		return stratum.NewErrTableNotFound(tableID)
	}

	bkt, err := bucketOf(tx, bucketChunks)
	if err != nil {
		return err
	}
	deleted, err := bucketOf(tx, bucketDeletedChunks)
	if err != nil {
		return err
	}

	for _, chunkID := range chunkIDs {
		key := keyTableChunk(tableID, chunkID)
		v := bkt.Get(key)
		if v == nil {
			return stratum.NewErrChunkNotFound(chunkID)
		}
		var chunk stratum.ChunkInfo
		if err := json.Unmarshal(v, &chunk); err != nil {
			return metadataErr(err, "unmarshalling chunk")
		}
		row := stratum.DeletedChunk{
			TableID:   tableID,
			Chunk:     chunk,
			DeletedAt: tx.now,
		}
		if err := putJSON(deleted, keyU64(uint64(chunkID)), row); err != nil {
			return err
		}
		if err := bkt.Delete(key); err != nil {
			return metadataErr(err, "deleting chunk row")
		}
	}
	return nil
}

// BlockMaintenance fences the table's chunks away from the cleaner. The flag
// is written in its own transaction so it takes effect immediately.
func (s *MetadataStore) BlockMaintenance(ctx context.Context, tableID stratum.TableID) error {
	return s.shortWriteTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketMaintenance)
		if err != nil {
			return err
		}
		return putJSON(bkt, keyU64(uint64(tableID)), tx.now)
	})
}

func (s *MetadataStore) UnblockMaintenance(ctx context.Context, tableID stratum.TableID) error {
	return s.shortWriteTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketMaintenance)
		if err != nil {
			return err
		}
		if err := bkt.Delete(keyU64(uint64(tableID))); err != nil {
			return metadataErr(err, "deleting maintenance flag")
		}
		return nil
	})
}

func (s *MetadataStore) ClearAllMaintenance(ctx context.Context) error {
	return s.shortWriteTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketMaintenance)
		if err != nil {
			return err
		}
		var keys [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			keys = append(keys, k)
			return nil
		}); err != nil {
			return metadataErr(err, "scanning maintenance flags")
		}
		for _, k := range keys {
			if err := bkt.Delete(k); err != nil {
				return metadataErr(err, "deleting maintenance flag")
			}
		}
		return nil
	})
}

// DeletedChunks returns deleted-chunk rows stamped at or before the cutoff,
// skipping rows whose table is under a maintenance block.
func (s *MetadataStore) DeletedChunks(ctx context.Context, olderThan time.Time) ([]stratum.DeletedChunk, error) {
	var rows []stratum.DeletedChunk
	err := s.readTx(ctx, func(tx *Tx) error {
		blocked, err := s.maintenanceSet(tx)
		if err != nil {
			return err
		}
		bkt, err := bucketOf(tx, bucketDeletedChunks)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			var row stratum.DeletedChunk
			if err := json.Unmarshal(v, &row); err != nil {
				return metadataErr(err, "unmarshalling deleted chunk")
			}
			if _, ok := blocked[row.TableID]; ok {
				return nil
			}
			if row.DeletedAt.After(olderThan) {
				return nil
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *MetadataStore) PurgeDeletedChunks(ctx context.Context, chunkIDs []stratum.ChunkID) error {
	return s.shortWriteTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketDeletedChunks)
		if err != nil {
			return err
		}
		for _, chunkID := range chunkIDs {
			if err := bkt.Delete(keyU64(uint64(chunkID))); err != nil {
				return metadataErr(err, "deleting deleted-chunk row")
			}
		}
		return nil
	})
}

func (s *MetadataStore) DroppedTables(ctx context.Context, olderThan time.Time) ([]stratum.TableID, error) {
	var tableIDs []stratum.TableID
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketDroppedTables)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			var row stratum.DroppedTable
			if err := json.Unmarshal(v, &row); err != nil {
				return metadataErr(err, "unmarshalling dropped table")
			}
			if row.DroppedAt.After(olderThan) {
				return nil
			}
			tableIDs = append(tableIDs, row.TableID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tableIDs, nil
}

func (s *MetadataStore) PurgeDroppedTables(ctx context.Context, tableIDs []stratum.TableID) error {
	return s.shortWriteTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketDroppedTables)
		if err != nil {
			return err
		}
		for _, tableID := range tableIDs {
			if err := bkt.Delete(keyU64(uint64(tableID))); err != nil {
				return metadataErr(err, "deleting dropped-table row")
			}
		}
		return nil
	})
}

func (s *MetadataStore) PurgeTransactions(ctx context.Context, olderThan time.Time) (int, error) {
	n := 0
	err := s.shortWriteTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketTransactions)
		if err != nil {
			return err
		}
		var keys [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			var row stratum.TransactionInfo
			if err := json.Unmarshal(v, &row); err != nil {
				return metadataErr(err, "unmarshalling transaction")
			}
			if row.FinishedAt.After(olderThan) {
				return nil
			}
			keys = append(keys, k)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := bkt.Delete(k); err != nil {
				return metadataErr(err, "deleting transaction row")
			}
		}
		n = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Schema returns the schema with the given id.
func (s *MetadataStore) Schema(ctx context.Context, schemaID stratum.SchemaID) (stratum.SchemaInfo, error) {
	var schema stratum.SchemaInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketSchemas)
		if err != nil {
			return err
		}
		if ok, err := getJSON(bkt, keyU64(uint64(schemaID)), &schema); err != nil {
			return err
		} else if !ok {
			return stratum.NewErrSchemaNotFound(schemaID)
		}
		return nil
	})
	return schema, err
}

// Schemas returns all schemas ordered by id.
func (s *MetadataStore) Schemas(ctx context.Context) ([]stratum.SchemaInfo, error) {
	var schemas []stratum.SchemaInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketSchemas)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			var schema stratum.SchemaInfo
			if err := json.Unmarshal(v, &schema); err != nil {
				return metadataErr(err, "unmarshalling schema")
			}
			schemas = append(schemas, schema)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return schemas, nil
}

// Table returns the table with the given id.
func (s *MetadataStore) Table(ctx context.Context, tableID stratum.TableID) (stratum.TableInfo, error) {
	var table stratum.TableInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketTables)
		if err != nil {
			return err
		}
		if ok, err := getJSON(bkt, keyU64(uint64(tableID)), &table); err != nil {
			return err
		} else if !ok {
			return stratum.NewErrTableNotFound(tableID)
		}
		return nil
	})
	return table, err
}

// Tables returns all tables ordered by id.
func (s *MetadataStore) Tables(ctx context.Context) ([]stratum.TableInfo, error) {
	var tables []stratum.TableInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketTables)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			var table stratum.TableInfo
			if err := json.Unmarshal(v, &table); err != nil {
				return metadataErr(err, "unmarshalling table")
			}
			tables = append(tables, table)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// TableByName returns the table with the given name within the schema.
func (s *MetadataStore) TableByName(ctx context.Context, schemaID stratum.SchemaID, name string) (stratum.TableInfo, error) {
	var table stratum.TableInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		names, err := bucketOf(tx, bucketTableNames)
		if err != nil {
			return err
		}
		v := names.Get(keyScopedName(schemaID, name))
		if v == nil {
			return errors.Newf(stratum.ErrTableNotFound, "table '%s' does not exist", name)
		}
		bkt, err := bucketOf(tx, bucketTables)
		if err != nil {
			return err
		}
		if ok, err := getJSON(bkt, v, &table); err != nil {
			return err
		} else if !ok {
			return errors.Newf(stratum.ErrMetadataStore, "table name '%s' points at a missing table row", name)
		}
		return nil
	})
	return table, err
}

// View returns the view with the given id.
func (s *MetadataStore) View(ctx context.Context, viewID stratum.ViewID) (stratum.ViewInfo, error) {
	var view stratum.ViewInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketViews)
		if err != nil {
			return err
		}
		if ok, err := getJSON(bkt, keyU64(uint64(viewID)), &view); err != nil {
			return err
		} else if !ok {
			return stratum.NewErrViewNotFound(viewID)
		}
		return nil
	})
	return view, err
}

// Views returns all views ordered by id.
func (s *MetadataStore) Views(ctx context.Context) ([]stratum.ViewInfo, error) {
	var views []stratum.ViewInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketViews)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			var view stratum.ViewInfo
			if err := json.Unmarshal(v, &view); err != nil {
				return metadataErr(err, "unmarshalling view")
			}
			views = append(views, view)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

// Chunks returns the table's live chunks ordered by chunk id.
func (s *MetadataStore) Chunks(ctx context.Context, tableID stratum.TableID) ([]stratum.ChunkInfo, error) {
	var chunks []stratum.ChunkInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		tables, err := bucketOf(tx, bucketTables)
		if err != nil {
			return err
		}
		if tables.Get(keyU64(uint64(tableID))) == nil {
			return stratum.NewErrTableNotFound(tableID)
		}
		bkt, err := bucketOf(tx, bucketChunks)
		if err != nil {
			return err
		}
		prefix := keyU64(uint64(tableID))
		c := bkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var chunk stratum.ChunkInfo
			if err := json.Unmarshal(v, &chunk); err != nil {
				return metadataErr(err, "unmarshalling chunk")
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// Commits returns up to limit commit log rows, newest first. A limit of zero
// or less returns everything.
func (s *MetadataStore) Commits(ctx context.Context, limit int) ([]stratum.CommitInfo, error) {
	var commits []stratum.CommitInfo
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketCommits)
		if err != nil {
			return err
		}
		c := bkt.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(commits) >= limit {
				break
			}
			var info stratum.CommitInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return metadataErr(err, "unmarshalling commit")
			}
			commits = append(commits, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commits, nil
}

// MaintenanceBlocks returns the tables currently fenced from the cleaner and
// when each block was set.
func (s *MetadataStore) MaintenanceBlocks(ctx context.Context) (map[stratum.TableID]time.Time, error) {
	blocks := make(map[stratum.TableID]time.Time)
	err := s.readTx(ctx, func(tx *Tx) error {
		bkt, err := bucketOf(tx, bucketMaintenance)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			var at time.Time
			if err := json.Unmarshal(v, &at); err != nil {
				return metadataErr(err, "unmarshalling maintenance flag")
			}
			blocks[stratum.TableID(binary.BigEndian.Uint64(k))] = at
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// maintenanceSet returns the set of fenced table ids within tx.
func (s *MetadataStore) maintenanceSet(tx *Tx) (map[stratum.TableID]struct{}, error) {
	bkt, err := bucketOf(tx, bucketMaintenance)
	if err != nil {
		return nil, err
	}
	blocked := make(map[stratum.TableID]struct{})
	if err := bkt.ForEach(func(k, v []byte) error {
		blocked[stratum.TableID(binary.BigEndian.Uint64(k))] = struct{}{}
		return nil
	}); err != nil {
		return nil, metadataErr(err, "scanning maintenance flags")
	}
	return blocked, nil
}

// readTx runs fn in a read-only transaction. Bolt gives readers a consistent
// snapshot, so these never observe a half-applied commit.
func (s *MetadataStore) readTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, false)
	if err != nil {
		return metadataErr(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

// shortWriteTx runs fn in its own write transaction. It refuses to run while
// a commit transaction is open rather than queue on bolt's writer lock behind
// a transaction that may never resolve.
func (s *MetadataStore) shortWriteTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return stratum.NewErrCommitInProgress(s.commitID)
	}

	tx, err := s.db.BeginTx(ctx, true)
	if err != nil {
		return metadataErr(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return metadataErr(err, "committing transaction")
	}
	return nil
}

// bucketOf returns the named bucket within tx. The buckets are created at
// Open, so a missing bucket means the database file is not ours.
func bucketOf(tx *Tx, name Bucket) (*bolt.Bucket, error) {
	bkt := tx.Bucket(name)
	if bkt == nil {
		return nil, errors.Newf(stratum.ErrMetadataStore, ErrFmtBucketNotFound, name)
	}
	return bkt, nil
}

func putJSON(bkt *bolt.Bucket, key []byte, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return metadataErr(err, "marshalling value")
	}
	if err := bkt.Put(key, val); err != nil {
		return metadataErr(err, "putting value")
	}
	return nil
}

// getJSON unmarshals the value at key into v, reporting whether the key was
// present.
func getJSON(bkt *bolt.Bucket, key []byte, v interface{}) (bool, error) {
	val := bkt.Get(key)
	if val == nil {
		return false, nil
	}
	if err := json.Unmarshal(val, v); err != nil {
		return false, metadataErr(err, "unmarshalling value")
	}
	return true, nil
}

// metadataErr tags a storage-layer failure with the metadata store error
// code. Domain errors never pass through here.
func metadataErr(err error, message string) error {
	return errors.WithCode(err, stratum.ErrMetadataStore, message)
}

func keyU64(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func keyTableChunk(tableID stratum.TableID, chunkID stratum.ChunkID) []byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[:8], uint64(tableID))
	binary.BigEndian.PutUint64(k[8:], uint64(chunkID))
	return k[:]
}

// keyScopedName builds a schema-scoped name key so that names are unique per
// schema and children of one schema are a contiguous key range.
func keyScopedName(schemaID stratum.SchemaID, name string) []byte {
	k := make([]byte, 8+len(name))
	binary.BigEndian.PutUint64(k[:8], uint64(schemaID))
	copy(k[8:], name)
	return k
}
