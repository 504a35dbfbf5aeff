package stratum

import (
	"github.com/stratumdb/stratum/errors"
)

const (
	// ErrMetadataStore is the code carried by any storage or connectivity
	// failure inside the metadata store. Domain errors below are never
	// translated to it.
	ErrMetadataStore errors.Code = "MetadataStore"

	ErrCommitInProgress errors.Code = "CommitInProgress"
	ErrNoActiveCommit   errors.Code = "NoActiveCommit"

	ErrSchemaExists   errors.Code = "SchemaExists"
	ErrSchemaNotFound errors.Code = "SchemaNotFound"
	ErrSchemaNotEmpty errors.Code = "SchemaNotEmpty"

	ErrTableExists   errors.Code = "TableExists"
	ErrTableNotFound errors.Code = "TableNotFound"

	ErrColumnExists   errors.Code = "ColumnExists"
	ErrColumnNotFound errors.Code = "ColumnNotFound"

	ErrViewExists   errors.Code = "ViewExists"
	ErrViewNotFound errors.Code = "ViewNotFound"

	ErrChunkExists   errors.Code = "ChunkExists"
	ErrChunkNotFound errors.Code = "ChunkNotFound"

	// ErrChunkStorage is the code carried by failures reading, decoding, or
	// writing a chunk's columnar data.
	ErrChunkStorage errors.Code = "ChunkStorage"

	// ErrStaleBatch is returned when a deferred column load runs against a
	// batch that has since been superseded.
	ErrStaleBatch errors.Code = "StaleBatch"
)

// The following are helper functions for constructing coded errors containing
// relevant information about the specific error.

func NewErrCommitInProgress(commitID CommitID) error {
	return errors.Newf(ErrCommitInProgress, "commit %s is already in progress", commitID)
}

func NewErrNoActiveCommit(commitID CommitID) error {
	return errors.Newf(ErrNoActiveCommit, "commit %s is not active", commitID)
}

func NewErrSchemaExists(name string) error {
	return errors.Newf(ErrSchemaExists, "schema '%s' already exists", name)
}

func NewErrSchemaNotFound(schemaID SchemaID) error {
	return errors.Newf(ErrSchemaNotFound, "schema ID %s does not exist", schemaID)
}

func NewErrSchemaNotEmpty(schemaID SchemaID) error {
	return errors.Newf(ErrSchemaNotEmpty, "schema ID %s is not empty", schemaID)
}

func NewErrTableExists(name string) error {
	return errors.Newf(ErrTableExists, "table '%s' already exists", name)
}

func NewErrTableNotFound(tableID TableID) error {
	return errors.Newf(ErrTableNotFound, "table ID %s does not exist", tableID)
}

func NewErrColumnExists(name string) error {
	return errors.Newf(ErrColumnExists, "column '%s' already exists", name)
}

func NewErrColumnNotFound(columnID ColumnID) error {
	return errors.Newf(ErrColumnNotFound, "column ID %s does not exist", columnID)
}

func NewErrViewExists(name string) error {
	return errors.Newf(ErrViewExists, "view '%s' already exists", name)
}

func NewErrViewNotFound(viewID ViewID) error {
	return errors.Newf(ErrViewNotFound, "view ID %s does not exist", viewID)
}

func NewErrChunkExists(chunkID ChunkID) error {
	return errors.Newf(ErrChunkExists, "chunk ID %s already exists", chunkID)
}

func NewErrChunkNotFound(chunkID ChunkID) error {
	return errors.Newf(ErrChunkNotFound, "chunk ID %s does not exist", chunkID)
}
