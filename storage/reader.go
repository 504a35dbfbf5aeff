// Package storage implements the read side of the chunk lifecycle: columnar
// page production over a chunk decoder, accumulation of a row-deletion set,
// and the rewrite that materializes those deletions as a replacement chunk.
package storage

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v10/arrow"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
)

// Column types understood by the page source and rewriter.
const (
	TypeBigint  = "bigint"
	TypeDouble  = "double"
	TypeVarchar = "varchar"
)

// Synthetic column indexes. A Column whose Index is non-negative names a
// physical column position in the chunk file; these values request computed
// columns instead.
const (
	// NullColumn produces a column of nulls of the declared type.
	NullColumn = -1

	// RowIDColumn produces the row's global file offset. Offsets are dense
	// across batches, starting at 0 for the chunk's first row, so ids
	// captured from any batch are valid DeleteRows input.
	RowIDColumn = -2

	// ChunkIDColumn produces the chunk id as a bigint.
	ChunkIDColumn = -3

	// BucketNumberColumn produces the chunk's bucket number as a bigint.
	BucketNumberColumn = -4
)

// Column is one requested output column of a page source, or one physical
// column of a chunk file.
type Column struct {
	ID    stratum.ColumnID
	Type  string
	Index int
}

// RecordReader decodes one physical chunk sequentially. Implementations are
// single-goroutine objects; a new reader is opened per read session.
type RecordReader interface {
	// RowCount returns the chunk's total row count as declared by the file.
	RowCount() int64

	// NextBatch advances to the next batch and returns its row count, or
	// io.EOF after the last batch.
	NextBatch() (int, error)

	// FilePosition returns the global offset of the current batch's first
	// row.
	FilePosition() int64

	// ReadColumn decodes physical column i of the current batch.
	ReadColumn(i int) (arrow.Array, error)

	// Schema returns the chunk file's physical columns in file order.
	Schema() []Column

	Close() error
}

// ChunkWriter encodes a replacement chunk. Close before Finish discards the
// output; Close after Finish is a no-op.
type ChunkWriter interface {
	WriteRecord(rec arrow.Record) error

	// Finish seals the chunk and returns its descriptor, including row
	// count, sizes, and checksum.
	Finish() (stratum.ChunkInfo, error)

	Close() error
}

// ChunkRewriter produces replacement chunks for a chunk with deleted rows.
// An empty result means every row was deleted and the chunk should be
// dropped without replacement.
type ChunkRewriter interface {
	Rewrite(ctx context.Context, deleted *RowSet) ([]stratum.ChunkInfo, error)
}

// ArrowType maps a column type name to its arrow representation.
func ArrowType(typ string) (arrow.DataType, error) {
	switch typ {
	case TypeBigint:
		return arrow.PrimitiveTypes.Int64, nil
	case TypeDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case TypeVarchar:
		return arrow.BinaryTypes.String, nil
	default:
		return nil, errors.Newf(stratum.ErrChunkStorage, "unsupported column type %q", typ)
	}
}

// ArrowSchema builds the arrow schema for a set of columns. Field names are
// derived from column ids; chunk files address columns by position, not name.
func ArrowSchema(columns []Column) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		typ, err := ArrowType(col.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: fmt.Sprintf("c%d", col.ID), Type: typ}
	}
	return arrow.NewSchema(fields, nil), nil
}
