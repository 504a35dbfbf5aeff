package storage

import (
	"context"
	"io"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/logger"
)

// pageSourceOption is a functional option type for PageSource.
type pageSourceOption func(ps *PageSource) error

// OptPageSourceRewriter supplies the rewriter that Finish delegates to.
// Sources built without one are read-only.
func OptPageSourceRewriter(rw ChunkRewriter) pageSourceOption {
	return func(ps *PageSource) error {
		ps.rewriter = rw
		return nil
	}
}

// OptPageSourceAllocator overrides the arrow allocator.
func OptPageSourceAllocator(mem memory.Allocator) pageSourceOption {
	return func(ps *PageSource) error {
		ps.mem = mem
		return nil
	}
}

// OptPageSourceLogger overrides the logger.
func OptPageSourceLogger(log logger.Logger) pageSourceOption {
	return func(ps *PageSource) error {
		ps.logger = log
		return nil
	}
}

// PageSource produces pages from one chunk and accumulates row deletions to
// be materialized by a rewrite when the read finishes. It is a
// single-goroutine object; concurrent readers of the same chunk each own an
// independent source.
type PageSource struct {
	reader       RecordReader
	columns      []Column
	chunkID      stratum.ChunkID
	bucketNumber int

	rewriter ChunkRewriter
	mem      memory.Allocator
	logger   logger.Logger

	// constants holds the prebuilt region for each synthetic constant
	// column, parallel to columns; nil for physical and row-id columns.
	constants []arrow.Array

	rowsToDelete *RowSet
	batchSeq     int64
	finished     bool
	closed       bool
}

// NewPageSource returns a source producing the given output columns from the
// reader's chunk. The deletion set is sized from the reader's declared row
// count, so DeleteRows is valid before the first page is produced.
func NewPageSource(reader RecordReader, columns []Column, chunkID stratum.ChunkID, bucketNumber int, opts ...pageSourceOption) (*PageSource, error) {
	ps := &PageSource{
		reader:       reader,
		columns:      columns,
		chunkID:      chunkID,
		bucketNumber: bucketNumber,
		mem:          memory.NewGoAllocator(),
		logger:       logger.NopLogger,
		rowsToDelete: NewRowSet(reader.RowCount()),
	}
	for _, opt := range opts {
		if err := opt(ps); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	ps.constants = make([]arrow.Array, len(columns))
	for i, col := range columns {
		switch col.Index {
		case NullColumn, ChunkIDColumn, BucketNumberColumn:
			region, err := buildConstantRegion(ps.mem, col, chunkID, bucketNumber)
			if err != nil {
				return nil, err
			}
			ps.constants[i] = region
		}
	}
	return ps, nil
}

// NextPage returns the next batch as one block per requested column, or
// io.EOF once the chunk is exhausted. After the last batch the source closes
// itself; only Close, DeleteRows, and Finish remain valid.
func (ps *PageSource) NextPage() (*Page, error) {
	if ps.closed || ps.finished {
		return nil, io.EOF
	}

	// Advance the sequence before decoding so lazy blocks handed out for
	// the previous batch can no longer load against the new reader
	// position.
	ps.batchSeq++

	n, err := ps.reader.NextBatch()
	if err == io.EOF {
		ps.finished = true
		ps.closeQuietly("end of chunk")
		return nil, io.EOF
	}
	if err != nil {
		ps.closeQuietly("failed batch read")
		return nil, errors.WithCode(err, stratum.ErrChunkStorage, "reading next batch")
	}
	if n > MaxBatchRows {
		ps.closeQuietly("oversized batch")
		return nil, errors.Newf(stratum.ErrChunkStorage, "batch of %d rows exceeds %d", n, MaxBatchRows)
	}

	pos := ps.reader.FilePosition()
	blocks := make([]Block, len(ps.columns))
	for i, col := range ps.columns {
		switch col.Index {
		case RowIDColumn:
			blocks[i] = newSequenceBlock(ps.mem, pos, n)
		case NullColumn, ChunkIDColumn, BucketNumberColumn:
			blocks[i] = constantBlock{region: ps.constants[i], n: n}
		default:
			blocks[i] = &lazyBlock{source: ps, column: col.Index, seq: ps.batchSeq, n: n}
		}
	}
	return &Page{Blocks: blocks, NumRows: n}, nil
}

// DeleteRows marks the given row ids deleted. Ids are global file offsets as
// produced by RowIDColumn; null entries are skipped. Calls are additive and
// valid at any point in the source's life.
func (ps *PageSource) DeleteRows(rowIDs *array.Int64) {
	for i := 0; i < rowIDs.Len(); i++ {
		if rowIDs.IsNull(i) {
			continue
		}
		ps.rowsToDelete.Set(rowIDs.Value(i))
	}
}

// Finish hands the accumulated deletions to the rewriter and returns the
// descriptors of the replacement chunks. An empty result means every row was
// deleted and the chunk should be dropped without replacement. Finish panics
// when the source was built without a rewriter; only update and delete reads
// carry one.
func (ps *PageSource) Finish(ctx context.Context) ([]stratum.ChunkInfo, error) {
	if ps.rewriter == nil {
		panic("storage: Finish on a page source without a rewriter")
	}
	return ps.rewriter.Rewrite(ctx, ps.rowsToDelete)
}

// Close releases the chunk reader. It is idempotent and valid in any state.
func (ps *PageSource) Close() error {
	if ps.closed {
		return nil
	}
	ps.closed = true
	if err := ps.reader.Close(); err != nil {
		return errors.Wrap(err, "closing chunk reader")
	}
	return nil
}

func (ps *PageSource) closeQuietly(what string) {
	if err := ps.Close(); err != nil {
		ps.logger.Debugf("closing chunk reader after %s: %v", what, err)
	}
}
