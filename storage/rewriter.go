package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/logger"
)

// ReaderFactory opens a fresh decoder over the chunk being rewritten. The
// rewrite re-reads the chunk from the start, independent of the page source
// that accumulated the deletions.
type ReaderFactory func(ctx context.Context) (RecordReader, error)

// WriterFactory opens a writer for the replacement chunk.
type WriterFactory func(ctx context.Context) (ChunkWriter, error)

// Ensure type implements interface.
var _ ChunkRewriter = (*Rewriter)(nil)

// Rewriter materializes a deletion set by re-reading the source chunk and
// streaming the surviving rows into a replacement chunk.
type Rewriter struct {
	openReader ReaderFactory
	openWriter WriterFactory
	mem        memory.Allocator
	logger     logger.Logger
}

// NewRewriter returns a Rewriter over the given chunk codec factories. A nil
// logger falls back to the nop logger.
func NewRewriter(openReader ReaderFactory, openWriter WriterFactory, log logger.Logger) *Rewriter {
	if log == nil {
		log = logger.NopLogger
	}
	return &Rewriter{
		openReader: openReader,
		openWriter: openWriter,
		mem:        memory.NewGoAllocator(),
		logger:     log,
	}
}

// Rewrite produces the replacement for a chunk whose rows in deleted are
// logically gone. Batches with no surviving rows are skipped without
// decoding; untouched batches pass through unfiltered. An empty result means
// every row was deleted and the chunk should be dropped.
func (rw *Rewriter) Rewrite(ctx context.Context, deleted *RowSet) ([]stratum.ChunkInfo, error) {
	// Nothing survives: the caller drops the chunk outright and no
	// replacement file is written.
	if deleted.Count() == deleted.Len() {
		return nil, nil
	}

	reader, err := rw.openReader(ctx)
	if err != nil {
		return nil, errors.WithCode(err, stratum.ErrChunkStorage, "opening chunk reader")
	}
	defer rw.closeQuietly(reader)

	writer, err := rw.openWriter(ctx)
	if err != nil {
		return nil, errors.WithCode(err, stratum.ErrChunkStorage, "opening chunk writer")
	}
	defer rw.closeQuietly(writer)

	columns := reader.Schema()
	schema, err := ArrowSchema(columns)
	if err != nil {
		return nil, err
	}

	var survivors int64
	for {
		n, err := reader.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithCode(err, stratum.ErrChunkStorage, "reading batch")
		}

		pos := reader.FilePosition()
		keep := make([]int, 0, n)
		for i := 0; i < n; i++ {
			if !deleted.Contains(pos + int64(i)) {
				keep = append(keep, i)
			}
		}
		if len(keep) == 0 {
			continue
		}

		arrs := make([]arrow.Array, len(columns))
		for i := range columns {
			arr, err := reader.ReadColumn(i)
			if err != nil {
				return nil, errors.WithCode(err, stratum.ErrChunkStorage, fmt.Sprintf("decoding column %d", i))
			}
			arrs[i] = arr
		}

		if len(keep) < n {
			for i, col := range columns {
				filtered, err := filterColumn(rw.mem, col, arrs[i], keep)
				if err != nil {
					return nil, err
				}
				arrs[i] = filtered
			}
		}

		rec := array.NewRecord(schema, arrs, int64(len(keep)))
		if err := writer.WriteRecord(rec); err != nil {
			return nil, errors.WithCode(err, stratum.ErrChunkStorage, "writing surviving rows")
		}
		survivors += int64(len(keep))
	}

	// A file that carried no surviving rows is dropped, not replaced; the
	// deferred Close abandons the writer.
	if survivors == 0 {
		return nil, nil
	}

	info, err := writer.Finish()
	if err != nil {
		return nil, errors.WithCode(err, stratum.ErrChunkStorage, "finishing replacement chunk")
	}
	return []stratum.ChunkInfo{info}, nil
}

// filterColumn copies the kept rows of one column into a fresh array,
// preserving nulls.
func filterColumn(mem memory.Allocator, col Column, arr arrow.Array, keep []int) (arrow.Array, error) {
	switch col.Type {
	case TypeBigint:
		src, ok := arr.(*array.Int64)
		if !ok {
			return nil, errors.Newf(stratum.ErrChunkStorage, "column %d: expected bigint data, got %s", col.ID, arr.DataType())
		}
		b := array.NewInt64Builder(mem)
		for _, i := range keep {
			if src.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(src.Value(i))
			}
		}
		return b.NewArray(), nil
	case TypeDouble:
		src, ok := arr.(*array.Float64)
		if !ok {
			return nil, errors.Newf(stratum.ErrChunkStorage, "column %d: expected double data, got %s", col.ID, arr.DataType())
		}
		b := array.NewFloat64Builder(mem)
		for _, i := range keep {
			if src.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(src.Value(i))
			}
		}
		return b.NewArray(), nil
	case TypeVarchar:
		src, ok := arr.(*array.String)
		if !ok {
			return nil, errors.Newf(stratum.ErrChunkStorage, "column %d: expected varchar data, got %s", col.ID, arr.DataType())
		}
		b := array.NewStringBuilder(mem)
		for _, i := range keep {
			if src.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(src.Value(i))
			}
		}
		return b.NewArray(), nil
	default:
		return nil, errors.Newf(stratum.ErrChunkStorage, "unsupported column type %q", col.Type)
	}
}

func (rw *Rewriter) closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		rw.logger.Debugf("closing chunk resource: %v", err)
	}
}
