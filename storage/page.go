package storage

import (
	"fmt"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
)

// MaxBatchRows is the largest batch a decoder may produce through a page
// source. Constant regions are built once at this extent and sliced per
// batch, so a larger batch cannot be covered.
const MaxBatchRows = 8192

// Block is one column of one page. Values may defer decoding until called.
type Block interface {
	Count() int
	Values() (arrow.Array, error)
}

// Page is one decoded batch: one Block per requested output column.
type Page struct {
	Blocks  []Block
	NumRows int
}

// Column returns the block at position i.
func (p *Page) Column(i int) Block {
	return p.Blocks[i]
}

// constantBlock is a view over a prebuilt single-value region. The region is
// shared by every batch of the page source; each block only narrows it to
// the batch's row extent.
type constantBlock struct {
	region arrow.Array
	n      int
}

func (b constantBlock) Count() int { return b.n }

func (b constantBlock) Values() (arrow.Array, error) {
	return array.NewSlice(b.region, 0, int64(b.n)), nil
}

// sequenceBlock carries row ids as global file offsets, built eagerly per
// batch.
type sequenceBlock struct {
	values arrow.Array
	n      int
}

func newSequenceBlock(mem memory.Allocator, start int64, n int) sequenceBlock {
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = start + int64(i)
	}
	b := array.NewInt64Builder(mem)
	b.AppendValues(vals, nil)
	return sequenceBlock{values: b.NewArray(), n: n}
}

func (b sequenceBlock) Count() int { return b.n }

func (b sequenceBlock) Values() (arrow.Array, error) {
	return b.values, nil
}

// lazyBlock defers column decoding until Values is first called. It is
// pinned to the batch sequence it was created for; once the page source has
// advanced, the load is rejected rather than decoding the wrong batch.
type lazyBlock struct {
	source *PageSource
	column int
	seq    int64
	n      int
	loaded arrow.Array
}

func (b *lazyBlock) Count() int { return b.n }

func (b *lazyBlock) Values() (arrow.Array, error) {
	if b.loaded != nil {
		return b.loaded, nil
	}
	if b.seq != b.source.batchSeq {
		return nil, errors.Newf(stratum.ErrStaleBatch, "batch %d superseded by batch %d", b.seq, b.source.batchSeq)
	}
	arr, err := b.source.reader.ReadColumn(b.column)
	if err != nil {
		b.source.closeQuietly("failed column decode")
		return nil, errors.WithCode(err, stratum.ErrChunkStorage, fmt.Sprintf("decoding column %d", b.column))
	}
	b.loaded = arr
	return arr, nil
}

// buildConstantRegion builds the MaxBatchRows-sized backing array for one
// synthetic constant column.
func buildConstantRegion(mem memory.Allocator, col Column, chunkID stratum.ChunkID, bucketNumber int) (arrow.Array, error) {
	switch col.Index {
	case NullColumn:
		return buildNullRegion(mem, col.Type)
	case ChunkIDColumn:
		return buildInt64Region(mem, int64(chunkID)), nil
	case BucketNumberColumn:
		return buildInt64Region(mem, int64(bucketNumber)), nil
	default:
		return nil, errors.Newf(stratum.ErrChunkStorage, "column index %d is not a constant kind", col.Index)
	}
}

func buildNullRegion(mem memory.Allocator, typ string) (arrow.Array, error) {
	switch typ {
	case TypeBigint:
		b := array.NewInt64Builder(mem)
		for i := 0; i < MaxBatchRows; i++ {
			b.AppendNull()
		}
		return b.NewArray(), nil
	case TypeDouble:
		b := array.NewFloat64Builder(mem)
		for i := 0; i < MaxBatchRows; i++ {
			b.AppendNull()
		}
		return b.NewArray(), nil
	case TypeVarchar:
		b := array.NewStringBuilder(mem)
		for i := 0; i < MaxBatchRows; i++ {
			b.AppendNull()
		}
		return b.NewArray(), nil
	default:
		return nil, errors.Newf(stratum.ErrChunkStorage, "unsupported column type %q", typ)
	}
}

func buildInt64Region(mem memory.Allocator, v int64) arrow.Array {
	vals := make([]int64, MaxBatchRows)
	for i := range vals {
		vals[i] = v
	}
	b := array.NewInt64Builder(mem)
	b.AppendValues(vals, nil)
	return b.NewArray()
}
