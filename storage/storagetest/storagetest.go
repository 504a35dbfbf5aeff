// Package storagetest provides an in-memory chunk codec implementing the
// storage reader and writer interfaces over a simple length-prefixed
// encoding. It exists so page source and rewrite tests can exercise real
// arrow paths, and so integration tests can round-trip chunks through a
// chunk store, without a production columnar format.
package storagetest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/cespare/xxhash"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/storage"
)

// Column type codes carried in the chunk header.
const (
	codeBigint byte = 1 + iota
	codeDouble
	codeVarchar
)

func typeCode(typ string) (byte, error) {
	switch typ {
	case storage.TypeBigint:
		return codeBigint, nil
	case storage.TypeDouble:
		return codeDouble, nil
	case storage.TypeVarchar:
		return codeVarchar, nil
	default:
		return 0, fmt.Errorf("storagetest: unsupported column type %q", typ)
	}
}

func typeName(code byte) (string, error) {
	switch code {
	case codeBigint:
		return storage.TypeBigint, nil
	case codeDouble:
		return storage.TypeDouble, nil
	case codeVarchar:
		return storage.TypeVarchar, nil
	default:
		return "", fmt.Errorf("storagetest: unknown column type code %d", code)
	}
}

// Ensure types implement interfaces.
var _ storage.ChunkWriter = (*Writer)(nil)
var _ storage.RecordReader = (*Reader)(nil)

// Writer encodes one chunk. Every WriteRecord becomes one batch frame, so
// tests control batch boundaries exactly.
type Writer struct {
	chunkID  stratum.ChunkID
	columns  []storage.Column
	body     bytes.Buffer
	rows     int64
	data     []byte
	finished bool
	closed   bool
}

// NewWriter returns a writer for a chunk with the given identity and
// physical columns.
func NewWriter(chunkID stratum.ChunkID, columns []storage.Column) *Writer {
	return &Writer{chunkID: chunkID, columns: columns}
}

// WriteRecord appends one batch. The record's columns must match the
// writer's schema positionally.
func (w *Writer) WriteRecord(rec arrow.Record) error {
	if w.finished || w.closed {
		return fmt.Errorf("storagetest: write after finish or close")
	}
	if int(rec.NumCols()) != len(w.columns) {
		return fmt.Errorf("storagetest: record has %d columns, schema has %d", rec.NumCols(), len(w.columns))
	}
	n := int(rec.NumRows())
	putU32(&w.body, uint32(n))
	for i, col := range w.columns {
		if err := writeColumn(&w.body, col, rec.Column(i), n); err != nil {
			return err
		}
	}
	w.rows += int64(n)
	return nil
}

// Finish seals the chunk and returns its descriptor. The encoded bytes are
// available from Bytes afterwards.
func (w *Writer) Finish() (stratum.ChunkInfo, error) {
	if w.closed {
		return stratum.ChunkInfo{}, fmt.Errorf("storagetest: finish after close")
	}
	if w.finished {
		return stratum.ChunkInfo{}, fmt.Errorf("storagetest: finish called twice")
	}

	var buf bytes.Buffer
	putU32(&buf, uint32(len(w.columns)))
	for _, col := range w.columns {
		code, err := typeCode(col.Type)
		if err != nil {
			return stratum.ChunkInfo{}, err
		}
		putU64(&buf, uint64(col.ID))
		buf.WriteByte(code)
	}
	putU64(&buf, uint64(w.rows))
	buf.Write(w.body.Bytes())

	w.finished = true
	w.data = buf.Bytes()
	return stratum.ChunkInfo{
		ID:               w.chunkID,
		RowCount:         w.rows,
		CompressedSize:   int64(len(w.data)),
		UncompressedSize: int64(len(w.data)),
		Checksum:         xxhash.Sum64(w.data),
	}, nil
}

// Close discards buffered data if Finish has not been called, and is a no-op
// afterwards.
func (w *Writer) Close() error {
	w.closed = true
	if !w.finished {
		w.body.Reset()
	}
	return nil
}

// Bytes returns the encoded chunk. It is nil before Finish.
func (w *Writer) Bytes() []byte { return w.data }

// Closed reports whether Close has been called.
func (w *Writer) Closed() bool { return w.closed }

func writeColumn(buf *bytes.Buffer, col storage.Column, arr arrow.Array, n int) error {
	if arr.Len() != n {
		return fmt.Errorf("storagetest: column %d has %d values for %d rows", col.ID, arr.Len(), n)
	}
	switch col.Type {
	case storage.TypeBigint:
		src, ok := arr.(*array.Int64)
		if !ok {
			return fmt.Errorf("storagetest: column %d: expected bigint data, got %s", col.ID, arr.DataType())
		}
		for i := 0; i < n; i++ {
			if src.IsNull(i) {
				buf.WriteByte(0)
				continue
			}
			buf.WriteByte(1)
			putU64(buf, uint64(src.Value(i)))
		}
	case storage.TypeDouble:
		src, ok := arr.(*array.Float64)
		if !ok {
			return fmt.Errorf("storagetest: column %d: expected double data, got %s", col.ID, arr.DataType())
		}
		for i := 0; i < n; i++ {
			if src.IsNull(i) {
				buf.WriteByte(0)
				continue
			}
			buf.WriteByte(1)
			putU64(buf, math.Float64bits(src.Value(i)))
		}
	case storage.TypeVarchar:
		src, ok := arr.(*array.String)
		if !ok {
			return fmt.Errorf("storagetest: column %d: expected varchar data, got %s", col.ID, arr.DataType())
		}
		for i := 0; i < n; i++ {
			if src.IsNull(i) {
				buf.WriteByte(0)
				continue
			}
			buf.WriteByte(1)
			s := src.Value(i)
			putU32(buf, uint32(len(s)))
			buf.WriteString(s)
		}
	default:
		return fmt.Errorf("storagetest: unsupported column type %q", col.Type)
	}
	return nil
}

// cell is one decoded value.
type cell struct {
	valid bool
	i64   int64
	f64   float64
	str   string
}

// Reader decodes chunks produced by Writer.
type Reader struct {
	dec     decoder
	columns []storage.Column
	rows    int64
	mem     memory.Allocator

	pos     int64
	nextPos int64
	batch   [][]cell
	closed  bool
}

// NewReader returns a reader over one encoded chunk.
func NewReader(data []byte) (*Reader, error) {
	r := &Reader{dec: decoder{data: data}, mem: memory.NewGoAllocator()}

	ncols, err := r.dec.u32()
	if err != nil {
		return nil, err
	}
	r.columns = make([]storage.Column, ncols)
	for i := range r.columns {
		id, err := r.dec.u64()
		if err != nil {
			return nil, err
		}
		code, err := r.dec.u8()
		if err != nil {
			return nil, err
		}
		typ, err := typeName(code)
		if err != nil {
			return nil, err
		}
		r.columns[i] = storage.Column{ID: stratum.ColumnID(id), Type: typ, Index: i}
	}
	rows, err := r.dec.u64()
	if err != nil {
		return nil, err
	}
	r.rows = int64(rows)
	return r, nil
}

// RowCount returns the chunk's declared total row count.
func (r *Reader) RowCount() int64 { return r.rows }

// NextBatch decodes the next batch frame.
func (r *Reader) NextBatch() (int, error) {
	if r.closed {
		return 0, fmt.Errorf("storagetest: read after close")
	}
	if r.dec.empty() {
		return 0, io.EOF
	}

	u, err := r.dec.u32()
	if err != nil {
		return 0, err
	}
	n := int(u)
	batch := make([][]cell, len(r.columns))
	for i, col := range r.columns {
		cells, err := r.readCells(col, n)
		if err != nil {
			return 0, err
		}
		batch[i] = cells
	}

	r.batch = batch
	r.pos = r.nextPos
	r.nextPos += int64(n)
	return n, nil
}

// FilePosition returns the global offset of the current batch's first row.
func (r *Reader) FilePosition() int64 { return r.pos }

// ReadColumn materializes column i of the current batch.
func (r *Reader) ReadColumn(i int) (arrow.Array, error) {
	if r.closed {
		return nil, fmt.Errorf("storagetest: read after close")
	}
	if r.batch == nil {
		return nil, fmt.Errorf("storagetest: no current batch")
	}
	if i < 0 || i >= len(r.columns) {
		return nil, fmt.Errorf("storagetest: column %d out of range", i)
	}
	return buildArray(r.mem, r.columns[i], r.batch[i])
}

// Schema returns the chunk's physical columns.
func (r *Reader) Schema() []storage.Column { return r.columns }

// Close marks the reader closed. Closed is observable for tests asserting
// resource handling.
func (r *Reader) Close() error {
	r.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (r *Reader) Closed() bool { return r.closed }

func (r *Reader) readCells(col storage.Column, n int) ([]cell, error) {
	cells := make([]cell, n)
	for i := range cells {
		valid, err := r.dec.u8()
		if err != nil {
			return nil, err
		}
		if valid == 0 {
			continue
		}
		cells[i].valid = true
		switch col.Type {
		case storage.TypeBigint:
			u, err := r.dec.u64()
			if err != nil {
				return nil, err
			}
			cells[i].i64 = int64(u)
		case storage.TypeDouble:
			u, err := r.dec.u64()
			if err != nil {
				return nil, err
			}
			cells[i].f64 = math.Float64frombits(u)
		case storage.TypeVarchar:
			ln, err := r.dec.u32()
			if err != nil {
				return nil, err
			}
			b, err := r.dec.bytes(int(ln))
			if err != nil {
				return nil, err
			}
			cells[i].str = string(b)
		}
	}
	return cells, nil
}

func buildArray(mem memory.Allocator, col storage.Column, cells []cell) (arrow.Array, error) {
	switch col.Type {
	case storage.TypeBigint:
		b := array.NewInt64Builder(mem)
		for _, c := range cells {
			if c.valid {
				b.Append(c.i64)
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil
	case storage.TypeDouble:
		b := array.NewFloat64Builder(mem)
		for _, c := range cells {
			if c.valid {
				b.Append(c.f64)
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil
	case storage.TypeVarchar:
		b := array.NewStringBuilder(mem)
		for _, c := range cells {
			if c.valid {
				b.Append(c.str)
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil
	default:
		return nil, fmt.Errorf("storagetest: unsupported column type %q", col.Type)
	}
}

// decoder is a bounds-checked cursor over encoded bytes.
type decoder struct {
	data []byte
	off  int
}

func (d *decoder) empty() bool { return d.off >= len(d.data) }

func (d *decoder) u8() (byte, error) {
	if d.off+1 > len(d.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.off+8 > len(d.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if d.off+n > len(d.data) {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// RecordOf builds a record from row-major values: each row supplies one
// value per column, where nil is a null and values must be int64, float64,
// or string matching the column type. It panics on mismatches; it is a test
// helper.
func RecordOf(columns []storage.Column, rows ...[]interface{}) arrow.Record {
	schema, err := storage.ArrowSchema(columns)
	if err != nil {
		panic(err)
	}
	mem := memory.NewGoAllocator()
	arrs := make([]arrow.Array, len(columns))
	for i, col := range columns {
		cells := make([]cell, len(rows))
		for j, row := range rows {
			if len(row) != len(columns) {
				panic(fmt.Sprintf("storagetest: row %d has %d values for %d columns", j, len(row), len(columns)))
			}
			v := row[i]
			if v == nil {
				continue
			}
			cells[j].valid = true
			switch col.Type {
			case storage.TypeBigint:
				switch x := v.(type) {
				case int64:
					cells[j].i64 = x
				case int:
					cells[j].i64 = int64(x)
				default:
					panic(fmt.Sprintf("storagetest: %T value for bigint column %d", v, col.ID))
				}
			case storage.TypeDouble:
				x, ok := v.(float64)
				if !ok {
					panic(fmt.Sprintf("storagetest: %T value for double column %d", v, col.ID))
				}
				cells[j].f64 = x
			case storage.TypeVarchar:
				x, ok := v.(string)
				if !ok {
					panic(fmt.Sprintf("storagetest: %T value for varchar column %d", v, col.ID))
				}
				cells[j].str = x
			}
		}
		arr, err := buildArray(mem, col, cells)
		if err != nil {
			panic(err)
		}
		arrs[i] = arr
	}
	return array.NewRecord(schema, arrs, int64(len(rows)))
}

// BuildChunk encodes one chunk from the given batches and returns its bytes
// and descriptor.
func BuildChunk(chunkID stratum.ChunkID, columns []storage.Column, batches ...arrow.Record) ([]byte, stratum.ChunkInfo, error) {
	w := NewWriter(chunkID, columns)
	for _, rec := range batches {
		if err := w.WriteRecord(rec); err != nil {
			return nil, stratum.ChunkInfo{}, err
		}
	}
	info, err := w.Finish()
	if err != nil {
		return nil, stratum.ChunkInfo{}, err
	}
	return w.Bytes(), info, nil
}
