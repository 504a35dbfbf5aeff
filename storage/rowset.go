package storage

import (
	"fmt"
	"math/bits"
)

// RowSet is a fixed-size set of row offsets, one bit per row of a chunk. It
// is sized once at construction and only ever grows by Set. Each page source
// owns exactly one RowSet; they are never shared across goroutines.
type RowSet struct {
	rows  int64
	words []uint64
}

// NewRowSet returns an empty set covering rows [0, rowCount).
func NewRowSet(rowCount int64) *RowSet {
	if rowCount < 0 {
		panic(fmt.Sprintf("storage: negative row count %d", rowCount))
	}
	return &RowSet{
		rows:  rowCount,
		words: make([]uint64, (rowCount+63)/64),
	}
}

// Set marks the row as deleted. Marking a row twice is harmless. It panics
// if row is outside [0, Len()); row ids come from RowIDColumn values, so an
// out-of-range id is a caller bug, not a data condition.
func (s *RowSet) Set(row int64) {
	if row < 0 || row >= s.rows {
		panic(fmt.Sprintf("storage: row %d out of range [0, %d)", row, s.rows))
	}
	s.words[row>>6] |= 1 << (uint(row) & 63)
}

// Contains reports whether the row is marked.
func (s *RowSet) Contains(row int64) bool {
	if row < 0 || row >= s.rows {
		return false
	}
	return s.words[row>>6]&(1<<(uint(row)&63)) != 0
}

// Count returns the number of marked rows.
func (s *RowSet) Count() int64 {
	var n int64
	for _, w := range s.words {
		n += int64(bits.OnesCount64(w))
	}
	return n
}

// Len returns the row extent the set covers.
func (s *RowSet) Len() int64 {
	return s.rows
}
