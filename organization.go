package stratum

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash"
)

// OrganizationSet identifies a group of chunks within one bucket of one
// table that is eligible for a storage-organization operation such as
// compaction. It is a value type: equality and hashing cover the table, the
// chunk-id set, and the bucket number.
type OrganizationSet struct {
	Table        TableInfo
	ChunkIDs     map[ChunkID]struct{}
	BucketNumber int
}

// NewOrganizationSet returns an OrganizationSet over the given chunk ids.
func NewOrganizationSet(table TableInfo, chunkIDs []ChunkID, bucketNumber int) OrganizationSet {
	set := make(map[ChunkID]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		set[id] = struct{}{}
	}
	return OrganizationSet{
		Table:        table,
		ChunkIDs:     set,
		BucketNumber: bucketNumber,
	}
}

// Equal reports whether two sets name the same table, chunks, and bucket.
func (s OrganizationSet) Equal(other OrganizationSet) bool {
	if s.Table.ID != other.Table.ID || s.BucketNumber != other.BucketNumber {
		return false
	}
	if len(s.ChunkIDs) != len(other.ChunkIDs) {
		return false
	}
	for id := range s.ChunkIDs {
		if _, ok := other.ChunkIDs[id]; !ok {
			return false
		}
	}
	return true
}

// Hash returns a hash over the table id, the sorted chunk ids, and the
// bucket number. Equal sets hash equally.
func (s OrganizationSet) Hash() uint64 {
	ids := make(ChunkIDs, 0, len(s.ChunkIDs))
	for id := range s.ChunkIDs {
		ids = append(ids, id)
	}
	sort.Sort(ids)

	h := xxhash.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(s.Table.ID))
	_, _ = h.Write(buf[:])
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		_, _ = h.Write(buf[:])
	}
	binary.BigEndian.PutUint64(buf[:], uint64(s.BucketNumber))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// SortedChunkIDs returns the set's chunk ids in ascending order.
func (s OrganizationSet) SortedChunkIDs() []ChunkID {
	ids := make(ChunkIDs, 0, len(s.ChunkIDs))
	for id := range s.ChunkIDs {
		ids = append(ids, id)
	}
	sort.Sort(ids)
	return ids
}

// OrganizationSets groups a table's chunks by bucket number, one set per
// bucket. Buckets holding fewer than two chunks are skipped: there is
// nothing to organize.
func OrganizationSets(table TableInfo, chunks []ChunkInfo) []OrganizationSet {
	byBucket := make(map[int][]ChunkID)
	for _, c := range chunks {
		byBucket[c.BucketNumber] = append(byBucket[c.BucketNumber], c.ID)
	}

	buckets := make([]int, 0, len(byBucket))
	for b, ids := range byBucket {
		if len(ids) < 2 {
			continue
		}
		buckets = append(buckets, b)
	}
	sort.Ints(buckets)

	sets := make([]OrganizationSet, 0, len(buckets))
	for _, b := range buckets {
		sets = append(sets, NewOrganizationSet(table, byBucket[b], b))
	}
	return sets
}
