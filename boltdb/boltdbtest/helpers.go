package boltdbtest

import (
	"path/filepath"
	"testing"

	"github.com/stratumdb/stratum/boltdb"
)

// MustGetDB returns an unopened DB on a fresh file in the test's temporary
// directory, with the metadata buckets registered.
func MustGetDB(tb testing.TB) *boltdb.DB {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "metadata.boltdb")
	return boltdb.NewDB(path, boltdb.MetadataBuckets...)
}

// MustOpenDB returns a new, open DB. Fatal on error.
func MustOpenDB(tb testing.TB) *boltdb.DB {
	db := MustGetDB(tb)

	if err := db.Open(); err != nil {
		tb.Fatal(err)
	}
	return db
}

// MustCloseDB closes the DB. Fatal on error.
func MustCloseDB(tb testing.TB, db *boltdb.DB) {
	tb.Helper()
	if err := db.Close(); err != nil {
		tb.Fatal(err)
	}
}
