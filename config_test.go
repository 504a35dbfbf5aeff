// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package stratum_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/toml"
)

func Test_NewConfig(t *testing.T) {
	c := stratum.NewConfig()

	if c.DataDir != stratum.DefaultDataDir {
		t.Fatalf("unexpected DataDir: %v", c.DataDir)
	}
	if time.Duration(c.Cleaner.Interval) != stratum.DefaultCleanInterval {
		t.Fatalf("unexpected Cleaner.Interval: %v", c.Cleaner.Interval)
	}
	if time.Duration(c.Cleaner.ChunkGracePeriod) != stratum.DefaultChunkGracePeriod {
		t.Fatalf("unexpected Cleaner.ChunkGracePeriod: %v", c.Cleaner.ChunkGracePeriod)
	}
	if c.Cleaner.Concurrency != stratum.DefaultCleanConcurrency {
		t.Fatalf("unexpected Cleaner.Concurrency: %v", c.Cleaner.Concurrency)
	}
	if c.ChunkStore.Type != stratum.ChunkStoreFile {
		t.Fatalf("unexpected ChunkStore.Type: %v", c.ChunkStore.Type)
	}

	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}

	// An unknown chunk store type must not validate.
	c.ChunkStore.Type = "tape"
	if err := c.Validate(); !errors.Is(err, stratum.ErrConfigChunkStoreInvalid) {
		t.Fatal(err)
	}

	// An s3 store without a bucket must not validate.
	c.ChunkStore.Type = stratum.ChunkStoreS3
	if err := c.Validate(); !errors.Is(err, stratum.ErrConfigChunkStoreInvalid) {
		t.Fatal(err)
	}
	c.ChunkStore.S3.Bucket = "stratum-chunks"
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}

	// A non-positive cleaner interval must not validate.
	c.Cleaner.Interval = 0
	if err := c.Validate(); !errors.Is(err, stratum.ErrConfigInvalid) {
		t.Fatal(err)
	}
}

func TestConfigPaths(t *testing.T) {
	c := stratum.NewConfig()
	c.DataDir = "/var/lib/stratum"

	if got := c.MetadataFile(); got != filepath.Join("/var/lib/stratum", "metadata.db") {
		t.Fatalf("unexpected metadata file: %s", got)
	}
	if got := c.ChunkDir(); got != filepath.Join("/var/lib/stratum", "chunks") {
		t.Fatalf("unexpected chunk dir: %s", got)
	}

	c.MetadataPath = "/mnt/fast/meta.db"
	c.ChunkStore.Path = "/mnt/bulk/chunks"
	if got := c.MetadataFile(); got != "/mnt/fast/meta.db" {
		t.Fatalf("unexpected metadata file: %s", got)
	}
	if got := c.ChunkDir(); got != "/mnt/bulk/chunks" {
		t.Fatalf("unexpected chunk dir: %s", got)
	}
}

func TestConfigDuration(t *testing.T) {
	c := stratum.NewConfig()
	c.Cleaner.Interval = toml.Duration(time.Second * 182)
	if c.Cleaner.Interval.String() != "3m2s" {
		t.Fatalf("Unexpected time Duration %s", c.Cleaner.Interval)
	}

	err := c.Cleaner.Interval.UnmarshalText([]byte("5"))
	if err == nil {
		t.Fatal("expected missing unit error")
	}
}
