// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package stratum

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/toml"
)

// Chunk store types.
const (
	ChunkStoreFile = "file"
	ChunkStoreS3   = "s3"
)

// ChunkStoreTypes is the set of supported chunk store types.
var ChunkStoreTypes = []string{ChunkStoreFile, ChunkStoreS3}

const (
	// DefaultDataDir is the default directory for metadata and chunk files.
	DefaultDataDir = "~/.stratum"

	// DefaultBindDebug is the default address of the daemon's debug
	// listener (metrics, profiles, status).
	DefaultBindDebug = "localhost:10107"

	// DefaultCleanInterval drives both cleaner cadences: chunk reclamation
	// runs at a tenth of it, table/transaction reclamation at the full
	// interval.
	DefaultCleanInterval = 5 * time.Minute

	// DefaultChunkGracePeriod is how long a deleted chunk's file is kept
	// before reclamation.
	DefaultChunkGracePeriod = 15 * time.Minute

	// DefaultMetadataRetention is how long dropped-table and finished
	// transaction rows are kept.
	DefaultMetadataRetention = 24 * time.Hour

	// DefaultCleanConcurrency bounds parallel chunk-file deletes.
	DefaultCleanConcurrency = 8

	// DefaultChunkStore selects the chunk store backend.
	DefaultChunkStore = ChunkStoreFile
)

// Validation error codes.
const (
	// ErrConfigInvalid is returned by Validate for settings that fail
	// basic sanity checks.
	ErrConfigInvalid errors.Code = "ConfigInvalid"

	// ErrConfigChunkStoreInvalid is returned by Validate for an unusable
	// chunk store configuration.
	ErrConfigChunkStoreInvalid errors.Code = "ConfigChunkStoreInvalid"
)

// Config represents the configuration for stratum commands.
type Config struct {
	// DataDir is the directory holding the metadata store and, for the
	// file chunk store, chunk files. A leading "~" is expanded.
	DataDir string `toml:"data-dir"`

	// MetadataPath overrides the metadata store location. Empty means
	// DataDir/metadata.db.
	MetadataPath string `toml:"metadata-path"`

	LogPath string `toml:"log-path"`
	Verbose bool   `toml:"verbose"`

	// BindDebug is the daemon's debug listener address. Empty disables it.
	BindDebug string `toml:"bind-debug"`

	Cleaner struct {
		Interval          toml.Duration `toml:"interval"`
		ChunkGracePeriod  toml.Duration `toml:"chunk-grace-period"`
		MetadataRetention toml.Duration `toml:"metadata-retention"`
		Concurrency       int           `toml:"concurrency"`
	} `toml:"cleaner"`

	ChunkStore struct {
		// Type selects the backend, "file" or "s3".
		Type string `toml:"type"`

		// Path is the file backend's root directory. Empty means
		// DataDir/chunks.
		Path string `toml:"path"`

		S3 struct {
			Bucket   string `toml:"bucket"`
			Prefix   string `toml:"prefix"`
			Region   string `toml:"region"`
			Endpoint string `toml:"endpoint"`
		} `toml:"s3"`
	} `toml:"chunk-store"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		DataDir:   DefaultDataDir,
		BindDebug: DefaultBindDebug,
	}
	c.Cleaner.Interval = toml.Duration(DefaultCleanInterval)
	c.Cleaner.ChunkGracePeriod = toml.Duration(DefaultChunkGracePeriod)
	c.Cleaner.MetadataRetention = toml.Duration(DefaultMetadataRetention)
	c.Cleaner.Concurrency = DefaultCleanConcurrency
	c.ChunkStore.Type = DefaultChunkStore
	return c
}

// Validate that all configuration permutations are compatible with each other.
func (c *Config) Validate() error {
	if !stringInSlice(c.ChunkStore.Type, ChunkStoreTypes) {
		return errors.Newf(ErrConfigChunkStoreInvalid, "invalid chunk store type '%s'", c.ChunkStore.Type)
	}
	if c.ChunkStore.Type == ChunkStoreS3 && c.ChunkStore.S3.Bucket == "" {
		return errors.New(ErrConfigChunkStoreInvalid, "s3 chunk store requires a bucket")
	}
	if time.Duration(c.Cleaner.Interval) <= 0 {
		return errors.New(ErrConfigInvalid, "cleaner interval must be positive")
	}
	return nil
}

// MetadataFile returns the metadata store path implied by the config.
func (c *Config) MetadataFile() string {
	if c.MetadataPath != "" {
		return c.MetadataPath
	}
	return filepath.Join(c.DataDir, "metadata.db")
}

// ChunkDir returns the file chunk store's root directory implied by the
// config.
func (c *Config) ChunkDir() string {
	if c.ChunkStore.Path != "" {
		return c.ChunkStore.Path
	}
	return filepath.Join(c.DataDir, "chunks")
}

// ExpandDirName replaces a leading "~" in path with the home directory.
func ExpandDirName(path string) (string, error) {
	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		homeDir := os.Getenv("HOME")
		if homeDir == "" {
			return "", errors.Errorf("data directory not specified and no home dir available")
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, prefix)), nil
	}
	return path, nil
}

func stringInSlice(s string, list []string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
