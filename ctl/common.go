package ctl

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/spf13/pflag"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/boltdb"
	"github.com/stratumdb/stratum/chunkstore"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/logger"
)

// SetConfigFlags registers the shared store configuration flags, bound
// directly into cfg.
func SetConfigFlags(flags *pflag.FlagSet, cfg *stratum.Config) {
	flags.StringVarP(&cfg.DataDir, "data-dir", "d", cfg.DataDir, "Directory to store stratum data files.")
	flags.StringVar(&cfg.MetadataPath, "metadata-path", cfg.MetadataPath, "Path to the metadata store. Overrides data-dir.")
	flags.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "Log to a file instead of stderr.")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging.")
	flags.StringVar(&cfg.BindDebug, "bind-debug", cfg.BindDebug, "Address of the daemon's debug listener (metrics, profiles, status). Empty disables it.")
	flags.Var(&cfg.Cleaner.Interval, "cleaner.interval", "Cadence of the cleaner job. Chunk reclamation runs at a tenth of it.")
	flags.Var(&cfg.Cleaner.ChunkGracePeriod, "cleaner.chunk-grace-period", "How long deleted chunk files are kept.")
	flags.Var(&cfg.Cleaner.MetadataRetention, "cleaner.metadata-retention", "How long dropped-table and transaction rows are kept.")
	flags.IntVar(&cfg.Cleaner.Concurrency, "cleaner.concurrency", cfg.Cleaner.Concurrency, "Parallel chunk deletes per pass.")
	flags.StringVar(&cfg.ChunkStore.Type, "chunk-store.type", cfg.ChunkStore.Type, "Chunk store backend, file or s3.")
	flags.StringVar(&cfg.ChunkStore.Path, "chunk-store.path", cfg.ChunkStore.Path, "Root directory of the file chunk store. Empty means data-dir/chunks.")
	flags.StringVar(&cfg.ChunkStore.S3.Bucket, "chunk-store.s3.bucket", cfg.ChunkStore.S3.Bucket, "S3 bucket holding chunks.")
	flags.StringVar(&cfg.ChunkStore.S3.Prefix, "chunk-store.s3.prefix", cfg.ChunkStore.S3.Prefix, "Key prefix within the S3 bucket.")
	flags.StringVar(&cfg.ChunkStore.S3.Region, "chunk-store.s3.region", cfg.ChunkStore.S3.Region, "AWS region of the bucket.")
	flags.StringVar(&cfg.ChunkStore.S3.Endpoint, "chunk-store.s3.endpoint", cfg.ChunkStore.S3.Endpoint, "Custom S3 endpoint, for minio and localstack.")
}

// expandConfig validates cfg and resolves its "~" paths in place.
func expandConfig(cfg *stratum.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dir, err := stratum.ExpandDirName(cfg.DataDir)
	if err != nil {
		return err
	}
	cfg.DataDir = dir
	return nil
}

// openMetadata opens the bolt-backed metadata store described by cfg.
func openMetadata(cfg *stratum.Config, log logger.Logger) (*boltdb.DB, *boltdb.MetadataStore, error) {
	db, err := boltdb.NewMetadataBolt(cfg.MetadataFile())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening metadata store %s", cfg.MetadataFile())
	}
	return db, boltdb.NewMetadataStore(db, log), nil
}

// newChunkStore builds the chunk store described by cfg.
func newChunkStore(cfg *stratum.Config) (stratum.ChunkStore, error) {
	switch cfg.ChunkStore.Type {
	case stratum.ChunkStoreFile:
		return chunkstore.NewFileStore(cfg.ChunkDir())

	case stratum.ChunkStoreS3:
		awsConfig := &aws.Config{}
		if region := cfg.ChunkStore.S3.Region; region != "" {
			awsConfig.Region = aws.String(region)
		}
		if endpoint := cfg.ChunkStore.S3.Endpoint; endpoint != "" {
			// Custom endpoints are used with minio and localstack, which
			// want path-style addressing.
			awsConfig.Endpoint = aws.String(endpoint)
			awsConfig.S3ForcePathStyle = aws.Bool(true)
		}
		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return nil, errors.Wrap(err, "creating AWS session")
		}
		return chunkstore.NewS3Store(sess, cfg.ChunkStore.S3.Bucket, cfg.ChunkStore.S3.Prefix), nil

	default:
		return nil, errors.Newf(stratum.ErrConfigChunkStoreInvalid, "invalid chunk store type '%s'", cfg.ChunkStore.Type)
	}
}
