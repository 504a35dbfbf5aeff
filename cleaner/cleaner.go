// Package cleaner implements background reclamation of commit byproducts:
// chunk files whose deletion markers have aged past the grace period, and
// bookkeeping rows for dropped tables and finished transactions past the
// retention window.
package cleaner

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/logger"
)

// Config holds the cleaner's tunables. Zero fields fall back to the stratum
// defaults; a negative grace period or retention means no waiting at all.
type Config struct {
	// ChunkGracePeriod is how long a deleted chunk's file is left in place
	// so in-flight reads can drain.
	ChunkGracePeriod time.Duration

	// MetadataRetention is how long dropped-table and transaction rows are
	// kept for operator inspection.
	MetadataRetention time.Duration

	// Concurrency bounds parallel chunk-file deletes within one pass.
	Concurrency int

	Logger logger.Logger
}

// Ensure type implements interface.
var _ stratum.CommitCleaner = (*Cleaner)(nil)

// Cleaner reclaims chunk files and bookkeeping rows. Every operation is
// idempotent: an interrupted pass leaves only work that the next pass picks
// up again.
type Cleaner struct {
	md    stratum.CleanerMetadata
	store stratum.ChunkStore

	gracePeriod time.Duration
	retention   time.Duration
	concurrency int
	logger      logger.Logger
}

// New returns a Cleaner over the given metadata and chunk stores.
func New(md stratum.CleanerMetadata, store stratum.ChunkStore, cfg Config) *Cleaner {
	c := &Cleaner{
		md:          md,
		store:       store,
		gracePeriod: cfg.ChunkGracePeriod,
		retention:   cfg.MetadataRetention,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
	if c.gracePeriod == 0 {
		c.gracePeriod = stratum.DefaultChunkGracePeriod
	}
	if c.retention == 0 {
		c.retention = stratum.DefaultMetadataRetention
	}
	if c.concurrency <= 0 {
		c.concurrency = stratum.DefaultCleanConcurrency
	}
	if c.logger == nil {
		c.logger = logger.NopLogger
	}
	return c
}

// RemoveChunks deletes chunk files whose deletion markers are older than the
// grace period, then purges the markers of the files that are gone. The file
// delete always happens before the marker purge, so a crash between the two
// only means one extra no-op delete on the next pass.
func (c *Cleaner) RemoveChunks(ctx context.Context) error {
	cutoff := time.Now().Add(-c.gracePeriod)
	rows, err := c.md.DeletedChunks(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "listing deleted chunks")
	}
	if len(rows) == 0 {
		return nil
	}

	removed := make([]bool, len(rows))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			err := c.store.DeleteChunk(ctx, row.Chunk.ID)
			if err != nil && !errors.Is(err, stratum.ErrChunkNotFound) {
				return errors.Wrapf(err, "deleting chunk %s", row.Chunk.ID)
			}
			removed[i] = true
			return nil
		})
	}
	groupErr := g.Wait()

	// Failed deletes keep their markers and are retried next pass.
	var purge []stratum.ChunkID
	for i, row := range rows {
		if removed[i] {
			purge = append(purge, row.Chunk.ID)
		}
	}
	if len(purge) > 0 {
		if err := c.md.PurgeDeletedChunks(ctx, purge); err != nil {
			return errors.Wrap(err, "purging deleted chunks")
		}
		CounterChunksRemovedTotal.Add(float64(len(purge)))
		c.logger.Printf("removed %d chunks", len(purge))
	}
	if groupErr != nil {
		return errors.Wrap(groupErr, "removing chunks")
	}
	return nil
}

// RemoveTablesAndTransactions purges dropped-table and finished-transaction
// rows older than the retention window. This is bookkeeping only; the tables'
// chunk files were already handed to RemoveChunks when the tables dropped.
func (c *Cleaner) RemoveTablesAndTransactions(ctx context.Context) error {
	cutoff := time.Now().Add(-c.retention)

	tableIDs, err := c.md.DroppedTables(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "listing dropped tables")
	}
	if len(tableIDs) > 0 {
		if err := c.md.PurgeDroppedTables(ctx, tableIDs); err != nil {
			return errors.Wrap(err, "purging dropped tables")
		}
		c.logger.Printf("purged %d dropped tables", len(tableIDs))
	}

	n, err := c.md.PurgeTransactions(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "purging transactions")
	}
	if n > 0 {
		c.logger.Printf("purged %d transactions", n)
	}
	return nil
}
