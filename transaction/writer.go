package transaction

import (
	"context"
	"time"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/logger"
)

// Writer applies batches of actions atomically as single commits. One Writer
// serializes all structural mutation system-wide: callers queue on its lock
// in FIFO order, and commits across Write calls are totally ordered by
// acquisition.
//
// A Writer starts in the needs-recovery state, and re-enters it whenever a
// commit fails partway. The next caller to acquire the lock, whatever it
// came to do, runs a recovery pass before any new work, so a half-applied
// commit is never built upon.
type Writer struct {
	md     stratum.MetadataWriter
	logger logger.Logger

	// lock admits one holder at a time; blocked senders queue FIFO.
	lock chan struct{}

	// needsRecovery is guarded by lock.
	needsRecovery bool
}

// WriterOption configures a Writer.
type WriterOption func(w *Writer)

// WithLogger sets the writer's logger.
func WithLogger(l logger.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = l
	}
}

// NewWriter returns a Writer over the given metadata store. The first
// operation performed through it runs recovery.
func NewWriter(md stratum.MetadataWriter, opts ...WriterOption) *Writer {
	w := &Writer{
		md:            md,
		logger:        logger.NopLogger,
		lock:          make(chan struct{}, 1),
		needsRecovery: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write applies the actions, in order, as one commit correlated with the
// optional transaction id. An empty batch is a no-op. On any failure the
// writer re-enters the needs-recovery state and the error propagates to the
// caller: metadata-store failures carry the stratum.ErrMetadataStore code,
// everything else its original code.
func (w *Writer) Write(ctx context.Context, actions []Action, txID *stratum.TransactionID) error {
	if len(actions) == 0 {
		return nil
	}

	if err := w.acquire(ctx); err != nil {
		return err
	}
	defer w.release()

	start := time.Now()
	defer func() {
		HistogramCommitSeconds.Observe(time.Since(start).Seconds())
	}()

	if w.needsRecovery {
		if err := w.recoverLocked(ctx); err != nil {
			return err
		}
	}

	if err := w.write(ctx, actions, txID); err != nil {
		w.needsRecovery = true
		return err
	}
	CounterCommitsTotal.Inc()
	return nil
}

func (w *Writer) write(ctx context.Context, actions []Action, txID *stratum.TransactionID) error {
	commitID, err := w.md.BeginCommit(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning commit")
	}
	w.logger.Debugf("commit %s: applying %d actions", commitID, len(actions))

	for i, action := range actions {
		if err := applyAction(ctx, w.md, commitID, action); err != nil {
			return errors.Wrapf(err, "commit %s: applying action %d of %d", commitID, i+1, len(actions))
		}
	}

	if err := w.md.FinishCommit(ctx, commitID, txID); err != nil {
		return errors.Wrapf(err, "finishing commit %s", commitID)
	}
	return nil
}

// Recover forces a recovery pass with no actions. It is used after startup
// or after an external signal that state may be inconsistent.
func (w *Writer) Recover(ctx context.Context) error {
	if err := w.acquire(ctx); err != nil {
		return err
	}
	defer w.release()

	return w.recoverLocked(ctx)
}

// BlockMaintenance fences background reclamation away from the table's
// chunks. It is serialized against concurrent Write and Recover calls so a
// fencing decision can never race a commit that depends on it.
func (w *Writer) BlockMaintenance(ctx context.Context, tableID stratum.TableID) error {
	return w.maintenance(ctx, func(ctx context.Context) error {
		return w.md.BlockMaintenance(ctx, tableID)
	})
}

// UnblockMaintenance lifts the table's maintenance fence.
func (w *Writer) UnblockMaintenance(ctx context.Context, tableID stratum.TableID) error {
	return w.maintenance(ctx, func(ctx context.Context) error {
		return w.md.UnblockMaintenance(ctx, tableID)
	})
}

// ClearAllMaintenance lifts every maintenance fence.
func (w *Writer) ClearAllMaintenance(ctx context.Context) error {
	return w.maintenance(ctx, func(ctx context.Context) error {
		return w.md.ClearAllMaintenance(ctx)
	})
}

// maintenance runs one fencing call under the commit lock. Pending recovery
// runs first: a dangling failed commit must be resolved before the store is
// touched. A failure of the fencing call itself does not poison the writer.
func (w *Writer) maintenance(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := w.acquire(ctx); err != nil {
		return err
	}
	defer w.release()

	if w.needsRecovery {
		if err := w.recoverLocked(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}

func (w *Writer) acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	start := time.Now()
	select {
	case w.lock <- struct{}{}:
		HistogramCommitWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) release() {
	<-w.lock
}

// recoverLocked runs one recovery pass. The caller must hold the lock.
func (w *Writer) recoverLocked(ctx context.Context) error {
	if err := w.md.Recover(ctx); err != nil {
		w.needsRecovery = true
		return errors.Wrap(err, "recovering metadata")
	}
	w.needsRecovery = false
	CounterRecoveriesTotal.Inc()
	return nil
}
