package cleaner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/logger"
)

// Task labels for metrics and logs.
const (
	TaskChunks = "chunks"
	TaskOthers = "tables_transactions"
)

// MinInterval is the smallest usable job interval. The chunk cadence runs at
// a tenth of the interval and must still be a valid ticker period.
const MinInterval = 10 * time.Millisecond

// Job drives a CommitCleaner on two cadences: chunk reclamation runs at a
// tenth of the interval starting immediately, table and transaction
// bookkeeping runs at the full interval starting one interval after Start.
// Pass failures and panics are logged and counted, never fatal; the schedule
// keeps going until Stop.
type Job struct {
	cleaner  stratum.CommitCleaner
	interval time.Duration
	logger   logger.Logger

	started    int32
	closing    chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	errorCount int64
}

// NewJob returns an unstarted Job. It panics if interval is below
// MinInterval.
func NewJob(cleaner stratum.CommitCleaner, interval time.Duration, log logger.Logger) *Job {
	if interval < MinInterval {
		panic(fmt.Sprintf("cleaner: job interval %s below minimum %s", interval, MinInterval))
	}
	if log == nil {
		log = logger.NopLogger
	}
	return &Job{
		cleaner:  cleaner,
		interval: interval,
		logger:   log,
		closing:  make(chan struct{}),
	}
}

// Start launches both schedules. Starting a started job is a no-op.
func (j *Job) Start() {
	if !atomic.CompareAndSwapInt32(&j.started, 0, 1) {
		return
	}
	j.wg.Add(2)
	go func() {
		defer j.wg.Done()
		j.runChunks()
	}()
	go func() {
		defer j.wg.Done()
		j.runOthers()
	}()
}

// Stop halts both schedules, cancels any pass in flight, and waits for the
// schedule goroutines to exit. It is idempotent and safe without Start.
func (j *Job) Stop() {
	j.closeOnce.Do(func() {
		close(j.closing)
	})
	j.wg.Wait()
}

// ErrorCount reports how many passes have failed since Start.
func (j *Job) ErrorCount() int64 {
	return atomic.LoadInt64(&j.errorCount)
}

func (j *Job) runChunks() {
	ticker := time.NewTicker(j.interval / 10)
	defer ticker.Stop()

	// The first pass runs immediately; chunk files orphaned by a crash
	// should not wait out a full interval.
	j.runPass(TaskChunks, j.cleaner.RemoveChunks)
	for {
		select {
		case <-j.closing:
			return
		case <-ticker.C:
		}
		j.runPass(TaskChunks, j.cleaner.RemoveChunks)
	}
}

func (j *Job) runOthers() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.closing:
			return
		case <-ticker.C:
		}
		j.runPass(TaskOthers, j.cleaner.RemoveTablesAndTransactions)
	}
}

// runPass runs one pass under a context that Stop cancels, recovering panics
// so a bad pass cannot kill the schedule.
func (j *Job) runPass(task string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			j.fail(task, fmt.Errorf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-j.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	CounterRunsTotal.WithLabelValues(task).Inc()
	if err := fn(ctx); err != nil {
		j.fail(task, err)
	}
}

func (j *Job) fail(task string, err error) {
	atomic.AddInt64(&j.errorCount, 1)
	CounterErrorsTotal.WithLabelValues(task).Inc()
	j.logger.Errorf("cleaner %s pass: %v", task, err)
}
