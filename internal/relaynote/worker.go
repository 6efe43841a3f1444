package relaynote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWorkerBatchSize    = 50
	defaultWorkerPollInterval = time.Second
	defaultWorkerErrorBackoff = 5 * time.Second
	defaultWorkerMaxRetries   = 3
)

type WorkerConfig struct {
	BatchSize    int           `yaml:"batch_size" json:"batchSize"`
	PollInterval time.Duration `yaml:"poll_interval" json:"pollInterval"`
	ErrorBackoff time.Duration `yaml:"error_backoff" json:"errorBackoff"`
	MaxRetries   int           `yaml:"max_retries" json:"maxRetries"`
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultWorkerBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultWorkerPollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultWorkerErrorBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultWorkerMaxRetries
	}
	return c
}

type WorkerStats struct {
	NotebookID string         `json:"notebookId"`
	Root       string         `json:"root"`
	Running    bool           `json:"running"`
	Processed  uint64         `json:"processed"`
	Errors     uint64         `json:"errors"`
	Queue      map[Status]int `json:"queue,omitempty"`
}

// Worker applies the change records of one notebook sequentially.
type Worker struct {
	notebookID string
	root       string
	cfg        WorkerConfig
	records    RecordStore
	catalog    Catalog
	batcher    *CommitBatcher
	suppressor *WriteSuppressor
	logger     *slog.Logger

	// applyFn replaces record application in tests.
	applyFn func(context.Context, Record) error

	processed atomic.Uint64
	errors    atomic.Uint64
	// stranded is set when a claimed record could not leave processing.
	// The next poll returns such records to pending.
	stranded atomic.Bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

type workerDeps struct {
	NotebookID string
	Root       string
	Config     WorkerConfig
	Records    RecordStore
	Catalog    Catalog
	Batcher    *CommitBatcher
	Suppressor *WriteSuppressor
	Logger     *slog.Logger
}

func newWorker(d workerDeps) *Worker {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		notebookID: d.NotebookID,
		root:       d.Root,
		cfg:        d.Config.withDefaults(),
		records:    d.Records,
		catalog:    d.Catalog,
		batcher:    d.Batcher,
		suppressor: d.Suppressor,
		logger:     logger.With("notebook", d.NotebookID),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// PollAndProcess claims and applies one batch. It returns the number of
// records claimed.
func (w *Worker) PollAndProcess(ctx context.Context) (int, error) {
	if err := w.recoverStranded(ctx); err != nil {
		return 0, err
	}
	recs, err := w.records.Claim(ctx, w.notebookID, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim records: %w", err)
	}
	if len(recs) > 0 {
		w.logger.Debug("claimed records", "count", len(recs))
	}
	recs = w.supersede(ctx, recs)

	blocked := map[string]struct{}{}
	for _, rec := range recs {
		group := rec.orderingGroup()
		if _, ok := blocked[group]; ok {
			if err := w.records.Release(ctx, rec.ID); err != nil {
				w.logger.Error("release record failed", "record", rec.ID, "error", err)
				w.stranded.Store(true)
			}
			continue
		}
		if err := w.apply(ctx, rec); err != nil {
			w.errors.Add(1)
			status, retryErr := w.records.Retry(ctx, rec.ID, err.Error(), w.cfg.MaxRetries)
			if retryErr != nil {
				w.logger.Error("record retry bookkeeping failed", "record", rec.ID, "error", retryErr)
				w.stranded.Store(true)
				blocked[group] = struct{}{}
				continue
			}
			if status == StatusPending {
				blocked[group] = struct{}{}
			}
			w.logger.Warn("apply record failed", "record", rec.ID, "kind", rec.Kind, "status", status, "error", err)
			continue
		}
		if err := w.records.Complete(ctx, rec.ID); err != nil {
			// The record runs again once recovered; later members of its
			// group wait so they cannot be overtaken by the replay.
			w.logger.Error("complete record failed", "record", rec.ID, "error", err)
			w.stranded.Store(true)
			blocked[group] = struct{}{}
			continue
		}
		w.processed.Add(1)
	}

	w.maybeCommit(ctx)
	return len(recs), nil
}

// recoverStranded returns this notebook's processing records to pending after
// a failed status transition. The worker is the notebook's only consumer, so
// nothing else holds them.
func (w *Worker) recoverStranded(ctx context.Context) error {
	if !w.stranded.Load() {
		return nil
	}
	n, err := w.records.ResetProcessing(ctx, w.notebookID)
	if err != nil {
		return fmt.Errorf("recover stranded records: %w", err)
	}
	w.stranded.Store(false)
	if n > 0 {
		w.logger.Warn("returned stranded records to pending", "count", n)
	}
	return nil
}

// supersede drops uncorrelated sync records that are immediately followed by
// another uncorrelated sync record for the same path in the claimed batch.
// Such records converge on disk state, so only the last needs to run.
func (w *Worker) supersede(ctx context.Context, recs []Record) []Record {
	if len(recs) < 2 {
		return recs
	}
	kept := make([]Record, 0, len(recs))
	for i, rec := range recs {
		if i+1 < len(recs) && supersededBy(rec, recs[i+1]) {
			if err := w.records.Supersede(ctx, rec.ID); err != nil {
				w.logger.Error("supersede record failed", "record", rec.ID, "error", err)
				kept = append(kept, rec)
			}
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}

func supersededBy(rec, next Record) bool {
	if rec.CorrelationID != "" || next.CorrelationID != "" {
		return false
	}
	a, ok := rec.Payload.(SyncPayload)
	if !ok {
		return false
	}
	b, ok := next.Payload.(SyncPayload)
	return ok && a.Path == b.Path
}

func (w *Worker) maybeCommit(ctx context.Context) {
	if w.batcher == nil || !w.batcher.ShouldCommit(w.notebookID) {
		return
	}
	if _, err := w.batcher.Commit(ctx, w.notebookID); err != nil {
		// Paths stay pending in the batcher for the next flush.
		w.logger.Debug("deferred commit", "error", err)
	}
}

// Notify wakes an idle worker so a new record is picked up without waiting
// for the poll interval.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) start(ctx context.Context) {
	w.running.Store(true)
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)
	w.logger.Info("worker started", "root", w.root)
	for {
		select {
		case <-w.stop:
			w.logger.Info("worker stopped")
			return
		default:
		}
		n, err := w.PollAndProcess(ctx)
		switch {
		case err != nil:
			w.logger.Error("poll failed", "error", err, "backoff", w.cfg.ErrorBackoff)
			w.sleep(w.cfg.ErrorBackoff)
		case n == 0:
			w.sleep(w.cfg.PollInterval)
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stop:
	case <-w.wake:
	case <-timer.C:
	}
}

// requestStop asks the loop to exit after its current batch and waits up to
// timeout. It reports whether the loop exited in time.
func (w *Worker) requestStop(timeout time.Duration) bool {
	w.stopOnce.Do(func() { close(w.stop) })
	if timeout <= 0 {
		<-w.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		NotebookID: w.notebookID,
		Root:       w.root,
		Running:    w.running.Load(),
		Processed:  w.processed.Load(),
		Errors:     w.errors.Load(),
	}
}
