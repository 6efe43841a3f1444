package relaynote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultStopCommitTimeout = 30 * time.Second

// Watcher feeds filesystem changes of one notebook into the pipeline.
type Watcher interface {
	// Start runs the startup reconciliation and begins watching. It
	// returns once watching is established.
	Start(ctx context.Context) error
	// Scan reconciles the catalog against the filesystem once and returns
	// the number of records emitted.
	Scan(ctx context.Context) (int, error)
	Close() error
}

// WatchTarget is what a WatcherFactory receives for each started notebook.
type WatchTarget struct {
	NotebookID string
	Root       string
	Catalog    Catalog
	Enqueue    func(ctx context.Context, p Payload, opts EnqueueOptions) (int64, error)
	Suppressor *WriteSuppressor
	Logger     *slog.Logger
}

type WatcherFactory func(target WatchTarget) (Watcher, error)

type ManagerOptions struct {
	Records     RecordStore
	Registry    NotebookRegistry
	OpenCatalog CatalogOpener
	Batcher     *CommitBatcher
	Worker      WorkerConfig
	Watchers    WatcherFactory
	Suppressor  *WriteSuppressor
	Logger      *slog.Logger
}

type notebookRuntime struct {
	worker   *Worker
	catalog  Catalog
	watcher  Watcher
	unlock   func() error
	cancel   context.CancelFunc
	stopping bool
}

// Manager owns one worker per started notebook and the shared commit
// batcher.
type Manager struct {
	records     RecordStore
	registry    NotebookRegistry
	openCatalog CatalogOpener
	batcher     *CommitBatcher
	workerCfg   WorkerConfig
	watchers    WatcherFactory
	suppressor  *WriteSuppressor
	logger      *slog.Logger

	startMu   sync.Mutex
	mu        sync.Mutex
	notebooks map[string]*notebookRuntime
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Records == nil {
		return nil, fmt.Errorf("%w: record store is required", ErrInvalidInput)
	}
	m := &Manager{
		records:     opts.Records,
		registry:    opts.Registry,
		openCatalog: opts.OpenCatalog,
		batcher:     opts.Batcher,
		workerCfg:   opts.Worker.withDefaults(),
		watchers:    opts.Watchers,
		suppressor:  opts.Suppressor,
		logger:      opts.Logger,
		notebooks:   map[string]*notebookRuntime{},
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.openCatalog == nil {
		m.openCatalog = OpenSQLiteCatalog
	}
	if m.batcher == nil {
		m.batcher = NewCommitBatcher(BatcherOptions{Logger: m.logger})
	}
	m.batcher.OnCommit(m.stampCommit)
	return m, nil
}

// Start launches the worker for notebookID rooted at root. Starting a
// running notebook is a no-op.
func (m *Manager) Start(ctx context.Context, notebookID, root string) error {
	notebookID = strings.TrimSpace(notebookID)
	if notebookID == "" {
		return fmt.Errorf("%w: notebook id is required", ErrInvalidInput)
	}
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.mu.Lock()
	existing, ok := m.notebooks[notebookID]
	stopping := ok && existing.stopping
	m.mu.Unlock()
	if ok {
		if stopping {
			return fmt.Errorf("%w: notebook %s is stopping", ErrInvalidState, notebookID)
		}
		return nil
	}

	root, err := validateRoot(root)
	if err != nil {
		return err
	}
	unlock, err := lockNotebook(root)
	if err != nil {
		return err
	}
	catalog, err := m.openCatalog(notebookID, root)
	if err != nil {
		_ = unlock()
		return fmt.Errorf("open catalog for %s: %w", notebookID, err)
	}
	cleanup := func() {
		_ = catalog.Close()
		_ = unlock()
	}
	reset, err := m.records.ResetProcessing(ctx, notebookID)
	if err != nil {
		cleanup()
		return fmt.Errorf("recover records for %s: %w", notebookID, err)
	}
	if reset > 0 {
		m.logger.Warn("recovered interrupted records", "notebook", notebookID, "count", reset)
	}
	if err := m.recoverUncommitted(ctx, notebookID, root, catalog); err != nil {
		m.logger.Warn("recover uncommitted paths failed", "notebook", notebookID, "error", err)
	}

	worker := newWorker(workerDeps{
		NotebookID: notebookID,
		Root:       root,
		Config:     m.workerCfg,
		Records:    m.records,
		Catalog:    catalog,
		Batcher:    m.batcher,
		Suppressor: m.suppressor,
		Logger:     m.logger,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &notebookRuntime{worker: worker, catalog: catalog, unlock: unlock, cancel: cancel}

	if m.watchers != nil {
		watcher, err := m.watchers(WatchTarget{
			NotebookID: notebookID,
			Root:       root,
			Catalog:    catalog,
			Enqueue: func(ctx context.Context, p Payload, opts EnqueueOptions) (int64, error) {
				return m.Enqueue(ctx, notebookID, p, opts)
			},
			Suppressor: m.suppressor,
			Logger:     m.logger.With("notebook", notebookID),
		})
		if err != nil {
			cancel()
			cleanup()
			return fmt.Errorf("create watcher for %s: %w", notebookID, err)
		}
		rt.watcher = watcher
	}

	// Registered before the watcher starts so its startup scan can nudge
	// the worker.
	m.mu.Lock()
	m.notebooks[notebookID] = rt
	m.mu.Unlock()
	worker.start(runCtx)
	if rt.watcher != nil {
		if err := rt.watcher.Start(runCtx); err != nil {
			m.mu.Lock()
			delete(m.notebooks, notebookID)
			m.mu.Unlock()
			worker.requestStop(0)
			cancel()
			_ = rt.watcher.Close()
			cleanup()
			return fmt.Errorf("start watcher for %s: %w", notebookID, err)
		}
	}
	m.logger.Info("notebook started", "notebook", notebookID, "root", root)
	return nil
}

// recoverUncommitted registers paths that were applied but never committed,
// for example because the process stopped before the batcher flushed.
// Catalogued files are registered as updates and tracked files missing on
// disk as deletions. Uncatalogued files are left to the startup scan.
func (m *Manager) recoverUncommitted(ctx context.Context, notebookID, root string, catalog Catalog) error {
	paths, err := m.batcher.Uncommitted(ctx, root)
	if err != nil {
		return err
	}
	recovered := 0
	for _, raw := range paths {
		p, err := NormalizePath(raw)
		if err != nil {
			continue
		}
		_, statErr := os.Lstat(absPath(root, p))
		switch {
		case errors.Is(statErr, fs.ErrNotExist):
			m.batcher.AddDeletedPath(notebookID, root, p)
		case statErr != nil:
			return fmt.Errorf("stat %s: %w", p, statErr)
		default:
			if _, err := catalog.Get(ctx, p); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			m.batcher.AddPath(notebookID, root, p)
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovered uncommitted paths", "notebook", notebookID, "count", recovered)
	}
	return nil
}

// StartRegistered starts a notebook whose root is known to the registry.
func (m *Manager) StartRegistered(ctx context.Context, notebookID string) error {
	if m.registry == nil {
		return fmt.Errorf("%w: no notebook registry configured", ErrNotFound)
	}
	root, err := m.registry.Resolve(notebookID)
	if err != nil {
		return err
	}
	return m.Start(ctx, notebookID, root)
}

func validateRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", fmt.Errorf("%w: root is required", ErrNotebookRoot)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotebookRoot, root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotebookRoot, abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrNotebookRoot, abs)
	}
	return abs, nil
}

// Stop stops the notebook's watcher and worker, flushes its pending commit
// and releases its catalog and lock. The worker finishes its current batch;
// if that takes longer than timeout, Stop returns and the release happens
// when the worker exits.
func (m *Manager) Stop(notebookID string, timeout time.Duration) error {
	m.mu.Lock()
	rt, ok := m.notebooks[notebookID]
	if !ok || rt.stopping {
		m.mu.Unlock()
		return fmt.Errorf("notebook %s: %w", notebookID, ErrNotFound)
	}
	rt.stopping = true
	m.mu.Unlock()

	if rt.watcher != nil {
		if err := rt.watcher.Close(); err != nil {
			m.logger.Warn("close watcher failed", "notebook", notebookID, "error", err)
		}
	}
	release := func() {
		commitTimeout := timeout
		if commitTimeout <= 0 {
			commitTimeout = defaultStopCommitTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		if _, err := m.batcher.Commit(ctx, notebookID); err != nil {
			m.logger.Error("final commit failed", "notebook", notebookID, "error", err)
		}
		cancel()
		rt.cancel()

		m.mu.Lock()
		delete(m.notebooks, notebookID)
		m.mu.Unlock()

		if err := rt.catalog.Close(); err != nil {
			m.logger.Warn("close catalog failed", "notebook", notebookID, "error", err)
		}
		if err := rt.unlock(); err != nil {
			m.logger.Warn("release notebook lock failed", "notebook", notebookID, "error", err)
		}
		m.logger.Info("notebook stopped", "notebook", notebookID)
	}

	if rt.worker.requestStop(timeout) {
		release()
		return nil
	}
	m.logger.Warn("worker did not stop in time", "notebook", notebookID, "timeout", timeout)
	go func() {
		<-rt.worker.done
		release()
	}()
	return nil
}

// StopAll flushes every pending commit batch and then stops every worker.
func (m *Manager) StopAll(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), nonZero(timeout, defaultStopCommitTimeout))
	if err := m.batcher.CommitAll(ctx); err != nil {
		m.logger.Error("flush before shutdown failed", "error", err)
	}
	cancel()

	var wg sync.WaitGroup
	for _, id := range m.NotebookIDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(id, timeout); err != nil && !errors.Is(err, ErrNotFound) {
				m.logger.Warn("stop notebook failed", "notebook", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// NotebookIDs returns the ids of running notebooks.
func (m *Manager) NotebookIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.notebooks))
	for id, rt := range m.notebooks {
		if !rt.stopping {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Running(notebookID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.notebooks[notebookID]
	return ok && !rt.stopping
}

// Enqueue validates and stores a change record and nudges the notebook's
// worker.
func (m *Manager) Enqueue(ctx context.Context, notebookID string, p Payload, opts EnqueueOptions) (int64, error) {
	notebookID = strings.TrimSpace(notebookID)
	if notebookID == "" {
		return 0, fmt.Errorf("%w: notebook id is required", ErrInvalidInput)
	}
	if p == nil {
		return 0, fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}
	p, err := p.normalize()
	if err != nil {
		return 0, err
	}
	kind, data, err := EncodePayload(p)
	if err != nil {
		return 0, err
	}
	if err := ValidatePayload(kind, data); err != nil {
		return 0, err
	}
	id, err := m.records.Enqueue(ctx, NewRecord{
		NotebookID:    notebookID,
		Kind:          kind,
		Payload:       data,
		CorrelationID: strings.TrimSpace(opts.CorrelationID),
		Sequence:      opts.Sequence,
	})
	if err != nil {
		return 0, err
	}
	m.logger.Debug("enqueued record", "notebook", notebookID, "record", id, "kind", kind)
	m.notify(notebookID)
	return id, nil
}

// EnqueueJSON decodes a submitted body of the given kind and enqueues it.
func (m *Manager) EnqueueJSON(ctx context.Context, notebookID string, kind Kind, body []byte, opts EnqueueOptions) (int64, error) {
	p, err := DecodePayload(kind, body)
	if err != nil {
		return 0, err
	}
	return m.Enqueue(ctx, notebookID, p, opts)
}

func (m *Manager) notify(notebookID string) {
	m.mu.Lock()
	rt, ok := m.notebooks[notebookID]
	m.mu.Unlock()
	if ok {
		rt.worker.Notify()
	}
}

func (m *Manager) Record(ctx context.Context, id int64) (Record, error) {
	return m.records.Get(ctx, id)
}

// Scan runs one reconciliation pass for a running notebook.
func (m *Manager) Scan(ctx context.Context, notebookID string) (int, error) {
	m.mu.Lock()
	rt, ok := m.notebooks[notebookID]
	m.mu.Unlock()
	if !ok || rt.stopping {
		return 0, fmt.Errorf("notebook %s: %w", notebookID, ErrNotFound)
	}
	if rt.watcher == nil {
		return 0, fmt.Errorf("%w: notebook %s has no scanner", ErrNotImplemented, notebookID)
	}
	return rt.watcher.Scan(ctx)
}

type Stats struct {
	Notebooks []WorkerStats `json:"notebooks"`
	Batcher   BatcherStats  `json:"batcher"`
}

func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.notebooks))
	for _, rt := range m.notebooks {
		workers = append(workers, rt.worker)
	}
	m.mu.Unlock()

	out := Stats{Notebooks: make([]WorkerStats, 0, len(workers)), Batcher: m.batcher.Stats()}
	for _, w := range workers {
		ws := w.Stats()
		counts, err := m.records.Counts(ctx, ws.NotebookID)
		if err != nil {
			m.logger.Warn("count records failed", "notebook", ws.NotebookID, "error", err)
		} else {
			ws.Queue = counts
		}
		out.Notebooks = append(out.Notebooks, ws)
	}
	sort.Slice(out.Notebooks, func(i, j int) bool { return out.Notebooks[i].NotebookID < out.Notebooks[j].NotebookID })
	return out
}

func (m *Manager) stampCommit(ctx context.Context, res CommitResult) {
	if res.Ref == "" || len(res.Added) == 0 {
		return
	}
	m.mu.Lock()
	rt, ok := m.notebooks[res.NotebookID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := rt.catalog.SetCommitRef(ctx, res.Added, res.Ref); err != nil {
		m.logger.Warn("stamp commit ref failed", "notebook", res.NotebookID, "ref", res.Ref, "error", err)
	}
}
