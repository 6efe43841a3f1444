package fswatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/agentworkforce/relaynote/internal/relaynote"
)

// renamePairWindow bounds how long a rename waits for the create event that
// names its destination.
const renamePairWindow = 500 * time.Millisecond

type Options struct {
	// ExcludeDirs extends the built-in list of ignored directory names.
	ExcludeDirs []string
	// ScanOnStart runs ScanExistingFiles when the watcher starts.
	ScanOnStart bool
}

type pendingRename struct {
	correlationID string
	at            time.Time
}

// Watcher turns filesystem notifications under one notebook root into sync
// records.
type Watcher struct {
	target relaynote.WatchTarget
	opts   Options
	filter Filter
	logger *slog.Logger
	now    func() time.Time

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	dirs   map[string]struct{}
	rename *pendingRename

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewFactory adapts Watcher to the manager's watcher factory.
func NewFactory(opts Options) relaynote.WatcherFactory {
	return func(target relaynote.WatchTarget) (relaynote.Watcher, error) {
		return New(target, opts)
	}
}

func New(target relaynote.WatchTarget, opts Options) (*Watcher, error) {
	if strings.TrimSpace(target.Root) == "" || target.Enqueue == nil {
		return nil, fmt.Errorf("%w: watcher needs a root and an enqueue function", relaynote.ErrInvalidInput)
	}
	logger := target.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		target: target,
		opts:   opts,
		filter: NewFilter(opts.ExcludeDirs...),
		logger: logger,
		now:    time.Now,
		dirs:   map[string]struct{}{},
		done:   make(chan struct{}),
	}, nil
}

// Start registers watches on every directory, begins consuming events and
// then, when enabled, runs the startup reconciliation.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	if err := w.addTree(w.target.Root); err != nil {
		_ = fsw.Close()
		w.fsw = nil
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(loopCtx)

	if w.opts.ScanOnStart {
		if _, err := w.Scan(ctx); err != nil {
			_ = w.Close()
			return fmt.Errorf("startup scan: %w", err)
		}
	}
	return nil
}

func (w *Watcher) Scan(ctx context.Context) (int, error) {
	return ScanExistingFiles(ctx, w.target, w.filter)
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		if w.fsw == nil {
			close(w.done)
			return
		}
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if abs != root && errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if abs != w.target.Root && w.filter.SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(abs); err != nil {
			return fmt.Errorf("watch %s: %w", abs, err)
		}
		w.mu.Lock()
		w.dirs[abs] = struct{}{}
		w.mu.Unlock()
		return nil
	})
}

// forgetTree drops the watches of a directory that was removed or renamed
// away. A renamed inotify watch keeps reporting under its old name.
func (w *Watcher) forgetTree(abs string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, wasDir := w.dirs[abs]
	prefix := abs + string(filepath.Separator)
	for dir := range w.dirs {
		if dir == abs || strings.HasPrefix(dir, prefix) {
			delete(w.dirs, dir)
			_ = w.fsw.Remove(dir)
		}
	}
	return wasDir
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Name == "" || ev.Op == fsnotify.Chmod {
		return
	}
	rel, err := relaynote.RelativePath(w.target.Root, ev.Name)
	if err != nil {
		return
	}
	switch {
	case ev.Has(fsnotify.Rename):
		isDir := w.forgetTree(ev.Name)
		if w.filter.Excluded(rel, isDir) {
			return
		}
		w.handleRenameSource(ctx, rel, isDir)
	case ev.Has(fsnotify.Remove):
		isDir := w.forgetTree(ev.Name)
		if w.filter.Excluded(rel, isDir) {
			return
		}
		if w.suppressed(rel, "") {
			return
		}
		w.emit(ctx, relaynote.SyncPayload{Path: rel, Event: relaynote.SyncEventDeleted}, relaynote.EnqueueOptions{})
	case ev.Has(fsnotify.Create):
		w.handleCreate(ctx, ev.Name, rel)
	case ev.Has(fsnotify.Write):
		if w.filter.Excluded(rel, false) {
			return
		}
		if w.suppressed(rel, fileHash(ev.Name)) {
			return
		}
		w.emit(ctx, relaynote.SyncPayload{Path: rel, Event: relaynote.SyncEventModified}, relaynote.EnqueueOptions{})
	}
}

// handleRenameSource emits the delete half of a rename as an observed delete,
// which never removes files. The create event for the destination, if it
// arrives within renamePairWindow, joins the same correlation group.
func (w *Watcher) handleRenameSource(ctx context.Context, rel string, isDir bool) {
	if w.suppressed(rel, "") {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		w.logger.Warn("correlation id unavailable", "path", rel, "error", err)
		w.emit(ctx, observedDelete(rel, isDir), relaynote.EnqueueOptions{})
		return
	}
	corr := id.String()
	if !w.emit(ctx, observedDelete(rel, isDir), relaynote.EnqueueOptions{CorrelationID: corr, Sequence: 1}) {
		return
	}
	w.mu.Lock()
	w.rename = &pendingRename{correlationID: corr, at: w.now()}
	w.mu.Unlock()
}

func observedDelete(rel string, isDir bool) relaynote.DeletePayload {
	return relaynote.DeletePayload{Path: rel, IsDirectory: isDir, Observed: true}
}

func (w *Watcher) handleCreate(ctx context.Context, abs, rel string) {
	info, err := os.Lstat(abs)
	if err != nil {
		// Gone again before we looked; the remove event covers it.
		return
	}
	isDir := info.IsDir()
	if w.filter.Excluded(rel, isDir) {
		return
	}
	opts := w.takeRename()
	if isDir {
		if err := w.addTree(abs); err != nil {
			w.logger.Warn("watch new directory failed", "path", rel, "error", err)
		}
		if opts.CorrelationID != "" {
			w.emit(ctx, relaynote.SyncPayload{Path: rel, Event: relaynote.SyncEventCreated}, opts)
		}
		w.scanNewDir(ctx, abs)
		return
	}
	if !info.Mode().IsRegular() {
		return
	}
	if opts.CorrelationID == "" && w.suppressed(rel, fileHash(abs)) {
		return
	}
	w.emit(ctx, relaynote.SyncPayload{Path: rel, Event: relaynote.SyncEventCreated}, opts)
}

// scanNewDir emits sync records for files that appeared in a new directory
// before its watch was registered.
func (w *Watcher) scanNewDir(ctx context.Context, dir string) {
	err := filepath.WalkDir(dir, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if abs != dir && w.filter.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || w.filter.SkipFile(d.Name()) {
			return nil
		}
		rel, err := relaynote.RelativePath(w.target.Root, abs)
		if err != nil {
			return nil
		}
		w.emit(ctx, relaynote.SyncPayload{Path: rel, Event: relaynote.SyncEventScanned}, relaynote.EnqueueOptions{})
		return nil
	})
	if err != nil {
		w.logger.Warn("scan new directory failed", "path", dir, "error", err)
	}
}

func (w *Watcher) takeRename() relaynote.EnqueueOptions {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rename
	w.rename = nil
	if r == nil || w.now().Sub(r.at) > renamePairWindow {
		return relaynote.EnqueueOptions{}
	}
	return relaynote.EnqueueOptions{CorrelationID: r.correlationID, Sequence: 2}
}

func (w *Watcher) suppressed(rel, hash string) bool {
	if w.target.Suppressor.ShouldSuppress(w.target.NotebookID, rel, hash) {
		w.logger.Debug("suppressed own write", "path", rel)
		return true
	}
	return false
}

func (w *Watcher) emit(ctx context.Context, p relaynote.Payload, opts relaynote.EnqueueOptions) bool {
	if _, err := w.target.Enqueue(ctx, p, opts); err != nil {
		if ctx.Err() == nil {
			w.logger.Error("enqueue watch event failed", "kind", p.Kind(), "error", err)
		}
		return false
	}
	return true
}

// fileHash returns the content hash of abs, or "" when it cannot be read.
func fileHash(abs string) string {
	data, err := os.ReadFile(abs)
	if err != nil {
		return ""
	}
	return relaynote.HashBytes(data)
}
