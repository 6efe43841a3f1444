package relaynote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type managerFixture struct {
	records   *MemoryRecordStore
	committer *fakeCommitter
	manager   *Manager
}

func newManagerFixture(t *testing.T, watchers WatcherFactory) *managerFixture {
	t.Helper()
	f := &managerFixture{records: NewMemoryRecordStore(), committer: &fakeCommitter{}}
	m, err := NewManager(ManagerOptions{
		Records:  f.records,
		Batcher:  NewCommitBatcher(BatcherOptions{Interval: time.Hour, Committer: f.committer}),
		Worker:   WorkerConfig{PollInterval: 20 * time.Millisecond},
		Watchers: watchers,
	})
	require.NoError(t, err)
	f.manager = m
	t.Cleanup(func() { m.StopAll(5 * time.Second) })
	return f
}

func (f *managerFixture) waitStatus(t *testing.T, id int64, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := f.records.Get(context.Background(), id)
		return err == nil && rec.Status == want
	}, 5*time.Second, 10*time.Millisecond, "record %d never reached %s", id, want)
}

type fakeWatcher struct {
	target  WatchTarget
	onStart func(ctx context.Context, target WatchTarget) error

	mu     sync.Mutex
	scans  int
	closed bool
}

func (w *fakeWatcher) Start(ctx context.Context) error {
	if w.onStart == nil {
		return nil
	}
	return w.onStart(ctx, w.target)
}

func (w *fakeWatcher) Scan(context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scans++
	return w.scans, nil
}

func (w *fakeWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestNewManagerRequiresRecordStore(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestManagerStartRejectsInvalidRoots(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	for _, root := range []string{"", filepath.Join(t.TempDir(), "missing"), file} {
		err := f.manager.Start(ctx, "nb", root)
		assert.True(t, errors.Is(err, ErrNotebookRoot), "root %q: got %v", root, err)
	}
	assert.True(t, errors.Is(f.manager.Start(ctx, " ", t.TempDir()), ErrInvalidInput))
	assert.Empty(t, f.manager.NotebookIDs())
}

func TestManagerLocksNotebookRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("notebook locking uses flock")
	}
	root := t.TempDir()
	first := newManagerFixture(t, nil)
	second := newManagerFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, first.manager.Start(ctx, "nb", root))
	require.NoError(t, first.manager.Start(ctx, "nb", root), "starting a running notebook is a no-op")
	err := second.manager.Start(ctx, "nb", root)
	assert.True(t, errors.Is(err, ErrNotebookLocked), "got %v", err)

	require.NoError(t, first.manager.Stop("nb", 5*time.Second))
	require.NoError(t, second.manager.Start(ctx, "nb", root))
}

func TestManagerProcessesEnqueuedRecordsAndFlushesOnStop(t *testing.T) {
	f := newManagerFixture(t, nil)
	root := t.TempDir()
	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx, "nb", root))
	assert.True(t, f.manager.Running("nb"))

	id, err := f.manager.EnqueueJSON(ctx, "nb", KindCreate, []byte(`{"path":"/notes//a.md","content":"hello"}`), EnqueueOptions{})
	require.NoError(t, err)
	f.waitStatus(t, id, StatusCompleted)

	data, err := os.ReadFile(filepath.Join(root, "notes", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	stats := f.manager.Stats(ctx)
	require.Len(t, stats.Notebooks, 1)
	assert.Equal(t, "nb", stats.Notebooks[0].NotebookID)
	assert.Equal(t, uint64(1), stats.Notebooks[0].Processed)
	assert.Equal(t, 1, stats.Notebooks[0].Queue[StatusCompleted])
	assert.Equal(t, 1, stats.Batcher.PendingPaths)

	f.manager.StopAll(5 * time.Second)
	assert.False(t, f.manager.Running("nb"))
	calls := f.committer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"notes/a.md"}, calls[0].Paths)

	catalog := openTestCatalog(t, root)
	entry, err := catalog.Get(ctx, "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", entry.CommitRef)
}

func TestManagerRecoversInterruptedRecords(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	kind, data, err := EncodePayload(CreatePayload{Path: "a.md", Content: "x"})
	require.NoError(t, err)
	id, err := f.records.Enqueue(ctx, NewRecord{NotebookID: "nb", Kind: kind, Payload: data})
	require.NoError(t, err)
	_, err = f.records.Claim(ctx, "nb", 10)
	require.NoError(t, err)

	require.NoError(t, f.manager.Start(ctx, "nb", t.TempDir()))
	f.waitStatus(t, id, StatusCompleted)
}

func TestManagerEnqueueValidation(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	_, err := f.manager.Enqueue(ctx, "nb", nil, EnqueueOptions{})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = f.manager.Enqueue(ctx, "nb", CreatePayload{Path: "../escape.md", Content: "x"}, EnqueueOptions{})
	require.NoError(t, err, "paths are cleaned relative to the root")
	_, err = f.manager.Enqueue(ctx, "nb", MovePayload{Source: "a", Destination: "a/b"}, EnqueueOptions{})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = f.manager.EnqueueJSON(ctx, "nb", KindSync, []byte(`{"path":"a.md","event":"renamed"}`), EnqueueOptions{})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	// Records for a notebook that is not running wait in the store.
	id, err := f.manager.Enqueue(ctx, "later", SyncPayload{Path: "a.md"}, EnqueueOptions{CorrelationID: " op ", Sequence: 1})
	require.NoError(t, err)
	rec, err := f.manager.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "op", rec.CorrelationID)
}

func TestManagerWiresWatcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.md"), []byte("on disk"), 0o644))

	var (
		watcher  *fakeWatcher
		startErr error
		synced   int64
	)
	factory := func(target WatchTarget) (Watcher, error) {
		watcher = &fakeWatcher{target: target, onStart: func(ctx context.Context, target WatchTarget) error {
			synced, startErr = target.Enqueue(ctx, SyncPayload{Path: "existing.md", Event: SyncEventScanned}, EnqueueOptions{})
			return startErr
		}}
		return watcher, nil
	}
	f := newManagerFixture(t, factory)
	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx, "nb", root))
	require.NoError(t, startErr)
	require.NotNil(t, watcher)
	assert.Equal(t, "nb", watcher.target.NotebookID)
	f.waitStatus(t, synced, StatusCompleted)

	n, err := f.manager.Scan(ctx, "nb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.manager.Stop("nb", 5*time.Second))
	assert.True(t, watcher.closed)
	_, err = f.manager.Scan(ctx, "nb")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(f.manager.Stop("nb", time.Second), ErrNotFound))
}

func TestManagerFailedWatcherStartReleasesNotebook(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("notebook locking uses flock")
	}
	root := t.TempDir()
	factory := func(target WatchTarget) (Watcher, error) {
		return &fakeWatcher{target: target, onStart: func(context.Context, WatchTarget) error {
			return errors.New("too many open files")
		}}, nil
	}
	f := newManagerFixture(t, factory)
	err := f.manager.Start(context.Background(), "nb", root)
	require.Error(t, err)
	assert.False(t, f.manager.Running("nb"))

	other := newManagerFixture(t, nil)
	require.NoError(t, other.manager.Start(context.Background(), "nb", root), "the lock is released")
}

func TestManagerScanWithoutWatcher(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx, "nb", t.TempDir()))
	_, err := f.manager.Scan(ctx, "nb")
	assert.True(t, errors.Is(err, ErrNotImplemented))
}

func TestManagerStartRegistered(t *testing.T) {
	root := t.TempDir()
	records := NewMemoryRecordStore()
	m, err := NewManager(ManagerOptions{
		Records:  records,
		Registry: StaticRegistry{"nb": root},
		Batcher:  NewCommitBatcher(BatcherOptions{Committer: &fakeCommitter{}}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.StopAll(5 * time.Second) })

	require.NoError(t, m.StartRegistered(context.Background(), "nb"))
	assert.Equal(t, []string{"nb"}, m.NotebookIDs())
	err = m.StartRegistered(context.Background(), "unknown")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestManagerCommitsPathsLeftUncommittedByPreviousRun(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	records := NewMemoryRecordStore()
	committer := &fakeCommitter{}
	newManager := func() *Manager {
		m, err := NewManager(ManagerOptions{
			Records: records,
			Batcher: NewCommitBatcher(BatcherOptions{Interval: time.Hour, Committer: committer}),
			Worker:  WorkerConfig{PollInterval: 20 * time.Millisecond},
		})
		require.NoError(t, err)
		return m
	}

	// The first run applies the write but never manages to commit it.
	committer.setFail(errors.New("process killed"))
	first := newManager()
	require.NoError(t, first.Start(ctx, "nb", root))
	id, err := first.Enqueue(ctx, "nb", CreatePayload{Path: "a.md", Content: "a"}, EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := records.Get(ctx, id)
		return err == nil && rec.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	first.StopAll(5 * time.Second)
	require.Empty(t, committer.Calls())

	committer.setFail(nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.md"), []byte("untracked"), 0o644))
	abs, err := filepath.Abs(root)
	require.NoError(t, err)
	committer.setDirty(abs, "a.md", "gone.md", "stray.md")

	second := newManager()
	require.NoError(t, second.Start(ctx, "nb", root))
	second.StopAll(5 * time.Second)

	calls := committer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, abs, calls[0].Root)
	assert.Equal(t, []string{"a.md", "gone.md"}, calls[0].Paths, "uncatalogued files are left to the scan")
}

func TestManagerStartSurvivesUnreadableCommitState(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.committer.pendingErr = errors.New("git: executable file not found")
	require.NoError(t, f.manager.Start(context.Background(), "nb", t.TempDir()))
	assert.True(t, f.manager.Running("nb"))
}
