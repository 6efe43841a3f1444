package relaynote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultCommitInterval   = 30 * time.Second
	defaultCommitMaxPending = 100
	commitMessageFileLimit  = 20
)

// Committer records a set of notebook paths in version control. It returns
// an empty ref when there was nothing to commit.
type Committer interface {
	Commit(ctx context.Context, root, message string, paths []string) (string, error)
}

// PendingLister is implemented by committers that can report which paths
// under root changed on disk but were never committed.
type PendingLister interface {
	Pending(ctx context.Context, root string) ([]string, error)
}

// CommitResult describes one successful flush.
type CommitResult struct {
	NotebookID string
	Root       string
	Ref        string
	Added      []string
	Deleted    []string
}

type BatcherOptions struct {
	Interval   time.Duration
	MaxPending int
	Committer  Committer
	Logger     *slog.Logger
	Now        func() time.Time
}

type BatcherStats struct {
	PendingNotebooks int        `json:"pendingNotebooks"`
	PendingPaths     int        `json:"pendingPaths"`
	Commits          uint64     `json:"commits"`
	Failures         uint64     `json:"failures"`
	LastCommitAt     *time.Time `json:"lastCommitAt,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
}

type batchState struct {
	root      string
	added     map[string]struct{}
	deleted   map[string]struct{}
	lastFlush time.Time
}

func (b *batchState) size() int {
	return len(b.added) + len(b.deleted)
}

// CommitBatcher groups file changes from every notebook worker into periodic
// commits. The mutex guards only the pending sets and is never held while
// the committer runs.
type CommitBatcher struct {
	interval   time.Duration
	maxPending int
	committer  Committer
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	pending      map[string]*batchState
	commits      uint64
	failures     uint64
	lastCommitAt time.Time
	lastError    string
	hooks        []func(context.Context, CommitResult)
}

func NewCommitBatcher(opts BatcherOptions) *CommitBatcher {
	b := &CommitBatcher{
		interval:   opts.Interval,
		maxPending: opts.MaxPending,
		committer:  opts.Committer,
		logger:     opts.Logger,
		now:        opts.Now,
		pending:    map[string]*batchState{},
	}
	if b.interval <= 0 {
		b.interval = defaultCommitInterval
	}
	if b.maxPending <= 0 {
		b.maxPending = defaultCommitMaxPending
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// OnCommit registers fn to run after every successful commit.
func (b *CommitBatcher) OnCommit(fn func(context.Context, CommitResult)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

func (b *CommitBatcher) AddPath(notebookID, root, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(notebookID, root)
	delete(st.deleted, path)
	st.added[path] = struct{}{}
}

func (b *CommitBatcher) AddDeletedPath(notebookID, root, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(notebookID, root)
	delete(st.added, path)
	st.deleted[path] = struct{}{}
}

func (b *CommitBatcher) stateLocked(notebookID, root string) *batchState {
	st, ok := b.pending[notebookID]
	if !ok {
		st = &batchState{
			root:      root,
			added:     map[string]struct{}{},
			deleted:   map[string]struct{}{},
			lastFlush: b.now(),
		}
		b.pending[notebookID] = st
	}
	if root != "" {
		st.root = root
	}
	return st
}

// ShouldCommit reports whether notebookID has pending paths and either the
// interval since its last flush elapsed or the pending count reached
// MaxPending.
func (b *CommitBatcher) ShouldCommit(notebookID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.pending[notebookID]
	if !ok || st.size() == 0 {
		return false
	}
	if st.size() >= b.maxPending {
		return true
	}
	return b.now().Sub(st.lastFlush) >= b.interval
}

// Commit flushes the pending paths of notebookID. On failure the paths are
// merged back so the next flush retries them.
func (b *CommitBatcher) Commit(ctx context.Context, notebookID string) (string, error) {
	b.mu.Lock()
	st, ok := b.pending[notebookID]
	if !ok || st.size() == 0 {
		b.mu.Unlock()
		return "", nil
	}
	delete(b.pending, notebookID)
	hooks := append([]func(context.Context, CommitResult){}, b.hooks...)
	b.mu.Unlock()

	added := sortedKeys(st.added)
	deleted := sortedKeys(st.deleted)
	paths := append(append(make([]string, 0, len(added)+len(deleted)), added...), deleted...)
	message := commitMessage(added, deleted)

	var (
		ref string
		err error
	)
	if b.committer == nil {
		err = fmt.Errorf("%w: no committer configured", ErrInvalidInput)
	} else {
		ref, err = b.committer.Commit(ctx, st.root, message, paths)
	}
	if err != nil {
		b.mergeBack(notebookID, st, err)
		b.logger.Warn("commit failed", "notebook", notebookID, "paths", len(paths), "error", err)
		return "", fmt.Errorf("commit notebook %s: %w", notebookID, err)
	}

	b.mu.Lock()
	b.commits++
	b.lastCommitAt = b.now()
	b.lastError = ""
	b.mu.Unlock()

	b.logger.Info("committed notebook changes", "notebook", notebookID, "ref", ref, "added", len(added), "deleted", len(deleted))
	result := CommitResult{NotebookID: notebookID, Root: st.root, Ref: ref, Added: added, Deleted: deleted}
	for _, hook := range hooks {
		hook(ctx, result)
	}
	return ref, nil
}

func (b *CommitBatcher) mergeBack(notebookID string, failed *batchState, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastError = cause.Error()
	current, ok := b.pending[notebookID]
	if !ok {
		b.pending[notebookID] = failed
		return
	}
	// Paths registered while the commit ran are newer than the failed set.
	for p := range failed.added {
		if _, newer := current.deleted[p]; !newer {
			current.added[p] = struct{}{}
		}
	}
	for p := range failed.deleted {
		if _, newer := current.added[p]; !newer {
			current.deleted[p] = struct{}{}
		}
	}
	if failed.lastFlush.Before(current.lastFlush) {
		current.lastFlush = failed.lastFlush
	}
}

// Uncommitted asks the committer for the paths under root that are not yet
// recorded. It returns nil when the committer cannot tell.
func (b *CommitBatcher) Uncommitted(ctx context.Context, root string) ([]string, error) {
	lister, ok := b.committer.(PendingLister)
	if !ok {
		return nil, nil
	}
	return lister.Pending(ctx, root)
}

// CommitAll flushes every notebook with pending paths and returns the first
// error encountered.
func (b *CommitBatcher) CommitAll(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		if _, err := b.Commit(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *CommitBatcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := BatcherStats{
		Commits:   b.commits,
		Failures:  b.failures,
		LastError: b.lastError,
	}
	for _, st := range b.pending {
		if st.size() == 0 {
			continue
		}
		stats.PendingNotebooks++
		stats.PendingPaths += st.size()
	}
	if !b.lastCommitAt.IsZero() {
		ts := b.lastCommitAt
		stats.LastCommitAt = &ts
	}
	return stats
}

func commitMessage(added, deleted []string) string {
	total := len(added) + len(deleted)
	var sb strings.Builder
	if total == 1 {
		if len(added) == 1 {
			fmt.Fprintf(&sb, "relaynote: update %s\n", added[0])
		} else {
			fmt.Fprintf(&sb, "relaynote: delete %s\n", deleted[0])
		}
		return sb.String()
	}
	fmt.Fprintf(&sb, "relaynote: %d changes (%d updated, %d deleted)\n", total, len(added), len(deleted))
	if total > commitMessageFileLimit {
		return sb.String()
	}
	sb.WriteString("\n")
	for _, p := range added {
		fmt.Fprintf(&sb, "M %s\n", p)
	}
	for _, p := range deleted {
		fmt.Fprintf(&sb, "D %s\n", p)
	}
	return sb.String()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
