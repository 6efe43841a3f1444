package relaynote

import (
	"sync"
	"time"
)

// WriteSuppressor remembers files the worker just wrote so the watcher can
// drop the echo of its own write. A zero window disables it; a nil
// *WriteSuppressor is valid and suppresses nothing.
type WriteSuppressor struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]suppressedWrite
}

type suppressedWrite struct {
	hash      string
	expiresAt time.Time
}

func NewWriteSuppressor(window time.Duration) *WriteSuppressor {
	return &WriteSuppressor{
		window:  window,
		now:     time.Now,
		entries: map[string]suppressedWrite{},
	}
}

func (s *WriteSuppressor) Record(notebookID, path, hash string) {
	if s == nil || s.window <= 0 || path == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	s.entries[suppressionKey(notebookID, path)] = suppressedWrite{hash: hash, expiresAt: now.Add(s.window)}
}

// ShouldSuppress reports whether a change notification for path whose
// current content hashes to hash is the echo of a recorded write.
func (s *WriteSuppressor) ShouldSuppress(notebookID, path, hash string) bool {
	if s == nil || s.window <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := suppressionKey(notebookID, path)
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	if !now.Before(entry.expiresAt) {
		delete(s.entries, key)
		return false
	}
	return entry.hash == hash
}

func (s *WriteSuppressor) pruneLocked(now time.Time) {
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

func suppressionKey(notebookID, path string) string {
	return notebookID + "|" + path
}
