package relaynote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RecordStore persists change records. Implementations must make Claim
// atomic: a pending record is handed to at most one caller.
type RecordStore interface {
	Enqueue(ctx context.Context, rec NewRecord) (int64, error)
	// Claim marks up to limit pending records of a notebook as processing
	// and returns them ordered by (correlation id, sequence, created at, id).
	Claim(ctx context.Context, notebookID string, limit int) ([]Record, error)
	Complete(ctx context.Context, id int64) error
	// Retry charges one attempt against a processing record. It returns
	// StatusPending while attempts remain and StatusFailed once retry
	// count reaches maxRetries.
	Retry(ctx context.Context, id int64, errMsg string, maxRetries int) (Status, error)
	// Release returns a processing record to pending without charging an
	// attempt.
	Release(ctx context.Context, id int64) error
	Supersede(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (Record, error)
	// ResetProcessing returns records left processing by a previous process
	// to pending.
	ResetProcessing(ctx context.Context, notebookID string) (int, error)
	Counts(ctx context.Context, notebookID string) (map[Status]int, error)
	Close() error
}

func validateNewRecord(rec NewRecord) error {
	if strings.TrimSpace(rec.NotebookID) == "" {
		return fmt.Errorf("%w: notebook id is required", ErrInvalidInput)
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, rec.Kind)
	}
	if len(rec.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}
	if rec.Sequence < 0 {
		return fmt.Errorf("%w: sequence must not be negative", ErrInvalidInput)
	}
	return nil
}

// decodeStoredPayload tolerates bodies that no longer decode; the worker
// fails such records through the normal retry path.
func decodeStoredPayload(kind Kind, data []byte) Payload {
	p, err := DecodePayload(kind, data)
	if err != nil {
		return nil
	}
	return p
}

type memoryRecord struct {
	NewRecord
	id           int64
	status       Status
	processedAt  *time.Time
	retryCount   int
	errorMessage string
}

func (r *memoryRecord) snapshot() Record {
	out := Record{
		ID:            r.id,
		NotebookID:    r.NotebookID,
		Kind:          r.Kind,
		Status:        r.status,
		Payload:       decodeStoredPayload(r.Kind, r.Payload),
		CorrelationID: r.CorrelationID,
		Sequence:      r.Sequence,
		CreatedAt:     r.CreatedAt,
		RetryCount:    r.retryCount,
		ErrorMessage:  r.errorMessage,
	}
	if r.processedAt != nil {
		ts := *r.processedAt
		out.ProcessedAt = &ts
	}
	return out
}

// MemoryRecordStore keeps records in process memory. Records do not survive
// a restart.
type MemoryRecordStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*memoryRecord
	now     func() time.Time
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: map[int64]*memoryRecord{},
		now:     time.Now,
	}
}

func (s *MemoryRecordStore) Enqueue(_ context.Context, rec NewRecord) (int64, error) {
	if err := validateNewRecord(rec); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.nextID++
	s.records[s.nextID] = &memoryRecord{
		NewRecord: rec,
		id:        s.nextID,
		status:    StatusPending,
	}
	return s.nextID, nil
}

func (s *MemoryRecordStore) Claim(_ context.Context, notebookID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]*memoryRecord, 0)
	for _, rec := range s.records {
		if rec.NotebookID == notebookID && rec.status == StatusPending {
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return recordLess(candidates[i].snapshotKey(), candidates[j].snapshotKey())
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Record, 0, len(candidates))
	for _, rec := range candidates {
		rec.status = StatusProcessing
		out = append(out, rec.snapshot())
	}
	return out, nil
}

func (r *memoryRecord) snapshotKey() Record {
	return Record{ID: r.id, CorrelationID: r.CorrelationID, Sequence: r.Sequence, CreatedAt: r.CreatedAt}
}

func (s *MemoryRecordStore) Complete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	rec.status = StatusCompleted
	rec.processedAt = &now
	rec.errorMessage = ""
	return nil
}

func (s *MemoryRecordStore) Retry(_ context.Context, id int64, errMsg string, maxRetries int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.processingLocked(id)
	if err != nil {
		return "", err
	}
	rec.retryCount++
	rec.errorMessage = errMsg
	if rec.retryCount >= maxRetries {
		now := s.now().UTC()
		rec.status = StatusFailed
		rec.processedAt = &now
		return StatusFailed, nil
	}
	rec.status = StatusPending
	return StatusPending, nil
}

func (s *MemoryRecordStore) Release(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	rec.status = StatusPending
	return nil
}

func (s *MemoryRecordStore) Supersede(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	rec.status = StatusSuperseded
	rec.processedAt = &now
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, id int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return rec.snapshot(), nil
}

func (s *MemoryRecordStore) ResetProcessing(_ context.Context, notebookID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.NotebookID == notebookID && rec.status == StatusProcessing {
			rec.status = StatusPending
			n++
		}
	}
	return n, nil
}

func (s *MemoryRecordStore) Counts(_ context.Context, notebookID string) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[Status]int{}
	for _, rec := range s.records {
		if notebookID == "" || rec.NotebookID == notebookID {
			counts[rec.status]++
		}
	}
	return counts, nil
}

func (s *MemoryRecordStore) Close() error {
	return nil
}

func (s *MemoryRecordStore) processingLocked(id int64) (*memoryRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if rec.status != StatusProcessing {
		return nil, fmt.Errorf("%w: record %d is %s, not processing", ErrInvalidState, id, rec.status)
	}
	return rec, nil
}
