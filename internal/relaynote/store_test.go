package relaynote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeCase struct {
	name string
	open func(t *testing.T) RecordStore
}

func recordStoreCases() []storeCase {
	return []storeCase{
		{name: "memory", open: func(t *testing.T) RecordStore { return NewMemoryRecordStore() }},
		{name: "sqlite", open: func(t *testing.T) RecordStore {
			s, err := NewSQLiteRecordStore(filepath.Join(t.TempDir(), "records.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{name: "postgres", open: func(t *testing.T) RecordStore {
			dsn := os.Getenv("RELAYNOTE_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("RELAYNOTE_TEST_POSTGRES_DSN not set")
			}
			s, err := NewPostgresRecordStore(dsn)
			require.NoError(t, err)
			s.tableName = "relaynote_test_" + sanitizeTestName(t.Name())
			require.NoError(t, s.ensureReady())
			t.Cleanup(func() {
				_, _ = s.db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(s.tableName))
				_ = s.Close()
			})
			return s
		}},
	}
}

func sanitizeTestName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 40 {
		out = out[len(out)-40:]
	}
	return string(out)
}

func enqueueSync(t *testing.T, s RecordStore, notebookID, path, corr string, seq int, createdAt time.Time) int64 {
	t.Helper()
	kind, data, err := EncodePayload(SyncPayload{Path: path, Event: SyncEventModified})
	require.NoError(t, err)
	id, err := s.Enqueue(context.Background(), NewRecord{
		NotebookID:    notebookID,
		Kind:          kind,
		Payload:       data,
		CorrelationID: corr,
		Sequence:      seq,
		CreatedAt:     createdAt,
	})
	require.NoError(t, err)
	return id
}

func TestRecordStoreClaimOrdersWithinCorrelationGroup(t *testing.T) {
	for _, tc := range recordStoreCases() {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			second := enqueueSync(t, s, "nb", "b.md", "rename-1", 2, base)
			first := enqueueSync(t, s, "nb", "a.md", "rename-1", 1, base.Add(time.Second))
			enqueueSync(t, s, "other", "c.md", "", 0, base)

			recs, err := s.Claim(ctx, "nb", 10)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, first, recs[0].ID)
			assert.Equal(t, second, recs[1].ID)
			for _, rec := range recs {
				assert.Equal(t, StatusProcessing, rec.Status)
				assert.Equal(t, KindSync, rec.Kind)
				require.IsType(t, SyncPayload{}, rec.Payload)
			}

			again, err := s.Claim(ctx, "nb", 10)
			require.NoError(t, err)
			assert.Empty(t, again, "processing records must not be claimed twice")
		})
	}
}

func TestRecordStoreClaimBreaksTiesByID(t *testing.T) {
	for _, tc := range recordStoreCases() {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			ids := []int64{
				enqueueSync(t, s, "nb", "a.md", "", 0, at),
				enqueueSync(t, s, "nb", "b.md", "", 0, at),
				enqueueSync(t, s, "nb", "c.md", "", 0, at),
			}
			recs, err := s.Claim(context.Background(), "nb", 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, ids[0], recs[0].ID)
			assert.Equal(t, ids[1], recs[1].ID)
		})
	}
}

func TestRecordStoreRetryExhaustion(t *testing.T) {
	for _, tc := range recordStoreCases() {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			ctx := context.Background()
			id := enqueueSync(t, s, "nb", "a.md", "", 0, time.Time{})

			for attempt := 1; attempt <= 3; attempt++ {
				recs, err := s.Claim(ctx, "nb", 1)
				require.NoError(t, err)
				require.Len(t, recs, 1, "attempt %d", attempt)
				status, err := s.Retry(ctx, id, "disk full", 3)
				require.NoError(t, err)
				if attempt < 3 {
					assert.Equal(t, StatusPending, status)
				} else {
					assert.Equal(t, StatusFailed, status)
				}
			}

			rec, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, rec.Status)
			assert.Equal(t, 3, rec.RetryCount)
			assert.Equal(t, "disk full", rec.ErrorMessage)
			assert.NotNil(t, rec.ProcessedAt)

			recs, err := s.Claim(ctx, "nb", 1)
			require.NoError(t, err)
			assert.Empty(t, recs, "failed records are terminal")
		})
	}
}

func TestRecordStoreTransitionsRequireProcessing(t *testing.T) {
	for _, tc := range recordStoreCases() {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			ctx := context.Background()
			id := enqueueSync(t, s, "nb", "a.md", "", 0, time.Time{})

			err := s.Complete(ctx, id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)

			_, err = s.Get(ctx, id+100)
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

			_, err = s.Claim(ctx, "nb", 1)
			require.NoError(t, err)
			require.NoError(t, s.Complete(ctx, id))
			rec, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, rec.Status)
			require.NotNil(t, rec.ProcessedAt)
		})
	}
}

func TestRecordStoreResetProcessingAndCounts(t *testing.T) {
	for _, tc := range recordStoreCases() {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			ctx := context.Background()
			a := enqueueSync(t, s, "nb", "a.md", "", 0, time.Time{})
			enqueueSync(t, s, "nb", "b.md", "", 0, time.Time{})
			enqueueSync(t, s, "other", "c.md", "", 0, time.Time{})

			recs, err := s.Claim(ctx, "nb", 1)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			require.Equal(t, a, recs[0].ID)

			counts, err := s.Counts(ctx, "nb")
			require.NoError(t, err)
			assert.Equal(t, 1, counts[StatusProcessing])
			assert.Equal(t, 1, counts[StatusPending])

			n, err := s.ResetProcessing(ctx, "nb")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			counts, err = s.Counts(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, 3, counts[StatusPending])
		})
	}
}

func TestRecordStoreReleaseAndSupersede(t *testing.T) {
	for _, tc := range recordStoreCases() {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			ctx := context.Background()
			a := enqueueSync(t, s, "nb", "a.md", "", 0, time.Time{})
			b := enqueueSync(t, s, "nb", "a.md", "", 0, time.Time{})
			_, err := s.Claim(ctx, "nb", 2)
			require.NoError(t, err)

			require.NoError(t, s.Supersede(ctx, a))
			require.NoError(t, s.Release(ctx, b))

			recA, err := s.Get(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, StatusSuperseded, recA.Status)
			recB, err := s.Get(ctx, b)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, recB.Status)
			assert.Zero(t, recB.RetryCount)
		})
	}
}

func TestRecordStoreRejectsInvalidRecords(t *testing.T) {
	s := NewMemoryRecordStore()
	_, err := s.Enqueue(context.Background(), NewRecord{NotebookID: "", Kind: KindSync, Payload: []byte(`{}`)})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = s.Enqueue(context.Background(), NewRecord{NotebookID: "nb", Kind: "rename", Payload: []byte(`{}`)})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestSQLiteRecordStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "records.db")
	s, err := NewSQLiteRecordStore(path)
	require.NoError(t, err)
	id := enqueueSync(t, s, "nb", "a.md", "", 0, time.Time{})
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteRecordStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	rec, err := reopened.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, SyncPayload{Path: "a.md", Event: SyncEventModified}, rec.Payload)
}
