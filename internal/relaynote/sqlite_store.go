package relaynote

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

//go:embed records_schema.sql
var recordsSchemaSQL string

const recordsSchemaVersion = 1

const recordColumns = `id, notebook_id, kind, status, payload, correlation_id, sequence, created_at, processed_at, retry_count, error_message`

// SQLiteRecordStore is the default durable record store.
type SQLiteRecordStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRecordStore(path string) (*SQLiteRecordStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create record store dir: %w", err)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := applySQLiteSchema(db, recordsSchemaSQL, recordsSchemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("record store schema: %w", err)
	}
	return &SQLiteRecordStore{db: db, now: time.Now}, nil
}

func (s *SQLiteRecordStore) Enqueue(ctx context.Context, rec NewRecord) (int64, error) {
	if err := validateNewRecord(rec); err != nil {
		return 0, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO change_records (notebook_id, kind, status, payload, correlation_id, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.NotebookID, string(rec.Kind), string(StatusPending), string(rec.Payload),
		rec.CorrelationID, rec.Sequence, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert change record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert change record: %w", err)
	}
	return id, nil
}

func (s *SQLiteRecordStore) Claim(ctx context.Context, notebookID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM change_records
		WHERE notebook_id = ? AND status = ?
		ORDER BY correlation_id ASC, sequence ASC, created_at ASC, id ASC
		LIMIT ?`,
		notebookID, string(StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending records: %w", err)
	}
	candidates, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]Record, 0, len(candidates))
	for _, rec := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE change_records SET status = ? WHERE id = ? AND status = ?`,
			string(StatusProcessing), rec.ID, string(StatusPending),
		)
		if err != nil {
			return nil, fmt.Errorf("claim record %d: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		rec.Status = StatusProcessing
		claimed = append(claimed, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	committed = true
	return claimed, nil
}

func (s *SQLiteRecordStore) Complete(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`UPDATE change_records SET status = ?, processed_at = ?, error_message = '' WHERE id = ? AND status = ?`,
		string(StatusCompleted), s.now().UTC().UnixNano(), id, string(StatusProcessing),
	)
}

func (s *SQLiteRecordStore) Retry(ctx context.Context, id int64, errMsg string, maxRetries int) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin retry: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	var retryCount int
	err = tx.QueryRowContext(ctx, `SELECT status, retry_count FROM change_records WHERE id = ?`, id).Scan(&status, &retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read record %d: %w", id, err)
	}
	if Status(status) != StatusProcessing {
		return "", fmt.Errorf("%w: record %d is %s, not processing", ErrInvalidState, id, status)
	}
	retryCount++
	next := StatusPending
	var processedAt any
	if retryCount >= maxRetries {
		next = StatusFailed
		processedAt = s.now().UTC().UnixNano()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE change_records SET status = ?, retry_count = ?, error_message = ?, processed_at = ? WHERE id = ?`,
		string(next), retryCount, errMsg, processedAt, id,
	); err != nil {
		return "", fmt.Errorf("update record %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit retry: %w", err)
	}
	committed = true
	return next, nil
}

func (s *SQLiteRecordStore) Release(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`UPDATE change_records SET status = ? WHERE id = ? AND status = ?`,
		string(StatusPending), id, string(StatusProcessing),
	)
}

func (s *SQLiteRecordStore) Supersede(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`UPDATE change_records SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
		string(StatusSuperseded), s.now().UTC().UnixNano(), id, string(StatusProcessing),
	)
}

func (s *SQLiteRecordStore) Get(ctx context.Context, id int64) (Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM change_records WHERE id = ?`, id)
	if err != nil {
		return Record{}, fmt.Errorf("read record %d: %w", id, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

func (s *SQLiteRecordStore) ResetProcessing(ctx context.Context, notebookID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE change_records SET status = ? WHERE notebook_id = ? AND status = ?`,
		string(StatusPending), notebookID, string(StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("reset processing records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteRecordStore) Counts(ctx context.Context, notebookID string) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) FROM change_records`
	args := []any{}
	if notebookID != "" {
		query += ` WHERE notebook_id = ?`
		args = append(args, notebookID)
	}
	query += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()
	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan record count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteRecordStore) transition(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: record %d is %s, not processing", ErrInvalidState, id, rec.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec         Record
		kind        string
		status      string
		payload     string
		createdAt   int64
		processedAt sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.NotebookID, &kind, &status, &payload, &rec.CorrelationID,
		&rec.Sequence, &createdAt, &processedAt, &rec.RetryCount, &rec.ErrorMessage); err != nil {
		return Record{}, err
	}
	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	rec.Payload = decodeStoredPayload(rec.Kind, []byte(payload))
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if processedAt.Valid {
		ts := time.Unix(0, processedAt.Int64).UTC()
		rec.ProcessedAt = &ts
	}
	return rec, nil
}

// scanRecords drains and closes rows.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change records: %w", err)
	}
	return out, nil
}
