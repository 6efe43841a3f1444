package relaynote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordsTableName = "relaynote_change_records"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRecordStore shares records between processes; claims use
// FOR UPDATE SKIP LOCKED so concurrent pollers never receive the same row.
type PostgresRecordStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecordStore(dsn string) (*PostgresRecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	return &PostgresRecordStore{
		dsn:       dsn,
		tableName: postgresRecordsTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (s *PostgresRecordStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(s.tableName)
		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				notebook_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				status TEXT NOT NULL,
				payload TEXT NOT NULL,
				correlation_id TEXT NOT NULL DEFAULT '',
				sequence INTEGER NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				processed_at BIGINT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT ''
			)`, table)
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (notebook_id, status, correlation_id, sequence, created_at, id)",
			postgresQuoteIdentifier(s.tableName+"_claim_idx"),
			table,
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresRecordStore) Enqueue(ctx context.Context, rec NewRecord) (int64, error) {
	if err := validateNewRecord(rec); err != nil {
		return 0, err
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (notebook_id, kind, status, payload, correlation_id, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, postgresQuoteIdentifier(s.tableName))
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		rec.NotebookID, string(rec.Kind), string(StatusPending), string(rec.Payload),
		rec.CorrelationID, rec.Sequence, rec.CreatedAt.UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert change record: %w", err)
	}
	return id, nil
}

func (s *PostgresRecordStore) Claim(ctx context.Context, notebookID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1
		WHERE id IN (
			SELECT id FROM %s
			WHERE notebook_id = $2 AND status = $3
			ORDER BY correlation_id ASC, sequence ASC, created_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, table, table, recordColumns)
	rows, err := s.db.QueryContext(ctx, query, string(StatusProcessing), notebookID, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("claim records: %w", err)
	}
	claimed, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING carries no ordering guarantee.
	sort.Slice(claimed, func(i, j int) bool { return recordLess(claimed[i], claimed[j]) })
	return claimed, nil
}

func (s *PostgresRecordStore) Complete(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`UPDATE %s SET status = $1, processed_at = $2, error_message = '' WHERE id = $3 AND status = $4`,
		string(StatusCompleted), s.now().UTC().UnixNano(), id, string(StatusProcessing),
	)
}

func (s *PostgresRecordStore) Retry(ctx context.Context, id int64, errMsg string, maxRetries int) (Status, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		UPDATE %s SET
			retry_count = retry_count + 1,
			error_message = $1,
			status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
			processed_at = CASE WHEN retry_count + 1 >= $2 THEN $5::BIGINT ELSE NULL END
		WHERE id = $6 AND status = $7
		RETURNING status`, table)
	var status string
	err := s.db.QueryRowContext(ctx, query,
		errMsg, maxRetries, string(StatusFailed), string(StatusPending),
		s.now().UTC().UnixNano(), id, string(StatusProcessing),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		rec, getErr := s.Get(ctx, id)
		if getErr != nil {
			return "", getErr
		}
		return "", fmt.Errorf("%w: record %d is %s, not processing", ErrInvalidState, id, rec.Status)
	}
	if err != nil {
		return "", fmt.Errorf("retry record %d: %w", id, err)
	}
	return Status(status), nil
}

func (s *PostgresRecordStore) Release(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`UPDATE %s SET status = $1 WHERE id = $2 AND status = $3`,
		string(StatusPending), id, string(StatusProcessing),
	)
}

func (s *PostgresRecordStore) Supersede(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`UPDATE %s SET status = $1, processed_at = $2 WHERE id = $3 AND status = $4`,
		string(StatusSuperseded), s.now().UTC().UnixNano(), id, string(StatusProcessing),
	)
}

func (s *PostgresRecordStore) Get(ctx context.Context, id int64) (Record, error) {
	if err := s.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, postgresQuoteIdentifier(s.tableName))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read record %d: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresRecordStore) ResetProcessing(ctx context.Context, notebookID string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE notebook_id = $2 AND status = $3`, postgresQuoteIdentifier(s.tableName))
	res, err := s.db.ExecContext(ctx, query, string(StatusPending), notebookID, string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("reset processing records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresRecordStore) Counts(ctx context.Context, notebookID string) (map[Status]int, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s WHERE ($1 = '' OR notebook_id = $1) GROUP BY status`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, notebookID)
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

func (s *PostgresRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresRecordStore) transition(ctx context.Context, id int64, queryFormat string, args ...any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	res, err := s.db.ExecContext(opCtx, fmt.Sprintf(queryFormat, postgresQuoteIdentifier(s.tableName)), args...)
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

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
