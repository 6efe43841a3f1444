package relaynote

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

//go:embed catalog_schema.sql
var catalogSchemaSQL string

const (
	catalogSchemaVersion = 1
	catalogFileName      = "catalog.db"
)

const entryColumns = `path, hash, size, content_type, properties, commit_ref, mod_time, created_at, updated_at`

// SQLiteCatalog is the per-notebook catalog stored at
// <root>/.relaynote/catalog.db.
type SQLiteCatalog struct {
	db         *sql.DB
	notebookID string
	now        func() time.Time

	// beforeInsert runs between the existence check and the insert of a new
	// entry.
	beforeInsert func()
}

// OpenSQLiteCatalog is the default CatalogOpener.
func OpenSQLiteCatalog(notebookID, root string) (Catalog, error) {
	return NewSQLiteCatalog(notebookID, root)
}

func NewSQLiteCatalog(notebookID, root string) (*SQLiteCatalog, error) {
	dir := filepath.Join(root, MetadataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	db, err := openSQLite(filepath.Join(dir, catalogFileName))
	if err != nil {
		return nil, err
	}
	if err := applySQLiteSchema(db, catalogSchemaSQL, catalogSchemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog schema: %w", err)
	}
	return &SQLiteCatalog{db: db, notebookID: notebookID, now: time.Now}, nil
}

func (c *SQLiteCatalog) Get(ctx context.Context, path string) (Entry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries WHERE notebook_id = ? AND path = ?`,
		c.notebookID, path,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("catalog entry %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read catalog entry %s: %w", path, err)
	}
	return e, nil
}

func (c *SQLiteCatalog) Upsert(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Path) == "" {
		return Entry{}, fmt.Errorf("%w: entry path is required", ErrInvalidInput)
	}
	now := c.now().UTC()
	existing, err := c.Get(ctx, e.Path)
	switch {
	case err == nil:
		return c.update(ctx, mergeEntry(existing, e, now))
	case !errors.Is(err, ErrNotFound):
		return Entry{}, err
	}

	if c.beforeInsert != nil {
		c.beforeInsert()
	}
	created, err := c.insert(ctx, e, now)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, ErrEntryExists) {
		return Entry{}, err
	}
	// Another writer created the entry after our read.
	existing, err = c.Get(ctx, e.Path)
	if err != nil {
		return Entry{}, err
	}
	return c.update(ctx, mergeEntry(existing, e, now))
}

func (c *SQLiteCatalog) insert(ctx context.Context, e Entry, now time.Time) (Entry, error) {
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Properties = mergeProperties(nil, e.Properties)
	props, err := encodeProperties(e.Properties)
	if err != nil {
		return Entry{}, err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO catalog_entries (notebook_id, path, hash, size, content_type, properties, commit_ref, mod_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.notebookID, e.Path, e.Hash, e.Size, e.ContentType, props, e.CommitRef,
		unixNanos(e.ModTime), e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return Entry{}, fmt.Errorf("catalog entry %s: %w", e.Path, ErrEntryExists)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("write catalog entry %s: %w", e.Path, err)
	}
	return e, nil
}

func (c *SQLiteCatalog) update(ctx context.Context, e Entry) (Entry, error) {
	props, err := encodeProperties(e.Properties)
	if err != nil {
		return Entry{}, err
	}
	_, err = c.db.ExecContext(ctx,
		`UPDATE catalog_entries
		SET hash = ?, size = ?, content_type = ?, properties = ?, commit_ref = ?, mod_time = ?, updated_at = ?
		WHERE notebook_id = ? AND path = ?`,
		e.Hash, e.Size, e.ContentType, props, e.CommitRef, unixNanos(e.ModTime), e.UpdatedAt.UnixNano(),
		c.notebookID, e.Path,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("update catalog entry %s: %w", e.Path, err)
	}
	return e, nil
}

func (c *SQLiteCatalog) Delete(ctx context.Context, path string, recursive bool) ([]string, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	paths, err := c.matchingPaths(ctx, tx, path, recursive)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_entries WHERE notebook_id = ? AND path = ?`, c.notebookID, p); err != nil {
			return nil, fmt.Errorf("delete catalog entry %s: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	committed = true
	return paths, nil
}

func (c *SQLiteCatalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries WHERE notebook_id = ? ORDER BY path ASC`,
		c.notebookID,
	)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	return scanEntries(rows)
}

func (c *SQLiteCatalog) ListPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries
		WHERE notebook_id = ? AND (path = ? OR (path >= ? AND path < ?))
		ORDER BY path ASC`,
		c.notebookID, prefix, prefix+"/", prefix+"0",
	)
	if err != nil {
		return nil, fmt.Errorf("list catalog prefix %s: %w", prefix, err)
	}
	return scanEntries(rows)
}

func (c *SQLiteCatalog) Rename(ctx context.Context, from, to string, recursive bool) ([]Rename, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rename: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	paths, err := c.matchingPaths(ctx, tx, from, recursive)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC().UnixNano()
	renames := make([]Rename, 0, len(paths))
	for _, p := range paths {
		target := replacePrefix(p, from, to)
		if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_entries WHERE notebook_id = ? AND path = ?`, c.notebookID, target); err != nil {
			return nil, fmt.Errorf("clear rename target %s: %w", target, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE catalog_entries SET path = ?, updated_at = ? WHERE notebook_id = ? AND path = ?`,
			target, now, c.notebookID, p,
		); err != nil {
			return nil, fmt.Errorf("rename catalog entry %s: %w", p, err)
		}
		renames = append(renames, Rename{From: p, To: target})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rename: %w", err)
	}
	committed = true
	return renames, nil
}

func (c *SQLiteCatalog) SetCommitRef(ctx context.Context, paths []string, ref string) error {
	if len(paths) == 0 || ref == "" {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit ref: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx,
			`UPDATE catalog_entries SET commit_ref = ? WHERE notebook_id = ? AND path = ?`,
			ref, c.notebookID, p,
		); err != nil {
			return fmt.Errorf("set commit ref %s: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit commit ref: %w", err)
	}
	committed = true
	return nil
}

func (c *SQLiteCatalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLiteCatalog) matchingPaths(ctx context.Context, tx *sql.Tx, path string, recursive bool) ([]string, error) {
	query := `SELECT path FROM catalog_entries WHERE notebook_id = ? AND path = ?`
	args := []any{c.notebookID, path}
	if recursive {
		// '0' sorts directly after '/', bounding the subtree.
		query = `SELECT path FROM catalog_entries WHERE notebook_id = ? AND (path = ? OR (path >= ? AND path < ?))`
		args = append(args, path+"/", path+"0")
	}
	rows, err := tx.QueryContext(ctx, query+` ORDER BY path ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("select catalog paths under %s: %w", path, err)
	}
	defer rows.Close()
	paths := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan catalog path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e         Entry
		props     string
		modTime   int64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&e.Path, &e.Hash, &e.Size, &e.ContentType, &props, &e.CommitRef, &modTime, &createdAt, &updatedAt); err != nil {
		return Entry{}, err
	}
	if props != "" && props != "{}" {
		if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
			return Entry{}, fmt.Errorf("decode properties of %s: %w", e.Path, err)
		}
	}
	if modTime != 0 {
		e.ModTime = time.Unix(0, modTime).UTC()
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog entries: %w", err)
	}
	return out, nil
}

func encodeProperties(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("%w: encode properties: %v", ErrInvalidInput, err)
	}
	return string(data), nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
