package relaynote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func (w *Worker) apply(ctx context.Context, rec Record) error {
	if w.applyFn != nil {
		return w.applyFn(ctx, rec)
	}
	switch p := rec.Payload.(type) {
	case CreatePayload:
		return w.applyWrite(ctx, FileWrite(p))
	case UpdatePayload:
		return w.applyWrite(ctx, FileWrite(p))
	case MovePayload:
		return w.applyMove(ctx, p)
	case DeletePayload:
		return w.applyDelete(ctx, p)
	case SyncPayload:
		return w.applySync(ctx, p)
	case nil:
		return fmt.Errorf("%w: %s record %d has an undecodable payload", ErrInvalidInput, rec.Kind, rec.ID)
	default:
		return fmt.Errorf("%w: unsupported payload %T", ErrInvalidInput, rec.Payload)
	}
}

func (w *Worker) applyWrite(ctx context.Context, p FileWrite) error {
	p, err := p.normalized()
	if err != nil {
		return err
	}
	data, err := p.bytes()
	if err != nil {
		return err
	}
	abs := absPath(w.root, p.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", p.Path, err)
	}
	if err := writeFileAtomic(abs, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p.Path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p.Path, err)
	}
	hash := hashBytes(data)
	w.suppressor.Record(w.notebookID, p.Path, hash)
	if _, err := w.catalog.Upsert(ctx, Entry{
		Path:        p.Path,
		Hash:        hash,
		Size:        int64(len(data)),
		ContentType: DetectContentType(p.Path),
		Properties:  p.Metadata,
		ModTime:     info.ModTime().UTC(),
	}); err != nil {
		return err
	}
	w.batcher.AddPath(w.notebookID, w.root, p.Path)
	return nil
}

func (w *Worker) applyMove(ctx context.Context, p MovePayload) error {
	normalized, err := p.normalize()
	if err != nil {
		return err
	}
	p = normalized.(MovePayload)
	srcAbs := absPath(w.root, p.Source)
	dstAbs := absPath(w.root, p.Destination)

	var isDir bool
	info, err := os.Lstat(srcAbs)
	switch {
	case err == nil:
		isDir = info.IsDir()
		if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", p.Destination, err)
		}
		if err := os.Rename(srcAbs, dstAbs); err != nil {
			return fmt.Errorf("move %s to %s: %w", p.Source, p.Destination, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Replay after the rename already happened.
		dstInfo, dstErr := os.Lstat(dstAbs)
		if dstErr != nil {
			return fmt.Errorf("move %s to %s: source and destination missing: %w", p.Source, p.Destination, err)
		}
		isDir = dstInfo.IsDir()
	default:
		return fmt.Errorf("stat %s: %w", p.Source, err)
	}
	w.suppressor.Record(w.notebookID, p.Source, "")

	renames, err := w.catalog.Rename(ctx, p.Source, p.Destination, isDir)
	if err != nil {
		return err
	}
	for _, r := range renames {
		w.batcher.AddDeletedPath(w.notebookID, w.root, r.From)
		w.batcher.AddPath(w.notebookID, w.root, r.To)
	}
	if !isDir && len(renames) == 0 {
		// The source was never catalogued; derive the destination from disk.
		if err := w.rederive(ctx, p.Destination); err != nil {
			return err
		}
		w.batcher.AddDeletedPath(w.notebookID, w.root, p.Source)
	}
	return nil
}

func (w *Worker) applyDelete(ctx context.Context, p DeletePayload) error {
	normalized, err := p.normalize()
	if err != nil {
		return err
	}
	p = normalized.(DeletePayload)
	if p.Observed {
		return w.applyObservedDelete(ctx, p)
	}
	abs := absPath(w.root, p.Path)
	recursive := p.IsDirectory
	if info, err := os.Lstat(abs); err == nil && info.IsDir() {
		recursive = true
	}
	if recursive {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p.Path, err)
	}
	w.suppressor.Record(w.notebookID, p.Path, "")
	return w.forget(ctx, p.Path, recursive)
}

// applyObservedDelete brings the catalog in line with a removal that already
// happened. Anything written at the path since then is left in place.
func (w *Worker) applyObservedDelete(ctx context.Context, p DeletePayload) error {
	info, err := os.Lstat(absPath(w.root, p.Path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return w.forget(ctx, p.Path, true)
	case err != nil:
		return fmt.Errorf("stat %s: %w", p.Path, err)
	case info.IsDir():
		return w.forgetMissingBelow(ctx, p.Path)
	}
	return w.rederive(ctx, p.Path)
}

// forgetMissingBelow drops the entries under dir whose files no longer exist.
func (w *Worker) forgetMissingBelow(ctx context.Context, dir string) error {
	entries, err := w.catalog.ListPrefix(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, err := os.Lstat(absPath(w.root, e.Path))
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", e.Path, err)
		}
		if err := w.forget(ctx, e.Path, false); err != nil {
			return err
		}
	}
	return nil
}

// applySync reconciles the catalog with whatever is on disk at path now.
func (w *Worker) applySync(ctx context.Context, p SyncPayload) error {
	normalized, err := p.normalize()
	if err != nil {
		return err
	}
	p = normalized.(SyncPayload)
	info, err := os.Stat(absPath(w.root, p.Path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return w.forget(ctx, p.Path, true)
	case err != nil:
		return fmt.Errorf("stat %s: %w", p.Path, err)
	case info.IsDir():
		// Files below a directory arrive as their own sync records.
		return nil
	}
	return w.rederive(ctx, p.Path)
}

// forget removes path (and, when recursive, everything below it) from the
// catalog and registers the removals as deletions.
func (w *Worker) forget(ctx context.Context, path string, recursive bool) error {
	removed, err := w.catalog.Delete(ctx, path, recursive)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		w.batcher.AddDeletedPath(w.notebookID, w.root, path)
		return nil
	}
	for _, r := range removed {
		w.batcher.AddDeletedPath(w.notebookID, w.root, r)
	}
	return nil
}

// rederive refreshes the entry for path from its current disk content.
func (w *Worker) rederive(ctx context.Context, path string) error {
	abs := absPath(w.root, path)
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return w.forget(ctx, path, true)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	hash := hashBytes(data)
	existing, err := w.catalog.Get(ctx, path)
	unchanged := err == nil && existing.Hash == hash && existing.Size == int64(len(data))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := w.catalog.Upsert(ctx, Entry{
		Path:        path,
		Hash:        hash,
		Size:        int64(len(data)),
		ContentType: DetectContentType(path),
		ModTime:     info.ModTime().UTC(),
	}); err != nil {
		return err
	}
	if !unchanged {
		w.batcher.AddPath(w.notebookID, w.root, path)
	}
	return nil
}
