package fswatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/agentworkforce/relaynote/internal/relaynote"
)

// mtimeTolerance absorbs filesystem timestamp granularity.
const mtimeTolerance = time.Second

// ScanExistingFiles walks the notebook once and enqueues a sync record for
// every file that is missing from the catalog or differs from its entry in
// size or modification time, and a deleted sync record for every entry whose
// file is gone. It returns the number of records enqueued.
func ScanExistingFiles(ctx context.Context, target relaynote.WatchTarget, filter Filter) (int, error) {
	if target.Catalog == nil || target.Enqueue == nil {
		return 0, fmt.Errorf("%w: scan needs a catalog and an enqueue function", relaynote.ErrInvalidInput)
	}
	entries, err := target.Catalog.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list catalog: %w", err)
	}
	known := make(map[string]relaynote.Entry, len(entries))
	for _, e := range entries {
		known[e.Path] = e
	}

	var changed []string
	seen := map[string]struct{}{}
	err = filepath.WalkDir(target.Root, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if abs != target.Root && errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if abs == target.Root {
			return nil
		}
		if d.IsDir() {
			if filter.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || filter.SkipFile(d.Name()) {
			return nil
		}
		rel, err := relaynote.RelativePath(target.Root, abs)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		seen[rel] = struct{}{}
		entry, ok := known[rel]
		if !ok || entry.Size != info.Size() || !withinTolerance(entry.ModTime, info.ModTime()) {
			changed = append(changed, rel)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", target.Root, err)
	}

	var missing []string
	for p := range known {
		if _, ok := seen[p]; !ok && !filter.Excluded(p, false) {
			missing = append(missing, p)
		}
	}
	sort.Strings(changed)
	sort.Strings(missing)

	emitted := 0
	for _, p := range changed {
		if _, err := target.Enqueue(ctx, relaynote.SyncPayload{Path: p, Event: relaynote.SyncEventScanned}, relaynote.EnqueueOptions{}); err != nil {
			return emitted, fmt.Errorf("enqueue sync for %s: %w", p, err)
		}
		emitted++
	}
	for _, p := range missing {
		if _, err := target.Enqueue(ctx, relaynote.SyncPayload{Path: p, Event: relaynote.SyncEventDeleted}, relaynote.EnqueueOptions{}); err != nil {
			return emitted, fmt.Errorf("enqueue sync for %s: %w", p, err)
		}
		emitted++
	}
	if target.Logger != nil && emitted > 0 {
		target.Logger.Info("reconciliation scan", "changed", len(changed), "missing", len(missing))
	}
	return emitted, nil
}

func withinTolerance(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= mtimeTolerance
}
