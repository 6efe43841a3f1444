package relaynote

import (
	"context"
	"time"
)

// Entry is the cached metadata for one notebook file.
type Entry struct {
	Path        string         `json:"path"`
	Hash        string         `json:"hash"`
	Size        int64          `json:"size"`
	ContentType string         `json:"contentType"`
	Properties  map[string]any `json:"properties,omitempty"`
	CommitRef   string         `json:"commitRef,omitempty"`
	ModTime     time.Time      `json:"modTime"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Rename is one catalog path rewritten by Catalog.Rename.
type Rename struct {
	From string
	To   string
}

// Catalog stores at most one Entry per path.
type Catalog interface {
	Get(ctx context.Context, path string) (Entry, error)
	// Upsert creates or updates the entry for e.Path. Properties are merged
	// into the existing set; CreatedAt and CommitRef are preserved.
	Upsert(ctx context.Context, e Entry) (Entry, error)
	// Delete removes path and, when recursive, every entry below it. It
	// returns the removed paths.
	Delete(ctx context.Context, path string, recursive bool) ([]string, error)
	List(ctx context.Context) ([]Entry, error)
	ListPrefix(ctx context.Context, prefix string) ([]Entry, error)
	// Rename rewrites from to to and, when recursive, every entry below from
	// with the prefix replaced. Entries already at a target path are
	// replaced.
	Rename(ctx context.Context, from, to string, recursive bool) ([]Rename, error)
	SetCommitRef(ctx context.Context, paths []string, ref string) error
	Close() error
}

// CatalogOpener opens the catalog for a notebook rooted at root.
type CatalogOpener func(notebookID, root string) (Catalog, error)

func mergeProperties(existing, incoming map[string]any) map[string]any {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// mergeEntry applies an incoming upsert onto the stored entry.
func mergeEntry(existing, incoming Entry, now time.Time) Entry {
	merged := existing
	merged.Hash = incoming.Hash
	merged.Size = incoming.Size
	if incoming.ContentType != "" {
		merged.ContentType = incoming.ContentType
	}
	merged.Properties = mergeProperties(existing.Properties, incoming.Properties)
	if incoming.CommitRef != "" {
		merged.CommitRef = incoming.CommitRef
	}
	if !incoming.ModTime.IsZero() {
		merged.ModTime = incoming.ModTime
	}
	merged.UpdatedAt = now
	return merged
}
