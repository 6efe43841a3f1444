package relaynote

import (
	"fmt"
	"sort"
	"strings"
)

// NotebookRegistry resolves notebook ids to filesystem roots.
type NotebookRegistry interface {
	Resolve(notebookID string) (string, error)
	NotebookIDs() []string
}

// StaticRegistry maps notebook ids to roots.
type StaticRegistry map[string]string

func (r StaticRegistry) Resolve(notebookID string) (string, error) {
	root, ok := r[strings.TrimSpace(notebookID)]
	if !ok || strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("notebook %s: %w", notebookID, ErrNotFound)
	}
	return root, nil
}

func (r StaticRegistry) NotebookIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
