package fswatch

import (
	"path"
	"strings"

	"github.com/agentworkforce/relaynote/internal/relaynote"
)

var defaultExcludedDirs = []string{
	relaynote.MetadataDir,
	".git",
	".hg",
	".svn",
	"node_modules",
	"__pycache__",
	".venv",
	".ipynb_checkpoints",
}

// Filter decides which notebook paths the scanner ignores.
type Filter struct {
	dirs map[string]struct{}
}

// NewFilter returns the default filter extended with extra directory names.
func NewFilter(extraDirs ...string) Filter {
	f := Filter{dirs: map[string]struct{}{}}
	for _, name := range defaultExcludedDirs {
		f.dirs[name] = struct{}{}
	}
	for _, name := range extraDirs {
		name = strings.Trim(strings.TrimSpace(name), "/")
		if name != "" {
			f.dirs[name] = struct{}{}
		}
	}
	return f
}

func (f Filter) SkipDir(name string) bool {
	_, ok := f.dirs[name]
	return ok
}

// SkipFile matches OS metadata, editor swap and backup files, and the
// temporary files of atomic writes.
func (f Filter) SkipFile(name string) bool {
	switch {
	case name == ".DS_Store", name == "Thumbs.db", name == "desktop.ini", name == "4913":
		return true
	case strings.HasSuffix(name, "~"):
		return true
	case strings.HasSuffix(name, ".swp"), strings.HasSuffix(name, ".swo"), strings.HasSuffix(name, ".swx"):
		return true
	case strings.HasPrefix(name, ".#"), strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#"):
		return true
	case strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-"):
		return true
	}
	return false
}

// Excluded reports whether the notebook-relative path rel lies in an
// excluded directory or, for files, is itself noise.
func (f Filter) Excluded(rel string, isDir bool) bool {
	segments := strings.Split(rel, "/")
	for _, seg := range segments[:len(segments)-1] {
		if f.SkipDir(seg) {
			return true
		}
	}
	base := path.Base(rel)
	if isDir {
		return f.SkipDir(base)
	}
	return f.SkipDir(base) || f.SkipFile(base)
}
