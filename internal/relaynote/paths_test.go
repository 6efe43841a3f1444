package relaynote

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"notes/a.md", "notes/a.md"},
		{"/notes//a.md", "notes/a.md"},
		{"notes\\sub\\a.md", "notes/sub/a.md"},
		{"./notes/../b.md", "b.md"},
		{"../../escape.md", "escape.md"},
		{"café.md", "café.md"},
	}
	for _, tt := range tests {
		got, err := NormalizePath(tt.in)
		if err != nil {
			t.Fatalf("normalize %q failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("normalize %q: expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestNormalizePathRejectsRootAndMetadataDir(t *testing.T) {
	for _, in := range []string{"", "/", ".", ".relaynote/catalog.db", ".relaynote"} {
		if _, err := NormalizePath(in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", in, err)
		}
	}
}

func TestRelativePath(t *testing.T) {
	root := t.TempDir()
	got, err := RelativePath(root, filepath.Join(root, "notes", "a.md"))
	if err != nil {
		t.Fatalf("relative path failed: %v", err)
	}
	if got != "notes/a.md" {
		t.Fatalf("expected notes/a.md, got %q", got)
	}
	if _, err := RelativePath(root, filepath.Dir(root)); err == nil {
		t.Fatalf("expected error for path outside root")
	}
}

func TestDetectContentType(t *testing.T) {
	cases := map[string]string{
		"a.md":       "text/markdown",
		"a.MARKDOWN": "text/markdown",
		"a.ipynb":    "application/x-ipynb+json",
		"a.json":     "application/json",
		"a.unknown":  "application/octet-stream",
	}
	for path, want := range cases {
		if got := DetectContentType(path); got != want {
			t.Fatalf("content type of %s: expected %s, got %s", path, want, got)
		}
	}
}

func TestWriteFileAtomicReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "A.md")
	if err := os.WriteFile(path, []byte("# old"), 0o644); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}
	if err := writeFileAtomic(path, []byte("# new"), 0o644); err != nil {
		t.Fatalf("atomic write failed: %v", err)
	}
	updated, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read updated file failed: %v", err)
	}
	if string(updated) != "# new" {
		t.Fatalf("expected updated content, got %q", string(updated))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp file to be renamed away, found %d entries", len(entries))
	}
}

func TestWriteFileAtomicFailureLeavesOriginalContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "A.md")
	if err := os.WriteFile(path, []byte("# old"), 0o644); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Skipf("chmod unsupported in this environment: %v", err)
	}
	defer func() {
		_ = os.Chmod(dir, 0o755)
	}()
	err := writeFileAtomic(path, []byte("# new"), 0o644)
	if err == nil {
		t.Skip("atomic write unexpectedly succeeded with read-only directory")
	}
	current, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("read file after failure failed: %v", readErr)
	}
	if string(current) != "# old" {
		t.Fatalf("expected original content to remain, got %q", string(current))
	}
}
