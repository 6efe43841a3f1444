package relaynote

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MetadataDir is the reserved directory under every notebook root that holds
// the catalog database and the notebook lock.
const MetadataDir = ".relaynote"

// NormalizePath converts p into the canonical notebook-relative form used as
// the catalog key: slash separated, NFC normalized, no leading slash and no
// dot segments.
func NormalizePath(p string) (string, error) {
	raw := strings.TrimSpace(p)
	if raw == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidInput)
	}
	raw = strings.ReplaceAll(raw, "\\", "/")
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: path %q contains NUL", ErrInvalidInput, p)
	}
	cleaned := path.Clean("/" + norm.NFC.String(raw))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: path %q names the notebook root", ErrInvalidInput, p)
	}
	if withinPrefix(MetadataDir, cleaned) {
		return "", fmt.Errorf("%w: path %q is inside the reserved %s directory", ErrInvalidInput, p, MetadataDir)
	}
	return cleaned, nil
}

// RelativePath maps an absolute filesystem path under root to its notebook
// path.
func RelativePath(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s is outside notebook root %s", ErrInvalidInput, abs, root)
	}
	return NormalizePath(rel)
}

func absPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

func withinPrefix(prefix, candidate string) bool {
	return candidate == prefix || strings.HasPrefix(candidate, prefix+"/")
}

func replacePrefix(p, from, to string) string {
	if p == from {
		return to
	}
	return to + strings.TrimPrefix(p, from)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the content hash recorded in catalog entries.
func HashBytes(b []byte) string {
	return hashBytes(b)
}

// DetectContentType classifies a notebook file by extension.
func DetectContentType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".ipynb":
		return "application/x-ipynb+json"
	}
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
