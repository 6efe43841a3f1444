package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	defaultAuthorName  = "relaynote"
	defaultAuthorEmail = "relaynote@localhost"
	// pathChunk bounds the pathspecs passed to one git invocation.
	pathChunk = 200
)

// MetadataExclude keeps the notebook's private metadata out of history.
const MetadataExclude = ".relaynote/"

// GitCommitter commits notebook paths with the git command line. Commits
// to the same root are serialized.
type GitCommitter struct {
	Binary      string
	AuthorName  string
	AuthorEmail string
	Logger      *slog.Logger

	mu    sync.Mutex
	roots map[string]*sync.Mutex
}

func NewGitCommitter() *GitCommitter {
	return &GitCommitter{}
}

// Commit stages paths under root and records them in one commit. Paths that
// no longer exist are staged as removals. It returns an empty ref when the
// index has no changes.
func (g *GitCommitter) Commit(ctx context.Context, root, message string, paths []string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", errors.New("git commit: root is required")
	}
	if len(paths) == 0 {
		return "", nil
	}
	lock := g.rootLock(root)
	lock.Lock()
	defer lock.Unlock()

	if err := g.ensureRepo(ctx, root); err != nil {
		return "", err
	}

	var present, missing []string
	for _, p := range paths {
		_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(p)))
		switch {
		case err == nil:
			present = append(present, p)
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, p)
		default:
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
	}
	for _, chunk := range chunks(missing) {
		args := append([]string{"rm", "-r", "-q", "--cached", "--ignore-unmatch", "--"}, chunk...)
		if _, err := g.run(ctx, root, args...); err != nil {
			return "", err
		}
	}
	for _, chunk := range chunks(present) {
		args := append([]string{"add", "-A", "--"}, chunk...)
		if _, err := g.run(ctx, root, args...); err != nil {
			return "", err
		}
	}

	dirty, err := g.indexDirty(ctx, root)
	if err != nil {
		return "", err
	}
	if !dirty {
		g.logger().Debug("nothing to commit", "root", root, "paths", len(paths))
		return "", nil
	}
	if _, err := g.run(ctx, root,
		"-c", "user.name="+g.authorName(),
		"-c", "user.email="+g.authorEmail(),
		"commit", "-q", "--no-verify", "-m", message,
	); err != nil {
		return "", err
	}
	out, err := g.run(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Pending lists the paths under root whose working tree differs from HEAD,
// untracked files included. A root without a repository is initialized
// first, which makes every file untracked.
func (g *GitCommitter) Pending(ctx context.Context, root string) ([]string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("git status: root is required")
	}
	lock := g.rootLock(root)
	lock.Lock()
	defer lock.Unlock()

	if err := g.ensureRepo(ctx, root); err != nil {
		return nil, err
	}
	out, err := g.run(ctx, root, "status", "--porcelain=v1", "-z", "--untracked-files=all", "--no-renames")
	if err != nil {
		return nil, err
	}
	return parseStatus(out), nil
}

// parseStatus reads NUL separated "XY path" entries.
func parseStatus(out string) []string {
	var paths []string
	for _, entry := range strings.Split(out, "\x00") {
		if len(entry) < 4 || entry[2] != ' ' {
			continue
		}
		paths = append(paths, entry[3:])
	}
	sort.Strings(paths)
	return paths
}

func (g *GitCommitter) ensureRepo(ctx context.Context, root string) error {
	gitDir := filepath.Join(root, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", gitDir, err)
		}
		if _, err := g.run(ctx, root, "init", "-q"); err != nil {
			return err
		}
		g.logger().Info("initialized git repository", "root", root)
	}
	return ensureExclude(filepath.Join(gitDir, "info", "exclude"))
}

func ensureExclude(path string) error {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == MetadataExclude {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\n')
	}
	data = append(data, MetadataExclude+"\n"...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// indexDirty reports whether the index differs from HEAD. A repository
// without commits is dirty whenever anything is staged.
func (g *GitCommitter) indexDirty(ctx context.Context, root string) (bool, error) {
	if _, err := g.run(ctx, root, "rev-parse", "-q", "--verify", "HEAD"); err != nil {
		out, lsErr := g.run(ctx, root, "ls-files", "--cached")
		if lsErr != nil {
			return false, lsErr
		}
		return strings.TrimSpace(out) != "", nil
	}
	_, err := g.run(ctx, root, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (g *GitCommitter) run(ctx context.Context, root string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.binary(), args...)
	cmd.Dir = root
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.String(), fmt.Errorf("git %s: %w", args[0], err)
		}
		return stdout.String(), fmt.Errorf("git %s: %s: %w", args[0], msg, err)
	}
	return stdout.String(), nil
}

func (g *GitCommitter) rootLock(root string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.roots == nil {
		g.roots = map[string]*sync.Mutex{}
	}
	lock, ok := g.roots[root]
	if !ok {
		lock = &sync.Mutex{}
		g.roots[root] = lock
	}
	return lock
}

func (g *GitCommitter) binary() string {
	if strings.TrimSpace(g.Binary) != "" {
		return g.Binary
	}
	return "git"
}

func (g *GitCommitter) authorName() string {
	if strings.TrimSpace(g.AuthorName) != "" {
		return g.AuthorName
	}
	return defaultAuthorName
}

func (g *GitCommitter) authorEmail() string {
	if strings.TrimSpace(g.AuthorEmail) != "" {
		return g.AuthorEmail
	}
	return defaultAuthorEmail
}

func (g *GitCommitter) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func chunks(paths []string) [][]string {
	var out [][]string
	for len(paths) > pathChunk {
		out = append(out, paths[:pathChunk])
		paths = paths[pathChunk:]
	}
	if len(paths) > 0 {
		out = append(out, paths)
	}
	return out
}
