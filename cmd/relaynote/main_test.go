package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/httpapi"
	"github.com/agentworkforce/relaynote/internal/relaynote"
)

const testSecret = "cli-secret"

type nopCommitter struct{}

func (nopCommitter) Commit(context.Context, string, string, []string) (string, error) {
	return "", nil
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// newTestAPI serves a pipeline with one running notebook "nb".
func newTestAPI(t *testing.T) (*httptest.Server, string, string) {
	t.Helper()
	root := t.TempDir()
	manager, err := relaynote.NewManager(relaynote.ManagerOptions{
		Records:  relaynote.NewMemoryRecordStore(),
		Registry: relaynote.StaticRegistry{"nb": root},
		Batcher:  relaynote.NewCommitBatcher(relaynote.BatcherOptions{Interval: time.Hour, Committer: nopCommitter{}}),
		Worker:   relaynote.WorkerConfig{PollInterval: 20 * time.Millisecond},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, manager.StartRegistered(context.Background(), "nb"))
	t.Cleanup(func() { manager.StopAll(5 * time.Second) })

	srv := httptest.NewServer(httpapi.NewServerWithConfig(manager, httpapi.ServerConfig{JWTSecret: testSecret}))
	t.Cleanup(srv.Close)
	token, err := httpapi.IssueToken(testSecret, httpapi.AnyNotebook, "test", httpapi.AllScopes, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return srv, token, root
}

func TestRootCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "enqueue", "status", "scan", "stats", "notebook", "token"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, "command %s", name)
		assert.Equal(t, name, sub.Name())
	}
	for _, flag := range []string{"config", "verbose", "format", "log-format", "server", "token"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "flag %s", flag)
	}
}

func TestInvalidFormatIsCommandError(t *testing.T) {
	code, _, stderr := runCLI(t, "--format", "xml", "stats")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "invalid format")
}

func TestEnqueueValidatesArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown kind", args: []string{"enqueue", "nb", "rename", "--payload", "{}"}, want: "unknown change kind"},
		{name: "no payload", args: []string{"enqueue", "nb", "create"}, want: "payload is required"},
		{name: "invalid json", args: []string{"enqueue", "nb", "create", "--payload", "{"}, want: "not valid JSON"},
		{name: "both payload sources", args: []string{"enqueue", "nb", "create", "--payload", "{}", "--file", "x.json"}, want: "either --payload or --file"},
		{name: "no token or secret", args: []string{"--token", "", "enqueue", "nb", "create", "--payload", "{}"}, want: "no --token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAYNOTE_JWT_SECRET", "")
			code, _, stderr := runCLI(t, tt.args...)
			assert.Equal(t, ExitCommandError, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestEnqueueStatusAndStats(t *testing.T) {
	srv, token, root := newTestAPI(t)
	base := []string{"--server", srv.URL, "--token", token}

	code, stdout, stderr := runCLI(t, append(base, "enqueue", "nb", "create",
		"--payload", `{"path":"notes/a.md","content":"hello"}`, "--wait", "--wait-interval", "20ms")...)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Regexp(t, `status\s+completed`, stdout)
	data, err := os.ReadFile(filepath.Join(root, "notes", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	code, stdout, stderr = runCLI(t, append(base, "--format", "json", "enqueue", "nb", "sync",
		"--payload", `{"path":"notes/a.md","event":"modified"}`, "--correlation-id", "op-1", "--sequence", "1")...)
	require.Equal(t, ExitSuccess, code, stderr)
	var accepted struct {
		ID            int64  `json:"id"`
		CorrelationID string `json:"correlationId"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &accepted))
	assert.Positive(t, accepted.ID)

	require.Eventually(t, func() bool {
		code, stdout, _ := runCLI(t, append(base, "status", "nb", fmt.Sprint(accepted.ID))...)
		return code == ExitSuccess && strings.Contains(stdout, "completed")
	}, 5*time.Second, 20*time.Millisecond)
	_, stdout, _ = runCLI(t, append(base, "status", "nb", fmt.Sprint(accepted.ID))...)
	assert.Contains(t, stdout, "op-1/1")

	code, stdout, stderr = runCLI(t, append(base, "--format", "json", "stats")...)
	require.Equal(t, ExitSuccess, code, stderr)
	var stats relaynote.Stats
	require.NoError(t, json.Unmarshal([]byte(stdout), &stats))
	require.Len(t, stats.Notebooks, 1)
	assert.Equal(t, 2, stats.Notebooks[0].Queue[relaynote.StatusCompleted])

	code, stdout, _ = runCLI(t, append(base, "stats")...)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "NOTEBOOK")
	assert.Contains(t, stdout, "completed=2")
}

func TestRemoteErrorsMapToExitCodes(t *testing.T) {
	srv, token, _ := newTestAPI(t)
	base := []string{"--server", srv.URL, "--token", token}

	code, _, stderr := runCLI(t, append(base, "status", "nb", "999")...)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "404")

	code, _, stderr = runCLI(t, append(base, "status", "nb", "abc")...)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "invalid record id")

	// The test pipeline runs without a watcher, so scanning is unsupported.
	code, _, stderr = runCLI(t, append(base, "scan", "nb")...)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "501")

	code, stdout, stderr := runCLI(t, append(base, "notebook", "stop", "nb")...)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "nb: stop\n", stdout)
	code, _, _ = runCLI(t, append(base, "notebook", "stop", "nb")...)
	assert.Equal(t, ExitCommandError, code)
}

func TestTokenCommand(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "relaynote.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("http:\n  jwt_secret: "+testSecret+"\n"), 0o644))

	code, stdout, stderr := runCLI(t, "--config", cfgPath, "token", "--notebook", "nb", "--scope", "changes:read", "--ttl", "1h")
	require.Equal(t, ExitSuccess, code, stderr)
	parts := strings.Split(strings.TrimSpace(stdout), ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "nb", claims["notebook_id"])
	assert.Equal(t, []any{"changes:read"}, claims["scopes"])

	t.Setenv("RELAYNOTE_JWT_SECRET", "")
	code, _, stderr = runCLI(t, "token")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "no jwt_secret")
}

func TestServeRunsConfiguredNotebooks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.md"), []byte("on disk"), 0o644))
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.RecordStore = "memory://"
	cfg.Notebooks = map[string]string{"nb": root}
	cfg.Worker.PollInterval = 20 * time.Millisecond
	cfg.Commit.Interval = time.Hour
	cfg.HTTP.JWTSecret = testSecret
	cfg.StopTimeout = 5 * time.Second
	cfg.Git.Binary = "relaynote-test-no-git"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve never became ready")
	}

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The startup scan catalogs files that predate the server.
	token, err := httpapi.IssueToken(testSecret, "nb", "test", httpapi.AllScopes, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		code, stdout, _ := runCLI(t, "--server", "http://"+addr, "--token", token, "--format", "json", "stats")
		var stats relaynote.Stats
		if code != ExitSuccess || json.Unmarshal([]byte(stdout), &stats) != nil || len(stats.Notebooks) != 1 {
			return false
		}
		return stats.Notebooks[0].Queue[relaynote.StatusCompleted] == 1
	}, 10*time.Second, 50*time.Millisecond)

	code, _, stderr := runCLI(t, "--server", "http://"+addr, "--token", token, "scan", "nb")
	assert.Equal(t, ExitSuccess, code, stderr)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestServeFailsOnMissingNotebookRoot(t *testing.T) {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.RecordStore = "memory://"
	cfg.Notebooks = map[string]string{"nb": filepath.Join(t.TempDir(), "missing")}
	err := serve(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, exitCode(err))
	assert.ErrorIs(t, err, relaynote.ErrNotebookRoot)
}
