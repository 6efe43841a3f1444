package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/relaynote"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaynote.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultRecordStore, cfg.RecordStore)
	assert.Equal(t, DefaultCommitInterval, cfg.Commit.Interval)
	assert.Equal(t, DefaultCommitMaxPending, cfg.Commit.MaxPending)
	assert.True(t, cfg.Watch.Enabled)
	assert.Empty(t, cfg.Notebooks)
}

func TestLoadYAML(t *testing.T) {
	abs := t.TempDir()
	path := writeConfig(t, `
addr: 127.0.0.1:9000
record_store: postgres://relaynote@db/relaynote
notebooks:
  work: `+abs+`
  personal: notes/personal
worker:
  batch_size: 10
  poll_interval: 250ms
  max_retries: 5
commit:
  interval: 1m
  max_pending: 20
suppression_window: 3s
watch:
  scan_on_start: false
  exclude_dirs: [build]
http:
  jwt_secret: s3cret
  rate_limit_max: 100
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "postgres://relaynote@db/relaynote", cfg.RecordStore)
	assert.Equal(t, abs, cfg.Notebooks["work"])
	assert.Equal(t, filepath.Join(filepath.Dir(path), "notes", "personal"), cfg.Notebooks["personal"])
	assert.Equal(t, []string{"personal", "work"}, cfg.NotebookIDs())
	assert.Equal(t, relaynote.WorkerConfig{BatchSize: 10, PollInterval: 250 * time.Millisecond, MaxRetries: 5}, cfg.Worker)
	assert.Equal(t, CommitConfig{Interval: time.Minute, MaxPending: 20}, cfg.Commit)
	assert.Equal(t, 3*time.Second, cfg.SuppressionWindow)
	assert.True(t, cfg.Watch.Enabled, "unset keys keep their defaults")
	assert.False(t, cfg.Watch.ScanOnStart)
	assert.Equal(t, []string{"build"}, cfg.Watch.ExcludeDirs)
	assert.Equal(t, "s3cret", cfg.HTTP.JWTSecret)
	assert.Equal(t, DefaultRateLimitWindow, cfg.HTTP.RateLimitWindow)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)

	root, err := cfg.Registry().Resolve("work")
	require.NoError(t, err)
	assert.Equal(t, abs, root)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "notebok:\n  a: /tmp\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notebok")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Addr)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "notebooks:\n  a: /srv/a\nworker:\n  batch_size: 10\n")
	t.Setenv("RELAYNOTE_ADDR", ":9999")
	t.Setenv("RELAYNOTE_RECORD_STORE_DSN", "memory://")
	t.Setenv("RELAYNOTE_NOTEBOOKS", "b=/srv/b, a=/srv/a2,broken")
	t.Setenv("RELAYNOTE_WORKER_BATCH_SIZE", "25")
	t.Setenv("RELAYNOTE_WORKER_POLL_INTERVAL", "100ms")
	t.Setenv("RELAYNOTE_COMMIT_MAX_PENDING", "not-a-number")
	t.Setenv("RELAYNOTE_MAX_BODY_BYTES", "1024")
	t.Setenv("RELAYNOTE_SCAN_ON_START", "false")
	t.Setenv("RELAYNOTE_JWT_SECRET", "from-env")
	t.Setenv("RELAYNOTE_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "memory://", cfg.RecordStore)
	assert.Equal(t, map[string]string{"a": "/srv/a2", "b": "/srv/b"}, cfg.Notebooks)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, DefaultCommitMaxPending, cfg.Commit.MaxPending, "invalid values fall back")
	assert.Equal(t, int64(1024), cfg.HTTP.MaxBodyBytes)
	assert.False(t, cfg.Watch.ScanOnStart)
	assert.Equal(t, "from-env", cfg.HTTP.JWTSecret)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing record store", mutate: func(c *Config) { c.RecordStore = " " }, want: "record_store"},
		{name: "notebook without root", mutate: func(c *Config) { c.Notebooks["nb"] = "" }, want: "notebook nb has no root"},
		{name: "negative commit threshold", mutate: func(c *Config) { c.Commit.MaxPending = -1 }, want: "commit thresholds"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, want: "log level"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, want: "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, relaynote.ErrInvalidInput))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "notebook", "nb")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "json handler: %s", out)
	assert.Contains(t, out, `"notebook":"nb"`)

	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
