package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaynote/internal/relaynote"
)

const (
	DefaultAddr              = ":8080"
	DefaultRecordStore       = "relaynote.db"
	DefaultCommitInterval    = 30 * time.Second
	DefaultCommitMaxPending  = 100
	DefaultSuppressionWindow = 2 * time.Second
	DefaultRateLimitWindow   = time.Minute
	DefaultStopTimeout       = 30 * time.Second
)

type Config struct {
	Addr string `yaml:"addr"`
	// RecordStore is a DSN understood by relaynote.BuildRecordStoreFromDSN.
	RecordStore string `yaml:"record_store"`
	// Notebooks maps notebook ids to filesystem roots. Relative roots are
	// resolved against the config file's directory.
	Notebooks         map[string]string      `yaml:"notebooks"`
	Worker            relaynote.WorkerConfig `yaml:"worker"`
	Commit            CommitConfig           `yaml:"commit"`
	SuppressionWindow time.Duration          `yaml:"suppression_window"`
	StopTimeout       time.Duration          `yaml:"stop_timeout"`
	Watch             WatchConfig            `yaml:"watch"`
	HTTP              HTTPConfig             `yaml:"http"`
	Git               GitConfig              `yaml:"git"`
	Log               LogConfig              `yaml:"log"`
}

type CommitConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxPending int           `yaml:"max_pending"`
}

type WatchConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ScanOnStart bool     `yaml:"scan_on_start"`
	ExcludeDirs []string `yaml:"exclude_dirs"`
}

type HTTPConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
}

type GitConfig struct {
	Binary      string `yaml:"binary"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:              DefaultAddr,
		RecordStore:       DefaultRecordStore,
		Notebooks:         map[string]string{},
		Commit:            CommitConfig{Interval: DefaultCommitInterval, MaxPending: DefaultCommitMaxPending},
		SuppressionWindow: DefaultSuppressionWindow,
		StopTimeout:       DefaultStopTimeout,
		Watch:             WatchConfig{Enabled: true, ScanOnStart: true},
		HTTP:              HTTPConfig{RateLimitWindow: DefaultRateLimitWindow},
		Log:               LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (when non-empty) over the defaults, applies RELAYNOTE_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	baseDir := ""
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		baseDir = filepath.Dir(path)
	}
	applyEnv(&cfg)
	cfg.resolveRoots(baseDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if cfg.Notebooks == nil {
		cfg.Notebooks = map[string]string{}
	}
	return nil
}

func (c *Config) resolveRoots(baseDir string) {
	for id, root := range c.Notebooks {
		root = strings.TrimSpace(root)
		if root != "" && baseDir != "" && !filepath.IsAbs(root) {
			root = filepath.Join(baseDir, root)
		}
		c.Notebooks[id] = root
	}
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.RecordStore) == "" {
		problems = append(problems, "record_store is required")
	}
	for _, id := range c.NotebookIDs() {
		if strings.TrimSpace(id) == "" {
			problems = append(problems, "notebook id must not be empty")
			continue
		}
		if c.Notebooks[id] == "" {
			problems = append(problems, fmt.Sprintf("notebook %s has no root", id))
		}
	}
	if c.Commit.Interval < 0 || c.Commit.MaxPending < 0 {
		problems = append(problems, "commit thresholds must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log format %q must be text or json", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", relaynote.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) NotebookIDs() []string {
	ids := make([]string, 0, len(c.Notebooks))
	for id := range c.Notebooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c Config) Registry() relaynote.StaticRegistry {
	reg := make(relaynote.StaticRegistry, len(c.Notebooks))
	for id, root := range c.Notebooks {
		reg[id] = root
	}
	return reg
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", raw, err)
	}
	return level, nil
}

// NewLogger builds the process logger for the configured level and format.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func applyEnv(cfg *Config) {
	cfg.Addr = stringEnv("RELAYNOTE_ADDR", cfg.Addr)
	cfg.RecordStore = stringEnv("RELAYNOTE_RECORD_STORE_DSN", cfg.RecordStore)
	if raw := strings.TrimSpace(os.Getenv("RELAYNOTE_NOTEBOOKS")); raw != "" {
		for id, root := range parseNotebookList(raw) {
			cfg.Notebooks[id] = root
		}
	}

	cfg.Worker.BatchSize = intEnv("RELAYNOTE_WORKER_BATCH_SIZE", cfg.Worker.BatchSize)
	cfg.Worker.PollInterval = durationEnv("RELAYNOTE_WORKER_POLL_INTERVAL", cfg.Worker.PollInterval)
	cfg.Worker.ErrorBackoff = durationEnv("RELAYNOTE_WORKER_ERROR_BACKOFF", cfg.Worker.ErrorBackoff)
	cfg.Worker.MaxRetries = intEnv("RELAYNOTE_WORKER_MAX_RETRIES", cfg.Worker.MaxRetries)

	cfg.Commit.Interval = durationEnv("RELAYNOTE_COMMIT_INTERVAL", cfg.Commit.Interval)
	cfg.Commit.MaxPending = intEnv("RELAYNOTE_COMMIT_MAX_PENDING", cfg.Commit.MaxPending)
	cfg.SuppressionWindow = durationEnv("RELAYNOTE_SUPPRESSION_WINDOW", cfg.SuppressionWindow)
	cfg.StopTimeout = durationEnv("RELAYNOTE_STOP_TIMEOUT", cfg.StopTimeout)

	cfg.Watch.Enabled = boolEnv("RELAYNOTE_WATCH", cfg.Watch.Enabled)
	cfg.Watch.ScanOnStart = boolEnv("RELAYNOTE_SCAN_ON_START", cfg.Watch.ScanOnStart)

	cfg.HTTP.JWTSecret = stringEnv("RELAYNOTE_JWT_SECRET", cfg.HTTP.JWTSecret)
	cfg.HTTP.RateLimitMax = intEnv("RELAYNOTE_RATE_LIMIT_MAX", cfg.HTTP.RateLimitMax)
	cfg.HTTP.RateLimitWindow = durationEnv("RELAYNOTE_RATE_LIMIT_WINDOW", cfg.HTTP.RateLimitWindow)
	cfg.HTTP.MaxBodyBytes = int64Env("RELAYNOTE_MAX_BODY_BYTES", cfg.HTTP.MaxBodyBytes)

	cfg.Git.Binary = stringEnv("RELAYNOTE_GIT_BINARY", cfg.Git.Binary)
	cfg.Log.Level = stringEnv("RELAYNOTE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = stringEnv("RELAYNOTE_LOG_FORMAT", cfg.Log.Format)
}

// parseNotebookList reads "id=root,id2=root2".
func parseNotebookList(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		id, root, ok := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			slog.Warn("ignoring malformed RELAYNOTE_NOTEBOOKS entry", "entry", part)
			continue
		}
		out[id] = strings.TrimSpace(root)
	}
	return out
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
