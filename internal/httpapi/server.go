package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaynote/internal/relaynote"
)

// Pipeline is the part of the worker manager the HTTP surface drives.
type Pipeline interface {
	EnqueueJSON(ctx context.Context, notebookID string, kind relaynote.Kind, body []byte, opts relaynote.EnqueueOptions) (int64, error)
	Record(ctx context.Context, id int64) (relaynote.Record, error)
	Scan(ctx context.Context, notebookID string) (int, error)
	StartRegistered(ctx context.Context, notebookID string) error
	Stop(notebookID string, timeout time.Duration) error
	Stats(ctx context.Context) relaynote.Stats
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	StopTimeout     time.Duration
	StatsInterval   time.Duration
	Logger          *slog.Logger
}

type Server struct {
	pipeline    Pipeline
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type changeRequest struct {
	Kind          relaynote.Kind  `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Sequence      int             `json:"sequence,omitempty"`
}

type changeAccepted struct {
	ID            int64            `json:"id"`
	Status        relaynote.Status `json:"status"`
	CorrelationID string           `json:"correlationId"`
}

func NewServer(pipeline Pipeline) *Server {
	return NewServerWithConfig(pipeline, ServerConfig{})
}

func NewServerWithConfig(pipeline Pipeline, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		pipeline:    pipeline,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var (
		notebookID    string
		requiredScope string
		route         string
	)
	switch {
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "changes" && r.Method == http.MethodPost:
		notebookID, requiredScope, route = parts[2], scopeChangesWrite, "enqueue"
	case len(parts) == 5 && parts[1] == "notebooks" && parts[3] == "changes" && r.Method == http.MethodGet:
		notebookID, requiredScope, route = parts[2], scopeChangesRead, "record"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "scan" && r.Method == http.MethodPost:
		notebookID, requiredScope, route = parts[2], scopeChangesWrite, "scan"
	case len(parts) == 5 && parts[1] == "admin" && parts[2] == "notebooks" && parts[4] == "start" && r.Method == http.MethodPost:
		notebookID, requiredScope, route = parts[3], scopeAdminWrite, "start"
	case len(parts) == 5 && parts[1] == "admin" && parts[2] == "notebooks" && parts[4] == "stop" && r.Method == http.MethodPost:
		notebookID, requiredScope, route = parts[3], scopeAdminWrite, "stop"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "stats" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "stats"
	case len(parts) == 4 && parts[1] == "admin" && parts[2] == "stats" && parts[3] == "stream" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "stats_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if route != "stats" && route != "stats_stream" && strings.TrimSpace(notebookID) == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorize(r.Header.Get("Authorization"), s.cfg.JWTSecret, notebookID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := notebookID + "|" + claims.AgentName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "enqueue":
		s.handleEnqueue(w, r, notebookID, correlationID)
	case "record":
		s.handleRecord(w, r, notebookID, parts[4], correlationID)
	case "scan":
		s.handleScan(w, r, notebookID, correlationID)
	case "start":
		s.handleStart(w, r, notebookID, correlationID)
	case "stop":
		s.handleStop(w, notebookID, correlationID)
	case "stats":
		writeJSON(w, http.StatusOK, s.pipeline.Stats(r.Context()))
	case "stats_stream":
		s.handleStatsStream(w, r, correlationID)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, notebookID, correlationID string) {
	var req changeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown change kind: "+string(req.Kind), correlationID)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "payload is required", correlationID)
		return
	}
	id, err := s.pipeline.EnqueueJSON(r.Context(), notebookID, req.Kind, req.Payload, relaynote.EnqueueOptions{
		CorrelationID: req.CorrelationID,
		Sequence:      req.Sequence,
	})
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, changeAccepted{ID: id, Status: relaynote.StatusPending, CorrelationID: correlationID})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request, notebookID, rawID, correlationID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid record id", correlationID)
		return
	}
	rec, err := s.pipeline.Record(r.Context(), id)
	if err == nil && rec.NotebookID != notebookID {
		err = relaynote.ErrNotFound
	}
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, notebookID, correlationID string) {
	n, err := s.pipeline.Scan(r.Context(), notebookID)
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebookId": notebookID, "enqueued": n})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, notebookID, correlationID string) {
	if err := s.pipeline.StartRegistered(r.Context(), notebookID); err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebookId": notebookID, "status": "running"})
}

func (s *Server) handleStop(w http.ResponseWriter, notebookID, correlationID string) {
	if err := s.pipeline.Stop(notebookID, s.cfg.StopTimeout); err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebookId": notebookID, "status": "stopped"})
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, relaynote.ErrInvalidInput), errors.Is(err, relaynote.ErrNotebookRoot):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaynote.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, relaynote.ErrNotebookLocked), errors.Is(err, relaynote.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, relaynote.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlationId", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
