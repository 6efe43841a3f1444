package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaynote/internal/relaynote"
)

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers compare API failures with the pipeline's sentinel errors.
func (e *HTTPError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == relaynote.ErrNotFound
	case http.StatusBadRequest:
		return target == relaynote.ErrInvalidInput
	case http.StatusNotImplemented:
		return target == relaynote.ErrNotImplemented
	}
	return false
}

type Change struct {
	Kind          relaynote.Kind  `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Sequence      int             `json:"sequence,omitempty"`
}

type Accepted struct {
	ID            int64            `json:"id"`
	Status        relaynote.Status `json:"status"`
	CorrelationID string           `json:"correlationId"`
}

type ScanResult struct {
	NotebookID string `json:"notebookId"`
	Enqueued   int    `json:"enqueued"`
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) Enqueue(ctx context.Context, notebookID string, change Change) (Accepted, error) {
	var out Accepted
	err := c.doJSON(ctx, http.MethodPost, notebookPath(notebookID, "changes"), change, &out)
	return out, err
}

func (c *HTTPClient) Record(ctx context.Context, notebookID string, id int64) (relaynote.Record, error) {
	var raw struct {
		ID            int64            `json:"id"`
		NotebookID    string           `json:"notebookId"`
		Kind          relaynote.Kind   `json:"kind"`
		Status        relaynote.Status `json:"status"`
		Payload       json.RawMessage  `json:"payload"`
		CorrelationID string           `json:"correlationId"`
		Sequence      int              `json:"sequence"`
		CreatedAt     time.Time        `json:"createdAt"`
		ProcessedAt   *time.Time       `json:"processedAt"`
		RetryCount    int              `json:"retryCount"`
		ErrorMessage  string           `json:"errorMessage"`
	}
	if err := c.doJSON(ctx, http.MethodGet, notebookPath(notebookID, "changes", strconv.FormatInt(id, 10)), nil, &raw); err != nil {
		return relaynote.Record{}, err
	}
	rec := relaynote.Record{
		ID:            raw.ID,
		NotebookID:    raw.NotebookID,
		Kind:          raw.Kind,
		Status:        raw.Status,
		CorrelationID: raw.CorrelationID,
		Sequence:      raw.Sequence,
		CreatedAt:     raw.CreatedAt,
		ProcessedAt:   raw.ProcessedAt,
		RetryCount:    raw.RetryCount,
		ErrorMessage:  raw.ErrorMessage,
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if p, err := relaynote.DecodePayload(raw.Kind, raw.Payload); err == nil {
			rec.Payload = p
		}
	}
	return rec, nil
}

// WaitRecord polls a record until it reaches a terminal status.
func (c *HTTPClient) WaitRecord(ctx context.Context, notebookID string, id int64, interval time.Duration) (relaynote.Record, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	for {
		rec, err := c.Record(ctx, notebookID, id)
		if err != nil {
			return relaynote.Record{}, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		if err := waitWithContext(ctx, interval); err != nil {
			return rec, err
		}
	}
}

func (c *HTTPClient) Scan(ctx context.Context, notebookID string) (ScanResult, error) {
	var out ScanResult
	err := c.doJSON(ctx, http.MethodPost, notebookPath(notebookID, "scan"), nil, &out)
	return out, err
}

func (c *HTTPClient) StartNotebook(ctx context.Context, notebookID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/admin/notebooks/"+url.PathEscape(notebookID)+"/start", nil, nil)
}

func (c *HTTPClient) StopNotebook(ctx context.Context, notebookID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/admin/notebooks/"+url.PathEscape(notebookID)+"/stop", nil, nil)
}

func (c *HTTPClient) Stats(ctx context.Context) (relaynote.Stats, error) {
	var out relaynote.Stats
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/stats", nil, &out)
	return out, err
}

func notebookPath(notebookID string, segments ...string) string {
	p := "/v1/notebooks/" + url.PathEscape(notebookID)
	for _, s := range segments {
		p += "/" + url.PathEscape(s)
	}
	return p
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := newCorrelationID()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599 && resp.StatusCode != http.StatusNotImplemented)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: correlationID,
		}
	}
}

func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("cli_%d", time.Now().UnixNano())
	}
	return id.String()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
