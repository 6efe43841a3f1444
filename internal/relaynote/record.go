package relaynote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindMove   Kind = "move"
	KindDelete Kind = "delete"
	KindSync   Kind = "sync"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindMove, KindDelete, KindSync:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded"
)

// Terminal reports whether a record in this status will never be claimed again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSuperseded
}

// Observed filesystem events carried by sync records.
const (
	SyncEventCreated  = "created"
	SyncEventModified = "modified"
	SyncEventDeleted  = "deleted"
	SyncEventScanned  = "scanned"
)

// Payload is the kind-specific body of a change record. The set of
// implementations is closed: CreatePayload, UpdatePayload, MovePayload,
// DeletePayload and SyncPayload.
type Payload interface {
	Kind() Kind
	// orderingPath is the path used to group uncorrelated records.
	orderingPath() string
	normalize() (Payload, error)
}

// FileWrite is the body shared by create and update records.
type FileWrite struct {
	Path     string         `json:"path"`
	Content  string         `json:"content"`
	Binary   bool           `json:"binary,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (w FileWrite) bytes() ([]byte, error) {
	if !w.Binary {
		return []byte(w.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(w.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: binary content is not base64: %v", ErrInvalidInput, err)
	}
	return data, nil
}

func (w FileWrite) normalized() (FileWrite, error) {
	path, err := NormalizePath(w.Path)
	if err != nil {
		return FileWrite{}, err
	}
	w.Path = path
	if _, err := w.bytes(); err != nil {
		return FileWrite{}, err
	}
	return w, nil
}

type CreatePayload FileWrite

func (CreatePayload) Kind() Kind { return KindCreate }

func (p CreatePayload) orderingPath() string { return p.Path }

func (p CreatePayload) normalize() (Payload, error) {
	w, err := FileWrite(p).normalized()
	return CreatePayload(w), err
}

type UpdatePayload FileWrite

func (UpdatePayload) Kind() Kind { return KindUpdate }

func (p UpdatePayload) orderingPath() string { return p.Path }

func (p UpdatePayload) normalize() (Payload, error) {
	w, err := FileWrite(p).normalized()
	return UpdatePayload(w), err
}

type MovePayload struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (MovePayload) Kind() Kind { return KindMove }

func (p MovePayload) orderingPath() string { return p.Source }

func (p MovePayload) normalize() (Payload, error) {
	src, err := NormalizePath(p.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	dst, err := NormalizePath(p.Destination)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if src == dst {
		return nil, fmt.Errorf("%w: source and destination are the same path", ErrInvalidInput)
	}
	if withinPrefix(src, dst) {
		return nil, fmt.Errorf("%w: cannot move %s into itself", ErrInvalidInput, src)
	}
	return MovePayload{Source: src, Destination: dst}, nil
}

type DeletePayload struct {
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory,omitempty"`
	// Observed marks a removal the watcher saw happen. Applying it never
	// touches the disk; it only forgets catalog entries whose files are
	// gone.
	Observed bool `json:"observed,omitempty"`
}

func (DeletePayload) Kind() Kind { return KindDelete }

func (p DeletePayload) orderingPath() string { return p.Path }

func (p DeletePayload) normalize() (Payload, error) {
	path, err := NormalizePath(p.Path)
	if err != nil {
		return nil, err
	}
	p.Path = path
	return p, nil
}

type SyncPayload struct {
	Path  string `json:"path"`
	Event string `json:"event"`
}

func (SyncPayload) Kind() Kind { return KindSync }

func (p SyncPayload) orderingPath() string { return p.Path }

func (p SyncPayload) normalize() (Payload, error) {
	path, err := NormalizePath(p.Path)
	if err != nil {
		return nil, err
	}
	p.Path = path
	if p.Event == "" {
		p.Event = SyncEventModified
	}
	return p, nil
}

// EncodePayload returns the record kind and JSON body for p.
func EncodePayload(p Payload) (Kind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), data, nil
}

// DecodePayload parses a stored or submitted body for kind. Bodies are
// validated against the kind's schema before they are decoded.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	if err := ValidatePayload(kind, data); err != nil {
		return nil, err
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindCreate:
		var v CreatePayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindUpdate:
		var v UpdatePayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindMove:
		var v MovePayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindDelete:
		var v DeletePayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindSync:
		var v SyncPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidInput, kind, err)
	}
	return p, nil
}

type Record struct {
	ID            int64      `json:"id"`
	NotebookID    string     `json:"notebookId"`
	Kind          Kind       `json:"kind"`
	Status        Status     `json:"status"`
	Payload       Payload    `json:"payload"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Sequence      int        `json:"sequence"`
	CreatedAt     time.Time  `json:"createdAt"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	RetryCount    int        `json:"retryCount"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
}

// orderingGroup identifies records that must apply in relative order.
func (r Record) orderingGroup() string {
	if r.CorrelationID != "" {
		return "corr:" + r.CorrelationID
	}
	if r.Payload == nil {
		return fmt.Sprintf("id:%d", r.ID)
	}
	return "path:" + r.Payload.orderingPath()
}

// recordLess orders records by (correlation id, sequence, created at, id).
func recordLess(a, b Record) bool {
	if a.CorrelationID != b.CorrelationID {
		return a.CorrelationID < b.CorrelationID
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// NewRecord is the input to RecordStore.Enqueue.
type NewRecord struct {
	NotebookID    string
	Kind          Kind
	Payload       []byte
	CorrelationID string
	Sequence      int
	CreatedAt     time.Time
}

type EnqueueOptions struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Sequence      int    `json:"sequence,omitempty"`
}
