package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/fnbcost/fnbcost/internal/shared"
)

// Outcome tags how a gated request ended.
type Outcome string

const (
	OutcomeAllowed Outcome = "ALLOWED"
	OutcomeDenied  Outcome = "DENIED"
	OutcomeError   Outcome = "ERROR"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAllowed, OutcomeDenied, OutcomeError:
		return true
	}
	return false
}

// RequestMeta is the request context stored beside each entry.
type RequestMeta struct {
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Route     string `json:"route,omitempty"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Status    int    `json:"status,omitempty"`
}

// Record is the input to Logger.Record.
type Record struct {
	ActorID    int64
	Action     string
	Resource   string
	ResourceID string
	Before     any
	After      any
	Outcome    Outcome
	Message    string
	Metadata   map[string]any
	Request    RequestMeta
}

// Entry is an immutable audit trail row.
type Entry struct {
	ID         uuid.UUID      `json:"id"`
	ActorID    int64          `json:"actor_id"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Diff       Diff           `json:"diff,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Message    string         `json:"message,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Request    RequestMeta    `json:"request"`
	At         time.Time      `json:"at"`
}

// Filters narrows an audit query. A nil ActorID means every actor.
type Filters struct {
	ActorID  *int64
	Action   string
	Resource string
	From     time.Time
	To       time.Time
	Page     int
	Limit    int
}

// Result is one page of entries.
type Result struct {
	Entries []Entry           `json:"entries"`
	Paging  shared.Pagination `json:"paging"`
}
