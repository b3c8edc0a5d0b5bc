// Package records persists call records. The session creates a record when
// a call starts and patches it once when the call ends; it never reads a
// record back mid-call.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
)

// ErrNotFound is returned when patching an unknown record
var ErrNotFound = errors.New("records: call record not found")

// Status is the lifecycle status of a call record
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	// StatusCancelled is a call hung up before it connected
	StatusCancelled Status = "cancelled"
)

// ErrorLogEntry is one append-only entry of a call's error log
type ErrorLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Context   string    `json:"context"`
}

// CreateRequest holds the values known when a call starts
type CreateRequest struct {
	InitialMetrics   callmetrics.CallMetrics
	TechnicalDetails callmetrics.Technical
	Prompt           string
	Metadata         map[string]string
}

// Patch holds the terminal values of a call. Zero fields are left
// unchanged, except Status which is always written.
type Patch struct {
	Status              Status
	EndedAt             time.Time
	Duration            time.Duration
	RecordingURL        string
	Analysis            *callmetrics.Analysis
	ConversationMetrics *callmetrics.Conversation
	ErrorLogs           []ErrorLogEntry
}

type patchJSON struct {
	Status              Status                    `json:"status"`
	EndedAt             *time.Time                `json:"endedAt,omitempty"`
	DurationSec         *float64                  `json:"durationSec,omitempty"`
	RecordingURL        string                    `json:"recordingUrl,omitempty"`
	Analysis            *callmetrics.Analysis     `json:"analysis,omitempty"`
	ConversationMetrics *callmetrics.Conversation `json:"conversationMetrics,omitempty"`
	ErrorLogs           []ErrorLogEntry           `json:"errorLogs,omitempty"`
}

func (p Patch) MarshalJSON() ([]byte, error) {
	v := patchJSON{
		Status:              p.Status,
		RecordingURL:        p.RecordingURL,
		Analysis:            p.Analysis,
		ConversationMetrics: p.ConversationMetrics,
		ErrorLogs:           p.ErrorLogs,
	}
	if !p.EndedAt.IsZero() {
		v.EndedAt = &p.EndedAt
	}
	if p.Duration > 0 {
		sec := p.Duration.Seconds()
		v.DurationSec = &sec
	}
	return json.Marshal(v)
}

// Record is a stored call record
type Record struct {
	ID                  string
	Status              Status
	CreatedAt           time.Time
	EndedAt             time.Time
	Duration            time.Duration
	RecordingURL        string
	Prompt              string
	Metadata            map[string]string
	InitialMetrics      callmetrics.CallMetrics
	TechnicalDetails    callmetrics.Technical
	Analysis            *callmetrics.Analysis
	ConversationMetrics *callmetrics.Conversation
	ErrorLogs           []ErrorLogEntry
}

// Store is the call record collaborator
type Store interface {
	Create(ctx context.Context, req CreateRequest) (string, error)
	Patch(ctx context.Context, id string, patch Patch) error
}

func (r *Record) apply(p Patch) {
	r.Status = p.Status
	if !p.EndedAt.IsZero() {
		r.EndedAt = p.EndedAt
	}
	if p.Duration > 0 {
		r.Duration = p.Duration
	}
	if p.RecordingURL != "" {
		r.RecordingURL = p.RecordingURL
	}
	if p.Analysis != nil {
		r.Analysis = p.Analysis
	}
	if p.ConversationMetrics != nil {
		r.ConversationMetrics = p.ConversationMetrics
	}
	if p.ErrorLogs != nil {
		r.ErrorLogs = p.ErrorLogs
	}
}
