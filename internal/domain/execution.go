package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a code execution.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "PENDING"
	StatusRunning ExecutionStatus = "RUNNING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusError   ExecutionStatus = "ERROR"
	StatusTimeout ExecutionStatus = "TIMEOUT"
	StatusKilled  ExecutionStatus = "KILLED"
)

// IsTerminal returns true if the status represents a final state.
// Terminal states are never overwritten once persisted.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusKilled:
		return true
	}
	return false
}

// Timeout bounds enforced server-side regardless of what the client asks for.
const (
	MinTimeoutMs     = 1000
	MaxTimeoutMs     = 30000
	DefaultTimeoutMs = 5000
)

// ClampTimeout applies the server-enforced timeout range. A zero or negative
// request gets the default.
func ClampTimeout(requestedMs int) int {
	if requestedMs <= 0 {
		return DefaultTimeoutMs
	}
	if requestedMs < MinTimeoutMs {
		return MinTimeoutMs
	}
	if requestedMs > MaxTimeoutMs {
		return MaxTimeoutMs
	}
	return requestedMs
}

// Execution is one persisted attempt to run a piece of code. The inputs are an
// immutable snapshot taken at submission time; reruns copy them into a brand-new
// record rather than mutating this one.
type Execution struct {
	ID         uuid.UUID       `json:"id"`
	OwnerID    string          `json:"owner_id"`
	SnippetID  *string         `json:"snippet_id,omitempty"`
	Language   string          `json:"language"`
	Code       string          `json:"code"`
	Stdin      string          `json:"stdin"`
	TimeoutMs  int             `json:"timeout_ms"`
	Status     ExecutionStatus `json:"status"`
	Stdout     string          `json:"stdout,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	DurationMs *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// JobSchemaVersion is bumped whenever the queue payload shape changes.
// Both the publisher and the consumer reject versions they do not know.
const JobSchemaVersion = 1

// Job is the queue-transported instruction derived from an Execution at
// submission time. It is immutable once enqueued; redeliveries carry the same
// payload and the broker tracks the attempt count.
type Job struct {
	SchemaVersion int       `json:"schema_version"`
	ExecutionID   uuid.UUID `json:"execution_id"`
	OwnerID       string    `json:"owner_id"`
	SnippetID     *string   `json:"snippet_id,omitempty"`
	Language      string    `json:"language"`
	Code          string    `json:"code"`
	Stdin         string    `json:"stdin"`
	TimeoutMs     int       `json:"timeout_ms"`
}

// NewJob derives the queue payload from a freshly persisted execution.
func NewJob(e *Execution) *Job {
	return &Job{
		SchemaVersion: JobSchemaVersion,
		ExecutionID:   e.ID,
		OwnerID:       e.OwnerID,
		SnippetID:     e.SnippetID,
		Language:      e.Language,
		Code:          e.Code,
		Stdin:         e.Stdin,
		TimeoutMs:     e.TimeoutMs,
	}
}

// Validate checks the payload on both sides of the queue.
func (j *Job) Validate() error {
	if j.SchemaVersion != JobSchemaVersion {
		return ErrJobSchema
	}
	if j.ExecutionID == uuid.Nil || j.Language == "" || j.Code == "" {
		return ErrJobSchema
	}
	return nil
}

// TerminalResult is what the reconciler persists when an execution finishes.
type TerminalResult struct {
	Status     ExecutionStatus
	Stdout     string
	Stderr     string
	DurationMs int
}

// SubmitRequest is an incoming ad-hoc run request.
type SubmitRequest struct {
	Language  string `json:"language" binding:"required"`
	Code      string `json:"code" binding:"required"`
	Stdin     string `json:"stdin"`
	TimeoutMs *int   `json:"timeout_ms,omitempty"`
}

// SubmitResponse is returned as soon as the execution is durable and enqueued.
type SubmitResponse struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Status      string    `json:"status"`
}

// StatusEvent is the best-effort push notification published on every state
// transition. It is a hint only; GET /executions/:id is the source of truth.
type StatusEvent struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	OwnerID     string          `json:"owner_id"`
	Status      ExecutionStatus `json:"status"`
	DurationMs  *int            `json:"duration_ms,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
