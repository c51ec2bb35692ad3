package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
)

// ExecutionRepository defines persistence for execution records.
// Implementations must be safe for concurrent use.
//
// The three state-changing methods are compare-and-set writes: they only apply
// when the record's current status matches the guard, and report whether they
// won. This is what resolves the kill-vs-natural-completion race — exactly one
// terminal status is ever persisted, and the losing writer simply observes false.
type ExecutionRepository interface {
	// Create inserts a new execution in PENDING state.
	Create(ctx context.Context, e *domain.Execution) error

	// GetByID retrieves an execution by its UUID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error)

	// List returns the most recent executions, newest first.
	List(ctx context.Context, limit int) ([]*domain.Execution, error)

	// MarkRunning transitions PENDING → RUNNING and stamps started_at.
	// Returns false if the execution was not PENDING (already killed,
	// already picked up, or already finished).
	MarkRunning(ctx context.Context, id uuid.UUID) (bool, error)

	// Finish transitions PENDING or RUNNING → the given terminal status and
	// stores the outputs. Returns false if a terminal status was already
	// recorded by another writer.
	Finish(ctx context.Context, id uuid.UUID, result *domain.TerminalResult) (bool, error)

	// MarkKilled transitions RUNNING → KILLED. Returns false when the
	// execution is not currently RUNNING.
	MarkKilled(ctx context.Context, id uuid.UUID) (bool, error)
}
