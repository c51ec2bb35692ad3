package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/repository"
)

// Ensure ExecutionRepository implements repository.ExecutionRepository.
var _ repository.ExecutionRepository = (*ExecutionRepository)(nil)

// ExecutionRepository is an in-memory repository for testing. It implements
// the same compare-and-set semantics as the PostgreSQL implementation so race
// tests exercise realistic behavior.
type ExecutionRepository struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*domain.Execution

	// Hook functions for injecting errors.
	CreateFunc      func(ctx context.Context, e *domain.Execution) error
	GetByIDFunc     func(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	MarkRunningFunc func(ctx context.Context, id uuid.UUID) (bool, error)
	FinishFunc      func(ctx context.Context, id uuid.UUID, result *domain.TerminalResult) (bool, error)
	MarkKilledFunc  func(ctx context.Context, id uuid.UUID) (bool, error)
}

// NewExecutionRepository creates an empty in-memory repository.
func NewExecutionRepository() *ExecutionRepository {
	return &ExecutionRepository{
		executions: make(map[uuid.UUID]*domain.Execution),
	}
}

func (m *ExecutionRepository) Create(ctx context.Context, e *domain.Execution) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
		e.CreatedAt = cp.CreatedAt
	}
	m.executions[e.ID] = &cp
	return nil
}

func (m *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *ExecutionRepository) List(ctx context.Context, limit int) ([]*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Execution, 0, len(m.executions))
	for _, e := range m.executions {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *ExecutionRepository) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.MarkRunningFunc != nil {
		return m.MarkRunningFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok || e.Status != domain.StatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	e.Status = domain.StatusRunning
	e.StartedAt = &now
	return true, nil
}

func (m *ExecutionRepository) Finish(ctx context.Context, id uuid.UUID, result *domain.TerminalResult) (bool, error) {
	if m.FinishFunc != nil {
		return m.FinishFunc(ctx, id, result)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok || e.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now().UTC()
	duration := result.DurationMs
	e.Status = result.Status
	e.Stdout = result.Stdout
	e.Stderr = result.Stderr
	e.DurationMs = &duration
	e.FinishedAt = &now
	return true, nil
}

func (m *ExecutionRepository) MarkKilled(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.MarkKilledFunc != nil {
		return m.MarkKilledFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok || e.Status != domain.StatusRunning {
		return false, nil
	}
	now := time.Now().UTC()
	e.Status = domain.StatusKilled
	e.Stderr = "Execution killed by admin"
	e.FinishedAt = &now
	return true, nil
}

// Snapshot returns a copy of the stored record, for byte-for-byte assertions.
func (m *ExecutionRepository) Snapshot(id uuid.UUID) (domain.Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return domain.Execution{}, false
	}
	return *e, true
}
