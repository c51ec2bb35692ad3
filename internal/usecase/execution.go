// Package usecase implements the submission-side application logic: accepting
// runs, enqueueing jobs, reading status and the admin operations.
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/external"
	"github.com/kawacukennedy/polygot-sub000/internal/metrics"
	"github.com/kawacukennedy/polygot-sub000/internal/notify"
	"github.com/kawacukennedy/polygot-sub000/internal/queue"
	"github.com/kawacukennedy/polygot-sub000/internal/repository"
	"github.com/kawacukennedy/polygot-sub000/internal/runner"
)

// maxCodeBytes caps submitted source size. Larger payloads are rejected before
// anything is persisted.
const maxCodeBytes = 1 << 20

// ExecutionService is the submission-side application service.
type ExecutionService struct {
	repo      repository.ExecutionRepository
	publisher queue.Publisher
	registry  *runner.Registry
	snippets  external.SnippetStore
	events    notify.EventPublisher
	kills     notify.KillSignaler
	logger    *zap.Logger
}

// NewExecutionService creates the submission-side service.
func NewExecutionService(
	repo repository.ExecutionRepository,
	publisher queue.Publisher,
	registry *runner.Registry,
	snippets external.SnippetStore,
	events notify.EventPublisher,
	kills notify.KillSignaler,
	logger *zap.Logger,
) *ExecutionService {
	return &ExecutionService{
		repo:      repo,
		publisher: publisher,
		registry:  registry,
		snippets:  snippets,
		events:    events,
		kills:     kills,
		logger:    logger,
	}
}

// Submit validates an ad-hoc run request, persists a PENDING execution and
// enqueues its job. Validation happens before anything is written: an
// unsupported language or empty code never creates a record.
func (s *ExecutionService) Submit(ctx context.Context, ownerID string, req *domain.SubmitRequest) (*domain.Execution, error) {
	if !s.registry.Supports(req.Language) {
		return nil, domain.ErrUnsupportedLanguage
	}
	if req.Code == "" {
		return nil, domain.ErrEmptyCode
	}
	if len(req.Code) > maxCodeBytes {
		return nil, domain.ErrPayloadTooLarge
	}

	requested := 0
	if req.TimeoutMs != nil {
		requested = *req.TimeoutMs
	}

	exec := &domain.Execution{
		OwnerID:   ownerID,
		Language:  req.Language,
		Code:      req.Code,
		Stdin:     req.Stdin,
		TimeoutMs: domain.ClampTimeout(requested),
	}
	return s.create(ctx, exec)
}

// RunSnippet executes a stored snippet on behalf of its caller. The snippet's
// language and code are snapshotted into the execution record, so later edits
// to the snippet never affect a run already submitted.
func (s *ExecutionService) RunSnippet(ctx context.Context, ownerID, snippetID, stdin string, timeoutMs *int) (*domain.Execution, error) {
	snippet, err := s.snippets.GetSnippet(ctx, snippetID)
	if err != nil {
		return nil, err
	}
	if !s.registry.Supports(snippet.Language) {
		return nil, domain.ErrUnsupportedLanguage
	}
	if snippet.Code == "" {
		return nil, domain.ErrEmptyCode
	}

	requested := 0
	if timeoutMs != nil {
		requested = *timeoutMs
	}

	exec := &domain.Execution{
		OwnerID:   ownerID,
		SnippetID: &snippet.ID,
		Language:  snippet.Language,
		Code:      snippet.Code,
		Stdin:     stdin,
		TimeoutMs: domain.ClampTimeout(requested),
	}
	return s.create(ctx, exec)
}

// create persists the execution, enqueues its job and publishes the PENDING
// event. A failed enqueue immediately flags the record ERROR so no execution
// is ever left PENDING with no job behind it.
func (s *ExecutionService) create(ctx context.Context, exec *domain.Execution) (*domain.Execution, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate execution id: %w", err)
	}
	exec.ID = id
	exec.Status = domain.StatusPending
	exec.CreatedAt = time.Now().UTC()

	if err := s.repo.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	job := domain.NewJob(exec)
	if err := s.publisher.Publish(ctx, job); err != nil {
		s.logger.Error("Job publish failed, flagging execution",
			zap.String("execution_id", exec.ID.String()),
			zap.Error(err),
		)
		result := &domain.TerminalResult{
			Status: domain.StatusError,
			Stderr: "failed to enqueue execution",
		}
		if _, ferr := s.repo.Finish(ctx, exec.ID, result); ferr != nil {
			s.logger.Error("Failed to flag unenqueued execution",
				zap.String("execution_id", exec.ID.String()),
				zap.Error(ferr),
			)
		}
		return nil, domain.ErrPublishFailed
	}

	s.publishEvent(ctx, exec)

	s.logger.Info("Execution submitted",
		zap.String("execution_id", exec.ID.String()),
		zap.String("language", exec.Language),
		zap.Int("timeout_ms", exec.TimeoutMs),
	)
	return exec, nil
}

// Get returns one execution. Non-admin callers only ever see their own
// records; anyone else's id behaves as if it did not exist.
func (s *ExecutionService) Get(ctx context.Context, id uuid.UUID, requesterID string, admin bool) (*domain.Execution, error) {
	exec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && exec.OwnerID != requesterID {
		return nil, domain.ErrExecutionNotFound
	}
	return exec, nil
}

// List returns the most recent executions for the admin dashboard.
func (s *ExecutionService) List(ctx context.Context, limit int) ([]*domain.Execution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, limit)
}

// Rerun snapshots an existing execution's inputs into a brand-new record and
// enqueues it. The original record is never modified.
func (s *ExecutionService) Rerun(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	original, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.registry.Supports(original.Language) {
		// A language retired since the original run cannot be re-executed.
		return nil, domain.ErrUnsupportedLanguage
	}

	exec := &domain.Execution{
		OwnerID:   original.OwnerID,
		SnippetID: original.SnippetID,
		Language:  original.Language,
		Code:      original.Code,
		Stdin:     original.Stdin,
		TimeoutMs: original.TimeoutMs,
	}
	return s.create(ctx, exec)
}

// Kill force-terminates a RUNNING execution. The terminal state is claimed
// first via compare-and-set, then the kill signal is broadcast to the worker
// fleet; whichever worker owns the runtime instance tears it down. Killing an
// execution that is not RUNNING returns ErrNotRunning.
func (s *ExecutionService) Kill(ctx context.Context, id uuid.UUID) error {
	killed, err := s.repo.MarkKilled(ctx, id)
	if err != nil {
		return err
	}
	if !killed {
		return domain.ErrNotRunning
	}

	metrics.KillsTotal.Inc()

	if err := s.kills.SignalKill(ctx, id); err != nil {
		// The record is already KILLED; the backend's lifetime cap still
		// reaps the instance even if no worker hears the broadcast.
		s.logger.Warn("Kill signal broadcast failed",
			zap.String("execution_id", id.String()),
			zap.Error(err),
		)
	}

	exec, err := s.repo.GetByID(ctx, id)
	if err == nil {
		s.publishEvent(ctx, exec)
	}

	s.logger.Info("Execution killed", zap.String("execution_id", id.String()))
	return nil
}

// Languages returns the supported language descriptors.
func (s *ExecutionService) Languages() []runner.Descriptor {
	return s.registry.List()
}

func (s *ExecutionService) publishEvent(ctx context.Context, exec *domain.Execution) {
	event := &domain.StatusEvent{
		ExecutionID: exec.ID,
		OwnerID:     exec.OwnerID,
		Status:      exec.Status,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.events.PublishStatus(ctx, event); err != nil {
		s.logger.Debug("Status event publish failed", zap.Error(err))
	}
}
