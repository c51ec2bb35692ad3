// Package reconcile owns the terminal write. Exactly one terminal status is
// ever persisted per execution; side effects fire only for the writer that
// wins the compare-and-set, so a redelivered job can never double-award points.
package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/external"
	"github.com/kawacukennedy/polygot-sub000/internal/metrics"
	"github.com/kawacukennedy/polygot-sub000/internal/notify"
)

const sideEffectTimeout = 5 * time.Second

// Reconciler applies terminal results and fires the post-completion side
// effects (analytics event, scoring hook, status push).
type Reconciler struct {
	repo      TerminalWriter
	scoring   external.Scoring
	analytics external.Analytics
	events    notify.EventPublisher
	logger    *zap.Logger
}

// TerminalWriter is the slice of the repository the reconciler needs.
type TerminalWriter interface {
	Finish(ctx context.Context, id uuid.UUID, result *domain.TerminalResult) (bool, error)
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	repo TerminalWriter,
	scoring external.Scoring,
	analytics external.Analytics,
	events notify.EventPublisher,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		repo:      repo,
		scoring:   scoring,
		analytics: analytics,
		events:    events,
		logger:    logger,
	}
}

// Reconcile persists the terminal result for a job. It returns whether this
// call won the terminal write. A lost race (admin kill landed first, or a
// duplicate delivery already finished the record) is not an error — the
// losing result is discarded by design.
func (r *Reconciler) Reconcile(ctx context.Context, job *domain.Job, result *domain.TerminalResult) (bool, error) {
	won, err := r.repo.Finish(ctx, job.ExecutionID, result)
	if err != nil {
		return false, err
	}
	if !won {
		r.logger.Debug("Terminal write lost the race, result discarded",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.String("status", string(result.Status)),
		)
		return false, nil
	}

	metrics.ExecutionsTotal.WithLabelValues(job.Language, string(result.Status)).Inc()

	r.fireSideEffects(job, result)
	return true, nil
}

// fireSideEffects invokes the analytics and scoring hooks and pushes the
// status event. All three are fire-and-forget: failures are logged and never
// affect the already-persisted result.
func (r *Reconciler) fireSideEffects(job *domain.Job, result *domain.TerminalResult) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	outcome := strings.ToLower(string(result.Status))

	if err := r.analytics.Record(ctx, job.OwnerID, job.SnippetID, job.Language, result.DurationMs, outcome); err != nil {
		r.logger.Warn("Analytics record failed",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Error(err),
		)
	}

	if err := r.scoring.Award(ctx, job.OwnerID, "snippet_run"); err != nil {
		r.logger.Warn("Scoring award failed",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Error(err),
		)
	}

	duration := result.DurationMs
	event := &domain.StatusEvent{
		ExecutionID: job.ExecutionID,
		OwnerID:     job.OwnerID,
		Status:      result.Status,
		DurationMs:  &duration,
		Timestamp:   time.Now().UTC(),
	}
	if err := r.events.PublishStatus(ctx, event); err != nil {
		r.logger.Warn("Status event publish failed",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Error(err),
		)
	}
}
