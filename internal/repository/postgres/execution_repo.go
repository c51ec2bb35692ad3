package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/repository"
)

// Ensure pgExecutionRepo implements repository.ExecutionRepository.
var _ repository.ExecutionRepository = (*pgExecutionRepo)(nil)

type pgExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepository creates a PostgreSQL-backed execution repository.
func NewExecutionRepository(pool *pgxpool.Pool) repository.ExecutionRepository {
	return &pgExecutionRepo{pool: pool}
}

const selectColumns = `id, owner_id, snippet_id, language, code, stdin, timeout_ms,
       status, stdout, stderr, duration_ms, created_at, started_at, finished_at`

func (r *pgExecutionRepo) Create(ctx context.Context, e *domain.Execution) error {
	query := `
		INSERT INTO executions (id, owner_id, snippet_id, language, code, stdin, timeout_ms, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, query,
		e.ID, e.OwnerID, e.SnippetID, e.Language, e.Code, e.Stdin,
		e.TimeoutMs, e.Status, now,
	)
	if err != nil {
		return fmt.Errorf("postgres: create execution: %w", err)
	}
	e.CreatedAt = now
	return nil
}

func (r *pgExecutionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	query := `SELECT ` + selectColumns + ` FROM executions WHERE id = $1`

	e := &domain.Execution{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.OwnerID, &e.SnippetID, &e.Language, &e.Code, &e.Stdin,
		&e.TimeoutMs, &e.Status, &e.Stdout, &e.Stderr, &e.DurationMs,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("postgres: get execution by id: %w", err)
	}
	return e, nil
}

func (r *pgExecutionRepo) List(ctx context.Context, limit int) ([]*domain.Execution, error) {
	query := `SELECT ` + selectColumns + ` FROM executions ORDER BY created_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		e := &domain.Execution{}
		if err := rows.Scan(
			&e.ID, &e.OwnerID, &e.SnippetID, &e.Language, &e.Code, &e.Stdin,
			&e.TimeoutMs, &e.Status, &e.Stdout, &e.Stderr, &e.DurationMs,
			&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRunning is a guarded UPDATE: only a PENDING execution may start running.
func (r *pgExecutionRepo) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE executions SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4`

	tag, err := r.pool.Exec(ctx, query, domain.StatusRunning, time.Now().UTC(), id, domain.StatusPending)
	if err != nil {
		return false, fmt.Errorf("postgres: mark running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish writes the terminal state only while the record is still open.
// A late duplicate completion can never overwrite a kill, and vice versa.
func (r *pgExecutionRepo) Finish(ctx context.Context, id uuid.UUID, result *domain.TerminalResult) (bool, error) {
	query := `
		UPDATE executions
		SET status = $1, stdout = $2, stderr = $3, duration_ms = $4, finished_at = $5
		WHERE id = $6 AND status IN ($7, $8)`

	tag, err := r.pool.Exec(ctx, query,
		result.Status, result.Stdout, result.Stderr, result.DurationMs,
		time.Now().UTC(), id, domain.StatusPending, domain.StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: finish execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkKilled only applies to a RUNNING execution; killing anything else is a no-op.
func (r *pgExecutionRepo) MarkKilled(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE executions SET status = $1, stderr = $2, finished_at = $3
		WHERE id = $4 AND status = $5`

	tag, err := r.pool.Exec(ctx, query,
		domain.StatusKilled, "Execution killed by admin", time.Now().UTC(),
		id, domain.StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: mark killed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
