package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	mockrepo "github.com/kawacukennedy/polygot-sub000/internal/repository/mock"
)

type sideEffectRecorder struct {
	mu        sync.Mutex
	awards    int
	records   int
	events    []*domain.StatusEvent
	awardErr  error
	recordErr error
}

func (r *sideEffectRecorder) Award(ctx context.Context, userID, actionKind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awards++
	return r.awardErr
}

func (r *sideEffectRecorder) Record(ctx context.Context, userID string, snippetID *string, language string, durationMs int, outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records++
	return r.recordErr
}

func (r *sideEffectRecorder) PublishStatus(ctx context.Context, event *domain.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *sideEffectRecorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awards, r.records, len(r.events)
}

func seedRunning(t *testing.T, repo *mockrepo.ExecutionRepository) *domain.Execution {
	t.Helper()
	exec := &domain.Execution{
		ID:        uuid.New(),
		OwnerID:   "user-1",
		Language:  "python",
		Code:      "print(1)",
		TimeoutMs: 5000,
		Status:    domain.StatusPending,
	}
	if err := repo.Create(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	if ok, _ := repo.MarkRunning(context.Background(), exec.ID); !ok {
		t.Fatal("mark running failed")
	}
	return exec
}

func TestReconcileWinPersistsAndFiresSideEffects(t *testing.T) {
	repo := mockrepo.NewExecutionRepository()
	effects := &sideEffectRecorder{}
	r := NewReconciler(repo, effects, effects, effects, zap.NewNop())

	exec := seedRunning(t, repo)
	job := domain.NewJob(exec)

	won, err := r.Reconcile(context.Background(), job, &domain.TerminalResult{
		Status:     domain.StatusSuccess,
		Stdout:     "1\n",
		DurationMs: 80,
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !won {
		t.Fatal("expected to win the terminal write")
	}

	stored, _ := repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusSuccess || stored.Stdout != "1\n" {
		t.Errorf("terminal result not persisted: %+v", stored)
	}

	awards, records, events := effects.counts()
	if awards != 1 || records != 1 || events != 1 {
		t.Errorf("expected each side effect once, got awards=%d records=%d events=%d", awards, records, events)
	}
}

func TestReconcileLostRaceSkipsSideEffects(t *testing.T) {
	repo := mockrepo.NewExecutionRepository()
	effects := &sideEffectRecorder{}
	r := NewReconciler(repo, effects, effects, effects, zap.NewNop())

	exec := seedRunning(t, repo)
	job := domain.NewJob(exec)

	// An admin kill already claimed the terminal state.
	if ok, _ := repo.MarkKilled(context.Background(), exec.ID); !ok {
		t.Fatal("mark killed failed")
	}

	won, err := r.Reconcile(context.Background(), job, &domain.TerminalResult{
		Status: domain.StatusSuccess,
		Stdout: "late result",
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if won {
		t.Fatal("must lose against an already-terminal record")
	}

	stored, _ := repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusKilled {
		t.Errorf("KILLED must survive, got %s", stored.Status)
	}
	if stored.Stdout == "late result" {
		t.Error("losing result leaked into the record")
	}

	awards, records, events := effects.counts()
	if awards != 0 || records != 0 || events != 0 {
		t.Error("lost race must fire no side effects")
	}
}

func TestReconcilePropagatesRepoError(t *testing.T) {
	repo := mockrepo.NewExecutionRepository()
	repo.FinishFunc = func(ctx context.Context, id uuid.UUID, result *domain.TerminalResult) (bool, error) {
		return false, errors.New("connection lost")
	}
	effects := &sideEffectRecorder{}
	r := NewReconciler(repo, effects, effects, effects, zap.NewNop())

	job := &domain.Job{
		SchemaVersion: domain.JobSchemaVersion,
		ExecutionID:   uuid.New(),
		OwnerID:       "user-1",
		Language:      "python",
		Code:          "x",
		TimeoutMs:     5000,
	}

	_, err := r.Reconcile(context.Background(), job, &domain.TerminalResult{Status: domain.StatusSuccess})
	if err == nil {
		t.Fatal("expected repo error to propagate")
	}
	awards, records, events := effects.counts()
	if awards != 0 || records != 0 || events != 0 {
		t.Error("failed persist must fire no side effects")
	}
}

func TestReconcileSideEffectFailureDoesNotAffectResult(t *testing.T) {
	repo := mockrepo.NewExecutionRepository()
	effects := &sideEffectRecorder{
		awardErr:  errors.New("scoring down"),
		recordErr: errors.New("analytics down"),
	}
	r := NewReconciler(repo, effects, effects, effects, zap.NewNop())

	exec := seedRunning(t, repo)
	won, err := r.Reconcile(context.Background(), domain.NewJob(exec), &domain.TerminalResult{
		Status: domain.StatusSuccess,
	})
	if err != nil || !won {
		t.Fatalf("side effect failures must not affect the terminal write: won=%v err=%v", won, err)
	}

	stored, _ := repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", stored.Status)
	}
}

// Concurrent kill and completion must produce exactly one terminal state.
func TestReconcileKillCompletionRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		repo := mockrepo.NewExecutionRepository()
		effects := &sideEffectRecorder{}
		r := NewReconciler(repo, effects, effects, effects, zap.NewNop())

		exec := seedRunning(t, repo)
		job := domain.NewJob(exec)

		var wg sync.WaitGroup
		var reconcileWon, killWon bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			won, err := r.Reconcile(context.Background(), job, &domain.TerminalResult{
				Status: domain.StatusSuccess, Stdout: "done",
			})
			if err != nil {
				t.Errorf("reconcile error: %v", err)
			}
			reconcileWon = won
		}()
		go func() {
			defer wg.Done()
			won, err := repo.MarkKilled(context.Background(), exec.ID)
			if err != nil {
				t.Errorf("kill error: %v", err)
			}
			killWon = won
		}()
		wg.Wait()

		if reconcileWon == killWon {
			t.Fatalf("iteration %d: exactly one writer must win (reconcile=%v kill=%v)", i, reconcileWon, killWon)
		}

		stored, _ := repo.Snapshot(exec.ID)
		if !stored.Status.IsTerminal() {
			t.Fatalf("iteration %d: no terminal state recorded", i)
		}
		if killWon && stored.Status != domain.StatusKilled {
			t.Fatalf("iteration %d: kill won but status is %s", i, stored.Status)
		}
		if reconcileWon && stored.Status != domain.StatusSuccess {
			t.Fatalf("iteration %d: reconcile won but status is %s", i, stored.Status)
		}
	}
}
