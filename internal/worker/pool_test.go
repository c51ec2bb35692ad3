package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/queue"
	"github.com/kawacukennedy/polygot-sub000/internal/reconcile"
	mockrepo "github.com/kawacukennedy/polygot-sub000/internal/repository/mock"
	"github.com/kawacukennedy/polygot-sub000/internal/sandbox"
)

type fakeExecutor struct {
	ExecuteFunc func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeExecutor) Execute(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.ExecuteFunc(ctx, req)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeIdempotency struct {
	mu    sync.Mutex
	locks map[uuid.UUID]bool
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{locks: make(map[uuid.UUID]bool)}
}

func (f *fakeIdempotency) AcquireLock(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[id] {
		return false, nil
	}
	f.locks[id] = true
	return true, nil
}

func (f *fakeIdempotency) ReleaseLock(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeIdempotency) DeleteLock(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, id)
	return nil
}

type nopEffects struct{}

func (nopEffects) Award(ctx context.Context, userID, actionKind string) error { return nil }
func (nopEffects) Record(ctx context.Context, userID string, snippetID *string, language string, durationMs int, outcome string) error {
	return nil
}
func (nopEffects) PublishStatus(ctx context.Context, event *domain.StatusEvent) error { return nil }

type ackRecorder struct {
	mu    sync.Mutex
	acks  int
	nacks []bool // requeue flag per nack
}

func (a *ackRecorder) message(job *domain.Job, deliveryCount int64) *queue.JobMessage {
	return &queue.JobMessage{
		Job:           job,
		DeliveryCount: deliveryCount,
		Ack: func() error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.acks++
			return nil
		},
		Nack: func(requeue bool) error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.nacks = append(a.nacks, requeue)
			return nil
		},
	}
}

func (a *ackRecorder) state() (int, []bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, append([]bool(nil), a.nacks...)
}

type poolFixture struct {
	pool     *WorkerPool
	repo     *mockrepo.ExecutionRepository
	executor *fakeExecutor
	idem     *fakeIdempotency
	acks     *ackRecorder
}

func newPoolFixture(executor *fakeExecutor) *poolFixture {
	repo := mockrepo.NewExecutionRepository()
	idem := newFakeIdempotency()
	effects := nopEffects{}
	reconciler := reconcile.NewReconciler(repo, effects, effects, effects, zap.NewNop())

	p := NewWorkerPool(1, nil, executor, repo, idem, reconciler, effects, zap.NewNop())
	p.requeueDelay = time.Millisecond
	return &poolFixture{pool: p, repo: repo, executor: executor, idem: idem, acks: &ackRecorder{}}
}

func (f *poolFixture) seedPending(t *testing.T) *domain.Execution {
	t.Helper()
	exec := &domain.Execution{
		ID:        uuid.New(),
		OwnerID:   "user-1",
		Language:  "python",
		Code:      "print(1)",
		TimeoutMs: 5000,
		Status:    domain.StatusPending,
	}
	if err := f.repo.Create(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	return exec
}

func TestHandleSuccessPersistsAndAcks(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Success: true, Stdout: "1\n", WallTimeMs: 30}, nil
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)

	f.pool.handle(context.Background(), 0, f.acks.message(domain.NewJob(exec), 0))

	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusSuccess || stored.Stdout != "1\n" {
		t.Errorf("terminal result not persisted: %+v", stored)
	}
	acks, nacks := f.acks.state()
	if acks != 1 || len(nacks) != 0 {
		t.Errorf("expected a single ack, got acks=%d nacks=%v", acks, nacks)
	}
}

func TestHandleFailedRunIsError(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Success: false, Stderr: "NameError: x", WallTimeMs: 25}, nil
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)

	f.pool.handle(context.Background(), 0, f.acks.message(domain.NewJob(exec), 0))

	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusError || stored.Stderr != "NameError: x" {
		t.Errorf("user error not persisted: %+v", stored)
	}
}

func TestHandleDuplicateOfSettledExecutionAcked(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Success: true}, nil
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)
	job := domain.NewJob(exec)

	// First attempt finished; its lock lingers until the TTL cleans it up.
	f.idem.AcquireLock(context.Background(), exec.ID)
	f.repo.MarkRunning(context.Background(), exec.ID)
	f.repo.Finish(context.Background(), exec.ID, &domain.TerminalResult{
		Status: domain.StatusSuccess, Stdout: "done",
	})

	f.pool.handle(context.Background(), 0, f.acks.message(job, 1))

	if executor.callCount() != 0 {
		t.Error("duplicate delivery must not execute")
	}
	acks, nacks := f.acks.state()
	if acks != 1 || len(nacks) != 0 {
		t.Errorf("spent duplicate must be acked, got acks=%d nacks=%v", acks, nacks)
	}
	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusSuccess || stored.Stdout != "done" {
		t.Errorf("duplicate must not touch the record, got %+v", stored)
	}
}

func TestHandleRedeliveryWithHeldLockRequeued(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Success: true, Stdout: "recovered"}, nil
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)
	job := domain.NewJob(exec)

	// A worker took the lock, marked RUNNING and crashed before finishing.
	f.idem.AcquireLock(context.Background(), exec.ID)
	f.repo.MarkRunning(context.Background(), exec.ID)

	f.pool.handle(context.Background(), 0, f.acks.message(job, 1))

	if executor.callCount() != 0 {
		t.Error("held-lock redelivery must not execute yet")
	}
	acks, nacks := f.acks.state()
	if acks != 0 || len(nacks) != 1 || !nacks[0] {
		t.Fatalf("expected a requeueing nack, got acks=%d nacks=%v", acks, nacks)
	}
	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusRunning {
		t.Errorf("record must stay open for the re-attempt, got %s", stored.Status)
	}

	// Once the orphaned lock expires, the next redelivery recovers the run.
	f.idem.DeleteLock(context.Background(), exec.ID)
	f.pool.handle(context.Background(), 0, f.acks.message(job, 2))

	if executor.callCount() != 1 {
		t.Fatal("redelivery after lock expiry must be re-attempted")
	}
	stored, _ = f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusSuccess || stored.Stdout != "recovered" {
		t.Errorf("re-attempt result not persisted: %+v", stored)
	}
	acks, _ = f.acks.state()
	if acks != 1 {
		t.Errorf("recovered run must be acked, got %d acks", acks)
	}
}

func TestHandleTerminalRecordDropped(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Success: true}, nil
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)
	job := domain.NewJob(exec)

	// Already finished by another writer.
	f.repo.MarkRunning(context.Background(), exec.ID)
	f.repo.Finish(context.Background(), exec.ID, &domain.TerminalResult{Status: domain.StatusKilled})

	f.pool.handle(context.Background(), 0, f.acks.message(job, 1))

	if executor.callCount() != 0 {
		t.Error("terminal execution must not be re-run")
	}
	acks, _ := f.acks.state()
	if acks != 1 {
		t.Errorf("dropped job must be acked, got %d acks", acks)
	}
}

func TestHandleCrashedRedeliveryReattempted(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Success: true, Stdout: "recovered"}, nil
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)
	job := domain.NewJob(exec)

	// A previous worker crashed after marking RUNNING; its lock expired.
	f.repo.MarkRunning(context.Background(), exec.ID)

	f.pool.handle(context.Background(), 0, f.acks.message(job, 1))

	if executor.callCount() != 1 {
		t.Fatal("crashed redelivery must be re-attempted")
	}
	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusSuccess || stored.Stdout != "recovered" {
		t.Errorf("re-attempt result not persisted: %+v", stored)
	}
}

func TestHandleTimeoutIsTerminal(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return nil, &sandbox.Failure{Kind: sandbox.KindTimeout, Detail: "exceeded 5000ms host deadline"}
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)

	f.pool.handle(context.Background(), 0, f.acks.message(domain.NewJob(exec), 0))

	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusTimeout {
		t.Errorf("expected TIMEOUT, got %s", stored.Status)
	}
	if stored.DurationMs == nil || *stored.DurationMs != exec.TimeoutMs {
		t.Error("timeout duration should equal the configured limit")
	}
	acks, nacks := f.acks.state()
	if acks != 1 || len(nacks) != 0 {
		t.Errorf("timeout must be acked, not retried: acks=%d nacks=%v", acks, nacks)
	}
}

func TestHandleRetryableFailureRequeues(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return nil, &sandbox.Failure{Kind: sandbox.KindStartupFailure, Detail: "image pull failed"}
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)

	f.pool.handle(context.Background(), 0, f.acks.message(domain.NewJob(exec), 0))

	acks, nacks := f.acks.state()
	if acks != 0 || len(nacks) != 1 || !nacks[0] {
		t.Fatalf("expected a single requeueing nack, got acks=%d nacks=%v", acks, nacks)
	}

	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status.IsTerminal() {
		t.Errorf("retryable failure must not finish the record, got %s", stored.Status)
	}

	// The lock must be gone so the redelivery is processed, not skipped.
	if ok, _ := f.idem.AcquireLock(context.Background(), exec.ID); !ok {
		t.Error("lock must be released before requeue")
	}
}

func TestHandleRetryBudgetExhaustedDeadLetters(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return nil, &sandbox.Failure{Kind: sandbox.KindInfraError, Detail: "engine unreachable"}
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)

	f.pool.handle(context.Background(), 0, f.acks.message(domain.NewJob(exec), maxDeliveries-1))

	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusError {
		t.Errorf("exhausted job must be flagged ERROR, got %s", stored.Status)
	}

	acks, nacks := f.acks.state()
	if acks != 0 || len(nacks) != 1 || nacks[0] {
		t.Fatalf("expected a single dead-lettering nack, got acks=%d nacks=%v", acks, nacks)
	}
}

func TestKillCancelsActiveRun(t *testing.T) {
	started := make(chan struct{})
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &sandbox.Failure{Kind: sandbox.KindInfraError, Detail: "run cancelled", Err: ctx.Err()}
	}}
	f := newPoolFixture(executor)
	exec := f.seedPending(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pool.handle(context.Background(), 0, f.acks.message(domain.NewJob(exec), 0))
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("execution never started")
	}

	// The admin path claims the terminal state, then broadcasts the kill.
	if ok, _ := f.repo.MarkKilled(context.Background(), exec.ID); !ok {
		t.Fatal("mark killed failed")
	}
	if !f.pool.Kill(exec.ID) {
		t.Fatal("pool does not own the run")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after kill")
	}

	stored, _ := f.repo.Snapshot(exec.ID)
	if stored.Status != domain.StatusKilled {
		t.Errorf("KILLED must survive the kill race, got %s", stored.Status)
	}
	acks, nacks := f.acks.state()
	if acks != 1 || len(nacks) != 0 {
		t.Errorf("killed run must be acked, got acks=%d nacks=%v", acks, nacks)
	}
}

func TestKillUnknownExecution(t *testing.T) {
	f := newPoolFixture(&fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Success: true}, nil
	}})
	if f.pool.Kill(uuid.New()) {
		t.Error("kill of an unknown execution must report false")
	}
}

func TestPoolStartStop(t *testing.T) {
	executor := &fakeExecutor{ExecuteFunc: func(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Success: true}, nil
	}}

	repo := mockrepo.NewExecutionRepository()
	idem := newFakeIdempotency()
	effects := nopEffects{}
	reconciler := reconcile.NewReconciler(repo, effects, effects, effects, zap.NewNop())
	acks := &ackRecorder{}

	jobs := make(chan *queue.JobMessage)
	p := NewWorkerPool(2, jobs, executor, repo, idem, reconciler, effects, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	exec := &domain.Execution{
		ID: uuid.New(), OwnerID: "u", Language: "python", Code: "x", TimeoutMs: 5000,
		Status: domain.StatusPending,
	}
	repo.Create(context.Background(), exec)
	jobs <- acks.message(domain.NewJob(exec), 0)

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := acks.state(); n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job was never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
