// Package worker runs the fixed-size pool that drains the execution queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/metrics"
	"github.com/kawacukennedy/polygot-sub000/internal/notify"
	"github.com/kawacukennedy/polygot-sub000/internal/queue"
	"github.com/kawacukennedy/polygot-sub000/internal/reconcile"
	"github.com/kawacukennedy/polygot-sub000/internal/repository"
	redisrepo "github.com/kawacukennedy/polygot-sub000/internal/repository/redis"
	"github.com/kawacukennedy/polygot-sub000/internal/sandbox"
)

// maxDeliveries bounds redelivery of jobs that hit retryable infrastructure
// failures. Once exhausted the execution is flagged ERROR and the message is
// parked on the dead-letter queue for operator inspection.
const maxDeliveries = 3

// duplicateRequeueDelay paces redeliveries that arrive while another attempt
// still holds the processing lock, so they do not hot-loop through the queue
// until the lock expires.
const duplicateRequeueDelay = 5 * time.Second

// WorkerPool manages a fixed number of goroutines that process jobs. The pool
// size bounds total simultaneous sandboxes, which is the primary host-safety
// control.
type WorkerPool struct {
	size       int
	jobs       <-chan *queue.JobMessage
	executor   sandbox.Executor
	repo       repository.ExecutionRepository
	idem       redisrepo.IdempotencyStore
	reconciler *reconcile.Reconciler
	events     notify.EventPublisher
	logger     *zap.Logger
	wg         sync.WaitGroup

	requeueDelay time.Duration

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun
}

// activeRun tracks one in-flight sandbox so an admin kill can reach it.
type activeRun struct {
	cancel context.CancelFunc

	killMu sync.Mutex
	killed bool
}

func (r *activeRun) kill() {
	r.killMu.Lock()
	r.killed = true
	r.killMu.Unlock()
	r.cancel()
}

func (r *activeRun) wasKilled() bool {
	r.killMu.Lock()
	defer r.killMu.Unlock()
	return r.killed
}

// NewWorkerPool creates a new fixed-size worker pool.
func NewWorkerPool(
	size int,
	jobs <-chan *queue.JobMessage,
	executor sandbox.Executor,
	repo repository.ExecutionRepository,
	idem redisrepo.IdempotencyStore,
	reconciler *reconcile.Reconciler,
	events notify.EventPublisher,
	logger *zap.Logger,
) *WorkerPool {
	return &WorkerPool{
		size:         size,
		jobs:         jobs,
		executor:     executor,
		repo:         repo,
		idem:         idem,
		reconciler:   reconciler,
		events:       events,
		logger:       logger,
		requeueDelay: duplicateRequeueDelay,
		active:       make(map[uuid.UUID]*activeRun),
	}
}

// Start launches all worker goroutines. Call Stop to wait for them to finish.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("pool_size", p.size))

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop waits for all workers to finish their current jobs and exit.
func (p *WorkerPool) Stop() {
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Kill force-terminates the runtime instance of an execution this process
// owns. Returns false when no such run is active here — other workers receive
// the same broadcast and the owner acts.
func (p *WorkerPool) Kill(executionID uuid.UUID) bool {
	p.mu.Lock()
	run, ok := p.active[executionID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	run.kill()
	return true
}

func (p *WorkerPool) track(executionID uuid.UUID, cancel context.CancelFunc) *activeRun {
	run := &activeRun{cancel: cancel}
	p.mu.Lock()
	p.active[executionID] = run
	p.mu.Unlock()
	return run
}

func (p *WorkerPool) untrack(executionID uuid.UUID) {
	p.mu.Lock()
	delete(p.active, executionID)
	p.mu.Unlock()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panic recovered",
				zap.Int("worker_id", id),
				zap.Any("panic", r),
			)
		}
	}()

	p.logger.Debug("Worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Worker shutting down", zap.Int("worker_id", id))
			return
		case msg, ok := <-p.jobs:
			if !ok {
				p.logger.Debug("Job channel closed", zap.Int("worker_id", id))
				return
			}
			p.handle(ctx, id, msg)
		}
	}
}

// handle processes one delivery end to end. Every sandbox outcome is
// converted into a terminal classification here — inherently non-retryable
// failures never bounce back to the queue, which would loop forever.
func (p *WorkerPool) handle(ctx context.Context, workerID int, msg *queue.JobMessage) {
	job := msg.Job

	p.logger.Info("Worker processing job",
		zap.Int("worker_id", workerID),
		zap.String("execution_id", job.ExecutionID.String()),
		zap.String("language", job.Language),
		zap.Int64("delivery_count", msg.DeliveryCount),
	)

	// First-line dedup in front of the DB CAS, which remains the actual guard.
	acquired, err := p.idem.AcquireLock(ctx, job.ExecutionID)
	if err != nil {
		p.retryOrPark(ctx, msg, fmt.Sprintf("idempotency lock: %v", err))
		return
	}
	if !acquired {
		p.resolveHeldLock(ctx, msg)
		return
	}

	if ok := p.markRunning(ctx, msg); !ok {
		return
	}

	terminal := p.execute(ctx, msg)
	if terminal == nil {
		// Killed, retried or parked — already acknowledged appropriately.
		return
	}

	won, err := p.reconciler.Reconcile(ctx, job, terminal)
	if err != nil {
		// Persistence failed. Requeue so the job is re-attempted: execution
		// is compute, not side-effecting, and the terminal CAS keeps the
		// eventual write exactly-once.
		p.logger.Error("Reconcile failed, requeueing",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Error(err),
		)
		p.requeue(ctx, msg)
		return
	}
	if !won {
		p.logger.Debug("Result discarded (terminal state already recorded)",
			zap.String("execution_id", job.ExecutionID.String()),
		)
	}

	_ = p.idem.ReleaseLock(ctx, job.ExecutionID)
	p.ack(msg)
}

// resolveHeldLock settles a delivery whose processing lock is already held.
// A terminal record means the duplicate is spent and can be acknowledged. A
// live record means either another worker is still executing or the holder
// crashed mid-run; the message goes back to the queue so it is re-attempted
// once the lock expires, instead of being dropped while the record never
// leaves RUNNING.
func (p *WorkerPool) resolveHeldLock(ctx context.Context, msg *queue.JobMessage) {
	job := msg.Job

	current, err := p.repo.GetByID(ctx, job.ExecutionID)
	if err != nil {
		p.logger.Warn("Dropping duplicate delivery for unknown execution",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Error(err),
		)
		p.ack(msg)
		return
	}
	if current.Status.IsTerminal() {
		p.logger.Debug("Duplicate delivery skipped (execution already settled)",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.String("status", string(current.Status)),
		)
		p.ack(msg)
		return
	}

	p.logger.Info("Delivery arrived while processing lock is held, requeueing",
		zap.String("execution_id", job.ExecutionID.String()),
		zap.String("status", string(current.Status)),
	)
	select {
	case <-time.After(p.requeueDelay):
	case <-ctx.Done():
	}
	// The lock is left in place: if the holder is alive it finishes and the
	// next redelivery sees a terminal record; if it crashed, the lock TTL
	// expires and the redelivery reaches the RUNNING re-attempt path.
	if err := msg.Nack(true); err != nil {
		p.logger.Error("Failed to NACK held-lock delivery for requeue", zap.Error(err))
	}
}

// markRunning applies the PENDING→RUNNING CAS. Losing it means the execution
// was already killed or finished — unless it is still RUNNING, which is a
// crashed worker's redelivery and is re-attempted.
func (p *WorkerPool) markRunning(ctx context.Context, msg *queue.JobMessage) bool {
	job := msg.Job

	won, err := p.repo.MarkRunning(ctx, job.ExecutionID)
	if err != nil {
		p.retryOrPark(ctx, msg, fmt.Sprintf("mark running: %v", err))
		return false
	}
	if won {
		p.publishEvent(ctx, job, domain.StatusRunning)
		return true
	}

	current, err := p.repo.GetByID(ctx, job.ExecutionID)
	if err != nil {
		p.logger.Warn("Dropping job for unknown execution",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Error(err),
		)
		p.ack(msg)
		return false
	}
	if current.Status == domain.StatusRunning {
		// A previous attempt crashed after the transition. Safe to re-run.
		p.logger.Info("Re-attempting execution left RUNNING by a crashed worker",
			zap.String("execution_id", job.ExecutionID.String()),
		)
		return true
	}

	p.logger.Debug("Skipping job: execution no longer pending",
		zap.String("execution_id", job.ExecutionID.String()),
		zap.String("status", string(current.Status)),
	)
	p.ack(msg)
	return false
}

// execute runs the sandbox and classifies the outcome. A nil return means the
// message was already settled (kill, retry or dead-letter path).
func (p *WorkerPool) execute(ctx context.Context, msg *queue.JobMessage) *domain.TerminalResult {
	job := msg.Job

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := p.track(job.ExecutionID, cancel)
	defer p.untrack(job.ExecutionID)

	metrics.WorkersActive.Inc()
	start := time.Now()
	result, execErr := p.executor.Execute(runCtx, &sandbox.Request{
		ExecutionID: job.ExecutionID,
		Language:    job.Language,
		Code:        job.Code,
		Stdin:       job.Stdin,
		TimeoutMs:   job.TimeoutMs,
	})
	elapsed := time.Since(start)
	metrics.WorkersActive.Dec()
	metrics.ExecutionDuration.WithLabelValues(job.Language).Observe(elapsed.Seconds())

	if execErr == nil {
		status := domain.StatusError
		if result.Success {
			status = domain.StatusSuccess
		}
		return &domain.TerminalResult{
			Status:     status,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			DurationMs: result.WallTimeMs,
		}
	}

	if run.wasKilled() {
		// The admin kill already persisted KILLED and force-terminated the
		// instance; this delivery is complete.
		p.logger.Info("Execution killed by admin",
			zap.String("execution_id", job.ExecutionID.String()),
		)
		_ = p.idem.ReleaseLock(ctx, job.ExecutionID)
		p.ack(msg)
		return nil
	}

	var failure *sandbox.Failure
	if !errors.As(execErr, &failure) {
		p.retryOrPark(ctx, msg, execErr.Error())
		return nil
	}

	switch failure.Kind {
	case sandbox.KindTimeout:
		return &domain.TerminalResult{
			Status:     domain.StatusTimeout,
			Stderr:     fmt.Sprintf("Execution timed out after %dms", job.TimeoutMs),
			DurationMs: job.TimeoutMs,
		}
	case sandbox.KindRuntimeError, sandbox.KindUnsupportedLanguage:
		return &domain.TerminalResult{
			Status:     domain.StatusError,
			Stderr:     failure.Detail,
			DurationMs: int(elapsed.Milliseconds()),
		}
	default:
		// StartupFailure / InfraError — retryable.
		metrics.SandboxFailures.Inc()
		p.retryOrPark(ctx, msg, failure.Error())
		return nil
	}
}

// retryOrPark requeues a job after an infrastructure failure, or — once the
// delivery budget is spent — flags the execution ERROR with an infra reason
// and parks the message on the dead-letter queue.
func (p *WorkerPool) retryOrPark(ctx context.Context, msg *queue.JobMessage, reason string) {
	job := msg.Job

	if msg.DeliveryCount+1 < maxDeliveries {
		p.logger.Warn("Infrastructure failure, requeueing job",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Int64("delivery_count", msg.DeliveryCount),
			zap.String("reason", reason),
		)
		p.requeue(ctx, msg)
		return
	}

	p.logger.Error("Retry budget exhausted, dead-lettering job",
		zap.String("execution_id", job.ExecutionID.String()),
		zap.String("reason", reason),
	)

	terminal := &domain.TerminalResult{
		Status: domain.StatusError,
		Stderr: "execution infrastructure failure: " + reason,
	}
	if _, err := p.reconciler.Reconcile(ctx, job, terminal); err != nil {
		p.logger.Error("Failed to flag execution after retry exhaustion",
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Error(err),
		)
	}

	_ = p.idem.ReleaseLock(ctx, job.ExecutionID)
	if err := msg.Nack(false); err != nil {
		p.logger.Error("Failed to NACK message to DLQ", zap.Error(err))
	}
}

// requeue returns the message to the queue for another attempt. The dedup
// lock is dropped first so the redelivery is not mistaken for a duplicate.
func (p *WorkerPool) requeue(ctx context.Context, msg *queue.JobMessage) {
	_ = p.idem.DeleteLock(ctx, msg.Job.ExecutionID)
	if err := msg.Nack(true); err != nil {
		p.logger.Error("Failed to NACK message for requeue", zap.Error(err))
	}
}

func (p *WorkerPool) ack(msg *queue.JobMessage) {
	if err := msg.Ack(); err != nil {
		p.logger.Error("Failed to ACK message",
			zap.String("execution_id", msg.Job.ExecutionID.String()),
			zap.Error(err),
		)
	}
}

func (p *WorkerPool) publishEvent(ctx context.Context, job *domain.Job, status domain.ExecutionStatus) {
	event := &domain.StatusEvent{
		ExecutionID: job.ExecutionID,
		OwnerID:     job.OwnerID,
		Status:      status,
		Timestamp:   time.Now().UTC(),
	}
	if err := p.events.PublishStatus(ctx, event); err != nil {
		p.logger.Debug("Status event publish failed", zap.Error(err))
	}
}
