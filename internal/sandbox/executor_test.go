package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/runner"
)

type fakeHandle struct {
	exit    *ExitResult
	waitErr error
	delay   time.Duration

	mu     sync.Mutex
	killed bool
	closed bool
}

func (h *fakeHandle) Wait(ctx context.Context) (*ExitResult, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.waitErr != nil {
		return nil, h.waitErr
	}
	return h.exit, nil
}

func (h *fakeHandle) Kill(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	return nil
}

func (h *fakeHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *fakeHandle) wasClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeRuntime struct {
	handle   *fakeHandle
	startErr error

	mu      sync.Mutex
	started []StartOptions
}

func (r *fakeRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	r.mu.Lock()
	r.started = append(r.started, opts)
	r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	return r.handle, nil
}

func (r *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (r *fakeRuntime) Close() error                   { return nil }

func (r *fakeRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func newExecutor(rt Runtime) *SandboxExecutor {
	return NewSandboxExecutor(runner.NewRegistry(), rt, DefaultLimits(), zap.NewNop())
}

func runnerJSON(t *testing.T, success bool, stdout, stderr string, ms int) string {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"success":        success,
		"stdout":         stdout,
		"stderr":         stderr,
		"execution_time": ms,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestExecuteSuccess(t *testing.T) {
	handle := &fakeHandle{exit: &ExitResult{
		ExitCode: 0,
		Stdout:   runnerJSON(t, true, "hello\n", "", 42),
	}}
	rt := &fakeRuntime{handle: handle}

	res, err := newExecutor(rt).Execute(context.Background(), &Request{
		ExecutionID: uuid.New(),
		Language:    "python",
		Code:        "print('hello')",
		TimeoutMs:   5000,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !res.Success || res.Stdout != "hello\n" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.WallTimeMs != 42 {
		t.Errorf("expected runner-reported wall time, got %d", res.WallTimeMs)
	}
	if !handle.wasClosed() {
		t.Error("instance not torn down")
	}
}

func TestExecuteUnsupportedLanguageStartsNothing(t *testing.T) {
	rt := &fakeRuntime{handle: &fakeHandle{}}

	_, err := newExecutor(rt).Execute(context.Background(), &Request{
		ExecutionID: uuid.New(),
		Language:    "fortran",
		Code:        "x",
		TimeoutMs:   5000,
	})

	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindUnsupportedLanguage {
		t.Fatalf("got %v, want UnsupportedLanguage failure", err)
	}
	if rt.startCount() != 0 {
		t.Error("no instance may be started for an unsupported language")
	}
}

func TestExecuteStartFailureIsRetryable(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("image pull failed")}

	_, err := newExecutor(rt).Execute(context.Background(), &Request{
		ExecutionID: uuid.New(),
		Language:    "go",
		Code:        "package main",
		TimeoutMs:   5000,
	})

	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindStartupFailure {
		t.Fatalf("got %v, want StartupFailure", err)
	}
	if !failure.Retryable() {
		t.Error("startup failures must be retryable")
	}
}

func TestExecuteTimeoutKillsInstance(t *testing.T) {
	handle := &fakeHandle{delay: time.Minute}
	rt := &fakeRuntime{handle: handle}

	start := time.Now()
	_, err := newExecutor(rt).Execute(context.Background(), &Request{
		ExecutionID: uuid.New(),
		Language:    "python",
		Code:        "while True: pass",
		TimeoutMs:   50,
	})
	elapsed := time.Since(start)

	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindTimeout {
		t.Fatalf("got %v, want Timeout failure", err)
	}
	if failure.Retryable() {
		t.Error("a timeout must not be retried")
	}
	if !handle.wasKilled() {
		t.Error("timed-out instance must be hard-killed")
	}
	if !handle.wasClosed() {
		t.Error("timed-out instance must still be torn down")
	}
	if elapsed > 10*time.Second {
		t.Errorf("timeout enforcement took %v", elapsed)
	}
}

func TestExecuteCancellationIsInfra(t *testing.T) {
	handle := &fakeHandle{delay: time.Minute}
	rt := &fakeRuntime{handle: handle}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newExecutor(rt).Execute(ctx, &Request{
		ExecutionID: uuid.New(),
		Language:    "python",
		Code:        "while True: pass",
		TimeoutMs:   30000,
	})

	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindInfraError {
		t.Fatalf("got %v, want InfraError failure", err)
	}
	if !handle.wasClosed() {
		t.Error("cancelled instance must still be torn down")
	}
}

func TestExecuteNonZeroExitIsRuntimeError(t *testing.T) {
	handle := &fakeHandle{exit: &ExitResult{
		ExitCode: 137,
		Stderr:   "Killed",
	}}
	rt := &fakeRuntime{handle: handle}

	_, err := newExecutor(rt).Execute(context.Background(), &Request{
		ExecutionID: uuid.New(),
		Language:    "cpp",
		Code:        "int main(){}",
		TimeoutMs:   5000,
	})

	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindRuntimeError {
		t.Fatalf("got %v, want RuntimeError failure", err)
	}
	if failure.Retryable() {
		t.Error("runtime errors must not be retried")
	}
}

func TestExecuteUnparseableOutputIsRuntimeError(t *testing.T) {
	handle := &fakeHandle{exit: &ExitResult{
		ExitCode: 0,
		Stdout:   "garbage that is not json",
	}}
	rt := &fakeRuntime{handle: handle}

	_, err := newExecutor(rt).Execute(context.Background(), &Request{
		ExecutionID: uuid.New(),
		Language:    "php",
		Code:        "<?php",
		TimeoutMs:   5000,
	})

	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindRuntimeError {
		t.Fatalf("got %v, want RuntimeError failure", err)
	}
}

func TestParseRunnerOutputSkipsNoise(t *testing.T) {
	stdout := "Warning: something\n" + `{"success":true,"stdout":"ok","stderr":"","execution_time":10}`

	out, err := parseRunnerOutput(stdout)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !out.Success || out.Stdout != "ok" || out.ExecutionTime != 10 {
		t.Errorf("unexpected output %+v", out)
	}
}

func TestExecutePassesImageAndPayload(t *testing.T) {
	handle := &fakeHandle{exit: &ExitResult{
		ExitCode: 0,
		Stdout:   runnerJSON(t, true, "", "", 1),
	}}
	rt := &fakeRuntime{handle: handle}

	_, err := newExecutor(rt).Execute(context.Background(), &Request{
		ExecutionID: uuid.New(),
		Language:    "rust",
		Code:        "fn main() {}",
		Stdin:       "data",
		TimeoutMs:   5000,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	opts := rt.started[0]
	if opts.Image != "polyglot-rust-runner" {
		t.Errorf("unexpected image %q", opts.Image)
	}
	if want := 5*time.Second + startupGrace; opts.MaxLifetime != want {
		t.Errorf("instance lifetime cap is %v, want %v", opts.MaxLifetime, want)
	}

	var p payload
	if err := json.Unmarshal(opts.Payload, &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if p.Code != "fn main() {}" || p.Stdin != "data" {
		t.Errorf("payload does not carry the inputs: %+v", p)
	}
}
