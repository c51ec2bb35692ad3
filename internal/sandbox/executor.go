package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/runner"
)

// startupGrace is added to the job timeout for container startup/teardown.
// The in-instance timeout is intentionally redundant: the host-side deadline
// is authoritative because user code can defeat the in-instance one.
const startupGrace = 2 * time.Second

// Request describes one job handed to the executor.
type Request struct {
	ExecutionID uuid.UUID
	Language    string
	Code        string
	Stdin       string
	TimeoutMs   int
}

// Result is the user-visible outcome of a completed run.
type Result struct {
	Stdout     string
	Stderr     string
	Success    bool
	WallTimeMs int
}

// Executor runs one job to completion inside an isolated runtime instance.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// payload is the single JSON document written to the instance's stdin.
type payload struct {
	Code  string `json:"code"`
	Stdin string `json:"stdin"`
}

// runnerOutput is the single JSON result every runner image's entrypoint
// emits on its stdout after writing the code to a scratch file, compiling it
// when needed and running it.
type runnerOutput struct {
	Success       bool   `json:"success"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExecutionTime int    `json:"execution_time"`
}

// SandboxExecutor implements Executor against a Runtime backend.
type SandboxExecutor struct {
	registry *runner.Registry
	runtime  Runtime
	limits   Limits
	logger   *zap.Logger
}

// NewSandboxExecutor creates the executor.
func NewSandboxExecutor(registry *runner.Registry, rt Runtime, limits Limits, logger *zap.Logger) *SandboxExecutor {
	return &SandboxExecutor{
		registry: registry,
		runtime:  rt,
		limits:   limits,
		logger:   logger,
	}
}

var _ Executor = (*SandboxExecutor)(nil)

// Execute runs the request inside a fresh instance. It returns either a
// Result or a *Failure; it never lets an instance outlive the call.
func (e *SandboxExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	// Fail fast before any resource is allocated.
	desc, ok := e.registry.Lookup(req.Language)
	if !ok {
		return nil, newFailure(KindUnsupportedLanguage, req.Language, nil)
	}

	body, err := json.Marshal(payload{Code: req.Code, Stdin: req.Stdin})
	if err != nil {
		return nil, newFailure(KindInfraError, "encode payload", err)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	deadline := timeout + startupGrace

	handle, err := e.runtime.Start(ctx, StartOptions{
		Image:       desc.Image,
		Limits:      e.limits,
		Payload:     body,
		MaxLifetime: deadline,
	})
	if err != nil {
		return nil, newFailure(KindStartupFailure, "start runtime instance", err)
	}

	// Teardown is unconditional, even on crash/parse paths. Failures here are
	// logged and alerted on, never returned to the caller.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := handle.Close(closeCtx); err != nil {
			e.logger.Warn("sandbox teardown failed",
				zap.String("execution_id", req.ExecutionID.String()),
				zap.Error(err),
			)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	exit, err := handle.Wait(waitCtx)
	wallTime := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && waitCtx.Err() != nil && ctx.Err() == nil:
			// Host-side deadline fired: hard-kill the instance. This is the
			// authoritative timeout regardless of any in-instance timer.
			killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if killErr := handle.Kill(killCtx); killErr != nil {
				e.logger.Warn("sandbox kill after timeout failed",
					zap.String("execution_id", req.ExecutionID.String()),
					zap.Error(killErr),
				)
			}
			killCancel()
			return nil, newFailure(KindTimeout,
				fmt.Sprintf("exceeded %dms host deadline", req.TimeoutMs), err)
		case errors.Is(err, context.Canceled):
			// The caller cancelled the run (shutdown or admin kill).
			return nil, newFailure(KindInfraError, "run cancelled", err)
		default:
			return nil, newFailure(KindInfraError, "wait for instance", err)
		}
	}

	if exit.ExitCode != 0 {
		// Includes compile failures and the cgroup OOM kill (137). The raw
		// stderr is preserved for the caller.
		return nil, newFailure(KindRuntimeError,
			fmt.Sprintf("runner exited with code %d: %s", exit.ExitCode, firstLine(exit.Stderr)), nil)
	}

	out, perr := parseRunnerOutput(exit.Stdout)
	if perr != nil {
		return nil, newFailure(KindRuntimeError, "unparseable runner output", perr)
	}

	e.logger.Debug("sandbox execution completed",
		zap.String("execution_id", req.ExecutionID.String()),
		zap.String("language", req.Language),
		zap.Bool("success", out.Success),
		zap.Duration("wall_time", wallTime),
	)

	wallTimeMs := out.ExecutionTime
	if wallTimeMs <= 0 {
		wallTimeMs = int(wallTime.Milliseconds())
	}

	return &Result{
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		Success:    out.Success,
		WallTimeMs: wallTimeMs,
	}, nil
}

// parseRunnerOutput extracts the single JSON result from the instance's
// stdout. Entrypoints print exactly one JSON object as their last line; any
// preceding noise (interpreter banners, warnings) is skipped.
func parseRunnerOutput(stdout string) (*runnerOutput, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var out runnerOutput
		if err := json.Unmarshal([]byte(line), &out); err == nil {
			return &out, nil
		}
	}
	return nil, fmt.Errorf("no JSON result found in runner stdout (%d bytes)", len(stdout))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
