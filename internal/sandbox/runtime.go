// Package sandbox runs untrusted code inside single-use, resource-capped,
// network-isolated runtime instances and parses the structured result their
// fixed entrypoints emit.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Limits are the hard resource caps applied to every instance.
type Limits struct {
	MemoryBytes int64
	CPUQuota    int64 // per 100ms CPUPeriod; 50000 = half a core
	PidsLimit   int64
	ScratchMB   int64 // tmpfs size for the writable scratch areas
}

// DefaultLimits mirror the caps the product has always applied to runner
// containers: 128 MB RAM, half a CPU, no fork bombs, small scratch space.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 128 * 1024 * 1024,
		CPUQuota:    50000,
		PidsLimit:   64,
		ScratchMB:   64,
	}
}

// StartOptions describe one instance. Payload is written to the instance's
// stdin and the write side closed — code never travels through command lines,
// shell strings or host-visible files.
type StartOptions struct {
	Image       string
	Limits      Limits
	Payload     []byte
	MaxLifetime time.Duration
}

// ExitResult is what a finished instance left behind.
type ExitResult struct {
	ExitCode int64
	Stdout   string
	Stderr   string
}

// Handle is an exclusively-owned reference to one running instance.
type Handle interface {
	// Wait blocks until the instance exits or ctx expires. The caller's ctx
	// deadline is the authoritative host-side timeout.
	Wait(ctx context.Context) (*ExitResult, error)

	// Kill force-terminates the instance immediately.
	Kill(ctx context.Context) error

	// Close tears the instance down unconditionally. Always called, even on
	// crash/parse paths; errors are logged, never propagated to the caller.
	Close(ctx context.Context) error
}

// Runtime is the structured container-runtime client. Backends are selected
// by name so a remote engine or micro-VM backend can slot in later.
type Runtime interface {
	Start(ctx context.Context, opts StartOptions) (Handle, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewRuntime creates the runtime backend named in the configuration.
func NewRuntime(backend string, logger *zap.Logger) (Runtime, error) {
	switch backend {
	case "docker":
		return NewDockerRuntime(logger)
	default:
		return nil, fmt.Errorf("unsupported runtime backend: %s", backend)
	}
}
