package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent memory exhaustion.
	maxOutputBytes = 64 * 1024 // 64 KB

	// outputTruncatedMsg is appended when output exceeds the limit.
	outputTruncatedMsg = "\n... output truncated (64 KB limit) ..."

	// cpuPeriodMicros is the denominator for the CPU quota.
	cpuPeriodMicros = 100000

	// copyDrainTimeout bounds how long Wait blocks on the output copier after
	// the container has already exited.
	copyDrainTimeout = 2 * time.Second

	// reapSlack is added on top of StartOptions.MaxLifetime before the backend
	// force-removes an instance, so the normal Wait/Kill path always fires
	// first and the reaper only catches instances nobody came back for.
	reapSlack = 5 * time.Second
)

// dockerRuntime talks to a local Docker Engine through its API client.
// No shell is ever involved: images, limits and the stdin payload are all
// passed as structured API fields.
type dockerRuntime struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerRuntime creates a Docker-backed runtime from the environment
// (DOCKER_HOST etc.), negotiating the API version with the daemon.
func NewDockerRuntime(logger *zap.Logger) (Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return &dockerRuntime{cli: cli, logger: logger}, nil
}

func (r *dockerRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

func (r *dockerRuntime) Close() error {
	return r.cli.Close()
}

// Start creates and starts one single-use instance and streams the payload to
// its stdin. The instance has no network, a read-only root filesystem, a small
// tmpfs scratch area and hard memory/CPU/pids caps.
func (r *dockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	pidsLimit := opts.Limits.PidsLimit
	scratch := fmt.Sprintf("rw,nosuid,size=%dm", opts.Limits.ScratchMB)

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           opts.Image,
			OpenStdin:       true,
			StdinOnce:       true,
			AttachStdin:     true,
			AttachStdout:    true,
			AttachStderr:    true,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			Resources: container.Resources{
				Memory:    opts.Limits.MemoryBytes,
				CPUPeriod: cpuPeriodMicros,
				CPUQuota:  opts.Limits.CPUQuota,
				PidsLimit: &pidsLimit,
			},
			Tmpfs: map[string]string{
				"/tmp":     scratch,
				"/scratch": scratch,
			},
		},
		&network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("docker: create container: %w", err)
	}

	// Attach before starting so no output is lost.
	attach, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = r.removeContainer(created.ID)
		return nil, fmt.Errorf("docker: attach: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = r.removeContainer(created.ID)
		return nil, fmt.Errorf("docker: start container: %w", err)
	}

	h := &dockerHandle{
		cli:      r.cli,
		id:       created.ID,
		attach:   &attach,
		logger:   r.logger,
		copyDone: make(chan struct{}),
	}
	h.stdout.limit = maxOutputBytes
	h.stderr.limit = maxOutputBytes

	// Hard lifetime cap enforced by the backend itself: even if the caller
	// never reaps the handle, the instance is force-removed once its budget
	// plus slack is spent. Close stops the timer on the normal path.
	if opts.MaxLifetime > 0 {
		h.reaper = time.AfterFunc(opts.MaxLifetime+reapSlack, func() {
			r.logger.Warn("Instance exceeded max lifetime, force-removing",
				zap.String("container_id", created.ID),
			)
			if err := r.removeContainer(created.ID); err != nil {
				r.logger.Warn("Lifetime reap failed",
					zap.String("container_id", created.ID),
					zap.Error(err),
				)
			}
		})
	}

	// Demultiplex the attached stream into capped buffers. Runs until the
	// container exits or the attach connection is closed.
	go func() {
		defer close(h.copyDone)
		if _, err := stdcopy.StdCopy(&h.stdout, &h.stderr, attach.Reader); err != nil {
			r.logger.Debug("docker attach copy ended", zap.Error(err))
		}
	}()

	// Stream the payload in and close the write side so the entrypoint sees EOF.
	go func() {
		if _, err := attach.Conn.Write(opts.Payload); err != nil {
			r.logger.Debug("docker stdin write failed", zap.Error(err))
		}
		if err := attach.CloseWrite(); err != nil {
			r.logger.Debug("docker stdin close failed", zap.Error(err))
		}
	}()

	return h, nil
}

func (r *dockerRuntime) removeContainer(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

type dockerHandle struct {
	cli    *client.Client
	id     string
	attach dockerAttach
	logger *zap.Logger

	stdout   limitedBuffer
	stderr   limitedBuffer
	copyDone chan struct{}
	reaper   *time.Timer

	closeOnce sync.Once
}

// dockerAttach is the subset of the attach response the handle needs.
type dockerAttach interface {
	Close()
}

func (h *dockerHandle) Wait(ctx context.Context) (*ExitResult, error) {
	okCh, errCh := h.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)

	select {
	case body := <-okCh:
		h.drainOutput()
		return &ExitResult{
			ExitCode: body.StatusCode,
			Stdout:   h.stdout.Result(),
			Stderr:   h.stderr.Result(),
		}, nil
	case err := <-errCh:
		return nil, fmt.Errorf("docker: wait: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainOutput gives the copier a bounded window to flush buffered output
// after the container has exited.
func (h *dockerHandle) drainOutput() {
	select {
	case <-h.copyDone:
	case <-time.After(copyDrainTimeout):
	}
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	if err := h.cli.ContainerKill(ctx, h.id, "SIGKILL"); err != nil {
		return fmt.Errorf("docker: kill: %w", err)
	}
	return nil
}

func (h *dockerHandle) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		if h.reaper != nil {
			h.reaper.Stop()
		}
		h.attach.Close()
		err = h.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true})
	})
	return err
}

// limitedBuffer is a bytes.Buffer that stops accepting writes after a limit.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (lb *limitedBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.truncated {
		return len(p), nil // discard silently
	}

	remaining := lb.limit - lb.buf.Len()
	if remaining <= 0 {
		lb.truncated = true
		return len(p), nil
	}

	if len(p) > remaining {
		lb.truncated = true
		keep := p[:remaining]
		_, werr := lb.buf.Write(keep)
		return len(p), werr
	}

	return lb.buf.Write(p)
}

// Result returns the buffered output with a truncation notice when capped.
func (lb *limitedBuffer) Result() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.truncated {
		return lb.buf.String() + outputTruncatedMsg
	}
	return lb.buf.String()
}
