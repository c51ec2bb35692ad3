package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts finished executions by language and terminal status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeexec_executions_total",
			Help: "Total number of code executions by terminal status",
		},
		[]string{"language", "status"},
	)

	// ExecutionDuration tracks sandbox wall-clock time in seconds.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codeexec_execution_duration_seconds",
			Help:    "Duration of code executions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"language"},
	)

	// WorkersActive tracks the number of workers currently running a sandbox.
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codeexec_workers_active",
			Help: "Number of workers currently executing a job",
		},
	)

	// QueueDepth is the observed backlog of the execution queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codeexec_queue_depth",
			Help: "Number of jobs waiting in the execution queue",
		},
	)

	// SandboxFailures counts sandbox infrastructure failures (not user code errors).
	SandboxFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codeexec_sandbox_failures_total",
			Help: "Total number of sandbox infrastructure failures",
		},
	)

	// KillsTotal counts admin kill requests that won the terminal race.
	KillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codeexec_kills_total",
			Help: "Total number of executions force-killed by an admin",
		},
	)
)
