package sandbox

import "fmt"

// FailureKind classifies why a sandbox run did not produce a user-visible result.
type FailureKind string

const (
	// KindUnsupportedLanguage — no runner registered; no runtime instance was started.
	KindUnsupportedLanguage FailureKind = "UNSUPPORTED_LANGUAGE"

	// KindStartupFailure — the container engine refused or failed to start the
	// instance. Infrastructure problem, safe to retry.
	KindStartupFailure FailureKind = "STARTUP_FAILURE"

	// KindTimeout — the host-side deadline fired and the instance was hard-killed.
	// Never retried: the same code will time out again.
	KindTimeout FailureKind = "TIMEOUT"

	// KindRuntimeError — non-zero exit, compile error, the instance was killed
	// by its own memory cap, or its output was unparseable. Never retried.
	KindRuntimeError FailureKind = "RUNTIME_ERROR"

	// KindInfraError — unexpected orchestration failure. Retried up to a bound.
	KindInfraError FailureKind = "INFRA_ERROR"
)

// Failure is the typed error the executor produces instead of a Result.
type Failure struct {
	Kind   FailureKind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("sandbox %s: %s: %v", f.Kind, f.Detail, f.Err)
	}
	return fmt.Sprintf("sandbox %s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the worker may requeue the job. Only
// infrastructure failures qualify — retrying user-code outcomes wastes
// resources and risks duplicated side effects.
func (f *Failure) Retryable() bool {
	return f.Kind == KindStartupFailure || f.Kind == KindInfraError
}

func newFailure(kind FailureKind, detail string, err error) *Failure {
	return &Failure{Kind: kind, Detail: detail, Err: err}
}
