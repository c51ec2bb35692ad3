package domain

import "errors"

var (
	// ErrExecutionNotFound is returned when an execution cannot be found by ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrUnsupportedLanguage is returned when the language has no runner registered.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrEmptyCode is returned when the submitted code is empty.
	ErrEmptyCode = errors.New("code cannot be empty")

	// ErrPayloadTooLarge is returned when the code exceeds the size limit.
	ErrPayloadTooLarge = errors.New("code payload exceeds maximum size (1MB)")

	// ErrNotRunning is returned by kill when the execution is not currently RUNNING.
	// Killing a terminal or not-yet-started execution is an explicit no-op error.
	ErrNotRunning = errors.New("execution is not running")

	// ErrAlreadyFinished is returned when a terminal compare-and-set loses the
	// race, i.e. another writer already recorded a terminal status.
	ErrAlreadyFinished = errors.New("execution already reached a terminal state")

	// ErrJobSchema is returned when a queue payload fails schema validation.
	ErrJobSchema = errors.New("invalid job payload schema")

	// ErrPublishFailed is returned when the message broker publish fails.
	ErrPublishFailed = errors.New("failed to publish job to message queue")

	// ErrSnippetNotFound is returned when the external snippet store has no such snippet.
	ErrSnippetNotFound = errors.New("snippet not found")
)
