package core

import "errors"

var (
	// ErrEngineNotInitialized means no engine is bound for the task.
	ErrEngineNotInitialized = errors.New("engine not initialized")

	// ErrTaskAborted rejects an interaction whose task was aborted.
	ErrTaskAborted = errors.New("task aborted")

	// ErrTasksAborted rejects every pending interaction on abort-all.
	ErrTasksAborted = errors.New("tasks aborted")

	// ErrConfigReload rejects every pending interaction on config reload.
	ErrConfigReload = errors.New("configuration reloaded, tasks aborted")

	// ErrSurfaceUnavailable means the UI surface was destroyed.
	ErrSurfaceUnavailable = errors.New("ui surface unavailable")

	// ErrInteractionRejected wraps a negative operator response.
	ErrInteractionRejected = errors.New("interaction rejected")

	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidWorkflow = errors.New("invalid workflow")
)

// AbortError is the cancellation cause attached to an aborted task.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return ErrTaskAborted.Error()
	}
	return ErrTaskAborted.Error() + ": " + e.Reason
}

func (e *AbortError) Unwrap() error {
	return ErrTaskAborted
}

func IsAborted(err error) bool {
	return errors.Is(err, ErrTaskAborted) || errors.Is(err, ErrTasksAborted) || errors.Is(err, ErrConfigReload)
}
