package model

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")

	// ErrNoActiveWorkers is returned by the enqueuer when no ACTIVE
	// worker appears within its wait cap.
	ErrNoActiveWorkers = errors.New("no active workers")

	// ErrShuttingDown is returned by components that reject new work
	// once the dispatcher has begun a cooperative shutdown.
	ErrShuttingDown = errors.New("dispatcher is shutting down")

	// ErrStoreUnavailable marks a store error as fatal to the calling
	// component rather than transient-and-retryable.
	ErrStoreUnavailable = errors.New("task store unavailable")
)
