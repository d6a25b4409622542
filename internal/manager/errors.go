package manager

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrWorkerNotFound is returned when a worker id is not registered
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrInvalidTransition is returned when a lifecycle operation is not valid in the current state
	ErrInvalidTransition = errors.New("invalid worker state transition")

	// ErrWorkerStopped is returned when operating on a stopped worker
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrQueueFull is returned when a worker's task queue has no room
	ErrQueueFull = errors.New("worker task queue is full")

	// ErrManagerNotStarted is returned when starting a worker before the manager
	ErrManagerNotStarted = errors.New("worker manager not started")

	// ErrStopRequested is returned by cooperative waits once a stop has been requested.
	// It matches context.Canceled so callers treat it as cancellation.
	ErrStopRequested = fmt.Errorf("worker stop requested: %w", context.Canceled)
)
