package healing

import (
	"context"
	"errors"
)

var (
	// ErrMissingWorker is returned when no platform worker is configured
	ErrMissingWorker = errors.New("healing worker requires a platform worker")

	// ErrMissingCoordinator is returned when no coordinator is configured
	ErrMissingCoordinator = errors.New("healing worker requires a coordinator")
)

// isCancellation reports whether err means the task must unwind without further attempts
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
