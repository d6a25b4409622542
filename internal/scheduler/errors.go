package scheduler

import "errors"

var (
	// ErrScheduleNotFound is returned when a schedule id is unknown
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidSchedule is returned when a schedule has no worker or template task
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNoAvailableWorker is returned when no worker can take a task for its platform
	ErrNoAvailableWorker = errors.New("no available worker")
)
