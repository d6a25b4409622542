package model

import "errors"

var (
	// ErrValidation is returned when a task is missing required fields.
	// Validation failures are fatal and never retried.
	ErrValidation = errors.New("task validation failed")
)
