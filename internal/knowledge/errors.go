package knowledge

import "errors"

var (
	// ErrNotFound is returned when a record addressed by id does not exist
	ErrNotFound = errors.New("knowledge record not found")
)
