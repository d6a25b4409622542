package platform

import "errors"

var (
	// ErrUnknownPlatform is returned when no factory is registered under a name
	ErrUnknownPlatform = errors.New("unknown platform adapter")

	// ErrDuplicatePlatform is returned when a factory name is registered twice
	ErrDuplicatePlatform = errors.New("platform adapter already registered")

	// ErrUnsupportedTask is returned for task types the dispatcher cannot route
	ErrUnsupportedTask = errors.New("unsupported task type")

	// ErrRefreshUnsupported is returned when the adapter cannot refresh its session
	ErrRefreshUnsupported = errors.New("session refresh not supported")
)
