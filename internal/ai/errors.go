package ai

import "errors"

var (
	ErrMissingAPIKey = errors.New("anthropic api key is required")
	ErrNoCode        = errors.New("response contained no code block")
)
