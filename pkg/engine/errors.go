package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine.
var (
	ErrAlreadyRunning   = errors.New("engine: already running")
	ErrStopped          = errors.New("engine: stopped engines cannot be restarted")
	ErrSyncDisabled     = errors.New("engine: sync is disabled")
	ErrPatternsDisabled = errors.New("engine: pattern detection is disabled")
)

// NotRunningError is returned when an operation requires the engine to be running.
type NotRunningError struct {
	State State
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("engine is not running (state %s)", e.State)
}

// InvalidRequestError reports a request rejected before reaching a component.
type InvalidRequestError struct {
	Field   string
	Message string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Message)
}
