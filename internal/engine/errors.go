package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by Send when no engine process is alive.
	ErrNotRunning = errors.New("engine not running")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrStopped is returned when Start is called after Shutdown.
	ErrStopped = errors.New("engine stopped")

	// ErrExitTimeout is reported by Shutdown when the engine did not take the
	// exit command in time. The engine is killed regardless.
	ErrExitTimeout = errors.New("engine did not accept exit command in time")
)

// LaunchError reports that the engine executable could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch engine %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
