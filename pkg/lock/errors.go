package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies option/config validation failures.
	ErrValidation = errors.New("lock validation error")
	// ErrInvalidArgument classifies invalid caller/backend arguments.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrNotInitialized classifies missing backend initialization.
	ErrNotInitialized = errors.New("lock not initialized")
	// ErrRetryable classifies transient backend failures safe to retry.
	ErrRetryable = errors.New("lock retryable error")
	// ErrClosed classifies operations performed on closed backends.
	ErrClosed = errors.New("lock closed")
	// ErrAcquireTimeout is returned by Acquire when Options.AcquireTimeout elapses before the lock
	// could be taken. It is distinct from context cancellation.
	ErrAcquireTimeout = errors.New("lock acquire timeout")
	// ErrLeaseStopped is returned when work is attached to a lease that is stopping, stopped or lost.
	ErrLeaseStopped = errors.New("lock lease stopped")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
