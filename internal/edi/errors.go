package edi

import (
	"errors"
	"fmt"
)

// Configuration errors. These are fatal and never retried.
var (
	ErrUnknownBackend      = errors.New("unknown backend")
	ErrUnknownBackendType  = errors.New("unknown backend type")
	ErrUnknownExchangeType = errors.New("unknown exchange type")
	ErrTypeBackendMismatch = errors.New("exchange type not valid for backend type")
	ErrDirectionMismatch   = errors.New("operation does not match record direction")
	ErrModelMismatch       = errors.New("business record model does not match exchange type")
	ErrBackendDisabled     = errors.New("backend is disabled")
)

// ErrInvalidTransition is returned when a state change does not follow a
// declared edge of the state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// InvalidTransitionError carries the offending edge.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// recoverableError marks an error as an expected business failure that the
// orchestrator may swallow into an error state instead of propagating.
type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }
func (e *recoverableError) Unwrap() error { return e.err }

// Recoverable wraps err so the orchestrator records it on the exchange
// record and schedules a retry rather than aborting the batch.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err was declared swallowable via
// Recoverable anywhere in its chain.
func IsRecoverable(err error) bool {
	var re *recoverableError
	return errors.As(err, &re)
}
