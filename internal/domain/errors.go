package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrAgentUnavailable    = errors.New("agent unavailable")
	ErrAgentInitFailed     = errors.New("agent initialization failed")
	ErrTaskDependencyCycle = errors.New("task dependency cycle")
	ErrTaskTimeout         = errors.New("task timed out")
	ErrRequestTimeout      = errors.New("request timed out")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrProposalClosed      = errors.New("proposal already decided")
	ErrProposalExpired     = errors.New("proposal expired")
	ErrSignoffClosed       = errors.New("signoff already resolved")
	ErrSignoffRejected     = errors.New("signoff rejected")
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrBusClosed           = errors.New("bus closed")
	ErrStoreIO             = errors.New("state store i/o")
)

// ErrSignoffNotResolved marks a signoff that is still pending. It is a state,
// not a failure: callers gating on a signoff retry or wait.
var ErrSignoffNotResolved = errors.New("signoff not resolved")

// StoreError wraps a persistence failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreIO }

// StoreErr returns nil for a nil err.
func StoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
