package jobs

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/agentgate/internal/store"
)

var (
	// ErrValidation marks bad caller input. Callers fix and resubmit; never retried.
	ErrValidation = errors.New("validation error")
	// ErrInvalidStateTransition marks an illegal transition or a lost race on a conditional update.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrRetriesExhausted is returned by a manual retry once attempts reached max_attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrExecutorFailure marks task-level failures. The worker loop retries these with backoff.
	ErrExecutorFailure = errors.New("executor failure")
	// ErrCheckpointRejected marks an explicit human denial. Terminal, never retried automatically.
	ErrCheckpointRejected = errors.New("checkpoint rejected")

	ErrStoreUnavailable = store.ErrUnavailable
	ErrNotFound         = store.ErrNotFound
)

// ValidationError describes which input field was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
