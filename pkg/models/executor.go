package models

import (
	"context"
	"encoding/json"
)

// TaskExecutor performs the actual work of a job once the worker loop has claimed it.
// Never call a concrete executor directly; inject this interface.
type TaskExecutor interface {
	// Execute runs one step of the job. A returned error is treated like OutcomeFailed.
	// ctx is cancelled when the job's timeout elapses or a cancel is requested; executors
	// should return promptly once it is done.
	Execute(ctx context.Context, job *Job) (Outcome, error)
}

// OutcomeKind classifies what an executor reported.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomePaused    OutcomeKind = "paused"
)

// Outcome is the executor's verdict for one execution step.
type Outcome struct {
	Kind        OutcomeKind         `json:"status"`
	Result      json.RawMessage     `json:"result,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Checkpoints []CheckpointRequest `json:"checkpoints,omitempty"`
}

// CheckpointRequest describes a checkpoint the executor wants raised.
type CheckpointRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func Completed(result json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeCompleted, Result: result}
}

func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

func Paused(checkpoints ...CheckpointRequest) Outcome {
	return Outcome{Kind: OutcomePaused, Checkpoints: checkpoints}
}

// ExecutorError is an execution error whose Reason is safe to store on the job and
// show to its owner. Err keeps the detail for logs.
type ExecutorError struct {
	Reason string
	Err    error
}

func (e *ExecutorError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}
