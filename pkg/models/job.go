// Package models contains the records shared across AgentGate: jobs, checkpoints, job logs and API keys.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an agent job. Values match jobs.status in the database.
type JobStatus string

const (
	JobStatusPending            JobStatus = "PENDING"
	JobStatusQueued             JobStatus = "QUEUED"
	JobStatusRunning            JobStatus = "RUNNING"
	JobStatusAwaitingCheckpoint JobStatus = "AWAITING_CHECKPOINT"
	JobStatusCompleted          JobStatus = "COMPLETED"
	JobStatusFailed             JobStatus = "FAILED"
	JobStatusCancelled          JobStatus = "CANCELLED"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusQueued,
	JobStatusRunning,
	JobStatusAwaitingCheckpoint,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	for _, v := range AllJobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Job is a unit of submitted agent work. The API returns the job id and orchestrator id on
// POST /api/v1/jobs; the client polls GET /api/v1/jobs/{job_id} until the job is terminal.
type Job struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	UserID          string          `db:"user_id"          json:"user_id"`
	JobType         string          `db:"job_type"         json:"job_type"`
	Status          JobStatus       `db:"status"           json:"status"`
	Priority        int             `db:"priority"         json:"priority"`
	TaskDescription string          `db:"task_description" json:"task_description"`
	InputData       json.RawMessage `db:"input_data"       json:"input_data"`
	OrchestratorID  *string         `db:"orchestrator_id"  json:"orchestrator_id,omitempty"`
	Attempts        int             `db:"attempts"         json:"attempts"`
	MaxAttempts     int             `db:"max_attempts"     json:"max_attempts"`
	FailureReason   *string         `db:"failure_reason"   json:"failure_reason,omitempty"`
	FailedAt        *time.Time      `db:"failed_at"        json:"failed_at,omitempty"`
	Result          json.RawMessage `db:"result"           json:"result,omitempty"`
	CancelRequested bool            `db:"cancel_requested" json:"cancel_requested"`
	ResumeRequested bool            `db:"resume_requested" json:"-"`
	NextRunAt       time.Time       `db:"next_run_at"      json:"next_run_at"`
	StartedAt       *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"       json:"updated_at"`

	// Checkpoints is populated for executors and detail views; it is not a column.
	Checkpoints []*Checkpoint `db:"-" json:"-"`
}

// TaskInput is the payload stored in Job.InputData by the orchestrator.
type TaskInput struct {
	Instruction string          `json:"instruction"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// Clone returns a shallow copy whose pointer fields do not alias the original.
func (j *Job) Clone() *Job {
	c := *j
	if j.OrchestratorID != nil {
		v := *j.OrchestratorID
		c.OrchestratorID = &v
	}
	if j.FailureReason != nil {
		v := *j.FailureReason
		c.FailureReason = &v
	}
	if j.FailedAt != nil {
		v := *j.FailedAt
		c.FailedAt = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	c.Checkpoints = nil
	return &c
}
