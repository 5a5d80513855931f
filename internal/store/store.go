package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrConflict is returned when a conditional update matched no row because the
	// record is no longer in one of the expected states.
	ErrConflict = errors.New("conditional update conflict")
	// ErrUnavailable marks transient infrastructure faults (connection refused, timeouts).
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	// ListRunnableJobs returns claimable jobs ordered by (priority DESC, created_at ASC):
	// PENDING/QUEUED jobs whose next_run_at has passed, and AWAITING_CHECKPOINT jobs
	// whose checkpoint was approved.
	ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	// ClaimJob atomically moves a runnable job to RUNNING. Returns ErrConflict if the
	// job was claimed by someone else or is no longer runnable.
	ClaimJob(ctx context.Context, id uuid.UUID, now time.Time) (*models.Job, error)
	// UpdateJob applies opts only if the job's current status is one of from.
	UpdateJob(ctx context.Context, id uuid.UUID, from []models.JobStatus, opts ...JobUpdateOption) (*models.Job, error)
	// RequestCancel sets the cooperative cancel flag on a RUNNING job.
	RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	// PauseJob moves a RUNNING job whose cancel flag is clear to AWAITING_CHECKPOINT and
	// inserts cp as its single PENDING checkpoint, atomically.
	PauseJob(ctx context.Context, jobID uuid.UUID, cp *models.Checkpoint) (*models.Job, error)

	GetCheckpoint(ctx context.Context, id uuid.UUID) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error)
	GetPendingCheckpoint(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error)
	// DecideCheckpoint records a reviewer decision only while the checkpoint is PENDING.
	DecideCheckpoint(ctx context.Context, id uuid.UUID, decision CheckpointDecision) (*models.Checkpoint, error)
	ListStaleCheckpoints(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Checkpoint, error)
	MarkCheckpointEscalated(ctx context.Context, id uuid.UUID, at time.Time) error

	AppendJobLog(ctx context.Context, entry *models.JobLog) error
	ListJobLogs(ctx context.Context, jobID uuid.UUID) ([]*models.JobLog, error)
}

type JobFilter struct {
	UserID  string
	Status  models.JobStatus
	JobType string
	Page    int
	Limit   int
}

// Normalize applies pagination defaults and bounds.
func (f JobFilter) Normalize() JobFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}

type CheckpointDecision struct {
	Status          models.CheckpointStatus
	ReviewerID      string
	RejectionReason *string
	ReviewedAt      time.Time
}

// JobUpdate holds the column changes requested by a set of JobUpdateOptions.
// Exported so alternative Store implementations can apply the same options.
type JobUpdate struct {
	Status          *models.JobStatus
	Attempts        *int
	FailureReason   *string
	FailedAt        *time.Time
	ClearFailure    bool
	Result          json.RawMessage
	NextRunAt       *time.Time
	CompletedAt     *time.Time
	ResumeRequested *bool
	CancelRequested *bool

	// UnlessCancelRequested makes the update conditional on the cancel flag being clear.
	UnlessCancelRequested bool
}

type JobUpdateOption func(*JobUpdate)

// BuildJobUpdate collects opts into a JobUpdate.
func BuildJobUpdate(opts ...JobUpdateOption) *JobUpdate {
	u := &JobUpdate{}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func WithStatus(status models.JobStatus) JobUpdateOption {
	return func(u *JobUpdate) {
		u.Status = &status
	}
}

func WithAttempts(n int) JobUpdateOption {
	return func(u *JobUpdate) {
		u.Attempts = &n
	}
}

// WithFailure records the terminal failure reason and time.
func WithFailure(reason string, at time.Time) JobUpdateOption {
	return func(u *JobUpdate) {
		u.FailureReason = &reason
		u.FailedAt = &at
	}
}

// WithClearedFailure resets failure_reason and failed_at to NULL.
func WithClearedFailure() JobUpdateOption {
	return func(u *JobUpdate) {
		u.ClearFailure = true
	}
}

func WithResult(result json.RawMessage) JobUpdateOption {
	return func(u *JobUpdate) {
		u.Result = result
	}
}

func WithNextRunAt(t time.Time) JobUpdateOption {
	return func(u *JobUpdate) {
		u.NextRunAt = &t
	}
}

func WithCompletedAt(t time.Time) JobUpdateOption {
	return func(u *JobUpdate) {
		u.CompletedAt = &t
	}
}

func WithResumeRequested(v bool) JobUpdateOption {
	return func(u *JobUpdate) {
		u.ResumeRequested = &v
	}
}

func WithCancelRequested(v bool) JobUpdateOption {
	return func(u *JobUpdate) {
		u.CancelRequested = &v
	}
}

// WithUnlessCancelRequested makes the update miss, with ErrConflict, once a cancel has
// been requested for the job.
func WithUnlessCancelRequested() JobUpdateOption {
	return func(u *JobUpdate) {
		u.UnlessCancelRequested = true
	}
}

// Apply mutates job according to u. Used by in-memory stores and tests.
func (u *JobUpdate) Apply(job *models.Job, now time.Time) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Attempts != nil {
		job.Attempts = *u.Attempts
	}
	if u.ClearFailure {
		job.FailureReason = nil
		job.FailedAt = nil
	}
	if u.FailureReason != nil {
		v := *u.FailureReason
		job.FailureReason = &v
	}
	if u.FailedAt != nil {
		v := *u.FailedAt
		job.FailedAt = &v
	}
	if u.Result != nil {
		job.Result = u.Result
	}
	if u.NextRunAt != nil {
		job.NextRunAt = *u.NextRunAt
	}
	if u.CompletedAt != nil {
		v := *u.CompletedAt
		job.CompletedAt = &v
	}
	if u.ResumeRequested != nil {
		job.ResumeRequested = *u.ResumeRequested
	}
	if u.CancelRequested != nil {
		job.CancelRequested = *u.CancelRequested
	}
	job.UpdatedAt = now
}
