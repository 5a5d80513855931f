package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

const (
	DefaultJobType = "agent_task"
	// MaxAttemptsLimit caps caller-supplied max_attempts.
	MaxAttemptsLimit = 20

	cancelRetries = 3
)

// Principal is the authenticated caller. Admins may act on any job.
type Principal struct {
	UserID string
	Admin  bool
}

func (p Principal) canAccess(job *models.Job) bool {
	return p.Admin || job.UserID == p.UserID
}

// Notifier is told when new work may be runnable. The worker loop implements it.
type Notifier interface {
	Notify()
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func()

func (f NotifierFunc) Notify() { f() }

// AttemptsPolicy supplies the default max_attempts for a job type.
type AttemptsPolicy interface {
	MaxAttempts(jobType string) int
}

// SubmitRequest is the input to SubmitTask. A nil Priority means DefaultPriority.
type SubmitRequest struct {
	UserID      string
	Instruction string
	Context     json.RawMessage
	Priority    *int
	JobType     string
	MaxAttempts int
}

// Detail is a job with its checkpoint and log history.
type Detail struct {
	Job         *models.Job          `json:"job"`
	Checkpoints []*models.Checkpoint `json:"checkpoints"`
	Logs        []*models.JobLog     `json:"logs"`
}

// Service is the entry point for callers: it accepts new work and exposes the
// caller-side job operations. Execution happens asynchronously in the worker loop.
type Service struct {
	store    store.Store
	machine  *Machine
	policy   AttemptsPolicy
	notifier Notifier
	logger   *slog.Logger
}

func NewService(s store.Store, machine *Machine, policy AttemptsPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		machine: machine,
		policy:  policy,
		logger:  logger,
	}
}

// SetNotifier registers n to be woken after submissions and retries.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SubmitTask validates req and stores a PENDING job. It never waits for execution.
// Identical submissions create independent jobs.
func (s *Service) SubmitTask(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return nil, invalid("instruction", "is required")
	}
	if req.UserID == "" {
		return nil, invalid("user_id", "is required")
	}
	if len(req.Context) > 0 && !json.Valid(req.Context) {
		return nil, invalid("context", "must be valid JSON")
	}
	if req.MaxAttempts < 0 {
		return nil, invalid("max_attempts", "must not be negative")
	}

	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = ClampPriority(*req.Priority)
	}

	jobType := strings.TrimSpace(req.JobType)
	if jobType == "" {
		jobType = DefaultJobType
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 && s.policy != nil {
		maxAttempts = s.policy.MaxAttempts(jobType)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxAttempts > MaxAttemptsLimit {
		maxAttempts = MaxAttemptsLimit
	}

	input, err := json.Marshal(models.TaskInput{Instruction: instruction, Context: req.Context})
	if err != nil {
		return nil, fmt.Errorf("encoding task input: %w", err)
	}

	now := s.machine.Now()
	orchestratorID := "orch_" + uuid.NewString()
	job := &models.Job{
		ID:              uuid.New(),
		UserID:          req.UserID,
		JobType:         jobType,
		Status:          models.JobStatusPending,
		Priority:        priority,
		TaskDescription: summarize(instruction),
		InputData:       input,
		OrchestratorID:  &orchestratorID,
		MaxAttempts:     maxAttempts,
		NextRunAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.machine.Log(ctx, job.ID, models.LogLevelInfo, "job submitted", map[string]any{
		"priority":     priority,
		"job_type":     jobType,
		"max_attempts": maxAttempts,
	})
	s.machine.CacheStatus(ctx, job)
	s.notify()

	s.logger.Info("job submitted",
		"job_id", job.ID,
		"orchestrator_id", orchestratorID,
		"user_id", job.UserID,
		"priority", priority,
	)
	return job, nil
}

// ListJobs returns a page of jobs. Non-admin callers only ever see their own.
func (s *Service) ListJobs(ctx context.Context, p Principal, filter store.JobFilter) ([]*models.Job, int, error) {
	if !p.Admin {
		filter.UserID = p.UserID
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, invalid("status", fmt.Sprintf("must be one of %v", models.AllJobStatuses))
	}
	return s.store.ListJobs(ctx, filter.Normalize())
}

// GetJob returns the job with its checkpoints and logs.
func (s *Service) GetJob(ctx context.Context, p Principal, id uuid.UUID) (*Detail, error) {
	job, err := s.ownedJob(ctx, p, id)
	if err != nil {
		return nil, err
	}
	checkpoints, err := s.store.ListCheckpoints(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	logs, err := s.store.ListJobLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing job logs: %w", err)
	}
	return &Detail{Job: job, Checkpoints: checkpoints, Logs: logs}, nil
}

// JobStatus returns the current status, from the cache when possible.
func (s *Service) JobStatus(ctx context.Context, p Principal, id uuid.UUID) (models.JobStatus, error) {
	if c := s.machine.cache; c != nil {
		entry, found, err := c.GetJobStatus(ctx, id)
		if err != nil {
			s.logger.Warn("status cache read failed", "job_id", id, "error", err)
		}
		if found {
			if !p.Admin && entry.UserID != p.UserID {
				return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
			}
			return models.JobStatus(entry.Status), nil
		}
	}

	job, err := s.ownedJob(ctx, p, id)
	if err != nil {
		return "", err
	}
	s.machine.CacheStatus(ctx, job)
	return job.Status, nil
}

// CancelJob cancels a job. A RUNNING job is only flagged; the worker finalizes
// CANCELLED when the executor returns. A waiting checkpoint is rejected with it.
func (s *Service) CancelJob(ctx context.Context, p Principal, id uuid.UUID) (*models.Job, error) {
	var lastErr error
	for i := 0; i < cancelRetries; i++ {
		job, err := s.ownedJob(ctx, p, id)
		if err != nil {
			return nil, err
		}

		switch job.Status {
		case models.JobStatusRunning:
			if job.CancelRequested {
				return job, nil
			}
			flagged, err := s.machine.RequestCancel(ctx, job)
			if err == nil {
				return flagged, nil
			}
			lastErr = err

		case models.JobStatusAwaitingCheckpoint:
			cancelled, err := s.cancelAwaiting(ctx, p, job)
			if err == nil {
				return cancelled, nil
			}
			lastErr = err

		default:
			if err := CheckTransition(job, models.JobStatusCancelled); err != nil {
				return nil, err
			}
			cancelled, err := s.machine.Transition(ctx, job, models.JobStatusCancelled, "cancelled by "+p.UserID)
			if err == nil {
				return cancelled, nil
			}
			lastErr = err
		}

		if !errors.Is(lastErr, ErrInvalidStateTransition) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (s *Service) cancelAwaiting(ctx context.Context, p Principal, job *models.Job) (*models.Job, error) {
	cp, err := s.store.GetPendingCheckpoint(ctx, job.ID)
	switch {
	case err == nil:
		reason := "job cancelled"
		_, err = s.store.DecideCheckpoint(ctx, cp.ID, store.CheckpointDecision{
			Status:          models.CheckpointStatusRejected,
			ReviewerID:      p.UserID,
			RejectionReason: &reason,
			ReviewedAt:      s.machine.Now(),
		})
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: checkpoint %s decided concurrently", ErrInvalidStateTransition, cp.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("rejecting checkpoint %s: %w", cp.ID, err)
		}
	case errors.Is(err, store.ErrNotFound):
		// Already approved and waiting to be resumed.
	default:
		return nil, fmt.Errorf("loading pending checkpoint: %w", err)
	}

	return s.machine.Transition(ctx, job, models.JobStatusCancelled, "cancelled by "+p.UserID,
		store.WithResumeRequested(false))
}

// RetryJob re-queues a FAILED job that still has attempts left.
func (s *Service) RetryJob(ctx context.Context, p Principal, id uuid.UUID) (*models.Job, error) {
	job, err := s.ownedJob(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: only FAILED jobs can be retried, job is %s", ErrInvalidStateTransition, job.Status)
	}
	if Exhausted(job) {
		return nil, fmt.Errorf("%w: %d of %d attempts used", ErrRetriesExhausted, job.Attempts, job.MaxAttempts)
	}

	retried, err := s.machine.Transition(ctx, job, models.JobStatusPending, "manual retry by "+p.UserID,
		store.WithClearedFailure(),
		store.WithNextRunAt(s.machine.Now()),
		store.WithCancelRequested(false),
	)
	if err != nil {
		return nil, err
	}
	s.notify()
	return retried, nil
}

// ownedJob loads a job and hides it from principals who may not see it.
func (s *Service) ownedJob(ctx context.Context, p Principal, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	if !p.canAccess(job) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (s *Service) notify() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

// summarize derives the immutable task description from the instruction.
func summarize(instruction string) string {
	const limit = 200
	line, _, _ := strings.Cut(instruction, "\n")
	runes := []rune(line)
	if len(runes) <= limit {
		return line
	}
	return string(runes[:limit-3]) + "..."
}
