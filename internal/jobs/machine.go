package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/cache"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

const (
	// StatusCacheTTL bounds how long a cached status may outlive a missed refresh.
	StatusCacheTTL = 30 * time.Minute
	// TerminalStatusCacheTTL applies once the job can no longer change.
	TerminalStatusCacheTTL = 24 * time.Hour
)

// StatusCache is the subset of cache.Cache used for the status fast path.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, entry cache.JobStatusEntry, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (cache.JobStatusEntry, bool, error)
}

// Machine performs every job state change. Each change is validated against the
// transition table, applied as a conditional update, and recorded in the job's log.
type Machine struct {
	store  store.Store
	cache  StatusCache
	logger *slog.Logger
	now    func() time.Time
}

type MachineOption func(*Machine)

// WithStatusCache refreshes c after every transition.
func WithStatusCache(c StatusCache) MachineOption {
	return func(m *Machine) {
		m.cache = c
	}
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = now
	}
}

func NewMachine(s store.Store, logger *slog.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Now() time.Time {
	return m.now()
}

func (m *Machine) Store() store.Store {
	return m.store
}

// Transition moves job from its observed status to to. opts carry the column changes
// that belong to the edge (failure reason, result, backoff). A concurrent change to
// the job surfaces as ErrInvalidStateTransition, and so does leaving RUNNING for
// anything but CANCELLED once a cancel has been requested.
func (m *Machine) Transition(ctx context.Context, job *models.Job, to models.JobStatus, reason string, opts ...store.JobUpdateOption) (*models.Job, error) {
	if err := CheckTransition(job, to); err != nil {
		return nil, err
	}

	opts = append([]store.JobUpdateOption{store.WithStatus(to)}, opts...)
	if job.Status == models.JobStatusRunning && to != models.JobStatusCancelled {
		// A requested cancel must win over any other way out of RUNNING.
		opts = append(opts, store.WithUnlessCancelRequested())
	}
	updated, err := m.store.UpdateJob(ctx, job.ID, []models.JobStatus{job.Status}, opts...)
	if err != nil {
		return nil, m.wrap(job, to, err)
	}

	m.record(ctx, updated, job.Status, reason)
	return updated, nil
}

// Claim takes a runnable job for execution. A PENDING job passes through QUEUED first.
// Returns ErrInvalidStateTransition if another worker got there first.
func (m *Machine) Claim(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.Status == models.JobStatusPending {
		queued, err := m.Transition(ctx, job, models.JobStatusQueued, "selected for execution")
		if err != nil {
			return nil, err
		}
		job = queued
	}
	if err := CheckTransition(job, models.JobStatusRunning); err != nil {
		return nil, err
	}

	claimed, err := m.store.ClaimJob(ctx, job.ID, m.now())
	if err != nil {
		return nil, m.wrap(job, models.JobStatusRunning, err)
	}

	m.record(ctx, claimed, job.Status, fmt.Sprintf("claimed (%d of %d attempts used)", claimed.Attempts, claimed.MaxAttempts))
	return claimed, nil
}

// Pause moves a RUNNING job to AWAITING_CHECKPOINT and stores cp as its pending
// checkpoint in one step.
func (m *Machine) Pause(ctx context.Context, job *models.Job, cp *models.Checkpoint) (*models.Job, error) {
	if err := CheckTransition(job, models.JobStatusAwaitingCheckpoint); err != nil {
		return nil, err
	}

	paused, err := m.store.PauseJob(ctx, job.ID, cp)
	if err != nil {
		return nil, m.wrap(job, models.JobStatusAwaitingCheckpoint, err)
	}

	m.record(ctx, paused, job.Status, fmt.Sprintf("checkpoint %q raised", cp.Title))
	return paused, nil
}

// RequestCancel flags a RUNNING job for cooperative cancellation. The worker
// finalizes CANCELLED once the executor returns.
func (m *Machine) RequestCancel(ctx context.Context, job *models.Job) (*models.Job, error) {
	flagged, err := m.store.RequestCancel(ctx, job.ID)
	if err != nil {
		return nil, m.wrap(job, models.JobStatusCancelled, err)
	}
	m.Log(ctx, job.ID, models.LogLevelWarn, "cancellation requested", nil)
	return flagged, nil
}

// Log appends an entry to the job's audit log. Failures are logged and swallowed:
// the state change the entry describes has already been committed.
func (m *Machine) Log(ctx context.Context, jobID uuid.UUID, level, message string, data any) {
	entry := &models.JobLog{
		ID:        uuid.New(),
		JobID:     jobID,
		Level:     level,
		Message:   message,
		CreatedAt: m.now(),
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err == nil {
			entry.Data = b
		}
	}
	if err := m.store.AppendJobLog(ctx, entry); err != nil {
		m.logger.Error("failed to append job log",
			"job_id", jobID,
			"message", message,
			"error", err,
		)
	}
}

// CacheStatus refreshes the status fast path for job.
func (m *Machine) CacheStatus(ctx context.Context, job *models.Job) {
	if m.cache == nil {
		return
	}
	ttl := StatusCacheTTL
	if IsTerminal(job) {
		ttl = TerminalStatusCacheTTL
	}
	entry := cache.JobStatusEntry{UserID: job.UserID, Status: string(job.Status)}
	if err := m.cache.SetJobStatus(ctx, job.ID, entry, ttl); err != nil {
		m.logger.Warn("failed to cache job status", "job_id", job.ID, "error", err)
	}
}

func (m *Machine) record(ctx context.Context, job *models.Job, from models.JobStatus, reason string) {
	level := models.LogLevelInfo
	if job.Status == models.JobStatusFailed {
		level = models.LogLevelError
	}
	msg := fmt.Sprintf("status %s -> %s", from, job.Status)
	if reason != "" {
		msg += ": " + reason
	}
	m.Log(ctx, job.ID, level, msg, nil)
	m.CacheStatus(ctx, job)

	m.logger.Info("job transition",
		"job_id", job.ID,
		"from", from,
		"to", job.Status,
		"attempt", job.Attempts,
		"reason", reason,
	)
}

func (m *Machine) wrap(job *models.Job, to models.JobStatus, err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: job %s is no longer %s (wanted %s)", ErrInvalidStateTransition, job.ID, job.Status, to)
	}
	return fmt.Errorf("job %s -> %s: %w", job.ID, to, err)
}
