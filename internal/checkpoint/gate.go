// Package checkpoint mediates human approval of paused jobs.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// SystemReviewer is recorded as reviewer for decisions the service makes itself.
const SystemReviewer = "system"

// ExpiryAction selects what happens to a checkpoint left PENDING past its TTL.
type ExpiryAction string

const (
	ExpireReject   ExpiryAction = "reject"
	ExpireEscalate ExpiryAction = "escalate"
)

const expiryBatch = 100

// Gate raises checkpoints for running jobs and applies reviewer decisions.
// Decisions are not idempotent: deciding twice is an error.
type Gate struct {
	store    store.Store
	machine  *jobs.Machine
	notifier jobs.Notifier
	logger   *slog.Logger

	ttl    time.Duration
	action ExpiryAction
}

type Option func(*Gate)

// WithExpiry makes ExpireStale act on checkpoints pending longer than ttl.
// A zero ttl leaves checkpoints pending forever.
func WithExpiry(ttl time.Duration, action ExpiryAction) Option {
	return func(g *Gate) {
		g.ttl = ttl
		g.action = action
	}
}

func NewGate(machine *jobs.Machine, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		store:   machine.Store(),
		machine: machine,
		logger:  logger,
		action:  ExpireReject,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetNotifier registers n to be woken when an approval makes a job runnable again.
func (g *Gate) SetNotifier(n jobs.Notifier) {
	g.notifier = n
}

// Raise pauses a RUNNING job on a new PENDING checkpoint built from req.
func (g *Gate) Raise(ctx context.Context, job *models.Job, req models.CheckpointRequest) (*models.Job, *models.Checkpoint, error) {
	title := req.Title
	if title == "" {
		title = "Approval required"
	}
	cp := &models.Checkpoint{
		ID:          uuid.New(),
		JobID:       job.ID,
		Title:       title,
		Description: req.Description,
		Payload:     req.Payload,
		Status:      models.CheckpointStatusPending,
		CreatedAt:   g.machine.Now(),
	}

	paused, err := g.machine.Pause(ctx, job, cp)
	if err != nil {
		return nil, nil, err
	}

	g.logger.Info("checkpoint raised",
		"job_id", job.ID,
		"checkpoint_id", cp.ID,
		"title", cp.Title,
	)
	return paused, cp, nil
}

// Get returns the checkpoint with id.
func (g *Gate) Get(ctx context.Context, id uuid.UUID) (*models.Checkpoint, error) {
	cp, err := g.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// GetFor returns the checkpoint if p may see its job, ErrNotFound otherwise.
func (g *Gate) GetFor(ctx context.Context, p jobs.Principal, id uuid.UUID) (*models.Checkpoint, error) {
	cp, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Admin {
		return cp, nil
	}
	job, err := g.store.GetJob(ctx, cp.JobID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	if job.UserID != p.UserID {
		return nil, fmt.Errorf("checkpoint %s: %w", id, jobs.ErrNotFound)
	}
	return cp, nil
}

// Approve marks a PENDING checkpoint APPROVED and makes its job claimable again.
// If the job stops waiting (cancelled) between the decision and the resume, the
// approval is still returned and the job keeps its new status.
func (g *Gate) Approve(ctx context.Context, id uuid.UUID, reviewerID string) (*models.Checkpoint, error) {
	cp, job, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}

	decided, err := g.decide(ctx, cp, models.CheckpointStatusApproved, reviewerID, nil)
	if err != nil {
		return nil, err
	}

	_, err = g.store.UpdateJob(ctx, job.ID, []models.JobStatus{models.JobStatusAwaitingCheckpoint},
		store.WithResumeRequested(true))
	if errors.Is(err, store.ErrConflict) {
		// The decision stands; the job was cancelled or failed before it could resume.
		g.machine.Log(ctx, job.ID, models.LogLevelWarn,
			fmt.Sprintf("checkpoint %q approved by %s after the job stopped waiting", cp.Title, reviewerID),
			map[string]any{"checkpoint_id": cp.ID})
		g.logger.Warn("checkpoint approved but job no longer awaiting it",
			"job_id", job.ID,
			"checkpoint_id", cp.ID,
			"reviewer_id", reviewerID,
		)
		return decided, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resuming job %s: %w", job.ID, err)
	}

	g.machine.Log(ctx, job.ID, models.LogLevelInfo,
		fmt.Sprintf("checkpoint %q approved by %s", cp.Title, reviewerID),
		map[string]any{"checkpoint_id": cp.ID})
	g.logger.Info("checkpoint approved",
		"job_id", job.ID,
		"checkpoint_id", cp.ID,
		"reviewer_id", reviewerID,
	)

	if g.notifier != nil {
		g.notifier.Notify()
	}
	return decided, nil
}

// Reject marks a PENDING checkpoint REJECTED and fails its job with reason.
// The job's attempt counter is left alone and it is not retried automatically.
func (g *Gate) Reject(ctx context.Context, id uuid.UUID, reviewerID, reason string) (*models.Checkpoint, error) {
	cp, job, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected by " + reviewerID
	}
	return g.reject(ctx, cp, job, reviewerID, reason)
}

func (g *Gate) reject(ctx context.Context, cp *models.Checkpoint, job *models.Job, reviewerID, reason string) (*models.Checkpoint, error) {
	decided, err := g.decide(ctx, cp, models.CheckpointStatusRejected, reviewerID, &reason)
	if err != nil {
		return nil, err
	}

	_, err = g.machine.Transition(ctx, job, models.JobStatusFailed,
		fmt.Sprintf("%v: %s", jobs.ErrCheckpointRejected, reason),
		store.WithFailure(reason, g.machine.Now()),
		store.WithResumeRequested(false),
	)
	if err != nil {
		return nil, err
	}

	g.logger.Info("checkpoint rejected",
		"job_id", job.ID,
		"checkpoint_id", cp.ID,
		"reviewer_id", reviewerID,
		"reason", reason,
	)
	return decided, nil
}

// ExpireStale applies the expiry action to checkpoints pending longer than the TTL.
// It returns how many checkpoints were acted on.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	if g.ttl <= 0 {
		return 0, nil
	}

	now := g.machine.Now()
	stale, err := g.store.ListStaleCheckpoints(ctx, now.Add(-g.ttl), expiryBatch)
	if err != nil {
		return 0, fmt.Errorf("listing stale checkpoints: %w", err)
	}

	handled := 0
	for _, cp := range stale {
		var err error
		switch g.action {
		case ExpireEscalate:
			err = g.escalate(ctx, cp, now)
		default:
			err = g.expire(ctx, cp)
		}
		if errors.Is(err, jobs.ErrInvalidStateTransition) || errors.Is(err, store.ErrConflict) {
			// Decided by someone else in the meantime.
			continue
		}
		if err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

func (g *Gate) expire(ctx context.Context, cp *models.Checkpoint) error {
	job, err := g.store.GetJob(ctx, cp.JobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", cp.JobID, err)
	}
	_, err = g.reject(ctx, cp, job, SystemReviewer, fmt.Sprintf("checkpoint expired after %s", g.ttl))
	return err
}

func (g *Gate) escalate(ctx context.Context, cp *models.Checkpoint, now time.Time) error {
	if err := g.store.MarkCheckpointEscalated(ctx, cp.ID, now); err != nil {
		return err
	}
	msg := fmt.Sprintf("checkpoint %q pending for more than %s, escalated", cp.Title, g.ttl)
	g.machine.Log(ctx, cp.JobID, models.LogLevelWarn, msg, map[string]any{"checkpoint_id": cp.ID})
	g.logger.Warn("checkpoint escalated",
		"job_id", cp.JobID,
		"checkpoint_id", cp.ID,
		"pending_since", cp.CreatedAt,
	)
	return nil
}

// load fetches an undecided checkpoint and its job, which must be awaiting it.
func (g *Gate) load(ctx context.Context, id uuid.UUID) (*models.Checkpoint, *models.Job, error) {
	cp, err := g.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if cp.Decided() {
		return nil, nil, fmt.Errorf("%w: checkpoint %s already %s", jobs.ErrInvalidStateTransition, cp.ID, cp.Status)
	}
	job, err := g.store.GetJob(ctx, cp.JobID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading job %s: %w", cp.JobID, err)
	}
	if job.Status != models.JobStatusAwaitingCheckpoint {
		return nil, nil, fmt.Errorf("%w: job %s is %s, not awaiting a checkpoint", jobs.ErrInvalidStateTransition, job.ID, job.Status)
	}
	return cp, job, nil
}

func (g *Gate) decide(ctx context.Context, cp *models.Checkpoint, status models.CheckpointStatus, reviewerID string, reason *string) (*models.Checkpoint, error) {
	decided, err := g.store.DecideCheckpoint(ctx, cp.ID, store.CheckpointDecision{
		Status:          status,
		ReviewerID:      reviewerID,
		RejectionReason: reason,
		ReviewedAt:      g.machine.Now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: checkpoint %s was decided concurrently", jobs.ErrInvalidStateTransition, cp.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("deciding checkpoint %s: %w", cp.ID, err)
	}
	return decided, nil
}
