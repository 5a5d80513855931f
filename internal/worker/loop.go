// Package worker runs claimed jobs on the task executor and applies the retry policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/checkpoint"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/pkg/models"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultMaxConcurrent      = 4
	defaultCancelPollInterval = time.Second
	defaultMaxPollBackoff     = 30 * time.Second
)

// Config tunes the loop. Zero fields take defaults.
type Config struct {
	PollInterval       time.Duration
	MaxConcurrent      int
	CancelPollInterval time.Duration
	// MaxPollBackoff caps the wait between polls while the store is failing.
	MaxPollBackoff time.Duration
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	Running       bool        `json:"running"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	JobsClaimed   int64       `json:"jobs_claimed"`
	LastPollAt    *time.Time  `json:"last_poll_at,omitempty"`
	InFlight      []uuid.UUID `json:"in_flight"`
	MaxConcurrent int         `json:"max_concurrent"`
}

// Loop polls the store for runnable jobs in (priority desc, created asc) order,
// claims them and runs each on the executor, up to MaxConcurrent at a time.
// All of its state lives here; it is created once and injected where needed.
type Loop struct {
	machine  *jobs.Machine
	store    store.Store
	gate     *checkpoint.Gate
	executor models.TaskExecutor
	policies *Policies
	logger   *slog.Logger
	cfg      Config

	sem  *semaphore.Weighted
	wake chan struct{}

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	claimed   int64
	lastPoll  time.Time
	inFlight  map[uuid.UUID]struct{}

	dispatches sync.WaitGroup
}

func New(machine *jobs.Machine, gate *checkpoint.Gate, executor models.TaskExecutor, policies *Policies, cfg Config, logger *slog.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = defaultCancelPollInterval
	}
	if cfg.MaxPollBackoff <= 0 {
		cfg.MaxPollBackoff = defaultMaxPollBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		machine:  machine,
		store:    machine.Store(),
		gate:     gate,
		executor: executor,
		policies: policies,
		logger:   logger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Start launches the polling goroutine. It reports false if the loop was already running.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	l.startedAt = l.machine.Now()
	l.claimed = 0

	go l.run(ctx, l.done)

	l.logger.Info("worker loop started",
		"poll_interval", l.cfg.PollInterval,
		"max_concurrent", l.cfg.MaxConcurrent,
	)
	return true
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish or ctx to
// expire. Jobs still running when ctx expires keep running in the background.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for poller to exit: %w", ctx.Err())
	}

	drained := make(chan struct{})
	go func() {
		l.dispatches.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		l.logger.Info("worker loop stopped")
		return nil
	case <-ctx.Done():
		l.logger.Warn("worker loop stopped with jobs still in flight", "in_flight", len(l.Stats().InFlight))
		return fmt.Errorf("waiting for in-flight jobs: %w", ctx.Err())
	}
}

// Notify wakes an idle loop so it polls immediately. Never blocks.
func (l *Loop) Notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Running:       l.running,
		JobsClaimed:   l.claimed,
		InFlight:      make([]uuid.UUID, 0, len(l.inFlight)),
		MaxConcurrent: l.cfg.MaxConcurrent,
	}
	if !l.startedAt.IsZero() {
		t := l.startedAt
		s.StartedAt = &t
	}
	if !l.lastPoll.IsZero() {
		t := l.lastPoll
		s.LastPollAt = &t
	}
	for id := range l.inFlight {
		s.InFlight = append(s.InFlight, id)
	}
	sort.Slice(s.InFlight, func(i, j int) bool { return s.InFlight[i].String() < s.InFlight[j].String() })
	return s
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		wait := l.cfg.PollInterval
		claimed, err := l.PollOnce(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			failures++
			wait = l.pollBackoff(failures)
			l.logger.Error("worker poll failed",
				"error", err,
				"consecutive_failures", failures,
				"retry_in", wait,
			)
		default:
			if failures > 0 {
				l.logger.Info("worker poll recovered", "after_failures", failures)
			}
			failures = 0
			if claimed > 0 {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-time.After(wait):
		}
	}
}

// pollBackoff doubles the poll interval per consecutive failure, capped.
func (l *Loop) pollBackoff(failures int) time.Duration {
	d := l.cfg.PollInterval
	for i := 1; i < failures && d < l.cfg.MaxPollBackoff; i++ {
		d *= 2
	}
	if d > l.cfg.MaxPollBackoff {
		d = l.cfg.MaxPollBackoff
	}
	return d
}

// PollOnce runs one scheduling pass: it expires stale checkpoints, then claims and
// dispatches runnable jobs while worker slots are free. It returns the number of
// jobs claimed. Lost claim races are skipped, not reported.
func (l *Loop) PollOnce(ctx context.Context) (int, error) {
	now := l.machine.Now()
	l.mu.Lock()
	l.lastPoll = now
	free := l.cfg.MaxConcurrent - len(l.inFlight)
	l.mu.Unlock()

	if l.gate != nil {
		if _, err := l.gate.ExpireStale(ctx); err != nil {
			return 0, err
		}
	}

	if free <= 0 {
		return 0, nil
	}

	candidates, err := l.store.ListRunnableJobs(ctx, now, free)
	if err != nil {
		return 0, fmt.Errorf("listing runnable jobs: %w", err)
	}

	claimed := 0
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !l.sem.TryAcquire(1) {
			break
		}

		job, err := l.machine.Claim(ctx, candidate)
		if err != nil {
			l.sem.Release(1)
			if errors.Is(err, jobs.ErrInvalidStateTransition) {
				l.logger.Debug("claim lost", "job_id", candidate.ID, "error", err)
				continue
			}
			return claimed, fmt.Errorf("claiming job %s: %w", candidate.ID, err)
		}

		claimed++
		l.dispatch(ctx, job)
	}
	return claimed, nil
}

// dispatch runs job on its own goroutine. The slot taken in PollOnce is released
// when it finishes. Execution is detached from the loop's context so Stop drains.
func (l *Loop) dispatch(ctx context.Context, job *models.Job) {
	l.mu.Lock()
	l.inFlight[job.ID] = struct{}{}
	l.claimed++
	l.mu.Unlock()

	l.dispatches.Add(1)
	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.inFlight, job.ID)
			l.mu.Unlock()
			l.sem.Release(1)
			l.dispatches.Done()
			l.Notify()
		}()
		l.execute(context.WithoutCancel(ctx), job)
	}()
}

func (l *Loop) execute(ctx context.Context, job *models.Job) {
	policy := l.policies.For(job.JobType)
	logger := l.logger.With("job_id", job.ID, "job_type", job.JobType)

	history, err := l.store.ListCheckpoints(ctx, job.ID)
	if err != nil {
		logger.Error("failed to load checkpoint history", "error", err)
		l.fail(ctx, job, policy, "could not load checkpoint history")
		return
	}
	job.Checkpoints = history

	execCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	stopWatch := l.watchCancel(execCtx, cancel, job.ID)
	started := time.Now()
	outcome, execErr := l.invoke(execCtx, job)
	stopWatch()
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)

	logger.Debug("executor returned",
		"outcome", outcome.Kind,
		"duration", time.Since(started),
		"error", execErr,
	)

	// Safe point: a requested cancel wins over whatever the executor reported.
	if l.cancelRequested(ctx, job.ID) {
		l.record(l.machine.Transition(ctx, job, models.JobStatusCancelled, "cancellation requested"))
		return
	}

	switch {
	case timedOut:
		l.fail(ctx, job, policy, fmt.Sprintf("execution timed out after %s", policy.Timeout))
	case execErr != nil:
		logger.Warn("executor returned an error", "error", execErr)
		l.fail(ctx, job, policy, failureReason(execErr))
	case outcome.Kind == models.OutcomeCompleted:
		l.complete(ctx, job, outcome)
	case outcome.Kind == models.OutcomeFailed:
		reason := outcome.Reason
		if reason == "" {
			reason = "executor reported failure"
		}
		l.fail(ctx, job, policy, reason)
	case outcome.Kind == models.OutcomePaused:
		l.pause(ctx, job, policy, outcome)
	default:
		l.fail(ctx, job, policy, fmt.Sprintf("executor returned unknown outcome %q", outcome.Kind))
	}
}

// invoke calls the executor, turning a panic into an error.
func (l *Loop) invoke(ctx context.Context, job *models.Job) (out models.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("executor panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &models.ExecutorError{
				Reason: "executor panicked",
				Err:    fmt.Errorf("%w: panic: %v", jobs.ErrExecutorFailure, r),
			}
		}
	}()
	return l.executor.Execute(ctx, job)
}

// watchCancel polls the job's cancel flag while the executor runs and cancels
// the executor's context once it is set. The returned func stops the watcher.
func (l *Loop) watchCancel(ctx context.Context, cancel context.CancelFunc, jobID uuid.UUID) func() {
	stop := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(l.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := l.store.IsCancelRequested(ctx, jobID)
				if err != nil {
					l.logger.Debug("cancel check failed", "job_id", jobID, "error", err)
					continue
				}
				if requested {
					l.logger.Info("cancel requested, signalling executor", "job_id", jobID)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-exited
	}
}

func (l *Loop) cancelRequested(ctx context.Context, jobID uuid.UUID) bool {
	requested, err := l.store.IsCancelRequested(ctx, jobID)
	if err != nil {
		l.logger.Warn("cancel check failed at safe point", "job_id", jobID, "error", err)
		return false
	}
	return requested
}

func (l *Loop) complete(ctx context.Context, job *models.Job, outcome models.Outcome) {
	now := l.machine.Now()
	if len(outcome.Result) > 0 {
		l.machine.Log(ctx, job.ID, models.LogLevelInfo, "executor result", outcome.Result)
	}
	_, err := l.machine.Transition(ctx, job, models.JobStatusCompleted, "executor completed",
		store.WithResult(outcome.Result),
		store.WithCompletedAt(now),
	)
	l.settle(ctx, job, err)
}

// fail counts a failed attempt. With attempts left the job goes back to PENDING
// after the backoff delay; otherwise it is FAILED with reason.
func (l *Loop) fail(ctx context.Context, job *models.Job, policy Policy, reason string) {
	now := l.machine.Now()
	attempts := job.Attempts + 1

	if attempts < job.MaxAttempts {
		delay := policy.Backoff(attempts)
		l.logger.Warn("job attempt failed, retrying",
			"job_id", job.ID,
			"attempt", attempts,
			"max_attempts", job.MaxAttempts,
			"retry_in", delay,
			"reason", reason,
		)
		_, err := l.machine.Transition(ctx, job, models.JobStatusPending,
			fmt.Sprintf("attempt %d of %d failed, retrying in %s: %s", attempts, job.MaxAttempts, delay, reason),
			store.WithAttempts(attempts),
			store.WithNextRunAt(now.Add(delay)),
		)
		l.settle(ctx, job, err)
		return
	}

	l.logger.Warn("job failed, no attempts left",
		"job_id", job.ID,
		"attempt", attempts,
		"reason", reason,
	)
	_, err := l.machine.Transition(ctx, job, models.JobStatusFailed,
		fmt.Sprintf("attempt %d of %d failed: %s", attempts, job.MaxAttempts, reason),
		store.WithAttempts(attempts),
		store.WithFailure(reason, now),
	)
	l.settle(ctx, job, err)
}

// pause raises the first requested checkpoint. Further ones are the executor's to
// raise again after approval.
func (l *Loop) pause(ctx context.Context, job *models.Job, policy Policy, outcome models.Outcome) {
	if len(outcome.Checkpoints) == 0 {
		l.fail(ctx, job, policy, "executor paused without a checkpoint")
		return
	}
	if len(outcome.Checkpoints) > 1 {
		l.logger.Debug("executor requested several checkpoints, raising the first",
			"job_id", job.ID,
			"requested", len(outcome.Checkpoints),
		)
	}
	_, _, err := l.gate.Raise(ctx, job, outcome.Checkpoints[0])
	l.settle(ctx, job, err)
}

// settle handles an outcome that could not be recorded. When the job lost the race
// to a cancel request it is finalized CANCELLED; anything else is logged.
func (l *Loop) settle(ctx context.Context, job *models.Job, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, jobs.ErrInvalidStateTransition) {
		current, getErr := l.store.GetJob(ctx, job.ID)
		if getErr == nil && current.Status == models.JobStatusRunning && current.CancelRequested {
			l.logger.Info("cancel requested while recording outcome, discarding it", "job_id", job.ID)
			_, err = l.machine.Transition(ctx, current, models.JobStatusCancelled, "cancellation requested")
			if err == nil {
				return
			}
		}
	}
	l.record(nil, err)
}

// failureReason is the text stored on the job for an executor error. Detail stays in
// the logs.
func failureReason(err error) string {
	var execErr *models.ExecutorError
	if errors.As(err, &execErr) && execErr.Reason != "" {
		return execErr.Reason
	}
	if errors.Is(err, context.Canceled) {
		return "executor was cancelled"
	}
	return "executor error"
}

// record logs a transition that could not be applied. The job keeps its
// current status and needs manual reconciliation.
func (l *Loop) record(_ *models.Job, err error) {
	if err == nil {
		return
	}
	l.logger.Error("failed to record job outcome", "error", err)
}
