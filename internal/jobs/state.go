package jobs

import (
	"fmt"

	"github.com/kiranshivaraju/agentgate/pkg/models"
)

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusCancelled,
	},
	models.JobStatusQueued: {
		models.JobStatusRunning,
		models.JobStatusCancelled,
	},
	models.JobStatusRunning: {
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusAwaitingCheckpoint,
		models.JobStatusCancelled,
		models.JobStatusPending, // automatic retry after backoff
	},
	models.JobStatusAwaitingCheckpoint: {
		models.JobStatusRunning,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	},
	models.JobStatusFailed: {
		models.JobStatusPending,
		models.JobStatusCancelled,
	},
}

// CanTransition reports whether the state table allows from -> to.
// It does not consider attempt counters; see CheckTransition.
func CanTransition(from, to models.JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Exhausted reports whether a failed job has used all of its attempts.
func Exhausted(job *models.Job) bool {
	return job.Attempts >= job.MaxAttempts
}

// IsTerminal reports whether the job will never transition again on its own or by request.
func IsTerminal(job *models.Job) bool {
	switch job.Status {
	case models.JobStatusCompleted, models.JobStatusCancelled:
		return true
	case models.JobStatusFailed:
		return Exhausted(job)
	}
	return false
}

// CheckTransition validates moving job to status to, including the rule that a FAILED
// job leaves FAILED only while attempts < max_attempts.
func CheckTransition(job *models.Job, to models.JobStatus) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, job.Status, to)
	}
	if job.Status == models.JobStatusFailed && Exhausted(job) {
		return fmt.Errorf("%w: %s -> %s (attempts %d/%d exhausted)",
			ErrInvalidStateTransition, job.Status, to, job.Attempts, job.MaxAttempts)
	}
	return nil
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < models.MinPriority {
		return models.MinPriority
	}
	if p > models.MaxPriority {
		return models.MaxPriority
	}
	return p
}
