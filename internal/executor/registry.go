// Package executor routes jobs to the TaskExecutor registered for their job type.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// Registry dispatches by Job.JobType. Jobs of an unregistered type go to the
// fallback executor, or fail with UNKNOWN_JOB_TYPE when there is none.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]models.TaskExecutor
	fallback  models.TaskExecutor
}

func NewRegistry(fallback models.TaskExecutor) *Registry {
	return &Registry{
		executors: make(map[string]models.TaskExecutor),
		fallback:  fallback,
	}
}

// Register binds jobType to e, replacing any earlier binding.
func (r *Registry) Register(jobType string, e models.TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = e
}

// JobTypes lists the explicitly registered job types.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Execute(ctx context.Context, job *models.Job) (models.Outcome, error) {
	r.mu.RLock()
	e, ok := r.executors[job.JobType]
	if !ok {
		e = r.fallback
	}
	r.mu.RUnlock()

	if e == nil {
		return models.Failed(fmt.Sprintf("UNKNOWN_JOB_TYPE: %s", job.JobType)), nil
	}
	return e.Execute(ctx, job)
}

var _ models.TaskExecutor = (*Registry)(nil)
