// Package mock provides scripted TaskExecutors for tests.
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// Step is one scripted executor response.
type Step struct {
	Outcome models.Outcome
	Err     error
	// Block makes the step wait for ctx to be done before answering.
	Block bool
	// Panic makes the step panic with this value.
	Panic any
}

// Executor replays Steps in order and records every call. Once the script is
// exhausted the last step repeats. An empty script completes every job.
type Executor struct {
	ExecuteFunc func(ctx context.Context, job *models.Job) (models.Outcome, error)

	mu    sync.Mutex
	steps []Step
	calls []*models.Job
}

func NewExecutor(steps ...Step) *Executor {
	return &Executor{steps: steps}
}

// NewCompleting returns an Executor that always completes.
func NewCompleting() *Executor {
	return NewExecutor(Step{Outcome: models.Completed([]byte(`{"ok":true}`))})
}

// NewFailing returns an Executor that always reports failure with reason.
func NewFailing(reason string) *Executor {
	return NewExecutor(Step{Outcome: models.Failed(reason)})
}

// NewBlocking returns an Executor that runs until its context is cancelled.
func NewBlocking() *Executor {
	return NewExecutor(Step{Block: true})
}

func (e *Executor) Execute(ctx context.Context, job *models.Job) (models.Outcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, job.Clone())
	idx := len(e.calls) - 1
	var step Step
	switch {
	case len(e.steps) == 0:
		step = Step{Outcome: models.Completed(nil)}
	case idx < len(e.steps):
		step = e.steps[idx]
	default:
		step = e.steps[len(e.steps)-1]
	}
	fn := e.ExecuteFunc
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, job)
	}
	if step.Panic != nil {
		panic(step.Panic)
	}
	if step.Block {
		<-ctx.Done()
		return models.Outcome{}, ctx.Err()
	}
	return step.Outcome, step.Err
}

// Calls returns the number of Execute calls so far.
func (e *Executor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// CallsFor returns how many times job id was executed.
func (e *Executor) CallsFor(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, j := range e.calls {
		if j.ID == id {
			n++
		}
	}
	return n
}

// Order returns executed job ids in call order.
func (e *Executor) Order() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uuid.UUID, 0, len(e.calls))
	for _, j := range e.calls {
		out = append(out, j.ID)
	}
	return out
}

// LastJob returns the job passed to the most recent call, or nil.
func (e *Executor) LastJob() *models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.calls) == 0 {
		return nil
	}
	return e.calls[len(e.calls)-1]
}

// Compile-time check that Executor implements TaskExecutor.
var _ models.TaskExecutor = (*Executor)(nil)
