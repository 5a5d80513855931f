package worker_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/checkpoint"
	"github.com/kiranshivaraju/agentgate/internal/executor/mock"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/internal/store/memstore"
	"github.com/kiranshivaraju/agentgate/internal/worker"
	"github.com/kiranshivaraju/agentgate/pkg/models"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memstore.Store
	machine *jobs.Machine
	gate    *checkpoint.Gate
	service *jobs.Service
	exec    *mock.Executor
	loop    *worker.Loop
}

type options struct {
	cfg      worker.Config
	policy   worker.Policy
	gateOpts []checkpoint.Option
	wrap     func(*memstore.Store) store.Store
}

type option func(*options)

func withConfig(cfg worker.Config) option {
	return func(o *options) { o.cfg = cfg }
}

func withPolicy(p worker.Policy) option {
	return func(o *options) { o.policy = p }
}

func withGate(opts ...checkpoint.Option) option {
	return func(o *options) { o.gateOpts = opts }
}

// withStore routes every component except the fixture's own reads through wrap.
func withStore(wrap func(*memstore.Store) store.Store) option {
	return func(o *options) { o.wrap = wrap }
}

func newFixture(t *testing.T, exec *mock.Executor, opts ...option) *fixture {
	t.Helper()
	o := &options{
		cfg: worker.Config{
			PollInterval:       10 * time.Millisecond,
			MaxConcurrent:      4,
			CancelPollInterval: 5 * time.Millisecond,
			MaxPollBackoff:     50 * time.Millisecond,
		},
		policy: worker.Policy{
			Timeout:     2 * time.Second,
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			BackoffMax:  5 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	f := &fixture{store: memstore.New(), exec: exec}
	var s store.Store = f.store
	if o.wrap != nil {
		s = o.wrap(f.store)
	}
	f.machine = jobs.NewMachine(s, nil)
	f.gate = checkpoint.NewGate(f.machine, nil, o.gateOpts...)
	policies := worker.NewPolicies(o.policy, nil)
	f.service = jobs.NewService(s, f.machine, policies, nil)
	f.loop = worker.New(f.machine, f.gate, exec, policies, o.cfg, nil)
	f.service.SetNotifier(f.loop)
	f.gate.SetNotifier(f.loop)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.loop.Stop(ctx)
	})
	return f
}

func (f *fixture) submit(t *testing.T, priority, maxAttempts int) *models.Job {
	t.Helper()
	job, err := f.service.SubmitTask(context.Background(), jobs.SubmitRequest{
		UserID:      "alice",
		Instruction: "do the thing",
		Priority:    &priority,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// waitForStatus polls until the job reaches status or fails the test after 5s.
func (f *fixture) waitForStatus(t *testing.T, id uuid.UUID, status models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := f.store.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job %s to reach %s, last status %s", id, status, job.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// waitFor polls cond until it holds or fails the test after 5s.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// transitions returns the "status A -> B" log messages of a job, reasons stripped.
func (f *fixture) transitions(t *testing.T, id uuid.UUID) []string {
	t.Helper()
	logs, err := f.store.ListJobLogs(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, l := range logs {
		if !strings.HasPrefix(l.Message, "status ") {
			continue
		}
		msg, _, _ := strings.Cut(l.Message, ":")
		out = append(out, strings.TrimPrefix(msg, "status "))
	}
	return out
}

func newJob(priority int, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:          uuid.New(),
		UserID:      "alice",
		JobType:     "agent_task",
		Status:      models.JobStatusPending,
		Priority:    priority,
		InputData:   []byte(`{"instruction":"x"}`),
		MaxAttempts: 1,
		NextRunAt:   createdAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}
