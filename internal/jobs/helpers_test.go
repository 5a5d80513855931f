package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/cache"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/internal/store/memstore"
	"github.com/kiranshivaraju/agentgate/pkg/models"
	"github.com/stretchr/testify/require"
)

// fakeStatusCache is an in-memory StatusCache.
type fakeStatusCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]cache.JobStatusEntry
	ttls    map[uuid.UUID]time.Duration
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{
		entries: make(map[uuid.UUID]cache.JobStatusEntry),
		ttls:    make(map[uuid.UUID]time.Duration),
	}
}

func (c *fakeStatusCache) SetJobStatus(_ context.Context, id uuid.UUID, e cache.JobStatusEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = e
	c.ttls[id] = ttl
	return nil
}

func (c *fakeStatusCache) ttl(id uuid.UUID) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[id]
}

func (c *fakeStatusCache) GetJobStatus(_ context.Context, id uuid.UUID) (cache.JobStatusEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok, nil
}

type fixedPolicy int

func (p fixedPolicy) MaxAttempts(string) int { return int(p) }

type fixture struct {
	store   *memstore.Store
	cache   *fakeStatusCache
	machine *jobs.Machine
	service *jobs.Service
	wakes   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), cache: newFakeStatusCache()}
	f.machine = jobs.NewMachine(f.store, nil, jobs.WithStatusCache(f.cache))
	f.service = jobs.NewService(f.store, f.machine, fixedPolicy(3), nil)
	f.service.SetNotifier(jobs.NotifierFunc(func() { f.wakes++ }))
	return f
}

func (f *fixture) submit(t *testing.T, userID string) *models.Job {
	t.Helper()
	job, err := f.service.SubmitTask(context.Background(), jobs.SubmitRequest{
		UserID:      userID,
		Instruction: "reconcile ledger",
	})
	require.NoError(t, err)
	return job
}

// setStatus forces a job into status, bypassing the transition table.
func (f *fixture) setStatus(t *testing.T, job *models.Job, status models.JobStatus, attempts int) *models.Job {
	t.Helper()
	updated, err := f.store.UpdateJob(context.Background(), job.ID, models.AllJobStatuses,
		store.WithStatus(status), store.WithAttempts(attempts))
	require.NoError(t, err)
	return updated
}

func (f *fixture) logMessages(t *testing.T, jobID uuid.UUID) []string {
	t.Helper()
	logs, err := f.store.ListJobLogs(context.Background(), jobID)
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func intPtr(v int) *int { return &v }
