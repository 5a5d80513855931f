// Package memstore is an in-memory store.Store with the same conditional-update
// semantics as the PostgreSQL implementation. It backs unit tests of the pipeline.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// Store keeps jobs, checkpoints, logs and API keys in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	keys        map[uuid.UUID]*models.APIKey
	jobs        map[uuid.UUID]*models.Job
	checkpoints map[uuid.UUID]*models.Checkpoint
	cpOrder     map[uuid.UUID][]uuid.UUID
	logs        map[uuid.UUID][]*models.JobLog

	// Err, when set, is returned by every operation. Tests use it to simulate an outage.
	Err error
}

func New() *Store {
	return &Store{
		keys:        make(map[uuid.UUID]*models.APIKey),
		jobs:        make(map[uuid.UUID]*models.Job),
		checkpoints: make(map[uuid.UUID]*models.Checkpoint),
		cpOrder:     make(map[uuid.UUID][]uuid.UUID),
		logs:        make(map[uuid.UUID][]*models.JobLog),
	}
}

// SetErr swaps the injected failure under the lock.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.RevokedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, k := range s.keys {
		if k.KeyPrefix == key.KeyPrefix && k.RevokedAt == nil {
			return store.ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := []*models.APIKey{}
	for _, k := range s.keys {
		if k.RevokedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	k, ok := s.keys[id]
	if !ok || k.RevokedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, 0, s.Err
	}

	var matched []*models.Job
	for _, j := range s.jobs {
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })

	total := len(matched)
	start := (filter.Page - 1) * filter.Limit
	out := []*models.Job{}
	for i := start; i < total && i < start+filter.Limit; i++ {
		out = append(out, matched[i].Clone())
	}
	return out, total, nil
}

func (s *Store) CountJobsByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	counts := make(map[models.JobStatus]int, len(models.AllJobStatuses))
	for _, st := range models.AllJobStatuses {
		counts[st] = 0
	}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func runnable(j *models.Job, now time.Time) bool {
	switch j.Status {
	case models.JobStatusPending, models.JobStatusQueued:
		return !j.NextRunAt.After(now)
	case models.JobStatusAwaitingCheckpoint:
		return j.ResumeRequested
	}
	return false
}

func (s *Store) ListRunnableJobs(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var candidates []*models.Job
	for _, j := range s.jobs {
		if runnable(j, now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})

	out := []*models.Job{}
	for i := 0; i < len(candidates) && i < limit; i++ {
		out = append(out, candidates[i].Clone())
	}
	return out, nil
}

func (s *Store) ClaimJob(_ context.Context, id uuid.UUID, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !runnable(j, now) {
		return nil, store.ErrConflict
	}
	j.Status = models.JobStatusRunning
	j.ResumeRequested = false
	started := now
	j.StartedAt = &started
	j.UpdatedAt = now
	return j.Clone(), nil
}

func (s *Store) UpdateJob(_ context.Context, id uuid.UUID, from []models.JobStatus, opts ...store.JobUpdateOption) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := store.BuildJobUpdate(opts...)
	if !statusIn(j.Status, from) || (u.UnlessCancelRequested && j.CancelRequested) {
		return nil, store.ErrConflict
	}
	u.Apply(j, time.Now().UTC())
	return j.Clone(), nil
}

func (s *Store) RequestCancel(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning {
		return nil, store.ErrConflict
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now().UTC()
	return j.Clone(), nil
}

func (s *Store) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return j.CancelRequested, nil
}

func (s *Store) PauseJob(_ context.Context, jobID uuid.UUID, cp *models.Checkpoint) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning || j.CancelRequested {
		return nil, store.ErrConflict
	}
	for _, id := range s.cpOrder[jobID] {
		if s.checkpoints[id].Status == models.CheckpointStatusPending {
			return nil, store.ErrConflict
		}
	}
	c := *cp
	s.checkpoints[cp.ID] = &c
	s.cpOrder[jobID] = append(s.cpOrder[jobID], cp.ID)

	j.Status = models.JobStatusAwaitingCheckpoint
	j.ResumeRequested = false
	j.UpdatedAt = cp.CreatedAt
	return j.Clone(), nil
}

// --- Checkpoints ---

func (s *Store) GetCheckpoint(_ context.Context, id uuid.UUID) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.checkpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCheckpoints(_ context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := []*models.Checkpoint{}
	for _, id := range s.cpOrder[jobID] {
		cp := *s.checkpoints[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetPendingCheckpoint(_ context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, id := range s.cpOrder[jobID] {
		if c := s.checkpoints[id]; c.Status == models.CheckpointStatusPending {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DecideCheckpoint(_ context.Context, id uuid.UUID, d store.CheckpointDecision) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.checkpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if c.Status != models.CheckpointStatusPending {
		return nil, store.ErrConflict
	}
	reviewer := d.ReviewerID
	reviewedAt := d.ReviewedAt
	c.Status = d.Status
	c.ReviewerID = &reviewer
	c.ReviewedAt = &reviewedAt
	if d.RejectionReason != nil {
		reason := *d.RejectionReason
		c.RejectionReason = &reason
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListStaleCheckpoints(_ context.Context, createdBefore time.Time, limit int) ([]*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var stale []*models.Checkpoint
	for _, c := range s.checkpoints {
		if c.Status == models.CheckpointStatusPending && c.EscalatedAt == nil && c.CreatedAt.Before(createdBefore) {
			cp := *c
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].CreatedAt.Before(stale[b].CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) MarkCheckpointEscalated(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.checkpoints[id]
	if !ok || c.Status != models.CheckpointStatusPending || c.EscalatedAt != nil {
		return store.ErrConflict
	}
	escalated := at
	c.EscalatedAt = &escalated
	return nil
}

// --- Job Logs ---

func (s *Store) AppendJobLog(_ context.Context, entry *models.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	e := *entry
	s.logs[entry.JobID] = append(s.logs[entry.JobID], &e)
	return nil
}

func (s *Store) ListJobLogs(_ context.Context, jobID uuid.UUID) ([]*models.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := []*models.JobLog{}
	for _, l := range s.logs[jobID] {
		e := *l
		out = append(out, &e)
	}
	return out, nil
}

func statusIn(status models.JobStatus, set []models.JobStatus) bool {
	for _, st := range set {
		if status == st {
			return true
		}
	}
	return false
}

var _ store.Store = (*Store)(nil)
