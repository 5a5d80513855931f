package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

const defaultDrainTimeout = 30 * time.Second

// Status is the admin view of the worker: loop stats plus job counts by status.
type Status struct {
	Stats
	JobCounts map[models.JobStatus]int `json:"job_counts"`
}

// Controller is the admin surface over a Loop.
type Controller struct {
	loop         *Loop
	store        store.Store
	drainTimeout time.Duration
}

// NewController wraps loop. Stop waits up to drainTimeout for in-flight jobs.
func NewController(loop *Loop, drainTimeout time.Duration) *Controller {
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	return &Controller{loop: loop, store: loop.store, drainTimeout: drainTimeout}
}

// Start starts the loop. Starting a running loop is a no-op.
func (c *Controller) Start(ctx context.Context) (*Status, error) {
	c.loop.Start()
	return c.Status(ctx)
}

// Stop stops claiming and waits for in-flight jobs up to the drain timeout. Jobs
// that outlast it finish in the background; the loop is stopped either way.
func (c *Controller) Stop(ctx context.Context) (*Status, error) {
	drainCtx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	defer cancel()

	if err := c.loop.Stop(drainCtx); err != nil && ctx.Err() != nil {
		return nil, err
	}
	return c.Status(ctx)
}

func (c *Controller) Status(ctx context.Context) (*Status, error) {
	counts, err := c.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	return &Status{Stats: c.loop.Stats(), JobCounts: counts}, nil
}
