package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/executor/mock"
	"github.com/kiranshivaraju/agentgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleJob() *models.Job {
	return &models.Job{ID: uuid.New(), JobType: "agent_task"}
}

func TestExecutor_EmptyScriptCompletes(t *testing.T) {
	e := mock.NewExecutor()
	out, err := e.Execute(context.Background(), sampleJob())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out.Kind)
}

func TestExecutor_ReplaysStepsThenRepeatsLast(t *testing.T) {
	e := mock.NewExecutor(
		mock.Step{Outcome: models.Paused(models.CheckpointRequest{Title: "check"})},
		mock.Step{Outcome: models.Completed(nil)},
	)
	job := sampleJob()

	first, _ := e.Execute(context.Background(), job)
	second, _ := e.Execute(context.Background(), job)
	third, _ := e.Execute(context.Background(), job)

	assert.Equal(t, models.OutcomePaused, first.Kind)
	assert.Equal(t, models.OutcomeCompleted, second.Kind)
	assert.Equal(t, models.OutcomeCompleted, third.Kind)
	assert.Equal(t, 3, e.CallsFor(job.ID))
}

func TestNewFailing(t *testing.T) {
	e := mock.NewFailing("boom")
	out, err := e.Execute(context.Background(), sampleJob())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, out.Kind)
	assert.Equal(t, "boom", out.Reason)
}

func TestNewBlocking_ReturnsOnCancel(t *testing.T) {
	e := mock.NewBlocking()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, sampleJob())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecutor_Panic(t *testing.T) {
	e := mock.NewExecutor(mock.Step{Panic: "kaboom"})
	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = e.Execute(context.Background(), sampleJob())
	})
	assert.Equal(t, 1, e.Calls())
}

func TestExecutor_OrderAndLastJob(t *testing.T) {
	e := mock.NewCompleting()
	a, b := sampleJob(), sampleJob()
	_, _ = e.Execute(context.Background(), a)
	_, _ = e.Execute(context.Background(), b)

	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, e.Order())
	assert.Equal(t, b.ID, e.LastJob().ID)
}
