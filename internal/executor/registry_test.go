package executor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/config"
	"github.com/kiranshivaraju/agentgate/internal/executor"
	"github.com/kiranshivaraju/agentgate/internal/executor/mock"
	"github.com/kiranshivaraju/agentgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobOf(jobType, input string) *models.Job {
	return &models.Job{ID: uuid.New(), JobType: jobType, InputData: json.RawMessage(input)}
}

func TestRegistry_DispatchesByJobType(t *testing.T) {
	payouts := mock.NewCompleting()
	fallback := mock.NewFailing("fallback")
	reg := executor.NewRegistry(fallback)
	reg.Register("payout", payouts)

	out, err := reg.Execute(context.Background(), jobOf("payout", `{}`))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, payouts.Calls())

	out, err = reg.Execute(context.Background(), jobOf("report", `{}`))
	require.NoError(t, err)
	assert.Equal(t, "fallback", out.Reason)
	assert.Equal(t, []string{"payout"}, reg.JobTypes())
}

func TestRegistry_UnknownJobTypeWithoutFallback(t *testing.T) {
	reg := executor.NewRegistry(nil)

	out, err := reg.Execute(context.Background(), jobOf("mystery", `{}`))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, out.Kind)
	assert.Equal(t, "UNKNOWN_JOB_TYPE: mystery", out.Reason)
}

func TestEcho_Completes(t *testing.T) {
	out, err := executor.Echo{}.Execute(context.Background(),
		jobOf("echo", `{"instruction":"hello","context":{"a":1}}`))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeCompleted, out.Kind)

	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Result, &result))
	assert.Equal(t, "hello", result["echo"])
	assert.Equal(t, "echo", result["job_type"])
}

func TestEcho_RequiresApprovalUntilApproved(t *testing.T) {
	job := jobOf("echo", `{"instruction":"wire funds","context":{"require_approval":true}}`)

	out, err := executor.Echo{}.Execute(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.OutcomePaused, out.Kind)
	require.Len(t, out.Checkpoints, 1)

	job.Checkpoints = []*models.Checkpoint{{ID: uuid.New(), Status: models.CheckpointStatusApproved}}
	out, err = executor.Echo{}.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out.Kind)
}

func TestEcho_InvalidInput(t *testing.T) {
	out, err := executor.Echo{}.Execute(context.Background(), jobOf("echo", `[`))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, out.Kind)
}

func TestNew(t *testing.T) {
	reg, err := executor.New(config.ExecutorConfig{Provider: "echo"})
	require.NoError(t, err)
	assert.Equal(t, []string{executor.EchoJobType}, reg.JobTypes())

	out, err := reg.Execute(context.Background(), jobOf("anything", `{"instruction":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out.Kind)

	_, err = executor.New(config.ExecutorConfig{
		Provider: "webhook",
		Webhook:  config.WebhookConfig{URL: "http://localhost:9"},
	})
	require.NoError(t, err)

	_, err = executor.New(config.ExecutorConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}
