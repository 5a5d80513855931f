package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// Echo completes every job with its own input. When the task context contains
// "require_approval": true it first pauses for a checkpoint and completes once that
// checkpoint has been approved. Used for local development and smoke tests.
type Echo struct{}

type echoContext struct {
	RequireApproval bool `json:"require_approval"`
}

func (Echo) Execute(ctx context.Context, job *models.Job) (models.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return models.Outcome{}, err
	}

	var input models.TaskInput
	if err := json.Unmarshal(job.InputData, &input); err != nil {
		return models.Failed(fmt.Sprintf("invalid input data: %v", err)), nil
	}

	var opts echoContext
	if len(input.Context) > 0 {
		// Non-object contexts simply carry no options.
		_ = json.Unmarshal(input.Context, &opts)
	}

	if opts.RequireApproval && !approved(job) {
		payload, _ := json.Marshal(map[string]string{"instruction": input.Instruction})
		return models.Paused(models.CheckpointRequest{
			Title:       "Approve task",
			Description: job.TaskDescription,
			Payload:     payload,
		}), nil
	}

	result, err := json.Marshal(map[string]any{
		"echo":     input.Instruction,
		"job_type": job.JobType,
		"context":  input.Context,
	})
	if err != nil {
		return models.Outcome{}, err
	}
	return models.Completed(result), nil
}

func approved(job *models.Job) bool {
	for _, cp := range job.Checkpoints {
		if cp.Status == models.CheckpointStatusApproved {
			return true
		}
	}
	return false
}

var _ models.TaskExecutor = Echo{}
