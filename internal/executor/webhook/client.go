// Package webhook runs jobs on a remote agent service over HTTP.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// Sentinel errors for agent service failures.
var (
	ErrExecutorUnreachable = errors.New("executor unreachable")
	ErrExecutorTimeout     = errors.New("executor timeout")
	ErrInvalidResponse     = errors.New("executor returned invalid response")
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client implements models.TaskExecutor against the agent service API:
//
//	POST {baseURL}/execute  -> {"status": "completed|failed|paused", ...}
//	GET  {baseURL}/healthz  -> 200 when ready
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a new agent service client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	JobID       uuid.UUID           `json:"job_id"`
	JobType     string              `json:"job_type"`
	Attempt     int                 `json:"attempt"`
	MaxAttempts int                 `json:"max_attempts"`
	Input       json.RawMessage     `json:"input"`
	Checkpoints []checkpointSummary `json:"checkpoints"`
}

type checkpointSummary struct {
	ID              uuid.UUID               `json:"id"`
	Title           string                  `json:"title"`
	Status          models.CheckpointStatus `json:"status"`
	RejectionReason *string                 `json:"rejection_reason,omitempty"`
}

// Execute runs one step of job on the agent service. Errors are *models.ExecutorError
// carrying a short reason; the wrapped error keeps the transport detail.
func (c *Client) Execute(ctx context.Context, job *models.Job) (models.Outcome, error) {
	out, err := c.execute(ctx, job)
	if err != nil {
		return models.Outcome{}, &models.ExecutorError{Reason: publicReason(err), Err: err}
	}
	return out, nil
}

func (c *Client) execute(ctx context.Context, job *models.Job) (models.Outcome, error) {
	body := executeRequest{
		JobID:       job.ID,
		JobType:     job.JobType,
		Attempt:     job.Attempts + 1,
		MaxAttempts: job.MaxAttempts,
		Input:       job.InputData,
		Checkpoints: []checkpointSummary{},
	}
	for _, cp := range job.Checkpoints {
		body.Checkpoints = append(body.Checkpoints, checkpointSummary{
			ID:              cp.ID,
			Title:           cp.Title,
			Status:          cp.Status,
			RejectionReason: cp.RejectionReason,
		})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(raw))
	if err != nil {
		return models.Outcome{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.Outcome{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Outcome{}, fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out models.Outcome
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return models.Outcome{}, fmt.Errorf("%w: decoding: %v", ErrInvalidResponse, err)
	}

	switch out.Kind {
	case models.OutcomeCompleted, models.OutcomeFailed, models.OutcomePaused:
	default:
		return models.Outcome{}, fmt.Errorf("%w: unknown status %q", ErrInvalidResponse, out.Kind)
	}
	if out.Kind == models.OutcomeFailed && out.Reason == "" {
		out.Reason = "agent service reported failure without a reason"
	}
	return out, nil
}

// Ready checks that the agent service answers its health endpoint.
func (c *Client) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExecutorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: agent service not ready (status %d)", ErrExecutorUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

// publicReason names the failure class without transport or response detail.
func publicReason(err error) string {
	switch {
	case errors.Is(err, ErrExecutorTimeout):
		return "executor timed out"
	case errors.Is(err, ErrExecutorUnreachable):
		return "executor unreachable"
	case errors.Is(err, ErrInvalidResponse):
		return "executor returned an invalid response"
	}
	return "executor request failed"
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrExecutorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrExecutorTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrExecutorUnreachable, err)
}

var _ models.TaskExecutor = (*Client)(nil)
