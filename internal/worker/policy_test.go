package worker_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/agentgate/internal/config"
	"github.com/kiranshivaraju/agentgate/internal/worker"
	"github.com/stretchr/testify/assert"
)

func TestPolicy_Backoff(t *testing.T) {
	p := worker.Policy{BackoffBase: time.Second, BackoffMax: 5 * time.Minute}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{60, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestPolicy_BackoffUncapped(t *testing.T) {
	p := worker.Policy{BackoffBase: time.Millisecond}
	assert.Equal(t, 1024*time.Millisecond, p.Backoff(10))
	assert.Greater(t, p.Backoff(200), time.Duration(0), "must not overflow")
}

func TestPolicy_BackoffZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), worker.Policy{BackoffMax: time.Minute}.Backoff(3))
}

func TestPolicies_OverridesMergeFieldByField(t *testing.T) {
	defaults := worker.Policy{
		Timeout:     time.Minute,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}
	p := worker.NewPolicies(defaults, map[string]config.JobTypePolicy{
		"research": {Timeout: 10 * time.Minute, MaxAttempts: 5},
		"payout":   {MaxAttempts: 1},
	})

	assert.Equal(t, worker.Policy{
		Timeout:     10 * time.Minute,
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}, p.For("research"))
	assert.Equal(t, 1, p.MaxAttempts("payout"))
	assert.Equal(t, time.Minute, p.For("payout").Timeout)
	assert.Equal(t, defaults, p.For("agent_task"))
	assert.Equal(t, 3, p.MaxAttempts("unknown"))
}

func TestPoliciesFromConfig(t *testing.T) {
	p := worker.PoliciesFromConfig(config.WorkerConfig{
		JobTimeout:         30 * time.Second,
		DefaultMaxAttempts: 4,
		BackoffBase:        2 * time.Second,
		BackoffMax:         time.Minute,
		Policies: map[string]config.JobTypePolicy{
			"echo": {Timeout: time.Second},
		},
	})

	assert.Equal(t, worker.Policy{
		Timeout:     30 * time.Second,
		MaxAttempts: 4,
		BackoffBase: 2 * time.Second,
		BackoffMax:  time.Minute,
	}, p.For("agent_task"))
	assert.Equal(t, time.Second, p.For("echo").Timeout)
	assert.Equal(t, 4, p.For("echo").MaxAttempts)
}
