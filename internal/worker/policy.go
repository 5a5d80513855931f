package worker

import (
	"math"
	"time"

	"github.com/kiranshivaraju/agentgate/internal/config"
)

// Policy is the execution policy applied to one job type.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Backoff returns the delay before the retry that follows the given number of
// failed attempts: BackoffBase * 2^attempts, capped at BackoffMax.
func (p Policy) Backoff(attempts int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 0; i < attempts; i++ {
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Policies resolves the policy for a job type, falling back to defaults field by field.
type Policies struct {
	defaults Policy
	byType   map[string]Policy
}

func NewPolicies(defaults Policy, overrides map[string]config.JobTypePolicy) *Policies {
	p := &Policies{defaults: defaults, byType: make(map[string]Policy, len(overrides))}
	for jobType, o := range overrides {
		merged := defaults
		if o.Timeout > 0 {
			merged.Timeout = o.Timeout
		}
		if o.MaxAttempts > 0 {
			merged.MaxAttempts = o.MaxAttempts
		}
		if o.BackoffBase > 0 {
			merged.BackoffBase = o.BackoffBase
		}
		if o.BackoffMax > 0 {
			merged.BackoffMax = o.BackoffMax
		}
		p.byType[jobType] = merged
	}
	return p
}

// PoliciesFromConfig builds Policies from the worker configuration.
func PoliciesFromConfig(cfg config.WorkerConfig) *Policies {
	return NewPolicies(Policy{
		Timeout:     cfg.JobTimeout,
		MaxAttempts: cfg.DefaultMaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}, cfg.Policies)
}

func (p *Policies) For(jobType string) Policy {
	if policy, ok := p.byType[jobType]; ok {
		return policy
	}
	return p.defaults
}

// MaxAttempts is the default max_attempts for new jobs of jobType.
func (p *Policies) MaxAttempts(jobType string) int {
	return p.For(jobType).MaxAttempts
}
