package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxAttemptsLimit is the highest max_attempts a job or policy may ask for.
const MaxAttemptsLimit = 20

// JobTypePolicy overrides worker defaults for one job type. Zero fields inherit the default.
type JobTypePolicy struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

type policyFile struct {
	JobTypes map[string]JobTypePolicy `yaml:"job_types"`
}

// LoadPolicies reads the per-job-type policy file:
//
//	job_types:
//	  payout:
//	    timeout: 2m
//	    max_attempts: 5
//	    backoff_base: 5s
//	    backoff_max: 10m
func LoadPolicies(path string) (map[string]JobTypePolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading WORKER_POLICY_FILE: %w", err)
	}
	return ParsePolicies(raw)
}

// ParsePolicies decodes and validates policy YAML.
func ParsePolicies(raw []byte) (map[string]JobTypePolicy, error) {
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}

	for jobType, p := range f.JobTypes {
		if p.Timeout < 0 || p.BackoffBase < 0 || p.BackoffMax < 0 {
			return nil, fmt.Errorf("policy %q: durations must not be negative", jobType)
		}
		if p.MaxAttempts < 0 || p.MaxAttempts > MaxAttemptsLimit {
			return nil, fmt.Errorf("policy %q: max_attempts must be between 0 and %d, got %d", jobType, MaxAttemptsLimit, p.MaxAttempts)
		}
		if p.BackoffBase > 0 && p.BackoffMax > 0 && p.BackoffMax < p.BackoffBase {
			return nil, fmt.Errorf("policy %q: backoff_max must not be below backoff_base", jobType)
		}
	}

	if f.JobTypes == nil {
		f.JobTypes = map[string]JobTypePolicy{}
	}
	return f.JobTypes, nil
}
