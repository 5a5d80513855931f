package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the AgentGate server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Worker     WorkerConfig
	Checkpoint CheckpointConfig
	Executor   ExecutorConfig
	Bootstrap  BootstrapConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
	CORSAllowedOrigins []string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type WorkerConfig struct {
	PollInterval       time.Duration
	MaxConcurrentJobs  int
	Autostart          bool
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	JobTimeout         time.Duration
	CancelPollInterval time.Duration
	DefaultMaxAttempts int
	PolicyFile         string
	// Policies holds per-job-type overrides read from PolicyFile.
	Policies map[string]JobTypePolicy
}

// CheckpointConfig controls expiry of checkpoints nobody decides on. A zero TTL disables it.
type CheckpointConfig struct {
	TTL          time.Duration
	ExpiryAction string
}

const (
	ExpiryActionReject   = "reject"
	ExpiryActionEscalate = "escalate"
)

type ExecutorConfig struct {
	Provider string
	Webhook  WebhookConfig
}

type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// BootstrapConfig seeds an admin API key at startup so a fresh deployment can be administered.
type BootstrapConfig struct {
	AdminKey  string
	AdminUser string
}

var validExecutors = map[string]bool{
	"echo":    true,
	"webhook": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("AGENTGATE_PORT", 8080),
			Env:                envString("AGENTGATE_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			PollInterval:       envDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			MaxConcurrentJobs:  envInt("WORKER_MAX_CONCURRENT_JOBS", 4),
			Autostart:          envBool("WORKER_AUTOSTART", true),
			BackoffBase:        envDuration("WORKER_BACKOFF_BASE", time.Second),
			BackoffMax:         envDuration("WORKER_BACKOFF_MAX", 5*time.Minute),
			JobTimeout:         envDuration("WORKER_JOB_TIMEOUT", 10*time.Minute),
			CancelPollInterval: envDuration("WORKER_CANCEL_POLL_INTERVAL", time.Second),
			DefaultMaxAttempts: envInt("JOB_DEFAULT_MAX_ATTEMPTS", 3),
			PolicyFile:         os.Getenv("WORKER_POLICY_FILE"),
		},
		Checkpoint: CheckpointConfig{
			TTL:          envDuration("CHECKPOINT_TTL", 0),
			ExpiryAction: envString("CHECKPOINT_EXPIRY_ACTION", ExpiryActionReject),
		},
		Executor: ExecutorConfig{
			Provider: envString("EXECUTOR_PROVIDER", "echo"),
			Webhook: WebhookConfig{
				URL:     os.Getenv("EXECUTOR_WEBHOOK_URL"),
				Token:   os.Getenv("EXECUTOR_WEBHOOK_TOKEN"),
				Timeout: envDuration("EXECUTOR_WEBHOOK_TIMEOUT", 2*time.Minute),
			},
		},
		Bootstrap: BootstrapConfig{
			AdminKey:  os.Getenv("ADMIN_BOOTSTRAP_KEY"),
			AdminUser: envString("ADMIN_BOOTSTRAP_USER", "admin"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Worker.PolicyFile != "" {
		policies, err := LoadPolicies(cfg.Worker.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Worker.Policies = policies
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.Worker.PollInterval)
	}
	if c.Worker.MaxConcurrentJobs < 1 {
		return fmt.Errorf("WORKER_MAX_CONCURRENT_JOBS must be at least 1, got %d", c.Worker.MaxConcurrentJobs)
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffMax < c.Worker.BackoffBase {
		return fmt.Errorf("WORKER_BACKOFF_BASE must be positive and not exceed WORKER_BACKOFF_MAX")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("WORKER_JOB_TIMEOUT must be positive, got %s", c.Worker.JobTimeout)
	}
	if c.Worker.CancelPollInterval <= 0 {
		return fmt.Errorf("WORKER_CANCEL_POLL_INTERVAL must be positive, got %s", c.Worker.CancelPollInterval)
	}
	if c.Worker.DefaultMaxAttempts < 1 || c.Worker.DefaultMaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("JOB_DEFAULT_MAX_ATTEMPTS must be between 1 and %d, got %d", MaxAttemptsLimit, c.Worker.DefaultMaxAttempts)
	}

	if c.Checkpoint.TTL < 0 {
		return fmt.Errorf("CHECKPOINT_TTL must not be negative, got %s", c.Checkpoint.TTL)
	}
	if c.Checkpoint.ExpiryAction != ExpiryActionReject && c.Checkpoint.ExpiryAction != ExpiryActionEscalate {
		return fmt.Errorf("CHECKPOINT_EXPIRY_ACTION must be one of reject, escalate; got %q", c.Checkpoint.ExpiryAction)
	}

	if !validExecutors[c.Executor.Provider] {
		return fmt.Errorf("EXECUTOR_PROVIDER must be one of echo, webhook; got %q", c.Executor.Provider)
	}
	if c.Executor.Provider == "webhook" {
		if c.Executor.Webhook.URL == "" {
			return fmt.Errorf("EXECUTOR_WEBHOOK_URL is required when EXECUTOR_PROVIDER is webhook")
		}
		if !strings.HasPrefix(c.Executor.Webhook.URL, "http://") && !strings.HasPrefix(c.Executor.Webhook.URL, "https://") {
			return fmt.Errorf("EXECUTOR_WEBHOOK_URL must start with http:// or https://, got %q", c.Executor.Webhook.URL)
		}
	}

	if c.Server.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1, got %d", c.Server.RateLimitPerMinute)
	}

	if c.Bootstrap.AdminKey != "" && len(c.Bootstrap.AdminKey) < 16 {
		return fmt.Errorf("ADMIN_BOOTSTRAP_KEY must be at least 16 characters")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
