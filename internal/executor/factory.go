package executor

import (
	"fmt"

	"github.com/kiranshivaraju/agentgate/internal/config"
	"github.com/kiranshivaraju/agentgate/internal/executor/webhook"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// EchoJobType always runs on the Echo executor, whatever the configured provider.
const EchoJobType = "echo"

// New constructs the executor registry from config. Called once at server startup.
func New(cfg config.ExecutorConfig) (*Registry, error) {
	var fallback models.TaskExecutor
	switch cfg.Provider {
	case "echo":
		fallback = Echo{}
	case "webhook":
		fallback = webhook.NewClient(cfg.Webhook.URL, cfg.Webhook.Token, cfg.Webhook.Timeout)
	default:
		return nil, fmt.Errorf("unknown executor provider %q: must be one of echo, webhook", cfg.Provider)
	}

	reg := NewRegistry(fallback)
	reg.Register(EchoJobType, Echo{})
	return reg, nil
}
