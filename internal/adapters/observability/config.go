package observability

import (
	"fmt"

	"github.com/eleven-am/flowgate/internal/domain"
)

// withDefaults fills zero fields from domain.DefaultServerConfig.
func withDefaults(config domain.ServerConfig) domain.ServerConfig {
	defaults := domain.DefaultServerConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.WebhookPath == "" {
		config.WebhookPath = defaults.WebhookPath
	}
	return config
}

func listenAddress(config domain.ServerConfig) string {
	return fmt.Sprintf(":%d", config.Port)
}
