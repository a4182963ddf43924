package flowgate

import (
	"log/slog"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
)

type Config = domain.Config

type EngineConfig = domain.EngineConfig

type RetryPolicy = domain.RetryPolicy

type ReviewConfig = domain.ReviewConfig

type TaskSystemConfig = domain.TaskSystemConfig

type StorageConfig = domain.StorageConfig

type MetricsConfig = domain.MetricsConfig

type CircuitBreakerConfig = domain.CircuitBreakerConfig

type ServerConfig = domain.ServerConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

func DefaultEngineConfig() EngineConfig {
	return domain.DefaultEngineConfig()
}

func DefaultRetryPolicy() RetryPolicy {
	return domain.DefaultRetryPolicy()
}

func DefaultReviewConfig() ReviewConfig {
	return domain.DefaultReviewConfig()
}

func DefaultServerConfig() ServerConfig {
	return domain.DefaultServerConfig()
}

// LoadConfig reads a YAML or JSON config file over the defaults.
func LoadConfig(filename string) (*Config, error) {
	return domain.LoadConfig(filename)
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(dataDir string) *ConfigBuilder {
	config := DefaultConfig()
	if dataDir == "" {
		config.WithInMemoryStorage()
	} else {
		config.WithDataDir(dataDir)
	}
	return &ConfigBuilder{config: config}
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.Logger = logger
	return cb
}

func (cb *ConfigBuilder) WithInMemoryStorage() *ConfigBuilder {
	cb.config.WithInMemoryStorage()
	return cb
}

func (cb *ConfigBuilder) WithEngineSettings(maxConcurrent int, nodeTimeout time.Duration, maxSteps int) *ConfigBuilder {
	cb.config.WithEngineSettings(maxConcurrent, nodeTimeout, maxSteps)
	return cb
}

func (cb *ConfigBuilder) WithRetryPolicy(policy RetryPolicy) *ConfigBuilder {
	cb.config.WithRetryPolicy(policy)
	return cb
}

func (cb *ConfigBuilder) WithReviewTimeouts(defaultTimeout, sweepInterval time.Duration) *ConfigBuilder {
	cb.config.WithReviewTimeouts(defaultTimeout, sweepInterval)
	return cb
}

func (cb *ConfigBuilder) WithTaskSystem(endpoint string, requestsPerSecond float64) *ConfigBuilder {
	cb.config.WithTaskSystem(endpoint, requestsPerSecond)
	return cb
}

func (cb *ConfigBuilder) WithMetrics(namespace string) *ConfigBuilder {
	cb.config.Metrics.Enabled = true
	if namespace != "" {
		cb.config.Metrics.Namespace = namespace
	}
	return cb
}

// WithServer enables the HTTP server for health probes, /metrics and the
// review webhook.
func (cb *ConfigBuilder) WithServer(port int) *ConfigBuilder {
	cb.config.Server.Enabled = true
	cb.config.Server.Port = port
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
