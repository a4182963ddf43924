package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		Engine:         DefaultEngineConfig(),
		Review:         DefaultReviewConfig(),
		Storage:        DefaultStorageConfig(),
		Metrics:        DefaultMetricsConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Server:         DefaultServerConfig(),
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentExecutions: 50,
		NodeTimeout:             5 * time.Minute,
		MaxSteps:                1000,
		MaxAgentIterations:      8,
		MaxExecutionRetries:     3,
		Retry:                   DefaultRetryPolicy(),
	}
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: time.Second,
		BackoffFactor:   2.0,
		MaxInterval:     30 * time.Second,
	}
}

func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		DefaultTimeout: 24 * time.Hour,
		SweepInterval:  time.Minute,
		PollInterval:   30 * time.Second,
		TaskSystem: TaskSystemConfig{
			RequestsPerSecond: 10,
			Burst:             10,
			Timeout:           30 * time.Second,
		},
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		DataDir: "./data",
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "flowgate",
	}
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		Interval:         30 * time.Second,
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:       false,
		Port:          9090,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableMetrics: true,
		WebhookPath:   "/reviews/events",
	}
}

// LoadConfig reads a YAML or JSON file on top of DefaultConfig, so a file
// only needs to name the settings it changes.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse YAML config %s: %v", ErrInvalidConfig, filename, err)
		}
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse JSON config %s: %v", ErrInvalidConfig, filename, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config file format %q (supported: json, yaml, yml)", ErrInvalidConfig, filepath.Ext(filename))
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) WithInMemoryStorage() *Config {
	c.Storage.InMemory = true
	return c
}

func (c *Config) WithDataDir(dataDir string) *Config {
	c.Storage.DataDir = dataDir
	c.Storage.InMemory = false
	return c
}

func (c *Config) WithEngineSettings(maxConcurrent int, nodeTimeout time.Duration, maxSteps int) *Config {
	if maxConcurrent > 0 {
		c.Engine.MaxConcurrentExecutions = maxConcurrent
	}
	if nodeTimeout > 0 {
		c.Engine.NodeTimeout = nodeTimeout
	}
	if maxSteps > 0 {
		c.Engine.MaxSteps = maxSteps
	}
	return c
}

func (c *Config) WithRetryPolicy(policy RetryPolicy) *Config {
	c.Engine.Retry = policy
	return c
}

func (c *Config) WithReviewTimeouts(defaultTimeout, sweepInterval time.Duration) *Config {
	if defaultTimeout > 0 {
		c.Review.DefaultTimeout = defaultTimeout
	}
	if sweepInterval > 0 {
		c.Review.SweepInterval = sweepInterval
	}
	return c
}

func (c *Config) WithTaskSystem(endpoint string, requestsPerSecond float64) *Config {
	c.Review.TaskSystem.Endpoint = endpoint
	if requestsPerSecond > 0 {
		c.Review.TaskSystem.RequestsPerSecond = requestsPerSecond
	}
	return c
}
