package domain

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger `json:"-" yaml:"-"`

	Engine         EngineConfig         `json:"engine" yaml:"engine"`
	Review         ReviewConfig         `json:"review" yaml:"review"`
	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	Metrics        MetricsConfig        `json:"metrics" yaml:"metrics"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Server         ServerConfig         `json:"server" yaml:"server"`
}

type EngineConfig struct {
	MaxConcurrentExecutions int           `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`
	NodeTimeout             time.Duration `json:"node_timeout" yaml:"node_timeout"`
	MaxSteps                int           `json:"max_steps" yaml:"max_steps"`
	MaxAgentIterations      int           `json:"max_agent_iterations" yaml:"max_agent_iterations"`
	MaxExecutionRetries     int           `json:"max_execution_retries" yaml:"max_execution_retries"`
	Retry                   RetryPolicy   `json:"retry" yaml:"retry"`
}

// RetryPolicy bounds how often a failing node is attempted again and how long
// to wait between attempts.
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	BackoffFactor   float64       `json:"backoff_factor" yaml:"backoff_factor"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.InitialInterval <= 0 {
		return 0
	}

	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if p.MaxInterval > 0 && time.Duration(delay) >= p.MaxInterval {
			return p.MaxInterval
		}
	}

	if p.MaxInterval > 0 && time.Duration(delay) > p.MaxInterval {
		return p.MaxInterval
	}
	return time.Duration(delay)
}

type ReviewConfig struct {
	DefaultTimeout time.Duration    `json:"default_timeout" yaml:"default_timeout"`
	SweepInterval  time.Duration    `json:"sweep_interval" yaml:"sweep_interval"`
	PollInterval   time.Duration    `json:"poll_interval" yaml:"poll_interval"`
	TaskSystem     TaskSystemConfig `json:"task_system" yaml:"task_system"`
}

type TaskSystemConfig struct {
	Endpoint          string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RequestsPerSecond float64           `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int               `json:"burst" yaml:"burst"`
	Timeout           time.Duration     `json:"timeout" yaml:"timeout"`
}

type StorageConfig struct {
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	InMemory bool   `json:"in_memory" yaml:"in_memory"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
}

// ServerConfig controls the HTTP server exposing health probes, Prometheus
// metrics and the review webhook.
type ServerConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Port          int           `json:"port" yaml:"port"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout   time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	EnableMetrics bool          `json:"enable_metrics" yaml:"enable_metrics"`
	WebhookPath   string        `json:"webhook_path" yaml:"webhook_path"`
}

func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("%w: engine.max_concurrent_executions must be positive", ErrInvalidConfig)
	}
	if c.Engine.NodeTimeout <= 0 {
		return fmt.Errorf("%w: engine.node_timeout must be positive", ErrInvalidConfig)
	}
	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("%w: engine.max_steps must be positive", ErrInvalidConfig)
	}
	if c.Engine.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: engine.retry.max_retries cannot be negative", ErrInvalidConfig)
	}
	if c.Review.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: review.default_timeout must be positive", ErrInvalidConfig)
	}
	if c.Review.SweepInterval <= 0 {
		return fmt.Errorf("%w: review.sweep_interval must be positive", ErrInvalidConfig)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("%w: storage.data_dir is required unless storage.in_memory is set", ErrInvalidConfig)
	}
	if c.Server.Enabled && (c.Server.Port < 0 || c.Server.Port > 65535) {
		return fmt.Errorf("%w: server.port %d is out of range", ErrInvalidConfig, c.Server.Port)
	}
	return nil
}
