package ports

import (
	"context"
	"time"
)

type RateLimiterConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	KeyExpiry         time.Duration `json:"key_expiry" yaml:"key_expiry"`
}

type RateLimiterMetrics struct {
	AllowedRequests int64   `json:"allowed_requests"`
	DeniedRequests  int64   `json:"denied_requests"`
	TokensAvailable float64 `json:"tokens_available"`
}

// RateLimiter throttles outbound calls per key, typically one key per remote
// host.
type RateLimiter interface {
	Allow(key string) bool
	Wait(ctx context.Context, key string) error
	Metrics(key string) RateLimiterMetrics
	Stop()
}
