package ports

import (
	"context"
	"time"
)

type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type CircuitBreakerMetrics struct {
	State              CircuitBreakerState `json:"state"`
	FailureCount       int64               `json:"failure_count"`
	SuccessCount       int64               `json:"success_count"`
	ConsecutiveFailure int64               `json:"consecutive_failure"`
	LastStateChange    time.Time           `json:"last_state_change"`
	RequestsRejected   int64               `json:"requests_rejected"`
}

// CircuitBreaker guards calls to one tool. Call runs fn with a context bounded
// by the breaker's timeout and fails fast while the breaker is open.
type CircuitBreaker interface {
	Call(ctx context.Context, fn func(context.Context) error) error
	State() CircuitBreakerState
	Metrics() CircuitBreakerMetrics
	Reset()
}

type CircuitBreakerProvider interface {
	GetCircuitBreaker(name string) CircuitBreaker
	GetAllMetrics() map[string]CircuitBreakerMetrics
}
