package circuit_breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
)

var (
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
	ErrCircuitBreakerTimeout = errors.New("circuit breaker request timeout")
)

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to ports.CircuitBreakerState)

type circuitBreaker struct {
	name     string
	config   domain.CircuitBreakerConfig
	logger   *slog.Logger
	onChange StateChangeFunc

	mu                 sync.Mutex
	state              ports.CircuitBreakerState
	failureCount       int64
	successCount       int64
	consecutiveSuccess int64
	consecutiveFailure int64
	requestsRejected   int64
	lastStateChange    time.Time
	nextRetry          time.Time
	halfOpenInFlight   bool
}

func NewCircuitBreaker(name string, config domain.CircuitBreakerConfig, logger *slog.Logger, onChange StateChangeFunc) ports.CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := domain.DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}

	return &circuitBreaker{
		name:            name,
		config:          config,
		logger:          logger.With("component", "circuit-breaker", "name", name),
		onChange:        onChange,
		state:           ports.StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call runs fn synchronously. fn must honour the context it is given; the
// breaker records a timeout when that context expires before fn returns.
func (cb *circuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allowRequest() {
		cb.logger.Debug("request rejected", "state", cb.State().String())
		return ErrCircuitBreakerOpen
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, cb.config.Timeout)
	defer cancel()

	err := fn(timeoutCtx)
	if err == nil {
		cb.onSuccess()
		return nil
	}

	if ctx.Err() != nil {
		cb.release()
		return err
	}

	cb.onFailure()
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrCircuitBreakerTimeout, err)
	}
	return err
}

func (cb *circuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == ports.StateOpen && time.Now().After(cb.nextRetry) {
		cb.setState(ports.StateHalfOpen)
	}

	switch cb.state {
	case ports.StateClosed:
		return true
	case ports.StateHalfOpen:
		if cb.halfOpenInFlight {
			cb.requestsRejected++
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		cb.requestsRejected++
		return false
	}
}

// release frees the half-open probe slot without counting the call, for
// callers that gave up before the tool answered.
func (cb *circuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halfOpenInFlight = false
}

func (cb *circuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.consecutiveSuccess++
	cb.consecutiveFailure = 0
	cb.halfOpenInFlight = false

	if cb.state == ports.StateHalfOpen && cb.consecutiveSuccess >= int64(cb.config.SuccessThreshold) {
		cb.setState(ports.StateClosed)
	}
}

func (cb *circuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.consecutiveFailure++
	cb.consecutiveSuccess = 0
	cb.halfOpenInFlight = false

	switch cb.state {
	case ports.StateClosed:
		if cb.consecutiveFailure >= int64(cb.config.FailureThreshold) {
			cb.setState(ports.StateOpen)
		}
	case ports.StateHalfOpen:
		cb.setState(ports.StateOpen)
	}
}

func (cb *circuitBreaker) setState(newState ports.CircuitBreakerState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.logger.Info("circuit breaker state change",
		"from", oldState.String(),
		"to", newState.String(),
		"consecutive_failures", cb.consecutiveFailure)

	cb.state = newState
	cb.lastStateChange = time.Now()

	switch newState {
	case ports.StateOpen:
		cb.nextRetry = time.Now().Add(cb.config.Interval)
		cb.consecutiveSuccess = 0
	case ports.StateHalfOpen:
		cb.halfOpenInFlight = false
		cb.consecutiveFailure = 0
	case ports.StateClosed:
		cb.nextRetry = time.Time{}
		cb.consecutiveFailure = 0
	}

	if cb.onChange != nil {
		go cb.onChange(cb.name, oldState, newState)
	}
}

func (cb *circuitBreaker) State() ports.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *circuitBreaker) Metrics() ports.CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return ports.CircuitBreakerMetrics{
		State:              cb.state,
		FailureCount:       cb.failureCount,
		SuccessCount:       cb.successCount,
		ConsecutiveFailure: cb.consecutiveFailure,
		LastStateChange:    cb.lastStateChange,
		RequestsRejected:   cb.requestsRejected,
	}
}

func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("circuit breaker reset")

	cb.failureCount = 0
	cb.successCount = 0
	cb.consecutiveSuccess = 0
	cb.consecutiveFailure = 0
	cb.requestsRejected = 0
	cb.halfOpenInFlight = false
	cb.setState(ports.StateClosed)
}
