package circuit_breaker

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
)

// Provider hands out one breaker per tool name, created on first use with a
// shared configuration.
type Provider struct {
	mu       sync.RWMutex
	breakers map[string]ports.CircuitBreaker
	config   domain.CircuitBreakerConfig
	metrics  ports.MetricsRecorder
	logger   *slog.Logger
}

func NewProvider(config domain.CircuitBreakerConfig, metrics ports.MetricsRecorder, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	return &Provider{
		breakers: make(map[string]ports.CircuitBreaker),
		config:   config,
		metrics:  metrics,
		logger:   logger.With("component", "circuit-breaker-provider"),
	}
}

func (p *Provider) GetCircuitBreaker(name string) ports.CircuitBreaker {
	p.mu.RLock()
	breaker, exists := p.breakers[name]
	p.mu.RUnlock()
	if exists {
		return breaker
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, exists := p.breakers[name]; exists {
		return existing
	}

	breaker = NewCircuitBreaker(name, p.config, p.logger, p.stateChanged)
	p.breakers[name] = breaker

	p.logger.Debug("created circuit breaker",
		"name", name,
		"failure_threshold", p.config.FailureThreshold,
		"timeout", p.config.Timeout)

	return breaker
}

func (p *Provider) GetAllMetrics() map[string]ports.CircuitBreakerMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	metrics := make(map[string]ports.CircuitBreakerMetrics, len(p.breakers))
	for name, breaker := range p.breakers {
		metrics[name] = breaker.Metrics()
	}
	return metrics
}

func (p *Provider) stateChanged(name string, _, to ports.CircuitBreakerState) {
	p.metrics.BreakerStateChanged(name, to.String())
}
