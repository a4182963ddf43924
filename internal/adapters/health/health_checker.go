package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check probes one component. A nil error means healthy.
type Check func(ctx context.Context) error

type Checker struct {
	mu       sync.RWMutex
	checks   map[string]Check
	draining atomic.Bool
	timeout  time.Duration
	logger   *slog.Logger
}

type Status struct {
	Healthy    bool              `json:"healthy"`
	Status     string            `json:"status"`
	IsDraining bool              `json:"is_draining"`
	Components map[string]string `json:"components,omitempty"`
}

func NewHealthChecker(timeout time.Duration, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Checker{
		checks:  make(map[string]Check),
		timeout: timeout,
		logger:  logger.With("component", "health-checker"),
	}
}

func (hc *Checker) Register(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// SetDraining marks the process as shutting down. A draining process is
// still healthy but no longer ready.
func (hc *Checker) SetDraining(draining bool) {
	hc.draining.Store(draining)
}

func (hc *Checker) GetHealth(ctx context.Context) *Status {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	status := &Status{
		Healthy:    true,
		Status:     "healthy",
		IsDraining: hc.draining.Load(),
		Components: make(map[string]string, len(names)),
	}

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		err := checks[name](checkCtx)
		cancel()

		if err != nil {
			hc.logger.Warn("health check failed", "check", name, "error", err)
			status.Components[name] = err.Error()
			status.Healthy = false
			status.Status = "unhealthy"
			continue
		}
		status.Components[name] = "ok"
	}

	if status.Healthy && status.IsDraining {
		status.Status = "draining"
	}
	return status
}

func (hc *Checker) IsReady(ctx context.Context) bool {
	if hc.draining.Load() {
		return false
	}
	return hc.GetHealth(ctx).Healthy
}
