package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Drainer is told the process is going away before any step runs, so it can
// stop advertising readiness.
type Drainer interface {
	SetDraining(draining bool)
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// GracefulShutdownManager stops registered components in registration order.
// All steps share one drain window; a step still running when it closes is
// abandoned and reported.
type GracefulShutdownManager struct {
	mu           sync.Mutex
	steps        []step
	drainer      Drainer
	logger       *slog.Logger
	drainTimeout time.Duration
}

func NewGracefulShutdownManager(drainer Drainer, logger *slog.Logger) *GracefulShutdownManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &GracefulShutdownManager{
		drainer:      drainer,
		logger:       logger.With("component", "graceful-shutdown"),
		drainTimeout: 30 * time.Second,
	}
}

func (gsm *GracefulShutdownManager) Register(name string, fn func(ctx context.Context) error) {
	gsm.mu.Lock()
	defer gsm.mu.Unlock()
	gsm.steps = append(gsm.steps, step{name: name, fn: fn})
}

func (gsm *GracefulShutdownManager) SetDrainTimeout(timeout time.Duration) {
	gsm.mu.Lock()
	defer gsm.mu.Unlock()
	gsm.drainTimeout = timeout
}

func (gsm *GracefulShutdownManager) InitiateGracefulShutdown(ctx context.Context) error {
	gsm.mu.Lock()
	steps := append([]step(nil), gsm.steps...)
	timeout := gsm.drainTimeout
	gsm.mu.Unlock()

	gsm.logger.Info("initiating graceful shutdown", "steps", len(steps), "timeout", timeout)
	if gsm.drainer != nil {
		gsm.drainer.SetDraining(true)
	}

	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	for _, s := range steps {
		if err := gsm.run(drainCtx, s); err != nil {
			gsm.logger.Error("shutdown step failed", "step", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		gsm.logger.Debug("shutdown step complete", "step", s.name)
	}

	gsm.logger.Info("graceful shutdown complete", "failed_steps", len(errs))
	return errors.Join(errs...)
}

func (gsm *GracefulShutdownManager) run(ctx context.Context, s step) error {
	done := make(chan error, 1)
	go func() {
		done <- s.fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("abandoned after drain timeout: %w", ctx.Err())
	}
}
