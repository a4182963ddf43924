package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// scheduler bounds how many executions walk at once. Suspended executions
// hold no slot.
type scheduler struct {
	slots *semaphore.Weighted
}

func newScheduler(limit int) *scheduler {
	if limit <= 0 {
		limit = 1
	}
	return &scheduler{slots: semaphore.NewWeighted(int64(limit))}
}

func (s *scheduler) acquire(ctx context.Context) error {
	return s.slots.Acquire(ctx, 1)
}

func (s *scheduler) release() {
	s.slots.Release(1)
}
