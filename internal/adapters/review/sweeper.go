package review

import (
	"context"

	"github.com/eleven-am/flowgate/internal/domain"
)

// Sweep fails every waiting execution whose review deadline has passed and
// returns how many it failed. A decision that lands first wins; the sweep
// then skips the record.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	records, err := c.store.ListByStatus(ctx, domain.ExecutionWaitingHumanReview)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, record := range records {
		if !record.WaitingInfo.Expired(c.now()) {
			continue
		}
		expired := *record.WaitingInfo

		updated, err := c.store.Update(ctx, record.ExecutionID, func(r *domain.ExecutionRecord) error {
			now := c.now()
			if r.Status != domain.ExecutionWaitingHumanReview || r.WaitingInfo == nil ||
				r.WaitingInfo.TaskID != expired.TaskID || !r.WaitingInfo.Expired(now) {
				return domain.ErrStatusMismatch
			}

			failure := domain.NewHumanReviewTimeoutError(expired.NodeID, expired.TaskID).Record()
			if step := r.WaitingStep(expired.NodeID); step != nil {
				step.Status = domain.StepFailed
				step.Error = failure
				step.CompletedAt = &now
				step.DurationMs = now.Sub(step.StartedAt).Milliseconds()
			}
			r.Fail(failure, now)
			return nil
		})
		if err != nil {
			if domain.IsStatusMismatch(err) || domain.IsNotFound(err) {
				continue
			}
			if ctx.Err() != nil {
				return swept, ctx.Err()
			}
			c.logger.Error("failed to expire review", "execution_id", record.ExecutionID, "error", err)
			continue
		}

		swept++
		c.metrics.ReviewClosed("timeout", c.now().Sub(expired.CreatedAt))
		c.metrics.ExecutionFinished(updated.WorkflowID, updated.Status)
		c.logger.Warn("review timed out",
			"execution_id", record.ExecutionID,
			"node_id", expired.NodeID,
			"task_id", expired.TaskID,
			"expired_at", expired.ExpiresAt)
	}

	return swept, nil
}
