package review

import (
	"context"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
)

// Poll asks the task system about every execution waiting in polling mode and
// applies decisions that have been made. It returns how many executions
// resumed.
func (c *Coordinator) Poll(ctx context.Context) (int, error) {
	if c.tasks == nil {
		return 0, nil
	}

	records, err := c.store.ListByStatus(ctx, domain.ExecutionWaitingHumanReview)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, record := range records {
		waiting := record.WaitingInfo
		if waiting == nil || waiting.Mode != domain.ReviewModePolling {
			continue
		}

		status, err := c.tasks.GetTask(ctx, waiting.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return resumed, ctx.Err()
			}
			c.logger.Warn("failed to poll review task", "execution_id", record.ExecutionID, "task_id", waiting.TaskID, "error", err)
			continue
		}
		if status == nil || !status.State.Terminal() {
			continue
		}

		action := domain.ReviewReject
		if status.State == ports.TaskApproved {
			action = domain.ReviewApprove
		}

		applied, err := c.HandleEvent(ctx, domain.ReviewEvent{
			ExecutionID: record.ExecutionID,
			NodeID:      waiting.NodeID,
			TaskID:      waiting.TaskID,
			Action:      action,
			ReviewedBy:  status.ReviewedBy,
			Comments:    status.Comments,
		})
		if err != nil {
			c.logger.Error("failed to apply polled decision", "execution_id", record.ExecutionID, "error", err)
			continue
		}
		if applied {
			resumed++
		}
	}

	return resumed, nil
}
