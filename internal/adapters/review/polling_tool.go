package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	json "github.com/goccy/go-json"
)

const PollingToolName = "human_review_poll"

const pollTimeout = "timeout"

type pollInput struct {
	TaskID          string  `json:"taskId"`
	IntervalSeconds float64 `json:"intervalSeconds,omitempty"`
	MaxWaitSeconds  float64 `json:"maxWaitSeconds,omitempty"`
}

// PollingTool is a tool that blocks until a review task is decided or the
// wait runs out. Workflows use it for short reviews that do not need to
// suspend the execution.
type PollingTool struct {
	tasks    ports.TaskSystem
	interval time.Duration
	maxWait  time.Duration
	logger   *slog.Logger
}

func NewPollingTool(tasks ports.TaskSystem, interval, maxWait time.Duration, logger *slog.Logger) *PollingTool {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Minute
	}
	return &PollingTool{
		tasks:    tasks,
		interval: interval,
		maxWait:  maxWait,
		logger:   logger.With("component", "review-polling-tool"),
	}
}

func (t *PollingTool) Name() string { return PollingToolName }

func (t *PollingTool) Description() string {
	return "waits for a human review task to be approved or rejected"
}

func (t *PollingTool) Call(ctx context.Context, input []byte) (interface{}, error) {
	var in pollInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, domain.NewConfigurationError("", "invalid human_review_poll input", err)
	}
	if in.TaskID == "" {
		return nil, domain.NewConfigurationError("", "human_review_poll needs a taskId", nil)
	}

	interval := t.interval
	if in.IntervalSeconds > 0 {
		interval = time.Duration(in.IntervalSeconds * float64(time.Second))
	}
	maxWait := t.maxWait
	if in.MaxWaitSeconds > 0 {
		maxWait = time.Duration(in.MaxWaitSeconds * float64(time.Second))
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := t.tasks.GetTask(ctx, in.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.logger.Warn("poll failed", "task_id", in.TaskID, "error", err)
		} else if status != nil && status.State.Terminal() {
			return map[string]interface{}{
				"taskId":     in.TaskID,
				"status":     string(status.State),
				"approved":   status.State == ports.TaskApproved,
				"reviewedBy": status.ReviewedBy,
				"comments":   status.Comments,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("polling task %s: %w", in.TaskID, ctx.Err())
		case <-deadline.C:
			return map[string]interface{}{
				"taskId":   in.TaskID,
				"status":   pollTimeout,
				"approved": false,
			}, nil
		case <-ticker.C:
		}
	}
}
