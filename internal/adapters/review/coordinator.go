// Package review closes human review waits: inbound decisions, polled task
// states and elapsed deadlines all end a wait through one atomic update of the
// execution record.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
)

type Dependencies struct {
	Store   ports.ExecutionStore
	Resumer ports.ExecutionResumer
	Tasks   ports.TaskSystem
	Metrics ports.MetricsRecorder
	Logger  *slog.Logger
}

var _ ports.ReviewCoordinatorPort = (*Coordinator)(nil)

type Coordinator struct {
	config  domain.ReviewConfig
	store   ports.ExecutionStore
	resumer ports.ExecutionResumer
	tasks   ports.TaskSystem
	metrics ports.MetricsRecorder
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewCoordinator(config domain.ReviewConfig, deps Dependencies) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	return &Coordinator{
		config:  config,
		store:   deps.Store,
		resumer: deps.Resumer,
		tasks:   deps.Tasks,
		metrics: metrics,
		logger:  logger.With("component", "review-coordinator"),
		now:     time.Now,
	}
}

// HandleEvent applies a review decision. It reports whether the event moved
// an execution; stale, replayed or misaddressed events return false with no
// error. Only malformed events and failures to continue the walk are errors.
func (c *Coordinator) HandleEvent(ctx context.Context, event domain.ReviewEvent) (bool, error) {
	if !event.Action.Valid() {
		return false, fmt.Errorf("%w: review action %q", domain.ErrInvalidInput, event.Action)
	}
	if event.TaskID == "" && (event.ExecutionID == "" || event.NodeID == "") {
		return false, fmt.Errorf("%w: review event needs a task id or an execution and node id", domain.ErrInvalidInput)
	}

	logger := c.logger.With("task_id", event.TaskID, "execution_id", event.ExecutionID, "node_id", event.NodeID)

	executionID, err := c.locate(ctx, event)
	if err != nil {
		if domain.IsNotFound(err) {
			logger.Warn("review event matches no execution")
			return false, nil
		}
		return false, err
	}

	approved := event.Action == domain.ReviewApprove
	var (
		waited   time.Duration
		nodeID   string
		workflow string
	)

	_, err = c.store.Update(ctx, executionID, func(r *domain.ExecutionRecord) error {
		waiting := r.WaitingInfo
		if r.Status != domain.ExecutionWaitingHumanReview || waiting == nil {
			return domain.NewResumeMismatchError(event.NodeID, fmt.Sprintf("execution is %s", r.Status))
		}
		if event.NodeID != "" && waiting.NodeID != event.NodeID {
			return domain.NewResumeMismatchError(event.NodeID, fmt.Sprintf("execution is waiting on node %s", waiting.NodeID))
		}
		if event.TaskID != "" && waiting.TaskID != event.TaskID {
			return domain.NewResumeMismatchError(waiting.NodeID, fmt.Sprintf("execution is waiting on task %s", waiting.TaskID))
		}

		now := c.now()
		waited = now.Sub(waiting.CreatedAt)
		nodeID = waiting.NodeID
		workflow = r.WorkflowID

		decision := map[string]interface{}{
			domain.VarApproved:    approved,
			domain.VarReviewNotes: event.Comments,
			domain.VarReviewedAt:  now.UTC().Format(time.RFC3339),
			domain.VarReviewedBy:  event.ReviewedBy,
			"taskId":              waiting.TaskID,
		}
		for key, value := range event.Metadata {
			if _, reserved := decision[key]; !reserved {
				decision[key] = value
			}
		}

		updates := map[string]interface{}{
			domain.VarApproved:    approved,
			domain.VarReviewNotes: event.Comments,
			domain.VarReviewedAt:  decision[domain.VarReviewedAt],
			domain.VarReviewedBy:  event.ReviewedBy,
		}
		r.Context = r.Vars().WithAll(updates).WithNodeOutput(nodeID, decision).Map()

		kind := domain.NodeHumanReview
		if step := r.WaitingStep(nodeID); step != nil {
			kind = step.Type
			step.Status = domain.StepCompleted
			step.Output = decision
			step.CompletedAt = &now
			step.DurationMs = now.Sub(step.StartedAt).Milliseconds()
		} else if r.Workflow != nil {
			if node, ok := r.Workflow.Node(nodeID); ok {
				kind = node.Type
			}
		}

		r.CurrentNode = nodeID
		r.Resume = &domain.Continuation{NodeID: nodeID, Kind: kind, Approved: approved, ResumedAt: now}
		r.SetStatus(domain.ExecutionRunning, now)
		return nil
	})
	if err != nil {
		if domain.IsResumeMismatch(err) || domain.IsNotFound(err) {
			logger.Warn("review event ignored", "reason", err)
			return false, nil
		}
		return false, err
	}

	outcome := string(ports.TaskRejected)
	if approved {
		outcome = string(ports.TaskApproved)
	}
	c.metrics.ReviewClosed(outcome, waited)
	logger.Info("review decision applied",
		"execution_id", executionID,
		"workflow_id", workflow,
		"node_id", nodeID,
		"approved", approved,
		"reviewed_by", event.ReviewedBy)

	if c.resumer == nil {
		return true, nil
	}
	if err := c.resumer.ContinueExecution(ctx, executionID); err != nil {
		return true, fmt.Errorf("failed to continue execution %s: %w", executionID, err)
	}
	return true, nil
}

func (c *Coordinator) locate(ctx context.Context, event domain.ReviewEvent) (string, error) {
	if event.TaskID != "" {
		record, err := c.store.FindByTaskID(ctx, event.TaskID)
		if err == nil {
			return record.ExecutionID, nil
		}
		if !domain.IsNotFound(err) || event.ExecutionID == "" {
			return "", err
		}
	}
	if event.ExecutionID == "" {
		return "", fmt.Errorf("%w: no execution for review event", domain.ErrNotFound)
	}
	return event.ExecutionID, nil
}

// Start runs the timeout sweeper and, when a task system is configured, the
// poll loop for executions waiting in polling mode.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return domain.ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	sweepInterval := c.config.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = domain.DefaultReviewConfig().SweepInterval
	}
	c.loop(loopCtx, "sweeper", sweepInterval, func(ctx context.Context) (int, error) {
		return c.Sweep(ctx)
	})

	if c.tasks != nil {
		pollInterval := c.config.PollInterval
		if pollInterval <= 0 {
			pollInterval = domain.DefaultReviewConfig().PollInterval
		}
		c.loop(loopCtx, "poller", pollInterval, func(ctx context.Context) (int, error) {
			return c.Poll(ctx)
		})
	}

	c.logger.Info("review coordinator started", "sweep_interval", sweepInterval, "polling", c.tasks != nil)
	return nil
}

func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return domain.ErrNotStarted
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.logger.Debug("review coordinator stopped")
	return nil
}

func (c *Coordinator) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) (int, error)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				handled, err := tick(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Error("review loop failed", "loop", name, "error", err)
					continue
				}
				if handled > 0 {
					c.logger.Debug("review loop handled executions", "loop", name, "count", handled)
				}
			}
		}
	}()
}
