package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/flowgate/internal/adapters/executor"
	"github.com/eleven-am/flowgate/internal/domain"
)

// errHalted means the record left running (abort, sweep) or moved past the
// node while that node was in flight. The walk stops without writing.
var errHalted = errors.New("execution is no longer running on this node")

// walk drives one execution a node at a time until it completes, fails,
// suspends or is taken out of running by another writer.
func (e *Engine) walk(ctx context.Context, executionID string) error {
	logger := e.logger.With("execution_id", executionID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := e.store.Get(ctx, executionID)
		if err != nil {
			return err
		}
		if record.Status != domain.ExecutionRunning {
			logger.Debug("walk stopped", "status", record.Status)
			return nil
		}

		if record.Workflow == nil {
			return e.failExecution(ctx, record, domain.NewConfigurationError(record.CurrentNode, "execution has no workflow snapshot", nil))
		}
		node, ok := record.Workflow.Node(record.CurrentNode)
		if !ok {
			return e.failExecution(ctx, record, domain.NewConfigurationError(record.CurrentNode, fmt.Sprintf("node %q does not exist", record.CurrentNode), nil))
		}
		if len(record.Steps) >= e.config.MaxSteps {
			return e.failExecution(ctx, record, domain.NewInternalError(node.ID, fmt.Sprintf("execution exceeded %d steps", e.config.MaxSteps), nil))
		}

		var done bool
		if resume := record.Resume; resume != nil && resume.NodeID == node.ID && resume.Kind == domain.NodeHumanReview {
			done, err = e.routeReview(ctx, record, node, resume)
		} else {
			done, err = e.step(ctx, record, node)
		}
		if err != nil || done {
			return err
		}
	}
}

// step executes node and persists the outcome. It reports done when the walk
// must not continue: the execution suspended, failed or finished.
func (e *Engine) step(ctx context.Context, record *domain.ExecutionRecord, node *domain.NodeDefinition) (bool, error) {
	logger := e.logger.With("execution_id", record.ExecutionID, "node_id", node.ID)

	req := executor.Request{
		ExecutionID:   record.ExecutionID,
		WorkflowID:    record.WorkflowID,
		Node:          node,
		Vars:          record.Vars(),
		Resuming:      record.Resume != nil && record.Resume.NodeID == node.ID,
		ReviewTimeout: e.reviewTimeoutFor(record.Workflow),
	}

	started := e.now()
	result, attempt, execErr := e.executeWithRetry(ctx, record, node, req)
	if errors.Is(execErr, errHalted) {
		return true, errHalted
	}
	if err := ctx.Err(); err != nil {
		return true, err
	}
	finished := e.now()
	duration := finished.Sub(started)

	step := domain.Step{
		NodeID:       node.ID,
		Type:         node.Type,
		RetryAttempt: attempt,
		StartedAt:    started,
		DurationMs:   duration.Milliseconds(),
	}

	if execErr != nil {
		failure := domain.AsEngineError(node.ID, execErr).Record()
		step.Status = domain.StepFailed
		step.Error = failure
		step.CompletedAt = &finished
		e.metrics.NodeExecuted(node.Type, domain.StepFailed, duration)

		updated, err := e.persist(ctx, record.ExecutionID, node.ID, func(r *domain.ExecutionRecord) error {
			r.Steps = append(r.Steps, step)
			r.Resume = nil
			r.Fail(failure, finished)
			return nil
		})
		if err != nil {
			return true, err
		}

		logger.Warn("node failed", "type", node.Type, "retry_attempt", attempt, "error", execErr)
		e.finished(updated)
		return true, nil
	}

	step.Input = result.Input
	step.Output = result.Output
	step.Metadata = result.Metadata

	if suspend := result.Suspend; suspend != nil {
		step.Status = domain.StepWaiting
		e.metrics.NodeExecuted(node.Type, domain.StepWaiting, duration)

		timeout := suspend.Timeout
		if timeout <= 0 {
			timeout = req.ReviewTimeout
		}

		_, err := e.persist(ctx, record.ExecutionID, node.ID, func(r *domain.ExecutionRecord) error {
			r.Steps = append(r.Steps, step)
			r.Context = merge(r, node.ID, result)
			r.Resume = nil
			r.SetStatus(domain.ExecutionWaitingHumanReview, finished)
			r.WaitingInfo = &domain.WaitingInfo{
				NodeID:     node.ID,
				TaskID:     suspend.TaskID,
				Mode:       suspend.Mode,
				WaitingFor: suspend.WaitingFor,
				CreatedAt:  finished,
				Timeout:    timeout,
				ExpiresAt:  finished.Add(timeout),
			}
			return nil
		})
		if err != nil {
			return true, err
		}

		e.metrics.ReviewOpened(suspend.Mode)
		logger.Info("execution suspended for review",
			"task_id", suspend.TaskID,
			"mode", suspend.Mode,
			"waiting_for", suspend.WaitingFor,
			"expires_in", timeout)
		return true, nil
	}

	step.Status = domain.StepCompleted
	step.CompletedAt = &finished
	e.metrics.NodeExecuted(node.Type, domain.StepCompleted, duration)

	updated, err := e.persist(ctx, record.ExecutionID, node.ID, func(r *domain.ExecutionRecord) error {
		r.Steps = append(r.Steps, step)
		r.Context = merge(r, node.ID, result)
		r.Resume = nil
		e.advance(r, node, result.Route, result.Output, finished)
		return nil
	})
	if err != nil {
		return true, err
	}

	logger.Debug("node completed", "type", node.Type, "next", updated.CurrentNode, "retry_attempt", attempt)

	if updated.Status != domain.ExecutionRunning {
		e.finished(updated)
		return true, nil
	}
	return false, nil
}

// routeReview continues past a human_review node whose decision the
// coordinator has already recorded. The node is not executed again.
func (e *Engine) routeReview(ctx context.Context, record *domain.ExecutionRecord, node *domain.NodeDefinition, resume *domain.Continuation) (bool, error) {
	route := executor.ReviewRoute(node, resume.Approved)
	now := e.now()

	updated, err := e.persist(ctx, record.ExecutionID, node.ID, func(r *domain.ExecutionRecord) error {
		vars := r.Vars()
		output, _ := vars.NodeOutput(node.ID)
		r.Context = vars.WithNodeOutput(node.ID, output).Map()
		r.Resume = nil
		e.advance(r, node, route, output, now)
		return nil
	})
	if err != nil {
		return true, err
	}

	e.logger.Debug("review decision routed",
		"execution_id", record.ExecutionID,
		"node_id", node.ID,
		"approved", resume.Approved,
		"next", updated.CurrentNode)

	if updated.Status != domain.ExecutionRunning {
		e.finished(updated)
		return true, nil
	}
	return false, nil
}

func merge(r *domain.ExecutionRecord, nodeID string, result *executor.NodeResult) map[string]interface{} {
	return r.Vars().
		WithNodeOutput(nodeID, result.Output).
		WithAll(result.ContextUpdates).
		Without(result.ContextDeletes...).
		Map()
}

// advance moves r past node: an end node drains the fan-out queue or
// completes the execution, any other node picks its successors. A node with
// nowhere to go fails the execution.
func (e *Engine) advance(r *domain.ExecutionRecord, node *domain.NodeDefinition, route string, output interface{}, now time.Time) {
	if node.Type == domain.NodeEnd {
		r.Output = output
		if len(r.Queue) == 0 {
			r.CurrentNode = ""
			r.SetStatus(domain.ExecutionCompleted, now)
			return
		}
		r.CurrentNode, r.Queue = r.Queue[0], r.Queue[1:]
		return
	}

	next, err := e.nextNodes(r.Workflow, node, route, output, r.Context)
	if err != nil {
		r.Fail(domain.AsEngineError(node.ID, err).Record(), now)
		return
	}

	r.CurrentNode = next[0]
	r.Queue = enqueue(r.Queue, next[0], next[1:])
}

// enqueue puts branches ahead of what is already queued, so each branch runs
// to its end before the next one starts.
func enqueue(queue []string, current string, branches []string) []string {
	seen := map[string]bool{current: true}
	out := make([]string, 0, len(queue)+len(branches))
	for _, id := range append(append([]string{}, branches...), queue...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (e *Engine) persist(ctx context.Context, executionID, nodeID string, fn func(*domain.ExecutionRecord) error) (*domain.ExecutionRecord, error) {
	record, err := e.store.Update(ctx, executionID, func(r *domain.ExecutionRecord) error {
		if r.Status != domain.ExecutionRunning || r.CurrentNode != nodeID {
			return errHalted
		}
		return fn(r)
	})
	if errors.Is(err, errHalted) {
		e.logger.Info("execution moved on while node was in flight, result discarded",
			"execution_id", executionID,
			"node_id", nodeID)
	}
	return record, err
}

func (e *Engine) failExecution(ctx context.Context, record *domain.ExecutionRecord, cause *domain.EngineError) error {
	updated, err := e.persist(ctx, record.ExecutionID, record.CurrentNode, func(r *domain.ExecutionRecord) error {
		r.Fail(cause.Record(), e.now())
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Warn("execution failed", "execution_id", record.ExecutionID, "error", cause)
	e.finished(updated)
	return nil
}

func (e *Engine) finished(record *domain.ExecutionRecord) {
	e.metrics.ExecutionFinished(record.WorkflowID, record.Status)
	e.logger.Info("execution finished",
		"execution_id", record.ExecutionID,
		"workflow_id", record.WorkflowID,
		"status", record.Status,
		"steps", len(record.Steps))
}

func (e *Engine) reviewTimeoutFor(def *domain.WorkflowDefinition) time.Duration {
	if def != nil && def.Settings.ReviewTimeoutHours > 0 {
		return time.Duration(def.Settings.ReviewTimeoutHours * float64(time.Hour))
	}
	return e.reviewTimeout
}
