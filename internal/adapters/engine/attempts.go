package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/flowgate/internal/adapters/executor"
	"github.com/eleven-am/flowgate/internal/domain"
	json "github.com/goccy/go-json"
)

// executeWithRetry runs the node, retrying retryable failures under the
// node's layered policy. The returned attempt is the number of retries used.
func (e *Engine) executeWithRetry(ctx context.Context, record *domain.ExecutionRecord, node *domain.NodeDefinition, req executor.Request) (*executor.NodeResult, int, error) {
	policy := e.retryPolicy(record.Workflow, node)
	timeout := e.nodeTimeout(record.Workflow, node)

	for attempt := 0; ; attempt++ {
		result, err := e.invoke(ctx, req, timeout)
		if err == nil {
			return result, attempt, nil
		}
		if !domain.IsRetryable(err) || attempt >= policy.MaxRetries || ctx.Err() != nil {
			return nil, attempt, err
		}

		delay := policy.Backoff(attempt + 1)
		e.metrics.NodeRetried(node.Type)
		e.logger.Warn("node failed, retrying",
			"execution_id", record.ExecutionID,
			"node_id", node.ID,
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"delay", delay,
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}

		current, err := e.store.Get(ctx, record.ExecutionID)
		if err != nil {
			return nil, attempt, err
		}
		if current.Status != domain.ExecutionRunning || current.CurrentNode != node.ID {
			return nil, attempt, errHalted
		}
	}
}

// invoke runs the node under its timeout. A handler that ignores its context
// is abandoned when the timeout fires; a panic becomes an internal error.
func (e *Engine) invoke(ctx context.Context, req executor.Request, timeout time.Duration) (*executor.NodeResult, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *executor.NodeResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("node panicked",
					"execution_id", req.ExecutionID,
					"node_id", req.Node.ID,
					"panic", r)
				done <- outcome{err: domain.NewInternalError(req.Node.ID, fmt.Sprintf("node panicked: %v", r), nil)}
			}
		}()
		result, err := e.executor.Execute(nodeCtx, req)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
				return nil, timedOut(req.Node.ID, timeout, out.err)
			}
			return nil, out.err
		}
		if out.result == nil {
			return nil, domain.NewInternalError(req.Node.ID, "node returned no result", nil)
		}
		return out.result, nil

	case <-nodeCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, timedOut(req.Node.ID, timeout, nodeCtx.Err())
	}
}

func timedOut(nodeID string, timeout time.Duration, cause error) error {
	return domain.NewToolExecutionError(nodeID, fmt.Sprintf("node timed out after %s", timeout), cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryPolicy layers the node's retry settings over the workflow's and the
// engine's. A node may declare a full "retry" object or the "maxRetries"
// shorthand.
func (e *Engine) retryPolicy(def *domain.WorkflowDefinition, node *domain.NodeDefinition) domain.RetryPolicy {
	var spec domain.RetrySpec
	if raw, ok := node.Config["retry"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err == nil {
			err = json.Unmarshal(data, &spec)
		}
		if err != nil {
			e.logger.Warn("ignoring malformed node retry settings", "node_id", node.ID, "error", err)
			spec = domain.RetrySpec{}
		}
	}
	if n, ok := intValue(node.Config["maxRetries"]); ok {
		spec.MaxRetries = &n
	}

	var workflow domain.RetrySpec
	if def != nil {
		workflow = def.Settings.Retry
	}

	policy, err := domain.LayerRetry(spec, workflow, e.config.Retry)
	if err != nil {
		e.logger.Warn("falling back to engine retry policy", "node_id", node.ID, "error", err)
		return e.config.Retry
	}
	return policy
}

func (e *Engine) nodeTimeout(def *domain.WorkflowDefinition, node *domain.NodeDefinition) time.Duration {
	if seconds, ok := intValue(node.Config["timeoutSeconds"]); ok && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if def != nil && def.Settings.NodeTimeoutSeconds > 0 {
		return time.Duration(def.Settings.NodeTimeoutSeconds) * time.Second
	}
	return e.config.NodeTimeout
}

func intValue(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
