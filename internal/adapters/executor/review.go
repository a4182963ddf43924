package executor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	"github.com/eleven-am/flowgate/internal/template"
	"github.com/google/uuid"
)

func (e *Executor) executeHumanReview(ctx context.Context, req Request) (*NodeResult, error) {
	suspend, input, err := e.openReview(ctx, req, WaitingForHumanReview)
	if err != nil {
		return nil, err
	}

	output := map[string]interface{}{
		"taskId": suspend.TaskID,
		"mode":   string(suspend.Mode),
		"status": string(ports.TaskPending),
	}
	if message := configOf(req.Node).str("message"); message != "" {
		output["message"] = template.ResolveString(message, req.Vars.Map())
	}

	return &NodeResult{
		Input:   input,
		Output:  output,
		Suspend: suspend,
	}, nil
}

// openReview creates the approval task for a suspending node. Nodes that
// declare a request go to the external task system; the rest get a locally
// generated task id and are resumed by an inbound event.
func (e *Executor) openReview(ctx context.Context, req Request, waitingFor string) (*Suspend, interface{}, error) {
	cfg := configOf(req.Node)
	request := cfg.object("request")

	mode := domain.ReviewMode(cfg.str("mode"))
	if mode == "" {
		mode = domain.ReviewModeLocal
		if request != nil {
			mode = domain.ReviewModeExternal
		}
	}

	timeout := req.ReviewTimeout
	if hours, ok := cfg.number("timeoutHours"); ok && hours > 0 {
		timeout = time.Duration(hours * float64(time.Hour))
	}

	suspend := &Suspend{Mode: mode, WaitingFor: waitingFor, Timeout: timeout}

	switch mode {
	case domain.ReviewModeLocal:
		suspend.TaskID = uuid.NewString()
		return suspend, nil, nil

	case domain.ReviewModeExternal, domain.ReviewModePolling:
		if e.tasks == nil {
			return nil, nil, domain.NewConfigurationError(req.Node.ID, "no task system configured for review node", nil)
		}

		taskRequest := e.taskRequest(req, cfg, request)
		taskID, err := e.tasks.CreateTask(ctx, taskRequest)
		if err != nil {
			return nil, nil, domain.NewToolExecutionError(req.Node.ID, "failed to create review task", err)
		}
		if strings.TrimSpace(taskID) == "" {
			return nil, nil, domain.NewToolExecutionError(req.Node.ID, "task system returned an empty task id", nil)
		}

		e.logger.Info("review task created",
			"execution_id", req.ExecutionID,
			"node_id", req.Node.ID,
			"task_id", taskID,
			"mode", mode)

		suspend.TaskID = taskID
		return suspend, taskRequest, nil

	default:
		return nil, nil, domain.NewConfigurationError(req.Node.ID, fmt.Sprintf("unknown review mode %q", mode), nil)
	}
}

// taskRequest resolves the declared request against the context and injects
// the identifiers the task system needs to call back.
func (e *Executor) taskRequest(req Request, cfg nodeConfig, declared map[string]interface{}) ports.TaskRequest {
	vars := req.Vars.Map()

	request := ports.TaskRequest{
		Method:  http.MethodPost,
		Headers: make(map[string]string),
		Body:    make(map[string]interface{}),
	}

	if declared != nil {
		if endpoint, ok := declared["endpoint"].(string); ok {
			request.Endpoint = template.ResolveString(endpoint, vars)
		}
		if method, ok := declared["method"].(string); ok && method != "" {
			request.Method = strings.ToUpper(template.ResolveString(method, vars))
		}
		if headers, ok := template.Resolve(declared["headers"], vars).(map[string]interface{}); ok {
			for key, value := range headers {
				request.Headers[key] = template.Stringify(value)
			}
		}
		if body, ok := template.ResolveTyped(declared["body"], vars).(map[string]interface{}); ok {
			for key, value := range body {
				request.Body[key] = value
			}
		}
	}

	for _, field := range cfg.list("contextFields") {
		if value, ok := template.Lookup(field, vars); ok {
			request.Body[field] = value
		}
	}
	request.Body["executionId"] = req.ExecutionID
	request.Body["nodeId"] = req.Node.ID

	return request
}

// ReviewRoute returns the target declared for a review decision, if any.
func ReviewRoute(node *domain.NodeDefinition, approved bool) string {
	cfg := configOf(node)
	if approved {
		return cfg.str("approvePath")
	}
	return cfg.str("rejectPath")
}
