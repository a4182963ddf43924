package executor

import (
	"context"
	"fmt"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	"github.com/eleven-am/flowgate/internal/template"
)

const (
	stopCompleted     = "completed"
	stopMaxIterations = "max_iterations"
)

func (e *Executor) completionRequest(cfg nodeConfig, messages []ports.Message, tools []ports.ToolSpec) ports.CompletionRequest {
	request := ports.CompletionRequest{
		Messages: messages,
		Model:    cfg.str("model"),
		Tools:    tools,
	}
	if temperature, ok := cfg.number("temperature"); ok {
		request.Temperature = temperature
	}
	if maxTokens, ok := cfg.integer("maxTokens"); ok {
		request.MaxTokens = maxTokens
	}
	return request
}

// prompt builds the opening messages from either "prompt" or
// "systemPrompt" + "userPrompt".
func prompt(cfg nodeConfig, vars map[string]interface{}, userKeys ...string) ([]ports.Message, error) {
	var user string
	for _, key := range userKeys {
		if user = cfg.str(key); user != "" {
			break
		}
	}
	if user == "" {
		return nil, domain.NewConfigurationError(cfg.nodeID, fmt.Sprintf("one of %v is required", userKeys), nil)
	}

	var messages []ports.Message
	if system := cfg.str("systemPrompt"); system != "" {
		messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: template.ResolveString(system, vars)})
	}
	return append(messages, ports.Message{Role: ports.RoleUser, Content: template.ResolveString(user, vars)}), nil
}

func (e *Executor) executeLLM(ctx context.Context, req Request) (*NodeResult, error) {
	if e.model == nil {
		return nil, domain.NewConfigurationError(req.Node.ID, "no language model configured", nil)
	}

	cfg := configOf(req.Node)
	messages, err := prompt(cfg, req.Vars.Map(), "userPrompt", "prompt")
	if err != nil {
		return nil, err
	}

	request := e.completionRequest(cfg, messages, nil)
	completion, err := e.model.Invoke(ctx, request)
	if err != nil {
		return nil, domain.NewToolExecutionError(req.Node.ID, "language model call failed", err)
	}
	if completion == nil {
		return nil, domain.NewInternalError(req.Node.ID, "language model returned no completion", nil)
	}

	return &NodeResult{
		Input: map[string]interface{}{
			"messages": messages,
			"model":    request.Model,
		},
		Output: map[string]interface{}{
			"text":  completion.Text,
			"model": request.Model,
		},
		Metadata: map[string]interface{}{
			"tokenUsage": completion.Usage,
		},
	}, nil
}

// executeAgent runs the model in a loop, feeding tool results back until the
// model stops asking for tools or the iteration bound is reached. With
// allowTools false the model is offered no tools and any tool calls it makes
// are ignored.
func (e *Executor) executeAgent(ctx context.Context, req Request, allowTools bool) (*NodeResult, error) {
	if e.model == nil {
		return nil, domain.NewConfigurationError(req.Node.ID, "no language model configured", nil)
	}

	cfg := configOf(req.Node)
	messages, err := prompt(cfg, req.Vars.Map(), "task", "prompt", "userPrompt")
	if err != nil {
		return nil, err
	}

	maxIterations := e.maxAgentIterations
	if n, ok := cfg.integer("maxIterations"); ok && n > 0 {
		maxIterations = n
	}

	toolNames := cfg.list("tools")
	available := make(map[string]bool, len(toolNames))
	var specs []ports.ToolSpec
	if allowTools {
		for _, name := range toolNames {
			if e.tools == nil {
				return nil, domain.NewConfigurationError(req.Node.ID, "no tool registry configured", nil)
			}
			tool, err := e.tools.Resolve(name)
			if err != nil {
				return nil, domain.NewConfigurationError(req.Node.ID, fmt.Sprintf("tool %q is not registered", name), err)
			}
			available[name] = true
			specs = append(specs, ports.ToolSpec{Name: tool.Name(), Description: tool.Description()})
		}
	}

	var (
		usage ports.TokenUsage
		trace []map[string]interface{}
		text  string
	)

	stopReason := stopMaxIterations
	iterations := 0
	for iterations < maxIterations {
		iterations++

		completion, err := e.model.Invoke(ctx, e.completionRequest(cfg, messages, specs))
		if err != nil {
			return nil, domain.NewToolExecutionError(req.Node.ID, "language model call failed", err)
		}
		if completion == nil {
			return nil, domain.NewInternalError(req.Node.ID, "language model returned no completion", nil)
		}

		usage = usage.Add(completion.Usage)
		text = completion.Text
		messages = append(messages, ports.Message{
			Role:      ports.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		if len(completion.ToolCalls) == 0 || !allowTools {
			stopReason = stopCompleted
			break
		}

		for _, call := range completion.ToolCalls {
			entry := map[string]interface{}{"id": call.ID, "name": call.Name, "input": call.Input}

			var content string
			if !available[call.Name] {
				content = fmt.Sprintf("error: tool %q is not available", call.Name)
				entry["error"] = content
			} else if out, err := e.callTool(ctx, req.Node.ID, call.Name, call.Input); err != nil {
				if ctx.Err() != nil {
					return nil, domain.NewToolExecutionError(req.Node.ID, "agent interrupted", ctx.Err())
				}
				content = "error: " + err.Error()
				entry["error"] = err.Error()
			} else {
				content = template.Stringify(out)
				entry["output"] = out
			}

			trace = append(trace, entry)
			messages = append(messages, ports.Message{
				Role:       ports.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}

	e.logger.Debug("agent finished",
		"execution_id", req.ExecutionID,
		"node_id", req.Node.ID,
		"iterations", iterations,
		"stop_reason", stopReason)

	return &NodeResult{
		Input: map[string]interface{}{
			"tools":         toolNames,
			"toolsEnabled":  allowTools,
			"maxIterations": maxIterations,
		},
		Output: map[string]interface{}{
			"text":       text,
			"toolCalls":  trace,
			"iterations": iterations,
			"stopReason": stopReason,
		},
		Metadata: map[string]interface{}{
			"tokenUsage": usage,
		},
	}, nil
}

func (e *Executor) executeAgentWithHITL(ctx context.Context, req Request) (*NodeResult, error) {
	if !req.Resuming {
		suspend, input, err := e.openReview(ctx, req, WaitingForToolApproval)
		if err != nil {
			return nil, err
		}
		return &NodeResult{
			Input: input,
			Output: map[string]interface{}{
				"status": "awaiting_approval",
				"tools":  configOf(req.Node).list("tools"),
				"taskId": suspend.TaskID,
			},
			Suspend: suspend,
		}, nil
	}

	approved, _ := req.Vars.Get(domain.VarApproved)
	result, err := e.executeAgent(ctx, req, asBool(approved))
	if err != nil {
		return nil, err
	}
	result.Metadata["approved"] = asBool(approved)
	return result, nil
}
