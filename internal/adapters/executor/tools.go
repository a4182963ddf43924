package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/template"
	json "github.com/goccy/go-json"
)

func (e *Executor) executeTool(ctx context.Context, req Request) (*NodeResult, error) {
	cfg := configOf(req.Node)

	name := cfg.str("tool")
	if name == "" {
		name = cfg.str("toolName")
	}
	if name == "" {
		return nil, domain.NewConfigurationError(req.Node.ID, `config "tool" is required`, nil)
	}

	input := template.ResolveTyped(cfg.raw("input"), req.Vars.Map())
	if input == nil {
		input = map[string]interface{}{}
	}

	output, err := e.callTool(ctx, req.Node.ID, name, input)
	if err != nil {
		return nil, err
	}

	return &NodeResult{
		Input:    input,
		Output:   output,
		Metadata: map[string]interface{}{"tool": name},
	}, nil
}

// callTool resolves name in the registry and invokes it through the tool's
// circuit breaker.
func (e *Executor) callTool(ctx context.Context, nodeID, name string, input interface{}) (interface{}, error) {
	if e.tools == nil {
		return nil, domain.NewConfigurationError(nodeID, "no tool registry configured", nil)
	}

	tool, err := e.tools.Resolve(name)
	if err != nil {
		return nil, domain.NewConfigurationError(nodeID, fmt.Sprintf("tool %q is not registered", name), err)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, domain.NewConfigurationError(nodeID, fmt.Sprintf("input for tool %q cannot be serialized", name), err)
	}

	var output interface{}
	call := func(ctx context.Context) error {
		out, err := tool.Call(ctx, payload)
		if err != nil {
			return err
		}
		output = out
		return nil
	}

	if e.breakers != nil {
		err = e.breakers.GetCircuitBreaker(name).Call(ctx, call)
	} else {
		err = call(ctx)
	}

	if err != nil {
		var engineErr *domain.EngineError
		if errors.As(err, &engineErr) {
			return nil, err
		}
		return nil, domain.NewToolExecutionError(nodeID, fmt.Sprintf("tool %q failed", name), err)
	}
	return output, nil
}
