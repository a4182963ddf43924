// Package executor runs a single workflow node. It knows nothing about edges,
// persistence or retries: it turns a node definition and the current context
// into a NodeResult, or into a request to suspend the execution.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
)

const (
	WaitingForHumanReview  = "human_review"
	WaitingForToolApproval = "tool_approval"
)

// Suspend asks the walker to park the execution until a review decision
// arrives.
type Suspend struct {
	TaskID     string
	Mode       domain.ReviewMode
	WaitingFor string
	Timeout    time.Duration
}

type NodeResult struct {
	Input          interface{}
	Output         interface{}
	Metadata       map[string]interface{}
	Route          string
	ContextUpdates map[string]interface{}
	ContextDeletes []string
	Suspend        *Suspend
}

// Request carries everything one node execution may read.
type Request struct {
	ExecutionID string
	WorkflowID  string
	Node        *domain.NodeDefinition
	Vars        domain.Vars

	// Resuming is set when the walker re-enters a node whose review has just
	// been decided.
	Resuming bool

	// ReviewTimeout is the wait window inherited from the workflow or engine;
	// a node may override it.
	ReviewTimeout time.Duration
}

type Dependencies struct {
	Model    ports.LanguageModel
	Tools    ports.ToolRegistry
	Tasks    ports.TaskSystem
	Breakers ports.CircuitBreakerProvider
	Logger   *slog.Logger

	MaxAgentIterations int
}

type Executor struct {
	model    ports.LanguageModel
	tools    ports.ToolRegistry
	tasks    ports.TaskSystem
	breakers ports.CircuitBreakerProvider
	logger   *slog.Logger

	maxAgentIterations int
}

func New(deps Dependencies) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIterations := deps.MaxAgentIterations
	if maxIterations <= 0 {
		maxIterations = domain.DefaultEngineConfig().MaxAgentIterations
	}

	return &Executor{
		model:              deps.Model,
		tools:              deps.Tools,
		tasks:              deps.Tasks,
		breakers:           deps.Breakers,
		logger:             logger.With("component", "executor"),
		maxAgentIterations: maxIterations,
	}
}

// Execute runs req.Node once. Errors are *domain.EngineError values so the
// walker can decide whether to retry.
func (e *Executor) Execute(ctx context.Context, req Request) (*NodeResult, error) {
	node := req.Node
	if node == nil {
		return nil, domain.NewConfigurationError("", "node definition is required", nil)
	}

	e.logger.Debug("executing node",
		"execution_id", req.ExecutionID,
		"node_id", node.ID,
		"type", node.Type)

	var (
		result *NodeResult
		err    error
	)

	switch node.Type {
	case domain.NodeStart:
		result, err = e.executeStart(req)
	case domain.NodeEnd:
		result, err = e.executeEnd(req)
	case domain.NodeLLM:
		result, err = e.executeLLM(ctx, req)
	case domain.NodeTool:
		result, err = e.executeTool(ctx, req)
	case domain.NodeCondition:
		result, err = e.executeCondition(req)
	case domain.NodeTransform:
		result, err = e.executeTransform(req)
	case domain.NodeMemory:
		result, err = e.executeMemory(req)
	case domain.NodeHumanReview:
		result, err = e.executeHumanReview(ctx, req)
	case domain.NodeAgent:
		result, err = e.executeAgent(ctx, req, true)
	case domain.NodeAgentWithHITL:
		result, err = e.executeAgentWithHITL(ctx, req)
	default:
		return nil, domain.NewConfigurationError(node.ID, fmt.Sprintf("unknown node type %q", node.Type), nil)
	}

	if err != nil {
		return nil, domain.AsEngineError(node.ID, err)
	}
	return result, nil
}
