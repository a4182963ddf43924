// Package flowgate runs declarative workflows of LLM, tool, agent and human
// review nodes, persisting every step so executions survive restarts and can
// wait days for a reviewer.
//
// Basic usage:
//
//	manager, err := flowgate.New(flowgate.DefaultConfig(), flowgate.Dependencies{Model: model})
//	manager.RegisterTool(flowgate.NewFuncTool("search", "searches the index", search))
//	manager.Start(ctx)
//
//	result, err := manager.Execute(ctx, definition, map[string]interface{}{"topic": "go"}, flowgate.ExecuteOptions{})
//	if result.Status == flowgate.StatusWaitingHumanReview {
//	    manager.ResumeAfterReview(ctx, result.ExecutionID, result.WaitingInfo.NodeID,
//	        flowgate.Decision{Approved: true, ReviewedBy: "ada"}, nil)
//	}
package flowgate

import (
	"context"

	"github.com/eleven-am/flowgate/internal/adapters/definitions"
	"github.com/eleven-am/flowgate/internal/adapters/engine"
	"github.com/eleven-am/flowgate/internal/adapters/health"
	"github.com/eleven-am/flowgate/internal/adapters/memory"
	"github.com/eleven-am/flowgate/internal/core"
	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
)

// Manager owns one engine instance: storage, tools, the review coordinator
// and the optional HTTP server.
type Manager = core.Manager

// Dependencies carries the collaborators that cannot be built from Config,
// such as the language model.
type Dependencies = core.Dependencies

// Decision is a reviewer's verdict passed to ResumeAfterReview.
type Decision = core.Decision

// Workflow definition types

type WorkflowDefinition = domain.WorkflowDefinition
type WorkflowSettings = domain.WorkflowSettings
type NodeDefinition = domain.NodeDefinition
type EdgeDefinition = domain.EdgeDefinition
type EdgeCondition = domain.EdgeCondition
type NodeKind = domain.NodeKind

// Execution types

type ExecuteOptions = engine.ExecuteOptions
type ExecuteResult = engine.ExecuteResult
type ExecutionRecord = domain.ExecutionRecord
type ExecutionStatus = domain.ExecutionStatus
type ExecutionError = domain.ExecutionError
type Step = domain.Step
type WaitingInfo = domain.WaitingInfo
type ReviewEvent = domain.ReviewEvent
type ReviewAction = domain.ReviewAction
type HealthStatus = health.Status

// Collaborator interfaces

type LanguageModel = ports.LanguageModel
type CompletionRequest = ports.CompletionRequest
type Completion = ports.Completion
type Message = ports.Message
type ToolSpec = ports.ToolSpec
type ToolCall = ports.ToolCall
type Tool = ports.Tool
type TaskSystem = ports.TaskSystem
type TaskRequest = ports.TaskRequest
type TaskStatus = ports.TaskStatus

// EngineError is the classified failure returned for node and execution
// errors; Kind says which class it is.
type EngineError = domain.EngineError

const (
	NodeStart         = domain.NodeStart
	NodeEnd           = domain.NodeEnd
	NodeLLM           = domain.NodeLLM
	NodeTool          = domain.NodeTool
	NodeCondition     = domain.NodeCondition
	NodeTransform     = domain.NodeTransform
	NodeMemory        = domain.NodeMemory
	NodeHumanReview   = domain.NodeHumanReview
	NodeAgent         = domain.NodeAgent
	NodeAgentWithHITL = domain.NodeAgentWithHITL
)

const (
	StatusPending            = domain.ExecutionPending
	StatusRunning            = domain.ExecutionRunning
	StatusWaitingHumanReview = domain.ExecutionWaitingHumanReview
	StatusCompleted          = domain.ExecutionCompleted
	StatusFailed             = domain.ExecutionFailed
	StatusAborted            = domain.ExecutionAborted
)

const (
	ReviewApprove = domain.ReviewApprove
	ReviewReject  = domain.ReviewReject
)

var (
	ErrNotFound         = domain.ErrNotFound
	ErrInvalidConfig    = domain.ErrInvalidConfig
	ErrInvalidInput     = domain.ErrInvalidInput
	ErrStatusMismatch   = domain.ErrStatusMismatch
	ErrNotRetryable     = domain.ErrNotRetryable
	ErrRetriesExhausted = domain.ErrRetriesExhausted
	ErrNotStarted       = domain.ErrNotStarted
)

// New builds a Manager. A nil config means DefaultConfig.
func New(config *Config, deps Dependencies) (*Manager, error) {
	return core.NewWithConfig(config, deps)
}

// NewFuncTool adapts a plain function to the Tool interface. The function
// receives the node's resolved input encoded as JSON.
func NewFuncTool(name, description string, fn func(ctx context.Context, input []byte) (interface{}, error)) Tool {
	return memory.NewFuncTool(name, description, fn)
}

// ParseWorkflow decodes and validates a JSON or YAML workflow document.
func ParseWorkflow(data []byte, format string) (*WorkflowDefinition, error) {
	return definitions.Parse(data, definitions.Format(format))
}

// LoadWorkflowFile reads a workflow document, choosing the format from the
// file extension.
func LoadWorkflowFile(path string) (*WorkflowDefinition, error) {
	return definitions.LoadFile(path)
}

func IsRetryable(err error) bool {
	return domain.IsRetryable(err)
}
