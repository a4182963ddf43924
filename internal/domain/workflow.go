package domain

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// NodeKind is the closed set of node types a workflow graph may contain.
type NodeKind string

const (
	NodeStart         NodeKind = "start"
	NodeEnd           NodeKind = "end"
	NodeLLM           NodeKind = "llm"
	NodeTool          NodeKind = "tool"
	NodeCondition     NodeKind = "condition"
	NodeTransform     NodeKind = "transform"
	NodeMemory        NodeKind = "memory"
	NodeHumanReview   NodeKind = "human_review"
	NodeAgent         NodeKind = "agent"
	NodeAgentWithHITL NodeKind = "agent_with_hitl"
)

var nodeKinds = []NodeKind{
	NodeStart, NodeEnd, NodeLLM, NodeTool, NodeCondition,
	NodeTransform, NodeMemory, NodeHumanReview, NodeAgent, NodeAgentWithHITL,
}

func (k NodeKind) Valid() bool {
	for _, known := range nodeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Suspends reports whether nodes of this kind may pause the execution
// pending a review decision.
func (k NodeKind) Suspends() bool {
	return k == NodeHumanReview || k == NodeAgentWithHITL
}

type NodeDefinition struct {
	ID     string                 `json:"id" yaml:"id"`
	Type   NodeKind               `json:"type" yaml:"type"`
	Name   string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

const ConditionOutputContains = "output_contains"

// EdgeCondition is either a template expression such as "{{score}} > 5" or a
// declarative check against the source node's output.
type EdgeCondition struct {
	Expression string      `json:"expression,omitempty"`
	Type       string      `json:"type,omitempty"`
	Value      interface{} `json:"value,omitempty"`
}

func (c *EdgeCondition) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &c.Expression)
	}

	type plain EdgeCondition
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*c = EdgeCondition(decoded)
	return nil
}

func (c EdgeCondition) MarshalJSON() ([]byte, error) {
	if c.Type == "" {
		return json.Marshal(c.Expression)
	}
	type plain EdgeCondition
	return json.Marshal(plain(c))
}

type EdgeDefinition struct {
	ID        string         `json:"id,omitempty" yaml:"id,omitempty"`
	Source    string         `json:"source" yaml:"source"`
	Target    string         `json:"target" yaml:"target"`
	Condition *EdgeCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

func (e EdgeDefinition) Unconditional() bool {
	return e.Condition == nil || (e.Condition.Type == "" && strings.TrimSpace(e.Condition.Expression) == "")
}

// RetrySpec is the authoring form of a retry policy. Zero fields inherit from
// the enclosing scope (node, then workflow, then engine). MaxRetries is a
// pointer so an explicit 0 turns retries off instead of inheriting.
type RetrySpec struct {
	MaxRetries        *int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	InitialIntervalMs int64   `json:"initialIntervalMs,omitempty" yaml:"initialIntervalMs,omitempty"`
	BackoffFactor     float64 `json:"backoffFactor,omitempty" yaml:"backoffFactor,omitempty"`
	MaxIntervalMs     int64   `json:"maxIntervalMs,omitempty" yaml:"maxIntervalMs,omitempty"`
}

func (r RetrySpec) Policy() RetryPolicy {
	policy := RetryPolicy{
		InitialInterval: time.Duration(r.InitialIntervalMs) * time.Millisecond,
		BackoffFactor:   r.BackoffFactor,
		MaxInterval:     time.Duration(r.MaxIntervalMs) * time.Millisecond,
	}
	if r.MaxRetries != nil {
		policy.MaxRetries = *r.MaxRetries
	}
	return policy
}

type WorkflowSettings struct {
	Retry              RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`
	MaxRetries         int       `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	NodeTimeoutSeconds int       `json:"nodeTimeoutSeconds,omitempty" yaml:"nodeTimeoutSeconds,omitempty"`
	ReviewTimeoutHours float64   `json:"reviewTimeoutHours,omitempty" yaml:"reviewTimeoutHours,omitempty"`
	FanOut             bool      `json:"fanOut,omitempty" yaml:"fanOut,omitempty"`
}

type WorkflowDefinition struct {
	ID        string                 `json:"id" yaml:"id"`
	Name      string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Version   int                    `json:"version,omitempty" yaml:"version,omitempty"`
	Nodes     []NodeDefinition       `json:"nodes" yaml:"nodes"`
	Edges     []EdgeDefinition       `json:"edges" yaml:"edges"`
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
	Settings  WorkflowSettings       `json:"config,omitempty" yaml:"config,omitempty"`
}

func (w *WorkflowDefinition) Node(id string) (*NodeDefinition, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// Outgoing returns the edges leaving nodeID in declaration order.
func (w *WorkflowDefinition) Outgoing(nodeID string) []EdgeDefinition {
	var edges []EdgeDefinition
	for _, edge := range w.Edges {
		if edge.Source == nodeID {
			edges = append(edges, edge)
		}
	}
	return edges
}

func (w *WorkflowDefinition) StartNode() (*NodeDefinition, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].Type == NodeStart {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// Validate rejects definitions the walker could not drive: unknown node
// kinds, duplicate ids, dangling edges and a missing or repeated start node.
func (w *WorkflowDefinition) Validate() error {
	if w == nil {
		return NewConfigurationError("", "workflow definition is required", nil)
	}
	if w.ID == "" {
		return NewConfigurationError("", "workflow id is required", nil)
	}
	if len(w.Nodes) == 0 {
		return NewConfigurationError("", fmt.Sprintf("workflow %s has no nodes", w.ID), nil)
	}

	seen := make(map[string]bool, len(w.Nodes))
	starts := 0
	for _, node := range w.Nodes {
		if node.ID == "" {
			return NewConfigurationError("", "node id is required", nil)
		}
		if seen[node.ID] {
			return NewConfigurationError(node.ID, "duplicate node id", nil)
		}
		seen[node.ID] = true

		if !node.Type.Valid() {
			return NewConfigurationError(node.ID, fmt.Sprintf("unknown node type %q", node.Type), nil)
		}
		if node.Type == NodeStart {
			starts++
		}
	}

	if starts != 1 {
		return NewConfigurationError("", fmt.Sprintf("workflow %s must declare exactly one start node, found %d", w.ID, starts), nil)
	}

	for _, edge := range w.Edges {
		if !seen[edge.Source] {
			return NewConfigurationError(edge.Source, fmt.Sprintf("edge references unknown source %q", edge.Source), nil)
		}
		if !seen[edge.Target] {
			return NewConfigurationError(edge.Source, fmt.Sprintf("edge references unknown target %q", edge.Target), nil)
		}
		if edge.Condition != nil && edge.Condition.Type != "" && edge.Condition.Type != ConditionOutputContains {
			return NewConfigurationError(edge.Source, fmt.Sprintf("unsupported edge condition type %q", edge.Condition.Type), nil)
		}
	}

	return nil
}
