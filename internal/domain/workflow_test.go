package domain

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validWorkflow() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID: "wf",
		Nodes: []NodeDefinition{
			{ID: "start", Type: NodeStart},
			{ID: "work", Type: NodeTool},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []EdgeDefinition{
			{Source: "start", Target: "work"},
			{Source: "work", Target: "end", Condition: &EdgeCondition{Expression: "{{ok}}"}},
			{Source: "work", Target: "start"},
		},
	}
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	require.NoError(t, validWorkflow().Validate())

	tests := []struct {
		name   string
		mutate func(*WorkflowDefinition)
	}{
		{"missing id", func(w *WorkflowDefinition) { w.ID = "" }},
		{"no nodes", func(w *WorkflowDefinition) { w.Nodes = nil }},
		{"duplicate node", func(w *WorkflowDefinition) { w.Nodes[1].ID = "start" }},
		{"unknown kind", func(w *WorkflowDefinition) { w.Nodes[1].Type = "webhook" }},
		{"no start", func(w *WorkflowDefinition) { w.Nodes[0].Type = NodeTransform }},
		{"two starts", func(w *WorkflowDefinition) { w.Nodes[1].Type = NodeStart }},
		{"dangling target", func(w *WorkflowDefinition) { w.Edges[0].Target = "ghost" }},
		{"dangling source", func(w *WorkflowDefinition) { w.Edges[0].Source = "ghost" }},
		{"unknown condition type", func(w *WorkflowDefinition) {
			w.Edges[1].Condition = &EdgeCondition{Type: "regex", Value: "x"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validWorkflow()
			tt.mutate(def)
			assert.True(t, IsConfigurationError(def.Validate()))
		})
	}

	var nilDef *WorkflowDefinition
	assert.True(t, IsConfigurationError(nilDef.Validate()))
}

func TestWorkflowDefinition_Lookups(t *testing.T) {
	def := validWorkflow()

	start, ok := def.StartNode()
	require.True(t, ok)
	assert.Equal(t, "start", start.ID)

	_, ok = def.Node("ghost")
	assert.False(t, ok)

	outgoing := def.Outgoing("work")
	require.Len(t, outgoing, 2)
	assert.Equal(t, "end", outgoing[0].Target)
	assert.Equal(t, "start", outgoing[1].Target)
}

func TestEdgeCondition_JSON(t *testing.T) {
	var edges []EdgeDefinition
	require.NoError(t, json.Unmarshal([]byte(`[
		{"source":"a","target":"b","condition":"{{score}} > 5"},
		{"source":"a","target":"c","condition":{"type":"output_contains","value":"urgent"}},
		{"source":"a","target":"d","condition":""}
	]`), &edges))

	assert.Equal(t, "{{score}} > 5", edges[0].Condition.Expression)
	assert.False(t, edges[0].Unconditional())
	assert.Equal(t, ConditionOutputContains, edges[1].Condition.Type)
	assert.Equal(t, "urgent", edges[1].Condition.Value)
	assert.True(t, edges[2].Unconditional())

	encoded, err := json.Marshal(edges[0].Condition)
	require.NoError(t, err)
	assert.JSONEq(t, `"{{score}} > 5"`, string(encoded))
}

func TestNodeKind(t *testing.T) {
	assert.True(t, NodeAgentWithHITL.Valid())
	assert.False(t, NodeKind("webhook").Valid())
	assert.True(t, NodeHumanReview.Suspends())
	assert.False(t, NodeAgent.Suspends())
}
