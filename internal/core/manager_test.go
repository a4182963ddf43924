package core

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eleven-am/flowgate/internal/adapters/engine"
	"github.com/eleven-am/flowgate/internal/adapters/memory"
	"github.com/eleven-am/flowgate/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	config := domain.DefaultConfig()
	config.Storage.InMemory = true
	config.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	m, err := NewWithConfig(config, Dependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })
	return m
}

func approvalWorkflow() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID: "approval",
		Nodes: []domain.NodeDefinition{
			{ID: "start", Type: domain.NodeStart},
			{ID: "review", Type: domain.NodeHumanReview, Config: map[string]interface{}{"message": "check {{topic}}"}},
			{ID: "end", Type: domain.NodeEnd, Config: map[string]interface{}{"output": "{{reviewNotes}}"}},
		},
		Edges: []domain.EdgeDefinition{
			{Source: "start", Target: "review"},
			{Source: "review", Target: "end"},
		},
	}
}

func TestNewWithConfig_RejectsInvalidConfig(t *testing.T) {
	config := domain.DefaultConfig()
	config.Engine.MaxSteps = 0

	_, err := NewWithConfig(config, Dependencies{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestManager_ExecuteRegisteredWorkflow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RegisterTool(memory.NewFuncTool("shout", "upper-cases the topic", func(ctx context.Context, input []byte) (interface{}, error) {
		var args map[string]interface{}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		topic, _ := args["topic"].(string)
		return strings.ToUpper(topic), nil
	})))
	require.NoError(t, m.RegisterWorkflow(&domain.WorkflowDefinition{
		ID: "shout",
		Nodes: []domain.NodeDefinition{
			{ID: "start", Type: domain.NodeStart},
			{ID: "call", Type: domain.NodeTool, Config: map[string]interface{}{
				"tool":  "shout",
				"input": map[string]interface{}{"topic": "{{topic}}"},
			}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.EdgeDefinition{{Source: "start", Target: "call"}, {Source: "call", Target: "end"}},
	}))

	result, err := m.ExecuteWorkflow(ctx, "shout", map[string]interface{}{"topic": "go"}, engine.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.Equal(t, "GO", result.Output)

	_, err = m.ExecuteWorkflow(ctx, "missing", nil, engine.ExecuteOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_ResumeAfterReview(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	result, err := m.Execute(ctx, approvalWorkflow(), map[string]interface{}{"topic": "launch"}, engine.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionWaitingHumanReview, result.Status)

	waiting, err := m.ListExecutions(ctx, domain.ExecutionWaitingHumanReview)
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	applied, err := m.ResumeAfterReview(ctx, result.ExecutionID, "other", Decision{Approved: true}, nil)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = m.ResumeAfterReview(ctx, result.ExecutionID, "review", Decision{
		Approved:   true,
		ReviewedBy: "ada",
		Comments:   "ship it",
	}, map[string]interface{}{"ticket": "OPS-1"})
	require.NoError(t, err)
	assert.True(t, applied)

	record, err := m.GetStatus(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, record.Status)
	assert.Equal(t, "ship it", record.Output)

	applied, err = m.ResumeAfterReview(ctx, result.ExecutionID, "review", Decision{Approved: false}, nil)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestManager_WebhookResumesExecution(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	result, err := m.Execute(ctx, approvalWorkflow(), nil, engine.ExecuteOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.WaitingInfo)

	body := `{"taskId":"` + result.WaitingInfo.TaskID + `","approved":false,"comments":"too risky"}`
	req := httptest.NewRequest(http.MethodPost, "/reviews/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	m.WebhookHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"applied":true}`, rec.Body.String())

	record, err := m.GetStatus(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, record.Status)
	assert.Equal(t, false, record.Context[domain.VarApproved])
}

func TestManager_Abort(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	result, err := m.Execute(ctx, approvalWorkflow(), nil, engine.ExecuteOptions{})
	require.NoError(t, err)

	assert.True(t, m.Abort(ctx, result.ExecutionID, "cancelled"))
	assert.False(t, m.Abort(ctx, result.ExecutionID, "again"))
	assert.False(t, m.Abort(ctx, "unknown", "nope"))

	record, err := m.GetStatus(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionAborted, record.Status)
}

func TestManager_LoadWorkflows(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()

	doc := `
id: greet
nodes:
  - id: start
    type: start
  - id: end
    type: end
    config:
      output: "hello {{name}}"
edges:
  - source: start
    target: end
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(doc), 0o644))

	count, err := m.LoadWorkflows(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	result, err := m.ExecuteWorkflow(context.Background(), "greet", map[string]interface{}{"name": "ada"}, engine.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", result.Output)
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	status := m.Health(ctx)
	assert.False(t, status.Healthy)
	assert.Equal(t, domain.ErrNotStarted.Error(), status.Components["engine"])

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), domain.ErrAlreadyStarted)
	assert.True(t, m.Running())

	status = m.Health(ctx)
	assert.True(t, status.Healthy)

	result, err := m.Execute(ctx, approvalWorkflow(), nil, engine.ExecuteOptions{Async: true})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ExecutionID)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.False(t, m.Running())
	assert.ErrorIs(t, m.Start(ctx), domain.ErrNotStarted)
}
