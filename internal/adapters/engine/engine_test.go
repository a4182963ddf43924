package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/flowgate/internal/adapters/executor"
	"github.com/eleven-am/flowgate/internal/adapters/memory"
	"github.com/eleven-am/flowgate/internal/adapters/review"
	"github.com/eleven-am/flowgate/internal/adapters/storage"
	"github.com/eleven-am/flowgate/internal/adapters/store"
	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	"github.com/eleven-am/flowgate/internal/ports/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	ports.NoopMetrics
	mu       sync.Mutex
	retries  int
	finished map[domain.ExecutionStatus]int
}

func (m *recordingMetrics) NodeRetried(domain.NodeKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *recordingMetrics) ExecutionFinished(_ string, status domain.ExecutionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = make(map[domain.ExecutionStatus]int)
	}
	m.finished[status]++
}

type harness struct {
	engine  *Engine
	store   *store.ExecutionStore
	tools   *memory.MemoryToolRegistry
	model   *mocks.MockLanguageModel
	reviews *review.Coordinator
	metrics *recordingMetrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, configure ...func(*domain.EngineConfig)) *harness {
	t.Helper()
	logger := testLogger()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	config := domain.DefaultEngineConfig()
	config.Retry = domain.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, BackoffFactor: 1}
	for _, fn := range configure {
		fn(&config)
	}

	h := &harness{
		store:   store.NewExecutionStore(storage.NewStore(db, logger), logger),
		tools:   memory.NewMemoryToolRegistry(logger),
		model:   new(mocks.MockLanguageModel),
		metrics: &recordingMetrics{},
	}

	exec := executor.New(executor.Dependencies{Model: h.model, Tools: h.tools, Logger: logger})
	h.engine = NewEngine(config, 0, Dependencies{
		Store:    h.store,
		Executor: exec,
		Metrics:  h.metrics,
		Logger:   logger,
	})
	h.reviews = review.NewCoordinator(domain.DefaultReviewConfig(), review.Dependencies{
		Store:   h.store,
		Resumer: h.engine,
		Logger:  logger,
	})
	return h
}

func (h *harness) register(t *testing.T, name string, fn func(ctx context.Context, input []byte) (interface{}, error)) {
	t.Helper()
	require.NoError(t, h.tools.Register(memory.NewFuncTool(name, name, fn)))
}

func (h *harness) record(t *testing.T, id string) *domain.ExecutionRecord {
	t.Helper()
	record, err := h.engine.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return record
}

func node(id string, kind domain.NodeKind, config map[string]interface{}) domain.NodeDefinition {
	return domain.NodeDefinition{ID: id, Type: kind, Config: config}
}

func edge(source, target string) domain.EdgeDefinition {
	return domain.EdgeDefinition{Source: source, Target: target}
}

func when(source, target, expression string) domain.EdgeDefinition {
	return domain.EdgeDefinition{Source: source, Target: target, Condition: &domain.EdgeCondition{Expression: expression}}
}

func workflow(id string, nodes []domain.NodeDefinition, edges ...domain.EdgeDefinition) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{ID: id, Nodes: nodes, Edges: edges}
}

func stepIDs(record *domain.ExecutionRecord) []string {
	ids := make([]string, len(record.Steps))
	for i, step := range record.Steps {
		ids[i] = step.NodeID
	}
	return ids
}

func TestExecute_LinearLLMWorkflow(t *testing.T) {
	h := newHarness(t)
	h.model.On("Invoke", mock.Anything, mock.MatchedBy(func(req ports.CompletionRequest) bool {
		return req.Messages[len(req.Messages)-1].Content == "Write about x"
	})).Return(&ports.Completion{Text: "an essay"}, nil).Once()

	def := workflow("essay", []domain.NodeDefinition{
		node("start", domain.NodeStart, map[string]interface{}{"parameters": []interface{}{"topic"}}),
		node("llm", domain.NodeLLM, map[string]interface{}{"userPrompt": "Write about {{topic}}"}),
		node("end", domain.NodeEnd, map[string]interface{}{"output": map[string]interface{}{"essay": "{{llm.output.text}}"}}),
	}, edge("start", "llm"), edge("llm", "end"))

	result, err := h.engine.Execute(context.Background(), def, map[string]interface{}{"topic": "x"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.Equal(t, 3, result.Steps)
	assert.Equal(t, map[string]interface{}{"essay": "an essay"}, result.Output)

	record := h.record(t, result.ExecutionID)
	assert.Equal(t, []string{"start", "llm", "end"}, stepIDs(record))
	for _, step := range record.Steps {
		assert.Equal(t, domain.StepCompleted, step.Status)
		assert.Zero(t, step.RetryAttempt)
	}
	assert.NotNil(t, record.CompletedAt)
	assert.Nil(t, record.WaitingInfo)
	assert.Equal(t, "essay", record.Context[domain.VarWorkflowID])
	assert.Equal(t, 1, h.metrics.finished[domain.ExecutionCompleted])
	h.model.AssertExpectations(t)
}

func TestExecute_RejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Execute(context.Background(), workflow("broken", []domain.NodeDefinition{
		node("end", domain.NodeEnd, nil),
	}), nil, ExecuteOptions{ExecutionID: "exec-1"})
	require.Error(t, err)
	assert.True(t, domain.IsConfigurationError(err))

	_, err = h.engine.GetStatus(context.Background(), "exec-1")
	assert.True(t, domain.IsNotFound(err))
}

func TestExecute_AppliesWorkflowVariables(t *testing.T) {
	h := newHarness(t)
	def := workflow("vars", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("end", domain.NodeEnd, map[string]interface{}{"output": "{{greeting}} {{name}}"}),
	}, edge("start", "end"))
	def.Variables = map[string]interface{}{"greeting": "hello", "name": "world"}

	result, err := h.engine.Execute(context.Background(), def, map[string]interface{}{"name": "ada"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", result.Output)
}

func reviewWorkflow() *domain.WorkflowDefinition {
	return workflow("approval", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("review", domain.NodeHumanReview, map[string]interface{}{"message": "Please review {{topic}}"}),
		node("end", domain.NodeEnd, map[string]interface{}{"output": map[string]interface{}{
			"approved": "{{approved}}",
			"by":       "{{review.output.reviewedBy}}",
		}}),
	}, edge("start", "review"), edge("review", "end"))
}

func TestExecute_HumanReviewSuspendsAndResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.engine.Execute(ctx, reviewWorkflow(), map[string]interface{}{"topic": "x"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionWaitingHumanReview, result.Status)
	assert.Equal(t, 2, result.Steps)
	require.NotNil(t, result.WaitingInfo)
	assert.Equal(t, "review", result.WaitingInfo.NodeID)
	assert.Equal(t, domain.ReviewModeLocal, result.WaitingInfo.Mode)
	assert.NotEmpty(t, result.WaitingInfo.TaskID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), result.WaitingInfo.ExpiresAt, time.Minute)

	waiting := h.record(t, result.ExecutionID)
	assert.Equal(t, domain.StepWaiting, waiting.Steps[1].Status)
	assert.Equal(t, "review", waiting.CurrentNode)

	applied, err := h.reviews.HandleEvent(ctx, domain.ReviewEvent{
		TaskID:     result.WaitingInfo.TaskID,
		Action:     domain.ReviewApprove,
		ReviewedBy: "ada",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	record := h.record(t, result.ExecutionID)
	assert.Equal(t, domain.ExecutionCompleted, record.Status)
	assert.Equal(t, []string{"start", "review", "end"}, stepIDs(record))
	assert.Equal(t, domain.StepCompleted, record.Steps[1].Status)
	assert.Equal(t, map[string]interface{}{"approved": true, "by": "ada"}, record.Output)
	assert.Nil(t, record.Resume)

	applied, err = h.reviews.HandleEvent(ctx, domain.ReviewEvent{TaskID: result.WaitingInfo.TaskID, Action: domain.ReviewApprove})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, h.record(t, result.ExecutionID).Steps, 3)
}

func TestExecute_ReviewRejectFollowsRejectPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := workflow("paths", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("review", domain.NodeHumanReview, map[string]interface{}{"approvePath": "publish", "rejectPath": "revise"}),
		node("publish", domain.NodeEnd, map[string]interface{}{"output": "published"}),
		node("revise", domain.NodeEnd, map[string]interface{}{"output": "{{reviewNotes}}"}),
	}, edge("start", "review"), edge("review", "publish"))

	result, err := h.engine.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)

	applied, err := h.reviews.HandleEvent(ctx, domain.ReviewEvent{
		ExecutionID: result.ExecutionID,
		NodeID:      "review",
		Action:      domain.ReviewReject,
		Comments:    "needs work",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	record := h.record(t, result.ExecutionID)
	assert.Equal(t, domain.ExecutionCompleted, record.Status)
	assert.Equal(t, []string{"start", "review", "revise"}, stepIDs(record))
	assert.Equal(t, "needs work", record.Output)
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.engine.Execute(ctx, reviewWorkflow(), nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.True(t, h.engine.Abort(ctx, result.ExecutionID, "no longer needed"))

	record := h.record(t, result.ExecutionID)
	assert.Equal(t, domain.ExecutionAborted, record.Status)
	assert.Nil(t, record.WaitingInfo)
	require.NotNil(t, record.Error)
	assert.Equal(t, domain.KindAborted, record.Error.Type)

	applied, err := h.reviews.HandleEvent(ctx, domain.ReviewEvent{TaskID: result.WaitingInfo.TaskID, Action: domain.ReviewApprove})
	require.NoError(t, err)
	assert.False(t, applied)

	assert.False(t, h.engine.Abort(ctx, result.ExecutionID, "again"))
	assert.False(t, h.engine.Abort(ctx, "missing", ""))
}

func conditionWorkflow() *domain.WorkflowDefinition {
	return workflow("branch", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("check", domain.NodeCondition, map[string]interface{}{
			"expression": "{{score}} > 5",
			"truthyPath": "high",
			"falsyPath":  "low",
		}),
		node("high", domain.NodeTransform, map[string]interface{}{"operation": "set", "field": "label", "value": "high"}),
		node("low", domain.NodeTransform, map[string]interface{}{"operation": "set", "field": "label", "value": "low"}),
		node("end", domain.NodeEnd, map[string]interface{}{"output": "{{label}}"}),
	},
		edge("start", "check"),
		edge("check", "high"),
		edge("check", "low"),
		edge("high", "end"),
		edge("low", "end"),
	)
}

func TestExecute_ConditionBranching(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{10, "high"},
		{2, "low"},
		{5, "low"},
	}

	for _, tt := range tests {
		h := newHarness(t)
		result, err := h.engine.Execute(context.Background(), conditionWorkflow(), map[string]interface{}{"score": tt.score}, ExecuteOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionCompleted, result.Status)
		assert.Equal(t, tt.want, result.Output, "score %d", tt.score)
		assert.Equal(t, []string{"start", "check", tt.want, "end"}, stepIDs(h.record(t, result.ExecutionID)))
	}
}

func TestExecute_EdgeConditionsInDeclarationOrder(t *testing.T) {
	def := workflow("edges", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("high", domain.NodeEnd, map[string]interface{}{"output": "high"}),
		node("low", domain.NodeEnd, map[string]interface{}{"output": "low"}),
	},
		when("start", "high", "{{score}} >= 5"),
		edge("start", "low"),
	)

	h := newHarness(t)
	result, err := h.engine.Execute(context.Background(), def, map[string]interface{}{"score": 7}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "high", result.Output)

	result, err = h.engine.Execute(context.Background(), def, map[string]interface{}{"score": 1}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "low", result.Output)
}

func TestExecute_OutputContainsEdge(t *testing.T) {
	h := newHarness(t)
	h.register(t, "classify", func(ctx context.Context, input []byte) (interface{}, error) {
		return []interface{}{"urgent", "billing"}, nil
	})

	def := workflow("contains", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("classify", domain.NodeTool, map[string]interface{}{"tool": "classify"}),
		node("escalate", domain.NodeEnd, map[string]interface{}{"output": "escalated"}),
		node("queue", domain.NodeEnd, map[string]interface{}{"output": "queued"}),
	},
		edge("start", "classify"),
		domain.EdgeDefinition{Source: "classify", Target: "escalate", Condition: &domain.EdgeCondition{Type: domain.ConditionOutputContains, Value: "urgent"}},
		edge("classify", "queue"),
	)

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "escalated", result.Output)
}

func TestExecute_NoQualifyingEdgeFails(t *testing.T) {
	h := newHarness(t)
	def := workflow("stuck", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("end", domain.NodeEnd, nil),
	}, when("start", "end", "{{missing}} == yes"))

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.KindConfiguration, result.Error.Type)
	assert.Equal(t, "start", result.Error.NodeID)
}

func TestExecute_NodeRetryRecordsAttempt(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, "flaky", func(ctx context.Context, input []byte) (interface{}, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("temporarily unavailable")
		}
		return "ok", nil
	})

	def := workflow("retry", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("flaky", domain.NodeTool, map[string]interface{}{"tool": "flaky"}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "flaky"), edge("flaky", "end"))

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.Equal(t, "ok", result.Output)

	record := h.record(t, result.ExecutionID)
	require.Len(t, record.Steps, 3)
	assert.Equal(t, 2, record.Steps[1].RetryAttempt)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, h.metrics.retries)
}

func TestExecute_NodeCanDisableRetries(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, "charge", func(ctx context.Context, input []byte) (interface{}, error) {
		calls.Add(1)
		return nil, errors.New("gateway timeout")
	})

	def := workflow("payment", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("charge", domain.NodeTool, map[string]interface{}{"tool": "charge", "maxRetries": 0}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "charge"), edge("charge", "end"))

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, h.metrics.retries)

	record := h.record(t, result.ExecutionID)
	require.Len(t, record.Steps, 2)
	assert.Zero(t, record.Steps[1].RetryAttempt)
}

func TestRetry_ResumesFromFailedNode(t *testing.T) {
	h := newHarness(t)
	var failing atomic.Bool
	failing.Store(true)
	h.register(t, "deploy", func(ctx context.Context, input []byte) (interface{}, error) {
		if failing.Load() {
			return nil, errors.New("registry down")
		}
		return "deployed", nil
	})

	def := workflow("deploy", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("deploy", domain.NodeTool, map[string]interface{}{"tool": "deploy", "maxRetries": 1}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "deploy"), edge("deploy", "end"))

	ctx := context.Background()
	result, err := h.engine.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.True(t, result.Error.Retryable)

	failed := h.record(t, result.ExecutionID)
	assert.Equal(t, "deploy", failed.CurrentNode)
	assert.Equal(t, domain.StepFailed, failed.Steps[1].Status)
	assert.Equal(t, 1, failed.Steps[1].RetryAttempt)

	failing.Store(false)
	retried, err := h.engine.Retry(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, retried.Status)
	assert.Equal(t, "deployed", retried.Output)

	record := h.record(t, result.ExecutionID)
	assert.Equal(t, 1, record.RetryCount)
	assert.Nil(t, record.Error)
	assert.Equal(t, []string{"start", "deploy", "deploy", "end"}, stepIDs(record))

	_, err = h.engine.Retry(ctx, result.ExecutionID)
	assert.True(t, domain.IsStatusMismatch(err))
}

func TestRetry_Limits(t *testing.T) {
	h := newHarness(t)
	h.register(t, "down", func(ctx context.Context, input []byte) (interface{}, error) {
		return nil, errors.New("down")
	})
	ctx := context.Background()

	notRetryable := workflow("config", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("tool", domain.NodeTool, map[string]interface{}{"tool": "unregistered"}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "tool"), edge("tool", "end"))

	result, err := h.engine.Execute(ctx, notRetryable, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.False(t, result.Error.Retryable)
	assert.Zero(t, h.record(t, result.ExecutionID).Steps[1].RetryAttempt, "configuration errors are not retried")

	_, err = h.engine.Retry(ctx, result.ExecutionID)
	assert.ErrorIs(t, err, domain.ErrNotRetryable)

	bounded := workflow("bounded", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("tool", domain.NodeTool, map[string]interface{}{"tool": "down"}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "tool"), edge("tool", "end"))
	bounded.Settings.MaxRetries = 1

	result, err = h.engine.Execute(ctx, bounded, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)

	retried, err := h.engine.Retry(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, retried.Status)

	_, err = h.engine.Retry(ctx, result.ExecutionID)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
}

func TestExecute_NodeTimeout(t *testing.T) {
	h := newHarness(t, func(c *domain.EngineConfig) {
		c.NodeTimeout = 50 * time.Millisecond
		c.Retry = domain.RetryPolicy{}
	})
	h.register(t, "hang", func(ctx context.Context, input []byte) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := workflow("slow", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("hang", domain.NodeTool, map[string]interface{}{"tool": "hang"}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "hang"), edge("hang", "end"))

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.KindToolExecution, result.Error.Type)
	assert.Contains(t, result.Error.Message, "timed out")
}

func TestExecute_PanicBecomesInternalError(t *testing.T) {
	h := newHarness(t)
	h.register(t, "explode", func(ctx context.Context, input []byte) (interface{}, error) {
		panic("kaboom")
	})

	def := workflow("panic", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("explode", domain.NodeTool, map[string]interface{}{"tool": "explode"}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "explode"), edge("explode", "end"))

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, domain.KindInternal, result.Error.Type)
	assert.False(t, result.Error.Retryable)
	assert.Zero(t, h.metrics.retries)
}

func TestExecute_MaxStepsGuard(t *testing.T) {
	h := newHarness(t, func(c *domain.EngineConfig) { c.MaxSteps = 10 })

	def := workflow("loop", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("loop", domain.NodeTransform, map[string]interface{}{"operation": "append", "field": "items", "value": "x"}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "loop"), edge("loop", "loop"))

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, domain.KindInternal, result.Error.Type)
	assert.Equal(t, 10, result.Steps)
}

func TestExecute_FanOutRunsBranchesInTurn(t *testing.T) {
	h := newHarness(t)
	def := workflow("fan", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("a", domain.NodeTransform, map[string]interface{}{"operation": "set", "field": "left", "value": "A"}),
		node("b", domain.NodeTransform, map[string]interface{}{"operation": "set", "field": "right", "value": "B"}),
		node("endA", domain.NodeEnd, map[string]interface{}{"output": "{{left}}"}),
		node("endB", domain.NodeEnd, map[string]interface{}{"output": "{{left}}{{right}}"}),
	},
		edge("start", "a"),
		edge("start", "b"),
		edge("a", "endA"),
		edge("b", "endB"),
	)
	def.Settings.FanOut = true

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.Equal(t, "AB", result.Output)

	record := h.record(t, result.ExecutionID)
	assert.Equal(t, []string{"start", "a", "endA", "b", "endB"}, stepIDs(record))
	assert.Empty(t, record.Queue)
}

func TestExecute_AgentWithHITL(t *testing.T) {
	h := newHarness(t)
	var deploys atomic.Int32
	h.register(t, "deploy", func(ctx context.Context, input []byte) (interface{}, error) {
		deploys.Add(1)
		return "deployed", nil
	})

	h.model.On("Invoke", mock.Anything, mock.MatchedBy(func(req ports.CompletionRequest) bool {
		return req.Messages[len(req.Messages)-1].Role != ports.RoleTool
	})).Return(&ports.Completion{Text: "deploying", ToolCalls: []ports.ToolCall{{ID: "c1", Name: "deploy"}}}, nil)
	h.model.On("Invoke", mock.Anything, mock.MatchedBy(func(req ports.CompletionRequest) bool {
		return req.Messages[len(req.Messages)-1].Role == ports.RoleTool
	})).Return(&ports.Completion{Text: "done"}, nil)

	def := workflow("agent", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("agent", domain.NodeAgentWithHITL, map[string]interface{}{"task": "ship it", "tools": []interface{}{"deploy"}}),
		node("end", domain.NodeEnd, map[string]interface{}{"output": "{{agent.output.text}}"}),
	}, edge("start", "agent"), edge("agent", "end"))

	ctx := context.Background()
	result, err := h.engine.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionWaitingHumanReview, result.Status)
	assert.Equal(t, executor.WaitingForToolApproval, result.WaitingInfo.WaitingFor)
	assert.Zero(t, deploys.Load())

	applied, err := h.reviews.HandleEvent(ctx, domain.ReviewEvent{TaskID: result.WaitingInfo.TaskID, Action: domain.ReviewApprove})
	require.NoError(t, err)
	assert.True(t, applied)

	record := h.record(t, result.ExecutionID)
	assert.Equal(t, domain.ExecutionCompleted, record.Status)
	assert.Equal(t, "done", record.Output)
	assert.Equal(t, []string{"start", "agent", "agent", "end"}, stepIDs(record))
	assert.Equal(t, domain.StepCompleted, record.Steps[1].Status)
	assert.Equal(t, int32(1), deploys.Load())
}

func TestExecute_AsyncRequiresStart(t *testing.T) {
	h := newHarness(t)
	def := workflow("async", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("end", domain.NodeEnd, map[string]interface{}{"output": "done"}),
	}, edge("start", "end"))

	_, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{Async: true})
	assert.ErrorIs(t, err, domain.ErrNotStarted)

	require.NoError(t, h.engine.Start(context.Background()))
	defer h.engine.Stop()

	result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{Async: true, ExecutionID: "async-1"})
	require.NoError(t, err)
	assert.Equal(t, "async-1", result.ExecutionID)
	assert.Equal(t, domain.ExecutionPending, result.Status)

	assert.Eventually(t, func() bool {
		record, err := h.engine.GetStatus(context.Background(), "async-1")
		return err == nil && record.Status == domain.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStart_RecoversInterruptedExecutions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := workflow("recover", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("end", domain.NodeEnd, map[string]interface{}{"output": "recovered"}),
	}, edge("start", "end"))

	require.NoError(t, h.store.Create(ctx, &domain.ExecutionRecord{
		ExecutionID: "left-behind",
		WorkflowID:  def.ID,
		Status:      domain.ExecutionPending,
		CurrentNode: "start",
		Context:     map[string]interface{}{},
		Workflow:    def,
	}))

	require.NoError(t, h.engine.Start(ctx))
	assert.ErrorIs(t, h.engine.Start(ctx), domain.ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		record, err := h.engine.GetStatus(ctx, "left-behind")
		return err == nil && record.Status == domain.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Stop())
	assert.ErrorIs(t, h.engine.Stop(), domain.ErrNotStarted)
}

func TestScheduler_BoundsConcurrentExecutions(t *testing.T) {
	h := newHarness(t, func(c *domain.EngineConfig) { c.MaxConcurrentExecutions = 1 })

	var active, peak atomic.Int32
	h.register(t, "work", func(ctx context.Context, input []byte) (interface{}, error) {
		now := active.Add(1)
		for {
			seen := peak.Load()
			if now <= seen || peak.CompareAndSwap(seen, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return "ok", nil
	})

	def := workflow("bounded", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("work", domain.NodeTool, map[string]interface{}{"tool": "work"}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "work"), edge("work", "end"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.engine.Execute(context.Background(), def, nil, ExecuteOptions{})
			assert.NoError(t, err)
			assert.Equal(t, domain.ExecutionCompleted, result.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func slowReviewWorkflow() *domain.WorkflowDefinition {
	return workflow("slow-approval", []domain.NodeDefinition{
		node("start", domain.NodeStart, nil),
		node("review", domain.NodeHumanReview, map[string]interface{}{"message": "approve?"}),
		node("work", domain.NodeTool, map[string]interface{}{"tool": "work"}),
		node("end", domain.NodeEnd, nil),
	}, edge("start", "review"), edge("review", "work"), edge("work", "end"))
}

func TestHandleEvent_ContinuationOutlivesCallerContext(t *testing.T) {
	h := newHarness(t)
	h.register(t, "work", func(ctx context.Context, input []byte) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(150 * time.Millisecond):
			return "finished", nil
		}
	})

	result, err := h.engine.Execute(context.Background(), slowReviewWorkflow(), nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionWaitingHumanReview, result.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	applied, err := h.reviews.HandleEvent(ctx, domain.ReviewEvent{TaskID: result.WaitingInfo.TaskID, Action: domain.ReviewApprove})
	require.NoError(t, err)
	assert.True(t, applied)

	record := h.record(t, result.ExecutionID)
	assert.Equal(t, domain.ExecutionCompleted, record.Status)
	assert.Equal(t, "finished", record.Output)
	assert.Equal(t, []string{"start", "review", "work", "end"}, stepIDs(record))
}

func TestHandleEvent_StartedEngineContinuesInBackground(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.register(t, "work", func(ctx context.Context, input []byte) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return "finished", nil
		}
	})

	require.NoError(t, h.engine.Start(context.Background()))
	defer h.engine.Stop()

	result, err := h.engine.Execute(context.Background(), slowReviewWorkflow(), nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionWaitingHumanReview, result.Status)

	ctx, cancel := context.WithCancel(context.Background())
	applied, err := h.reviews.HandleEvent(ctx, domain.ReviewEvent{TaskID: result.WaitingInfo.TaskID, Action: domain.ReviewApprove})
	cancel()
	require.NoError(t, err)
	assert.True(t, applied)

	close(release)
	assert.Eventually(t, func() bool {
		record, err := h.engine.GetStatus(context.Background(), result.ExecutionID)
		return err == nil && record.Status == domain.ExecutionCompleted && record.Output == "finished"
	}, 2*time.Second, 10*time.Millisecond)
}
