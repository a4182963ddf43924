package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/flowgate/internal/adapters/executor"
	"github.com/eleven-am/flowgate/internal/condition"
	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	"github.com/google/uuid"
)

// NodeExecutor runs one node. *executor.Executor satisfies it.
type NodeExecutor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.NodeResult, error)
}

type ExecuteOptions struct {
	// ExecutionID is generated when empty.
	ExecutionID string
	// Async returns as soon as the record is created; the walk continues on
	// an engine-owned goroutine. Requires Start.
	Async    bool
	Metadata map[string]string
}

type ExecuteResult struct {
	ExecutionID string                 `json:"executionId"`
	Status      domain.ExecutionStatus `json:"status"`
	Output      interface{}            `json:"output,omitempty"`
	Error       *domain.ExecutionError `json:"error,omitempty"`
	WaitingInfo *domain.WaitingInfo    `json:"waitingInfo,omitempty"`
	Steps       int                    `json:"steps"`
}

func resultOf(record *domain.ExecutionRecord) *ExecuteResult {
	return &ExecuteResult{
		ExecutionID: record.ExecutionID,
		Status:      record.Status,
		Output:      record.Output,
		Error:       record.Error,
		WaitingInfo: record.WaitingInfo,
		Steps:       len(record.Steps),
	}
}

type Dependencies struct {
	Store    ports.ExecutionStore
	Executor NodeExecutor
	Metrics  ports.MetricsRecorder
	Logger   *slog.Logger
}

type Engine struct {
	config        domain.EngineConfig
	reviewTimeout time.Duration
	store         ports.ExecutionStore
	executor      NodeExecutor
	metrics       ports.MetricsRecorder
	conditions    *condition.Cache
	scheduler     *scheduler
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewEngine(config domain.EngineConfig, reviewTimeout time.Duration, deps Dependencies) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	if reviewTimeout <= 0 {
		reviewTimeout = domain.DefaultReviewConfig().DefaultTimeout
	}

	defaults := domain.DefaultEngineConfig()
	if config.MaxConcurrentExecutions <= 0 {
		config.MaxConcurrentExecutions = defaults.MaxConcurrentExecutions
	}
	if config.NodeTimeout <= 0 {
		config.NodeTimeout = defaults.NodeTimeout
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaults.MaxSteps
	}

	return &Engine{
		config:        config,
		reviewTimeout: reviewTimeout,
		store:         deps.Store,
		executor:      deps.Executor,
		metrics:       metrics,
		conditions:    condition.NewCache(0),
		scheduler:     newScheduler(config.MaxConcurrentExecutions),
		logger:        logger.With("component", "engine"),
		now:           time.Now,
	}
}

// Start enables asynchronous executions and re-enters executions left
// pending or running by a previous process.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.mu.Unlock()

	e.logger.Info("starting workflow engine", "max_concurrent_executions", e.config.MaxConcurrentExecutions)

	for _, status := range []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning} {
		records, err := e.store.ListByStatus(ctx, status)
		if err != nil {
			e.logger.Error("failed to list interrupted executions", "status", status, "error", err)
			continue
		}
		for _, record := range records {
			e.logger.Info("recovering interrupted execution",
				"execution_id", record.ExecutionID,
				"status", record.Status,
				"current_node", record.CurrentNode)
			e.spawn(record.ExecutionID, status == domain.ExecutionPending)
		}
	}

	return nil
}

// Stop cancels background walks at their next persist and waits for them.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return domain.ErrNotStarted
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.Debug("stopping workflow engine")
	cancel()
	e.wg.Wait()
	e.logger.Debug("workflow engine stopped")
	return nil
}

func (e *Engine) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Engine) spawn(executionID string, fresh bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return false
	}

	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.run(ctx, executionID, fresh); err != nil {
			e.logger.Error("background execution failed", "execution_id", executionID, "error", err)
		}
	}()
	return true
}

// Execute validates def, persists a pending record and walks it. Invalid
// definitions are rejected before anything is stored.
func (e *Engine) Execute(ctx context.Context, def *domain.WorkflowDefinition, input map[string]interface{}, opts ExecuteOptions) (*ExecuteResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if opts.Async && !e.running() {
		return nil, fmt.Errorf("%w: async execution needs a started engine", domain.ErrNotStarted)
	}
	start, _ := def.StartNode()

	values, err := domain.ApplyDefaults(input, def.Variables)
	if err != nil {
		return nil, err
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	values[domain.VarExecutionID] = executionID
	values[domain.VarWorkflowID] = def.ID

	now := e.now()
	record := &domain.ExecutionRecord{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		Status:      domain.ExecutionPending,
		Steps:       []domain.Step{},
		Context:     values,
		CurrentNode: start.ID,
		Workflow:    def,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.Create(ctx, record); err != nil {
		return nil, err
	}

	e.metrics.ExecutionStarted(def.ID)
	e.logger.Info("execution created",
		"execution_id", executionID,
		"workflow_id", def.ID,
		"async", opts.Async)

	if opts.Async {
		if !e.spawn(executionID, true) {
			return nil, fmt.Errorf("%w: async execution needs a started engine", domain.ErrNotStarted)
		}
		return resultOf(record), nil
	}

	if err := e.run(ctx, executionID, true); err != nil {
		return nil, err
	}
	return e.status(ctx, executionID)
}

func (e *Engine) GetStatus(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	return e.store.Get(ctx, executionID)
}

func (e *Engine) status(ctx context.Context, executionID string) (*ExecuteResult, error) {
	record, err := e.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return resultOf(record), nil
}

// Abort moves any non-terminal execution to aborted. A node already in
// flight finishes, but its result is discarded.
func (e *Engine) Abort(ctx context.Context, executionID, reason string) bool {
	if reason == "" {
		reason = "aborted"
	}

	record, err := e.store.Transition(ctx, executionID,
		[]domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionWaitingHumanReview},
		domain.ExecutionAborted,
		func(record *domain.ExecutionRecord) error {
			record.Error = &domain.ExecutionError{Type: domain.KindAborted, Message: reason}
			record.Resume = nil
			return nil
		})
	if err != nil {
		e.logger.Warn("abort ignored", "execution_id", executionID, "error", err)
		return false
	}

	e.metrics.ExecutionFinished(record.WorkflowID, record.Status)
	e.logger.Info("execution aborted", "execution_id", executionID, "reason", reason)
	return true
}

// ContinueExecution re-enters the walker for an execution the review
// coordinator has just moved back to running. A started engine walks it in
// the background under its own lifecycle; otherwise the walk runs inline but
// detached from ctx's cancellation, since the decision is already committed.
func (e *Engine) ContinueExecution(ctx context.Context, executionID string) error {
	if e.spawn(executionID, false) {
		return nil
	}
	return e.run(context.WithoutCancel(ctx), executionID, false)
}

// Retry moves a failed execution with a retryable error back to pending and
// walks it again from the node that failed.
func (e *Engine) Retry(ctx context.Context, executionID string) (*ExecuteResult, error) {
	record, err := e.store.Transition(ctx, executionID,
		[]domain.ExecutionStatus{domain.ExecutionFailed},
		domain.ExecutionPending,
		func(record *domain.ExecutionRecord) error {
			if record.Error == nil || !record.Error.Retryable {
				return fmt.Errorf("%w: %s", domain.ErrNotRetryable, executionID)
			}
			if limit := e.maxExecutionRetries(record.Workflow); record.RetryCount >= limit {
				return fmt.Errorf("%w: %s retried %d of %d times", domain.ErrRetriesExhausted, executionID, record.RetryCount, limit)
			}
			record.RetryCount++
			record.Error = nil
			return nil
		})
	if err != nil {
		return nil, err
	}

	e.logger.Info("retrying execution",
		"execution_id", executionID,
		"retry_count", record.RetryCount,
		"current_node", record.CurrentNode)
	e.metrics.ExecutionStarted(record.WorkflowID)

	if err := e.run(ctx, executionID, true); err != nil {
		return nil, err
	}
	return e.status(ctx, executionID)
}

func (e *Engine) maxExecutionRetries(def *domain.WorkflowDefinition) int {
	if def != nil && def.Settings.MaxRetries > 0 {
		return def.Settings.MaxRetries
	}
	return e.config.MaxExecutionRetries
}

// run takes a scheduler slot and walks the execution. fresh executions are
// moved from pending to running first.
func (e *Engine) run(ctx context.Context, executionID string, fresh bool) error {
	if err := e.scheduler.acquire(ctx); err != nil {
		e.failUnscheduled(executionID, err)
		return err
	}
	defer e.scheduler.release()

	if fresh {
		_, err := e.store.Transition(ctx, executionID,
			[]domain.ExecutionStatus{domain.ExecutionPending},
			domain.ExecutionRunning, nil)
		if err != nil {
			if domain.IsStatusMismatch(err) {
				e.logger.Debug("execution no longer pending", "execution_id", executionID)
				return nil
			}
			return err
		}
	}

	err := e.walk(ctx, executionID)
	if errors.Is(err, errHalted) {
		return nil
	}
	return err
}

// failUnscheduled records that a pending execution never got a slot, so it
// can be retried instead of sitting in pending.
func (e *Engine) failUnscheduled(executionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := e.store.Transition(ctx, executionID,
		[]domain.ExecutionStatus{domain.ExecutionPending},
		domain.ExecutionFailed,
		func(record *domain.ExecutionRecord) error {
			record.Error = &domain.ExecutionError{
				Type:      domain.KindInternal,
				Message:   "execution was not scheduled: " + cause.Error(),
				Retryable: true,
			}
			return nil
		})
	if err != nil && !domain.IsStatusMismatch(err) {
		e.logger.Error("failed to record unscheduled execution", "execution_id", executionID, "error", err)
	}
}
