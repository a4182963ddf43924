package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/eleven-am/flowgate/internal/adapters/circuit_breaker"
	"github.com/eleven-am/flowgate/internal/adapters/definitions"
	"github.com/eleven-am/flowgate/internal/adapters/engine"
	"github.com/eleven-am/flowgate/internal/adapters/executor"
	"github.com/eleven-am/flowgate/internal/adapters/health"
	"github.com/eleven-am/flowgate/internal/adapters/memory"
	"github.com/eleven-am/flowgate/internal/adapters/metrics"
	"github.com/eleven-am/flowgate/internal/adapters/observability"
	"github.com/eleven-am/flowgate/internal/adapters/rate_limiter"
	"github.com/eleven-am/flowgate/internal/adapters/review"
	"github.com/eleven-am/flowgate/internal/adapters/shutdown"
	"github.com/eleven-am/flowgate/internal/adapters/storage"
	"github.com/eleven-am/flowgate/internal/adapters/store"
	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
)

const healthProbeKey = "health:probe"

// Dependencies are the collaborators a Manager cannot build from config.
type Dependencies struct {
	Model ports.LanguageModel
	// Tasks replaces the HTTP task system built from review.task_system.
	Tasks ports.TaskSystem
	// Registry receives the Prometheus collectors. A private registry is
	// created when nil.
	Registry *prometheus.Registry
}

type Decision struct {
	Approved   bool
	ReviewedBy string
	Comments   string
}

// Manager owns every component of one engine instance and the order they
// start and stop in.
type Manager struct {
	config *domain.Config
	logger *slog.Logger

	storage    *storage.Store
	executions *store.ExecutionStore
	tools      *memory.MemoryToolRegistry
	workflows  *definitions.Registry
	limiter    ports.RateLimiter
	registry   *prometheus.Registry
	engine     *engine.Engine
	reviews    ports.ReviewCoordinatorPort
	webhook    *review.WebhookHandler
	health     *health.Checker
	shutdown   *shutdown.GracefulShutdownManager
	server     *observability.Server

	mu           sync.Mutex
	started      bool
	stopped      bool
	serverCancel context.CancelFunc
	serverDone   chan error
}

func NewWithConfig(config *domain.Config, deps Dependencies) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	baseLogger := config.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	logger := baseLogger.With("component", "flowgate")

	kv, err := storage.Open(config.Storage, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	var recorder ports.MetricsRecorder = ports.NoopMetrics{}
	if config.Metrics.Enabled {
		recorder = metrics.NewPrometheus(config.Metrics.Namespace, registry)
	}

	executions := store.NewExecutionStore(kv, baseLogger)
	tools := memory.NewMemoryToolRegistry(baseLogger)
	breakers := circuit_breaker.NewProvider(config.CircuitBreaker, recorder, baseLogger)

	taskConfig := config.Review.TaskSystem
	limiter := rate_limiter.NewRateLimiter("task-system", ports.RateLimiterConfig{
		RequestsPerSecond: taskConfig.RequestsPerSecond,
		BurstSize:         taskConfig.Burst,
		WaitTimeout:       taskConfig.Timeout,
	}, baseLogger)

	tasks := deps.Tasks
	if tasks == nil && taskConfig.Endpoint != "" {
		tasks = review.NewHTTPTaskSystem(taskConfig, limiter, nil, baseLogger)
	}
	if tasks != nil {
		poll := review.NewPollingTool(tasks, config.Review.PollInterval, config.Review.DefaultTimeout, baseLogger)
		if err := tools.Register(poll); err != nil {
			limiter.Stop()
			kv.Close()
			return nil, err
		}
	}

	exec := executor.New(executor.Dependencies{
		Model:              deps.Model,
		Tools:              tools,
		Tasks:              tasks,
		Breakers:           breakers,
		Logger:             baseLogger,
		MaxAgentIterations: config.Engine.MaxAgentIterations,
	})

	eng := engine.NewEngine(config.Engine, config.Review.DefaultTimeout, engine.Dependencies{
		Store:    executions,
		Executor: exec,
		Metrics:  recorder,
		Logger:   baseLogger,
	})

	reviews := review.NewCoordinator(config.Review, review.Dependencies{
		Store:   executions,
		Resumer: eng,
		Tasks:   tasks,
		Metrics: recorder,
		Logger:  baseLogger,
	})

	checker := health.NewHealthChecker(0, baseLogger)
	checker.Register("storage", func(ctx context.Context) error {
		_, _, _, err := kv.Get(healthProbeKey)
		return err
	})

	m := &Manager{
		config:     config,
		logger:     logger,
		storage:    kv,
		executions: executions,
		tools:      tools,
		workflows:  definitions.NewRegistry(baseLogger),
		limiter:    limiter,
		registry:   registry,
		engine:     eng,
		reviews:    reviews,
		webhook:    review.NewWebhookHandler(reviews, baseLogger),
		health:     checker,
		shutdown:   shutdown.NewGracefulShutdownManager(checker, baseLogger),
	}

	checker.Register("engine", func(ctx context.Context) error {
		if !m.Running() {
			return domain.ErrNotStarted
		}
		return nil
	})

	if config.Server.Enabled {
		m.server = observability.NewServer(config.Server, checker, registry, m.webhook, baseLogger)
	}

	m.shutdown.Register("observability-server", m.stopServer)
	m.shutdown.Register("review-coordinator", func(context.Context) error { return ignoreNotStarted(reviews.Stop()) })
	m.shutdown.Register("engine", func(context.Context) error { return ignoreNotStarted(eng.Stop()) })
	m.shutdown.Register("rate-limiter", func(context.Context) error {
		limiter.Stop()
		return nil
	})
	m.shutdown.Register("storage", func(context.Context) error { return kv.Close() })

	return m, nil
}

func ignoreNotStarted(err error) error {
	if errors.Is(err, domain.ErrNotStarted) {
		return nil
	}
	return err
}

// Start recovers interrupted executions, then starts the review sweeper and
// poller and, when enabled, the HTTP server.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("%w: manager was stopped", domain.ErrNotStarted)
	}
	if m.started {
		return domain.ErrAlreadyStarted
	}

	if err := m.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := m.reviews.Start(ctx); err != nil {
		m.engine.Stop()
		return fmt.Errorf("failed to start review coordinator: %w", err)
	}

	if m.server != nil {
		serverCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- m.server.Start(serverCtx) }()
		m.serverCancel = cancel
		m.serverDone = done
	}

	m.started = true
	m.logger.Info("flowgate started",
		"max_concurrent_executions", m.config.Engine.MaxConcurrentExecutions,
		"server", m.server != nil)
	return nil
}

// Stop drains and closes everything, storage included. A stopped Manager
// cannot be started again.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.started = false
	m.mu.Unlock()

	return m.shutdown.InitiateGracefulShutdown(context.Background())
}

func (m *Manager) stopServer(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.serverCancel, m.serverDone
	m.serverCancel, m.serverDone = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Manager) RegisterTool(tool ports.Tool) error {
	return m.tools.Register(tool)
}

func (m *Manager) RegisterWorkflow(def *domain.WorkflowDefinition) error {
	return m.workflows.Register(def)
}

// LoadWorkflows registers every definition file in dir.
func (m *Manager) LoadWorkflows(dir string) (int, error) {
	return m.workflows.LoadDir(dir)
}

func (m *Manager) Workflow(workflowID string) (*domain.WorkflowDefinition, error) {
	return m.workflows.Get(workflowID)
}

func (m *Manager) Execute(ctx context.Context, def *domain.WorkflowDefinition, input map[string]interface{}, opts engine.ExecuteOptions) (*engine.ExecuteResult, error) {
	return m.engine.Execute(ctx, def, input, opts)
}

// ExecuteWorkflow runs a registered definition.
func (m *Manager) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]interface{}, opts engine.ExecuteOptions) (*engine.ExecuteResult, error) {
	def, err := m.workflows.Get(workflowID)
	if err != nil {
		return nil, err
	}
	return m.engine.Execute(ctx, def, input, opts)
}

func (m *Manager) GetStatus(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	return m.engine.GetStatus(ctx, executionID)
}

// ListExecutions returns the records currently in status.
func (m *Manager) ListExecutions(ctx context.Context, status domain.ExecutionStatus) ([]*domain.ExecutionRecord, error) {
	return m.executions.ListByStatus(ctx, status)
}

func (m *Manager) Abort(ctx context.Context, executionID, reason string) bool {
	return m.engine.Abort(ctx, executionID, reason)
}

func (m *Manager) Retry(ctx context.Context, executionID string) (*engine.ExecuteResult, error) {
	return m.engine.Retry(ctx, executionID)
}

// ResumeAfterReview applies a decision for the wait on nodeID. It reports
// false when the execution is not waiting on that node.
func (m *Manager) ResumeAfterReview(ctx context.Context, executionID, nodeID string, decision Decision, metadata map[string]interface{}) (bool, error) {
	action := domain.ReviewReject
	if decision.Approved {
		action = domain.ReviewApprove
	}
	return m.reviews.HandleEvent(ctx, domain.ReviewEvent{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Action:      action,
		ReviewedBy:  decision.ReviewedBy,
		Comments:    decision.Comments,
		Metadata:    metadata,
	})
}

func (m *Manager) HandleReviewEvent(ctx context.Context, event domain.ReviewEvent) (bool, error) {
	return m.reviews.HandleEvent(ctx, event)
}

// SweepExpiredReviews fails every wait whose deadline has passed. The
// background sweeper calls this on its own schedule.
func (m *Manager) SweepExpiredReviews(ctx context.Context) (int, error) {
	return m.reviews.Sweep(ctx)
}

// WebhookHandler accepts review events over HTTP. It is also mounted on the
// observability server when that is enabled.
func (m *Manager) WebhookHandler() http.Handler {
	return m.webhook
}

func (m *Manager) Health(ctx context.Context) *health.Status {
	return m.health.GetHealth(ctx)
}

func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.registry
}
