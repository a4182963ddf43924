package review

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	json "github.com/goccy/go-json"
)

const maxResponseBytes = 1 << 20

// HTTPTaskSystem creates and reads approval tasks on a remote task service.
// Calls are throttled per host by the rate limiter.
type HTTPTaskSystem struct {
	config  domain.TaskSystemConfig
	client  *http.Client
	limiter ports.RateLimiter
	logger  *slog.Logger
}

func NewHTTPTaskSystem(config domain.TaskSystemConfig, limiter ports.RateLimiter, client *http.Client, logger *slog.Logger) *HTTPTaskSystem {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = domain.DefaultReviewConfig().TaskSystem.Timeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPTaskSystem{
		config:  config,
		client:  client,
		limiter: limiter,
		logger:  logger.With("component", "http-task-system"),
	}
}

type createTaskResponse struct {
	ID     string `json:"id"`
	TaskID string `json:"taskId"`
}

func (s *HTTPTaskSystem) CreateTask(ctx context.Context, request ports.TaskRequest) (string, error) {
	endpoint := request.Endpoint
	if endpoint == "" {
		endpoint = s.config.Endpoint
	}
	if endpoint == "" {
		return "", fmt.Errorf("%w: task request has no endpoint", domain.ErrInvalidConfig)
	}

	method := request.Method
	if method == "" {
		method = http.MethodPost
	}

	payload, err := json.Marshal(request.Body)
	if err != nil {
		return "", fmt.Errorf("failed to encode task request: %w", err)
	}

	var created createTaskResponse
	if err := s.do(ctx, method, endpoint, request.Headers, payload, &created); err != nil {
		return "", err
	}

	taskID := created.TaskID
	if taskID == "" {
		taskID = created.ID
	}
	if taskID == "" {
		return "", fmt.Errorf("task service at %s returned no task id", endpoint)
	}

	s.logger.Debug("task created", "task_id", taskID, "endpoint", endpoint)
	return taskID, nil
}

func (s *HTTPTaskSystem) GetTask(ctx context.Context, taskID string) (*ports.TaskStatus, error) {
	if s.config.Endpoint == "" {
		return nil, fmt.Errorf("%w: task system endpoint is not configured", domain.ErrInvalidConfig)
	}

	endpoint := strings.TrimRight(s.config.Endpoint, "/") + "/" + url.PathEscape(taskID)

	var status ports.TaskStatus
	if err := s.do(ctx, http.MethodGet, endpoint, nil, nil, &status); err != nil {
		return nil, err
	}
	if status.TaskID == "" {
		status.TaskID = taskID
	}
	status.State = ports.TaskState(strings.ToLower(string(status.State)))
	return &status, nil
}

func (s *HTTPTaskSystem) do(ctx context.Context, method, endpoint string, headers map[string]string, payload []byte, out interface{}) error {
	target, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid task endpoint %q", domain.ErrInvalidConfig, endpoint)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, target.Host); err != nil {
			return fmt.Errorf("task service %s throttled: %w", target.Host, err)
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build task request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range s.config.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("task service call %s %s failed: %w", method, target.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read task service response: %w", err)
	}

	s.logger.Debug("task service call",
		"method", method,
		"host", target.Host,
		"status", resp.StatusCode,
		"duration", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("task service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode task service response: %w", err)
	}
	return nil
}
