package review

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/flowgate/internal/adapters/rate_limiter"
	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	"github.com/eleven-am/flowgate/internal/ports/mocks"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHTTPTaskSystem_CreateAndGet(t *testing.T) {
	var created map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/approvals":
			assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))
			assert.Equal(t, "flowgate", r.Header.Get("X-Client"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			data, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(data, &created))
			w.Write([]byte(`{"id":"task-9"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/task-9":
			w.Write([]byte(`{"taskId":"task-9","status":"APPROVED","reviewedBy":"ada"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("nope"))
		}
	}))
	defer server.Close()

	limiter := rate_limiter.NewRateLimiter("tasks", ports.RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 10}, testLogger())
	defer limiter.Stop()

	tasks := NewHTTPTaskSystem(domain.TaskSystemConfig{
		Endpoint: server.URL + "/tasks",
		Headers:  map[string]string{"X-Client": "flowgate"},
	}, limiter, nil, testLogger())

	taskID, err := tasks.CreateTask(context.Background(), ports.TaskRequest{
		Endpoint: server.URL + "/approvals",
		Method:   http.MethodPut,
		Headers:  map[string]string{"Authorization": "Bearer t0k"},
		Body:     map[string]interface{}{"executionId": "exec-1", "nodeId": "review"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-9", taskID)
	assert.Equal(t, "exec-1", created["executionId"])

	status, err := tasks.GetTask(context.Background(), "task-9")
	require.NoError(t, err)
	assert.Equal(t, ports.TaskApproved, status.State)
	assert.Equal(t, "ada", status.ReviewedBy)

	_, err = tasks.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPTaskSystem_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tasks := NewHTTPTaskSystem(domain.TaskSystemConfig{}, nil, nil, testLogger())

	_, err := tasks.CreateTask(context.Background(), ports.TaskRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = tasks.CreateTask(context.Background(), ports.TaskRequest{Endpoint: server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task id")

	_, err = tasks.GetTask(context.Background(), "task-1")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestPollingTool(t *testing.T) {
	tasks := new(mocks.MockTaskSystem)
	tasks.On("GetTask", mock.Anything, "task-1").Return(&ports.TaskStatus{State: ports.TaskPending}, nil).Twice()
	tasks.On("GetTask", mock.Anything, "task-1").Return(&ports.TaskStatus{State: ports.TaskApproved, ReviewedBy: "ada"}, nil)
	tasks.On("GetTask", mock.Anything, "task-2").Return(nil, errors.New("unavailable"))

	tool := NewPollingTool(tasks, time.Millisecond, time.Second, testLogger())
	assert.Equal(t, PollingToolName, tool.Name())

	out, err := tool.Call(context.Background(), []byte(`{"taskId":"task-1"}`))
	require.NoError(t, err)
	result := out.(map[string]interface{})
	assert.Equal(t, "approved", result["status"])
	assert.Equal(t, true, result["approved"])
	assert.Equal(t, "ada", result["reviewedBy"])

	out, err = tool.Call(context.Background(), []byte(`{"taskId":"task-2","maxWaitSeconds":0.05}`))
	require.NoError(t, err)
	assert.Equal(t, "timeout", out.(map[string]interface{})["status"])

	_, err = tool.Call(context.Background(), []byte(`{}`))
	assert.True(t, domain.IsConfigurationError(err))
}

type recordingHandler struct {
	events  []domain.ReviewEvent
	applied bool
	err     error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event domain.ReviewEvent) (bool, error) {
	h.events = append(h.events, event)
	return h.applied, h.err
}

func TestWebhookHandler(t *testing.T) {
	handler := &recordingHandler{applied: true}
	webhook := NewWebhookHandler(handler, testLogger())

	rec := httptest.NewRecorder()
	webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reviews", strings.NewReader(`{"taskId":"task-1","approved":true,"reviewedBy":"ada"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"applied":true}`, rec.Body.String())
	require.Len(t, handler.events, 1)
	assert.Equal(t, domain.ReviewApprove, handler.events[0].Action)
	assert.Equal(t, "ada", handler.events[0].ReviewedBy)

	rec = httptest.NewRecorder()
	webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reviews", strings.NewReader(`{"taskId":"task-1","action":"reject"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ReviewReject, handler.events[1].Action)

	rec = httptest.NewRecorder()
	webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reviews", strings.NewReader(`{not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	handler.err = domain.ErrInvalidInput
	rec = httptest.NewRecorder()
	webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reviews", strings.NewReader(`{"taskId":"task-1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	handler.err = errors.New("boom")
	rec = httptest.NewRecorder()
	webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reviews", strings.NewReader(`{"taskId":"task-1","action":"approve"}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
