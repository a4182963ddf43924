package metrics

import (
	"testing"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheus_RecordsExecutionLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheus("test", registry)

	m.ExecutionStarted("wf")
	m.ExecutionStarted("wf")
	m.ExecutionFinished("wf", domain.ExecutionCompleted)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executionsStarted.WithLabelValues("wf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsFinished.WithLabelValues("wf", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsActive))
}

func TestPrometheus_RecordsNodesAndReviews(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheus("test", registry)

	m.NodeExecuted(domain.NodeTool, domain.StepCompleted, 20*time.Millisecond)
	m.NodeRetried(domain.NodeTool)
	m.ReviewOpened(domain.ReviewModeExternal)
	m.ReviewClosed("approve", time.Minute)
	m.BreakerStateChanged("search", "open")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodeRetries.WithLabelValues("tool")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reviewsOpened.WithLabelValues("external")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reviewsClosed.WithLabelValues("approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("search")))

	count, err := testutil.GatherAndCount(registry, "test_node_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheus_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheus("a", prometheus.NewRegistry())
		NewPrometheus("a", prometheus.NewRegistry())
	})
}
