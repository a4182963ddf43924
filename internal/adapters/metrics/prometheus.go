package metrics

import (
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus implements ports.MetricsRecorder with collectors registered on
// the given registerer, so several engines can coexist in one process when
// each has its own registry.
type Prometheus struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionsActive   prometheus.Gauge
	nodeDuration       *prometheus.HistogramVec
	nodeRetries        *prometheus.CounterVec
	reviewsOpened      *prometheus.CounterVec
	reviewsClosed      *prometheus.CounterVec
	reviewWait         prometheus.Histogram
	breakerState       *prometheus.GaugeVec
}

func NewPrometheus(namespace string, registerer prometheus.Registerer) *Prometheus {
	if namespace == "" {
		namespace = "flowgate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Prometheus{
		executionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of workflow executions started",
			},
			[]string{"workflow"},
		),
		executionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of workflow executions that stopped running, by resulting status",
			},
			[]string{"workflow", "status"},
		),
		executionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_active",
				Help:      "Number of executions currently being walked",
			},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "status"},
		),
		nodeRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_retries_total",
				Help:      "Total number of node retry attempts",
			},
			[]string{"kind"},
		),
		reviewsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reviews_opened_total",
				Help:      "Total number of human review waits opened",
			},
			[]string{"mode"},
		),
		reviewsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reviews_closed_total",
				Help:      "Total number of human review waits closed, by outcome",
			},
			[]string{"outcome"},
		),
		reviewWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "review_wait_seconds",
				Help:      "Time executions spent waiting for human review",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tool_circuit_breaker_open",
				Help:      "1 when the tool's circuit breaker is open, 0.5 half-open, 0 closed",
			},
			[]string{"tool"},
		),
	}
}

func (p *Prometheus) ExecutionStarted(workflowID string) {
	p.executionsStarted.WithLabelValues(workflowID).Inc()
	p.executionsActive.Inc()
}

func (p *Prometheus) ExecutionFinished(workflowID string, status domain.ExecutionStatus) {
	p.executionsFinished.WithLabelValues(workflowID, string(status)).Inc()
	p.executionsActive.Dec()
}

func (p *Prometheus) NodeExecuted(kind domain.NodeKind, status domain.StepStatus, duration time.Duration) {
	p.nodeDuration.WithLabelValues(string(kind), string(status)).Observe(duration.Seconds())
}

func (p *Prometheus) NodeRetried(kind domain.NodeKind) {
	p.nodeRetries.WithLabelValues(string(kind)).Inc()
}

func (p *Prometheus) ReviewOpened(mode domain.ReviewMode) {
	p.reviewsOpened.WithLabelValues(string(mode)).Inc()
}

func (p *Prometheus) ReviewClosed(outcome string, waited time.Duration) {
	p.reviewsClosed.WithLabelValues(outcome).Inc()
	if waited > 0 {
		p.reviewWait.Observe(waited.Seconds())
	}
}

func (p *Prometheus) BreakerStateChanged(name string, state string) {
	value := 0.0
	switch state {
	case "open":
		value = 1
	case "half-open":
		value = 0.5
	}
	p.breakerState.WithLabelValues(name).Set(value)
}
