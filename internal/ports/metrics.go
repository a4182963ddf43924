package ports

import (
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
)

type MetricsRecorder interface {
	ExecutionStarted(workflowID string)
	ExecutionFinished(workflowID string, status domain.ExecutionStatus)
	NodeExecuted(kind domain.NodeKind, status domain.StepStatus, duration time.Duration)
	NodeRetried(kind domain.NodeKind)
	ReviewOpened(mode domain.ReviewMode)
	ReviewClosed(outcome string, waited time.Duration)
	BreakerStateChanged(name string, state string)
}

type NoopMetrics struct{}

func (NoopMetrics) ExecutionStarted(string)                                        {}
func (NoopMetrics) ExecutionFinished(string, domain.ExecutionStatus)               {}
func (NoopMetrics) NodeExecuted(domain.NodeKind, domain.StepStatus, time.Duration) {}
func (NoopMetrics) NodeRetried(domain.NodeKind)                                    {}
func (NoopMetrics) ReviewOpened(domain.ReviewMode)                                 {}
func (NoopMetrics) ReviewClosed(string, time.Duration)                             {}
func (NoopMetrics) BreakerStateChanged(string, string)                             {}
