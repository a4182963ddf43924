package domain

import (
	"time"
)

type ExecutionStatus string

const (
	ExecutionPending            ExecutionStatus = "pending"
	ExecutionRunning            ExecutionStatus = "running"
	ExecutionWaitingHumanReview ExecutionStatus = "waiting_human_review"
	ExecutionCompleted          ExecutionStatus = "completed"
	ExecutionFailed             ExecutionStatus = "failed"
	ExecutionAborted            ExecutionStatus = "aborted"
)

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionAborted:
		return true
	default:
		return false
	}
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:            {ExecutionRunning, ExecutionAborted, ExecutionFailed},
	ExecutionRunning:            {ExecutionWaitingHumanReview, ExecutionCompleted, ExecutionFailed, ExecutionAborted},
	ExecutionWaitingHumanReview: {ExecutionRunning, ExecutionFailed, ExecutionAborted},
	ExecutionFailed:             {ExecutionPending},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepWaiting   StepStatus = "waiting"
)

type Step struct {
	NodeID       string                 `json:"nodeId"`
	Type         NodeKind               `json:"type"`
	Status       StepStatus             `json:"status"`
	Input        interface{}            `json:"input,omitempty"`
	Output       interface{}            `json:"output,omitempty"`
	Error        *ExecutionError        `json:"error,omitempty"`
	RetryAttempt int                    `json:"retryAttempt"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	DurationMs   int64                  `json:"durationMs"`
}

type ReviewMode string

const (
	ReviewModeExternal ReviewMode = "external"
	ReviewModePolling  ReviewMode = "polling"
	ReviewModeLocal    ReviewMode = "local"
)

type WaitingInfo struct {
	NodeID     string        `json:"nodeId"`
	TaskID     string        `json:"taskId"`
	Mode       ReviewMode    `json:"mode"`
	WaitingFor string        `json:"waitingFor"`
	CreatedAt  time.Time     `json:"createdAt"`
	Timeout    time.Duration `json:"timeout"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

func (w *WaitingInfo) Expired(now time.Time) bool {
	return w != nil && !w.ExpiresAt.IsZero() && !now.Before(w.ExpiresAt)
}

// ExecutionError is the persisted form of a step or execution failure.
type ExecutionError struct {
	Type      ErrorKind `json:"type"`
	Message   string    `json:"message"`
	NodeID    string    `json:"nodeId,omitempty"`
	Retryable bool      `json:"retryable"`
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// Continuation tells the walker how to re-enter an execution that a review
// decision has just moved back to running.
type Continuation struct {
	NodeID    string    `json:"nodeId"`
	Kind      NodeKind  `json:"kind"`
	Approved  bool      `json:"approved"`
	ResumedAt time.Time `json:"resumedAt"`
}

// ExecutionRecord is the durable state of one execution. It is mutated only
// by the engine and the review coordinator through the execution store.
type ExecutionRecord struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	Status      ExecutionStatus        `json:"status"`
	Steps       []Step                 `json:"steps"`
	Context     map[string]interface{} `json:"context"`
	CurrentNode string                 `json:"currentNode,omitempty"`
	Queue       []string               `json:"queue,omitempty"`
	Resume      *Continuation          `json:"resume,omitempty"`
	WaitingInfo *WaitingInfo           `json:"waitingInfo,omitempty"`
	RetryCount  int                    `json:"retryCount"`
	Error       *ExecutionError        `json:"error,omitempty"`
	Output      interface{}            `json:"output,omitempty"`
	Workflow    *WorkflowDefinition    `json:"workflow"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
	Version     int64                  `json:"version"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

func (r *ExecutionRecord) Vars() Vars {
	return NewVars(r.Context)
}

func (r *ExecutionRecord) LastStep() *Step {
	if len(r.Steps) == 0 {
		return nil
	}
	return &r.Steps[len(r.Steps)-1]
}

// WaitingStep returns the suspended step for nodeID, if the last step is one.
func (r *ExecutionRecord) WaitingStep(nodeID string) *Step {
	last := r.LastStep()
	if last == nil || last.NodeID != nodeID || last.Status != StepWaiting {
		return nil
	}
	return last
}

// SetStatus moves the record to status, keeping the waitingInfo invariant and
// the completion timestamp in step with it.
func (r *ExecutionRecord) SetStatus(status ExecutionStatus, now time.Time) {
	r.Status = status
	r.UpdatedAt = now
	if status != ExecutionWaitingHumanReview {
		r.WaitingInfo = nil
	}
	if status.IsTerminal() {
		r.CompletedAt = &now
	} else {
		r.CompletedAt = nil
	}
}

func (r *ExecutionRecord) Fail(err *ExecutionError, now time.Time) {
	r.Error = err
	r.SetStatus(ExecutionFailed, now)
}

type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
)

func (a ReviewAction) Valid() bool {
	return a == ReviewApprove || a == ReviewReject
}

// ReviewEvent is an inbound decision for a suspended execution. Either TaskID
// or ExecutionID plus NodeID must identify the wait.
type ReviewEvent struct {
	ExecutionID string                 `json:"executionId,omitempty"`
	NodeID      string                 `json:"nodeId,omitempty"`
	TaskID      string                 `json:"taskId,omitempty"`
	Action      ReviewAction           `json:"action"`
	ReviewedBy  string                 `json:"reviewedBy,omitempty"`
	Comments    string                 `json:"comments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
