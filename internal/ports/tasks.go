package ports

import (
	"context"
	"time"
)

// TaskRequest is a fully resolved outbound call to the external task system.
type TaskRequest struct {
	Endpoint string                 `json:"endpoint"`
	Method   string                 `json:"method"`
	Headers  map[string]string      `json:"headers,omitempty"`
	Body     map[string]interface{} `json:"body,omitempty"`
}

type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskApproved TaskState = "approved"
	TaskRejected TaskState = "rejected"
)

func (s TaskState) Terminal() bool {
	return s == TaskApproved || s == TaskRejected
}

type TaskStatus struct {
	TaskID     string    `json:"taskId"`
	State      TaskState `json:"status"`
	ReviewedBy string    `json:"reviewedBy,omitempty"`
	Comments   string    `json:"comments,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// TaskSystem creates and inspects human approval tasks.
type TaskSystem interface {
	CreateTask(ctx context.Context, request TaskRequest) (taskID string, err error)
	GetTask(ctx context.Context, taskID string) (*TaskStatus, error)
}
