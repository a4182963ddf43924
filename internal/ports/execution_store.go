package ports

import (
	"context"

	"github.com/eleven-am/flowgate/internal/domain"
)

// ExecutionStore is the durable record that makes executions resumable.
//
// Update and Transition apply fn to a freshly loaded record and persist it
// with an optimistic version check, reloading and reapplying fn when another
// writer got there first. An error returned by fn aborts the write.
type ExecutionStore interface {
	Create(ctx context.Context, record *domain.ExecutionRecord) error
	Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error)
	Update(ctx context.Context, executionID string, fn func(*domain.ExecutionRecord) error) (*domain.ExecutionRecord, error)

	// Transition moves the record to status `to` only when its current status
	// is one of from; otherwise it returns domain.ErrStatusMismatch.
	Transition(ctx context.Context, executionID string, from []domain.ExecutionStatus, to domain.ExecutionStatus, fn func(*domain.ExecutionRecord) error) (*domain.ExecutionRecord, error)

	FindByTaskID(ctx context.Context, taskID string) (*domain.ExecutionRecord, error)
	ListByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.ExecutionRecord, error)
}
