package ports

import (
	"context"

	"github.com/eleven-am/flowgate/internal/domain"
)

// ExecutionResumer re-enters the graph walker for an execution that the
// review coordinator has just moved back to running.
type ExecutionResumer interface {
	ContinueExecution(ctx context.Context, executionID string) error
}

// ReviewCoordinatorPort closes human review waits.
type ReviewCoordinatorPort interface {
	HandleEvent(ctx context.Context, event domain.ReviewEvent) (bool, error)
	// Sweep fails waits whose deadline has passed and reports how many.
	Sweep(ctx context.Context) (int, error)
	Start(ctx context.Context) error
	Stop() error
}
