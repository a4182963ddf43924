package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	json "github.com/goccy/go-json"
)

const maxUpdateAttempts = 10

// ExecutionStore persists execution records on a versioned key/value store.
// Alongside each record it keeps a status index and a task index, written in
// the same batch as the record so they never disagree with it.
type ExecutionStore struct {
	storage ports.StoragePort
	logger  *slog.Logger
	now     func() time.Time
}

func NewExecutionStore(storage ports.StoragePort, logger *slog.Logger) *ExecutionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionStore{
		storage: storage,
		logger:  logger.With("component", "execution-store"),
		now:     time.Now,
	}
}

func (s *ExecutionStore) Create(ctx context.Context, record *domain.ExecutionRecord) error {
	if record == nil || record.ExecutionID == "" {
		return fmt.Errorf("%w: execution record requires an id", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Version = 1

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", record.ExecutionID, err)
	}

	ops := []ports.WriteOp{
		{Type: ports.OpPut, Key: domain.ExecutionKey(record.ExecutionID), Value: data, Version: 0},
		{Type: ports.OpPut, Key: domain.StatusIndexKey(record.Status, record.ExecutionID), Value: []byte(record.ExecutionID), Version: ports.AnyVersion},
	}
	if record.WaitingInfo != nil && record.WaitingInfo.TaskID != "" {
		ops = append(ops, taskIndexOp(record.WaitingInfo.TaskID, record.ExecutionID))
	}

	if err := s.storage.BatchWrite(ops); err != nil {
		record.Version = 0
		if domain.IsConflict(err) {
			return fmt.Errorf("%w: execution %s", domain.ErrAlreadyExists, record.ExecutionID)
		}
		return fmt.Errorf("failed to create execution %s: %w", record.ExecutionID, err)
	}

	s.logger.Debug("created execution", "execution_id", record.ExecutionID, "workflow_id", record.WorkflowID, "status", record.Status)
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record, _, err := s.load(executionID)
	return record, err
}

func (s *ExecutionStore) load(executionID string) (*domain.ExecutionRecord, int64, error) {
	data, version, exists, err := s.storage.Get(domain.ExecutionKey(executionID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if !exists {
		return nil, 0, fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
	}

	var record domain.ExecutionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, 0, fmt.Errorf("failed to decode execution %s: %w", executionID, err)
	}
	record.Version = version
	if record.Context == nil {
		record.Context = make(map[string]interface{})
	}
	return &record, version, nil
}

func (s *ExecutionStore) Update(ctx context.Context, executionID string, fn func(*domain.ExecutionRecord) error) (*domain.ExecutionRecord, error) {
	for retries := 0; retries < maxUpdateAttempts; retries++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, version, err := s.load(executionID)
		if err != nil {
			return nil, err
		}

		previousStatus := record.Status
		previousTask := taskOf(record)

		if err := fn(record); err != nil {
			return nil, err
		}

		if record.Status != previousStatus && !previousStatus.CanTransition(record.Status) {
			return nil, fmt.Errorf("%w: %s -> %s for execution %s", domain.ErrStatusMismatch, previousStatus, record.Status, executionID)
		}

		record.ExecutionID = executionID
		record.UpdatedAt = s.now()
		record.Version = version + 1

		saveErr := s.save(record, version, previousStatus, previousTask)
		if saveErr == nil {
			return record, nil
		}
		if !domain.IsConflict(saveErr) {
			return nil, fmt.Errorf("failed to save execution %s: %w", executionID, saveErr)
		}

		s.logger.Debug("execution update conflicted, retrying", "execution_id", executionID, "attempt", retries+1)

		backoff := time.Duration(retries*retries) * 10 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: execution %s kept conflicting after %d attempts", domain.ErrTimeout, executionID, maxUpdateAttempts)
}

func (s *ExecutionStore) Transition(ctx context.Context, executionID string, from []domain.ExecutionStatus, to domain.ExecutionStatus, fn func(*domain.ExecutionRecord) error) (*domain.ExecutionRecord, error) {
	return s.Update(ctx, executionID, func(record *domain.ExecutionRecord) error {
		if !statusIn(record.Status, from) {
			return fmt.Errorf("%w: execution %s is %s", domain.ErrStatusMismatch, executionID, record.Status)
		}
		record.SetStatus(to, s.now())
		if fn != nil {
			return fn(record)
		}
		return nil
	})
}

func (s *ExecutionStore) FindByTaskID(ctx context.Context, taskID string) (*domain.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, _, exists, err := s.storage.Get(domain.TaskIndexKey(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to load task index %s: %w", taskID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}

	record, _, err := s.load(string(data))
	return record, err
}

func (s *ExecutionStore) ListByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := s.storage.ListByPrefix(domain.StatusIndexPrefixFor(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s executions: %w", status, err)
	}

	records := make([]*domain.ExecutionRecord, 0, len(entries))
	for _, entry := range entries {
		record, _, err := s.load(string(entry.Value))
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if record.Status != status {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *ExecutionStore) save(record *domain.ExecutionRecord, version int64, previousStatus domain.ExecutionStatus, previousTask string) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", record.ExecutionID, err)
	}

	ops := []ports.WriteOp{
		{Type: ports.OpPut, Key: domain.ExecutionKey(record.ExecutionID), Value: data, Version: version},
	}

	if record.Status != previousStatus {
		ops = append(ops,
			ports.WriteOp{Type: ports.OpDeleteIfExists, Key: domain.StatusIndexKey(previousStatus, record.ExecutionID)},
			ports.WriteOp{Type: ports.OpPut, Key: domain.StatusIndexKey(record.Status, record.ExecutionID), Value: []byte(record.ExecutionID), Version: ports.AnyVersion},
		)
	}

	// Task index entries outlive the wait so that replayed review events still
	// find the execution and resolve to a no-op.
	if task := taskOf(record); task != "" && task != previousTask {
		ops = append(ops, taskIndexOp(task, record.ExecutionID))
	}

	return s.storage.BatchWrite(ops)
}

func taskIndexOp(taskID, executionID string) ports.WriteOp {
	return ports.WriteOp{Type: ports.OpPut, Key: domain.TaskIndexKey(taskID), Value: []byte(executionID), Version: ports.AnyVersion}
}

func taskOf(record *domain.ExecutionRecord) string {
	if record.WaitingInfo == nil {
		return ""
	}
	return record.WaitingInfo.TaskID
}

func statusIn(status domain.ExecutionStatus, set []domain.ExecutionStatus) bool {
	for _, candidate := range set {
		if candidate == status {
			return true
		}
	}
	return false
}
