package store

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/flowgate/internal/adapters/storage"
	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ExecutionStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewExecutionStore(storage.NewStore(db, logger), logger)
}

func newRecord(id string, status domain.ExecutionStatus) *domain.ExecutionRecord {
	return &domain.ExecutionRecord{
		ExecutionID: id,
		WorkflowID:  "wf",
		Status:      status,
		Context:     map[string]interface{}{"input": "hello"},
	}
}

func TestExecutionStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := newRecord("exec-1", domain.ExecutionPending)
	require.NoError(t, s.Create(ctx, record))
	assert.Equal(t, int64(1), record.Version)
	assert.False(t, record.CreatedAt.IsZero())

	loaded, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "wf", loaded.WorkflowID)
	assert.Equal(t, domain.ExecutionPending, loaded.Status)
	assert.Equal(t, "hello", loaded.Context["input"])
	assert.Equal(t, int64(1), loaded.Version)

	err = s.Create(ctx, newRecord("exec-1", domain.ExecutionPending))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = s.Get(ctx, "nope")
	assert.True(t, domain.IsNotFound(err))
}

func TestExecutionStore_UpdateBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRecord("exec-1", domain.ExecutionPending)))

	updated, err := s.Update(ctx, "exec-1", func(r *domain.ExecutionRecord) error {
		r.Context["extra"] = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	loaded, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, loaded.Context["extra"])
	assert.Equal(t, int64(2), loaded.Version)
}

func TestExecutionStore_UpdateRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRecord("exec-1", domain.ExecutionPending)))

	_, err := s.Update(ctx, "exec-1", func(r *domain.ExecutionRecord) error {
		r.Status = domain.ExecutionCompleted
		return nil
	})
	assert.True(t, domain.IsStatusMismatch(err))

	loaded, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPending, loaded.Status)
}

func TestExecutionStore_Transition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRecord("exec-1", domain.ExecutionRunning)))

	record, err := s.Transition(ctx, "exec-1",
		[]domain.ExecutionStatus{domain.ExecutionRunning},
		domain.ExecutionWaitingHumanReview,
		func(r *domain.ExecutionRecord) error {
			r.WaitingInfo = &domain.WaitingInfo{NodeID: "review", TaskID: "task-1", Mode: domain.ReviewModeExternal}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionWaitingHumanReview, record.Status)

	_, err = s.Transition(ctx, "exec-1",
		[]domain.ExecutionStatus{domain.ExecutionRunning},
		domain.ExecutionCompleted, nil)
	assert.True(t, domain.IsStatusMismatch(err))

	byTask, err := s.FindByTaskID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", byTask.ExecutionID)

	record, err = s.Transition(ctx, "exec-1",
		[]domain.ExecutionStatus{domain.ExecutionWaitingHumanReview},
		domain.ExecutionRunning, nil)
	require.NoError(t, err)
	assert.Nil(t, record.WaitingInfo)

	byTask, err = s.FindByTaskID(ctx, "task-1")
	require.NoError(t, err, "task index survives the wait")
	assert.Equal(t, domain.ExecutionRunning, byTask.Status)

	_, err = s.FindByTaskID(ctx, "task-unknown")
	assert.True(t, domain.IsNotFound(err))
}

func TestExecutionStore_ListByStatusFollowsTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newRecord("a", domain.ExecutionRunning)))
	require.NoError(t, s.Create(ctx, newRecord("b", domain.ExecutionRunning)))
	require.NoError(t, s.Create(ctx, newRecord("c", domain.ExecutionPending)))

	running, err := s.ListByStatus(ctx, domain.ExecutionRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	_, err = s.Transition(ctx, "a", []domain.ExecutionStatus{domain.ExecutionRunning}, domain.ExecutionCompleted, nil)
	require.NoError(t, err)

	running, err = s.ListByStatus(ctx, domain.ExecutionRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ExecutionID)

	completed, err := s.ListByStatus(ctx, domain.ExecutionCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.NotNil(t, completed[0].CompletedAt)
}

func TestExecutionStore_ConcurrentUpdatesAllApply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRecord("exec-1", domain.ExecutionRunning)))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "exec-1", func(r *domain.ExecutionRecord) error {
				count, _ := r.Context["count"].(float64)
				r.Context["count"] = count + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, float64(writers), loaded.Context["count"])
}

func TestExecutionStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := s.Update(ctx, "exec-1", func(*domain.ExecutionRecord) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
