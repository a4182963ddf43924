package domain

import (
	"errors"
	"fmt"
)

type StorageError struct {
	Type    ErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

type ErrorType int

const (
	ErrKeyNotFound ErrorType = iota
	ErrVersionMismatch
	ErrTransactionConflict
	ErrClosed
)

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func NewVersionMismatchError(key string, expected, actual int64) *StorageError {
	return &StorageError{
		Type:    ErrVersionMismatch,
		Key:     key,
		Message: fmt.Sprintf("version mismatch for key %s: expected %d, got %d", key, expected, actual),
	}
}

func NewTransactionConflictError(key string, cause error) *StorageError {
	return &StorageError{
		Type:    ErrTransactionConflict,
		Key:     key,
		Message: fmt.Sprintf("transaction conflict for key %s: %v", key, cause),
	}
}

var (
	ErrAlreadyStarted   = errors.New("already started")
	ErrNotStarted       = errors.New("not started")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTimeout          = errors.New("operation timeout")
	ErrStatusMismatch   = errors.New("execution status does not allow this transition")
	ErrNotRetryable     = errors.New("execution is not retryable")
	ErrRetriesExhausted = errors.New("execution retries exhausted")
	ErrAlreadyExists    = errors.New("resource already exists")
)

func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Type == ErrKeyNotFound
}

// IsConflict reports whether err came from a lost optimistic update that is
// safe to retry against a fresh read.
func IsConflict(err error) bool {
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		return false
	}
	return storageErr.Type == ErrVersionMismatch || storageErr.Type == ErrTransactionConflict
}

func IsStatusMismatch(err error) bool {
	return errors.Is(err, ErrStatusMismatch)
}

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindConfiguration      ErrorKind = "configuration"
	KindToolExecution      ErrorKind = "tool_execution"
	KindHumanReviewTimeout ErrorKind = "human_review_timeout"
	KindResumeMismatch     ErrorKind = "resume_mismatch"
	KindAborted            ErrorKind = "aborted"
	KindInternal           ErrorKind = "internal"
)

type EngineError struct {
	Kind      ErrorKind
	NodeID    string
	Message   string
	Retryable bool
	Cause     error
}

func (e *EngineError) Error() string {
	prefix := string(e.Kind)
	if e.NodeID != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Kind, e.NodeID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Record converts the error into its persisted form.
func (e *EngineError) Record() *ExecutionError {
	return &ExecutionError{
		Type:      e.Kind,
		Message:   e.Error(),
		NodeID:    e.NodeID,
		Retryable: e.Retryable,
	}
}

func NewConfigurationError(nodeID, message string, cause error) *EngineError {
	return &EngineError{Kind: KindConfiguration, NodeID: nodeID, Message: message, Cause: cause}
}

func NewToolExecutionError(nodeID, message string, cause error) *EngineError {
	return &EngineError{Kind: KindToolExecution, NodeID: nodeID, Message: message, Cause: cause, Retryable: true}
}

func NewHumanReviewTimeoutError(nodeID, taskID string) *EngineError {
	return &EngineError{
		Kind:    KindHumanReviewTimeout,
		NodeID:  nodeID,
		Message: fmt.Sprintf("human review task %s timed out", taskID),
	}
}

func NewResumeMismatchError(nodeID, message string) *EngineError {
	return &EngineError{Kind: KindResumeMismatch, NodeID: nodeID, Message: message}
}

func NewInternalError(nodeID, message string, cause error) *EngineError {
	return &EngineError{Kind: KindInternal, NodeID: nodeID, Message: message, Cause: cause}
}

func errorKind(err error) (ErrorKind, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Kind, true
	}
	return "", false
}

func IsConfigurationError(err error) bool {
	kind, ok := errorKind(err)
	return ok && kind == KindConfiguration
}

func IsToolExecutionError(err error) bool {
	kind, ok := errorKind(err)
	return ok && kind == KindToolExecution
}

func IsHumanReviewTimeout(err error) bool {
	kind, ok := errorKind(err)
	return ok && kind == KindHumanReviewTimeout
}

func IsResumeMismatch(err error) bool {
	kind, ok := errorKind(err)
	return ok && kind == KindResumeMismatch
}

// IsRetryable reports whether a node failure may be attempted again.
// Unclassified errors count as collaborator failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Retryable
	}
	return true
}

// AsEngineError classifies any error for persistence; unknown errors are
// treated as retryable collaborator failures of nodeID.
func AsEngineError(nodeID string, err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		if engineErr.NodeID == "" {
			copied := *engineErr
			copied.NodeID = nodeID
			return &copied
		}
		return engineErr
	}
	return NewToolExecutionError(nodeID, "node execution failed", err)
}
