package domain

import "fmt"

const (
	ExecutionPrefix   = "execution:record:"
	TaskIndexPrefix   = "execution:task:"
	StatusIndexPrefix = "execution:status:"
)

// ExecutionKey builds the canonical key for an execution record
func ExecutionKey(executionID string) string {
	return fmt.Sprintf("%s%s", ExecutionPrefix, executionID)
}

// TaskIndexKey maps an external review task id to its execution
func TaskIndexKey(taskID string) string {
	return fmt.Sprintf("%s%s", TaskIndexPrefix, taskID)
}

// StatusIndexKey builds the per-status index entry for an execution
func StatusIndexKey(status ExecutionStatus, executionID string) string {
	return fmt.Sprintf("%s%s:%s", StatusIndexPrefix, status, executionID)
}

func StatusIndexPrefixFor(status ExecutionStatus) string {
	return fmt.Sprintf("%s%s:", StatusIndexPrefix, status)
}
