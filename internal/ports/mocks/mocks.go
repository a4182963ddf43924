// Package mocks holds testify mocks for the collaborator ports.
package mocks

import (
	"context"

	"github.com/eleven-am/flowgate/internal/ports"
	"github.com/stretchr/testify/mock"
)

type MockLanguageModel struct {
	mock.Mock
}

func (m *MockLanguageModel) Invoke(ctx context.Context, request ports.CompletionRequest) (*ports.Completion, error) {
	args := m.Called(ctx, request)
	if fn, ok := args.Get(0).(func(context.Context, ports.CompletionRequest) (*ports.Completion, error)); ok {
		return fn(ctx, request)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.Completion), args.Error(1)
}

type MockTool struct {
	mock.Mock
	ToolName string
}

func (m *MockTool) Name() string {
	return m.ToolName
}

func (m *MockTool) Description() string {
	return "mock tool " + m.ToolName
}

func (m *MockTool) Call(ctx context.Context, input []byte) (interface{}, error) {
	args := m.Called(ctx, input)
	return args.Get(0), args.Error(1)
}

type MockToolRegistry struct {
	mock.Mock
}

func (m *MockToolRegistry) Register(tool ports.Tool) error {
	args := m.Called(tool)
	return args.Error(0)
}

func (m *MockToolRegistry) Resolve(name string) (ports.Tool, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.Tool), args.Error(1)
}

func (m *MockToolRegistry) List() []string {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]string)
}

type MockTaskSystem struct {
	mock.Mock
}

func (m *MockTaskSystem) CreateTask(ctx context.Context, request ports.TaskRequest) (string, error) {
	args := m.Called(ctx, request)
	return args.String(0), args.Error(1)
}

func (m *MockTaskSystem) GetTask(ctx context.Context, taskID string) (*ports.TaskStatus, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.TaskStatus), args.Error(1)
}

type MockExecutionResumer struct {
	mock.Mock
}

func (m *MockExecutionResumer) ContinueExecution(ctx context.Context, executionID string) error {
	args := m.Called(ctx, executionID)
	return args.Error(0)
}
