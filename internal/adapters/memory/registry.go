package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
)

type MemoryToolRegistry struct {
	tools  map[string]ports.Tool
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewMemoryToolRegistry(logger *slog.Logger) *MemoryToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryToolRegistry{
		tools:  make(map[string]ports.Tool),
		logger: logger.With("component", "registry", "type", "memory"),
	}
}

func (r *MemoryToolRegistry) Register(tool ports.Tool) error {
	if err := validateTool(tool); err != nil {
		return err
	}

	toolName := tool.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[toolName]; exists {
		r.logger.Warn("tool registration conflict detected", "tool", toolName)
		return &ports.ToolRegistrationError{
			ToolName: toolName,
			Reason:   "tool already registered",
		}
	}

	r.tools[toolName] = tool
	r.logger.Info("tool registered", "tool", toolName)
	return nil
}

func (r *MemoryToolRegistry) Resolve(toolName string) (ports.Tool, error) {
	if err := validateToolName(toolName); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[toolName]
	if !exists {
		r.logger.Debug("tool not found", "tool", toolName)
		return nil, fmt.Errorf("%w: tool %q", domain.ErrNotFound, toolName)
	}
	return tool, nil
}

func (r *MemoryToolRegistry) Unregister(toolName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[toolName]; !exists {
		r.logger.Warn("attempt to unregister unknown tool", "tool", toolName)
		return fmt.Errorf("%w: tool %q", domain.ErrNotFound, toolName)
	}

	delete(r.tools, toolName)
	r.logger.Info("tool unregistered", "tool", toolName)
	return nil
}

// List returns the registered tool names in sorted order.
func (r *MemoryToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs describes the named tools for a language model. Unknown names are
// skipped.
func (r *MemoryToolRegistry) Specs(names []string) []ports.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ports.ToolSpec, 0, len(names))
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			specs = append(specs, ports.ToolSpec{Name: tool.Name(), Description: tool.Description()})
		}
	}
	return specs
}

// FuncTool adapts a plain function to ports.Tool.
type FuncTool struct {
	name        string
	description string
	fn          func(ctx context.Context, input []byte) (interface{}, error)
}

func NewFuncTool(name, description string, fn func(ctx context.Context, input []byte) (interface{}, error)) *FuncTool {
	return &FuncTool{name: name, description: description, fn: fn}
}

func (t *FuncTool) Name() string        { return t.name }
func (t *FuncTool) Description() string { return t.description }

func (t *FuncTool) Call(ctx context.Context, input []byte) (interface{}, error) {
	return t.fn(ctx, input)
}
