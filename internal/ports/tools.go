package ports

import (
	"context"
	"fmt"
)

// Tool is an opaque callable invoked by tool and agent nodes. Input is the
// JSON encoding of the node's resolved input.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, input []byte) (interface{}, error)
}

type ToolRegistry interface {
	Register(tool Tool) error
	Resolve(name string) (Tool, error)
	List() []string
}

type ToolRegistrationError struct {
	ToolName string
	Reason   string
}

func (e *ToolRegistrationError) Error() string {
	return fmt.Sprintf("tool registration failed for %q: %s", e.ToolName, e.Reason)
}
