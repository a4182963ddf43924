package memory

import (
	"strings"

	"github.com/eleven-am/flowgate/internal/ports"
)

func validateTool(tool ports.Tool) error {
	if tool == nil {
		return &ports.ToolRegistrationError{
			ToolName: "<nil>",
			Reason:   "tool cannot be nil",
		}
	}

	return validateToolName(tool.Name())
}

func validateToolName(toolName string) error {
	if strings.TrimSpace(toolName) == "" {
		return &ports.ToolRegistrationError{
			ToolName: toolName,
			Reason:   "tool name cannot be empty",
		}
	}

	return nil
}
