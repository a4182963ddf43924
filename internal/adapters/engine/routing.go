package engine

import (
	"fmt"

	"github.com/eleven-am/flowgate/internal/condition"
	"github.com/eleven-am/flowgate/internal/domain"
)

// nextNodes picks the successors of node. A route set by the node wins over
// edges; otherwise the first qualifying edge in declaration order is taken,
// or every qualifying edge when the workflow fans out.
func (e *Engine) nextNodes(def *domain.WorkflowDefinition, node *domain.NodeDefinition, route string, output interface{}, vars map[string]interface{}) ([]string, error) {
	if route != "" {
		if _, ok := def.Node(route); !ok {
			return nil, domain.NewConfigurationError(node.ID, fmt.Sprintf("route target %q does not exist", route), nil)
		}
		return []string{route}, nil
	}

	var next []string
	for _, edge := range def.Outgoing(node.ID) {
		if !e.qualifies(edge, output, vars) {
			continue
		}
		next = append(next, edge.Target)
		if !def.Settings.FanOut {
			break
		}
	}

	if len(next) == 0 {
		return nil, domain.NewConfigurationError(node.ID, "no qualifying outgoing edge", nil)
	}
	return next, nil
}

func (e *Engine) qualifies(edge domain.EdgeDefinition, output interface{}, vars map[string]interface{}) bool {
	if edge.Unconditional() {
		return true
	}
	if edge.Condition.Type == "" {
		return e.conditions.Evaluate(edge.Condition.Expression, vars)
	}
	return condition.EvaluateEdge(edge.Condition, output, vars)
}
