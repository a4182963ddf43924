package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eleven-am/flowgate/internal/domain"
)

// nodeConfig reads typed values out of a node's free-form config. Definitions
// arrive from YAML or JSON, so numbers may be ints or floats and lists may be
// []interface{} or []string.
type nodeConfig struct {
	nodeID string
	values map[string]interface{}
}

func configOf(node *domain.NodeDefinition) nodeConfig {
	return nodeConfig{nodeID: node.ID, values: node.Config}
}

func (c nodeConfig) has(key string) bool {
	value, ok := c.values[key]
	return ok && value != nil
}

func (c nodeConfig) raw(key string) interface{} {
	return c.values[key]
}

func (c nodeConfig) str(key string) string {
	switch v := c.values[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (c nodeConfig) requireStr(key string) (string, error) {
	value := strings.TrimSpace(c.str(key))
	if value == "" {
		return "", domain.NewConfigurationError(c.nodeID, fmt.Sprintf("config %q is required", key), nil)
	}
	return value, nil
}

func (c nodeConfig) number(key string) (float64, bool) {
	switch v := c.values[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (c nodeConfig) integer(key string) (int, bool) {
	f, ok := c.number(key)
	return int(f), ok
}

func (c nodeConfig) list(key string) []string {
	switch v := c.values[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func (c nodeConfig) object(key string) map[string]interface{} {
	switch v := c.values[key].(type) {
	case map[string]interface{}:
		return v
	case map[string]string:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	default:
		return nil
	}
}

func asBool(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	default:
		return false
	}
}
