// Package condition evaluates the boolean expressions used by condition
// nodes and conditional edges.
//
// Evaluation is fail-closed: an expression that cannot be parsed or whose
// operands cannot be compared evaluates to false and never returns an error
// to the caller.
package condition

import (
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/template"
)

const defaultCacheSize = 1024

// Cache memoizes compiled expressions by their source text.
type Cache struct {
	mu       sync.RWMutex
	compiled map[string]*Expression
	limit    int
}

func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = defaultCacheSize
	}
	return &Cache{
		compiled: make(map[string]*Expression),
		limit:    limit,
	}
}

func (c *Cache) Compile(expr string) (*Expression, error) {
	c.mu.RLock()
	compiled, ok := c.compiled[expr]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := Compile(expr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.compiled) >= c.limit {
		c.compiled = make(map[string]*Expression, c.limit)
	}
	c.compiled[expr] = compiled
	c.mu.Unlock()

	return compiled, nil
}

func (c *Cache) Evaluate(expr string, vars map[string]interface{}) bool {
	compiled, err := c.Compile(expr)
	if err != nil {
		return false
	}
	return compiled.Evaluate(vars)
}

var defaultCache = NewCache(defaultCacheSize)

// Evaluate compiles expr (cached) and evaluates it against vars.
func Evaluate(expr string, vars map[string]interface{}) bool {
	return defaultCache.Evaluate(expr, vars)
}

// Evaluate resolves the operands against vars and applies the operator.
func (e *Expression) Evaluate(vars map[string]interface{}) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			result = false
		}
	}()

	if e.op == OpTruthy {
		return truthy(template.Resolve(e.left, vars))
	}

	left := template.ResolveTyped(e.left, vars)
	right := template.ResolveTyped(e.right, vars)
	if unresolved(left) || unresolved(right) {
		return false
	}

	switch e.op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		l, lok := number(left)
		r, rok := number(right)
		if !lok || !rok {
			return false
		}
		switch e.op {
		case OpGreater:
			return l > r
		case OpLess:
			return l < r
		case OpGreaterEqual:
			return l >= r
		default:
			return l <= r
		}
	case OpEqual:
		return equal(left, right)
	case OpNotEqual:
		return !equal(left, right)
	case OpContains:
		return Contains(left, operand(right))
	default:
		return false
	}
}

// truthy treats a value that still carries an unresolved placeholder as false.
func truthy(value interface{}) bool {
	s, ok := value.(string)
	if !ok {
		s = template.Stringify(value)
	}
	s = strings.TrimSpace(s)
	if s == "" || template.HasTokens(s) {
		return false
	}
	return !strings.EqualFold(s, "false")
}

func unresolved(value interface{}) bool {
	s, ok := value.(string)
	return ok && template.HasTokens(s)
}

func operand(value interface{}) string {
	s := strings.TrimSpace(template.Stringify(value))
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func number(value interface{}) (float64, bool) {
	f, err := strconv.ParseFloat(operand(value), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func equal(left, right interface{}) bool {
	l, lok := number(left)
	r, rok := number(right)
	if lok && rok {
		return l == r
	}
	return operand(left) == operand(right)
}

// Contains reports whether haystack contains needle: substring for text,
// membership for lists, key presence or value match for objects.
func Contains(haystack interface{}, needle string) bool {
	switch h := haystack.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(h, needle)
	case []interface{}:
		for _, item := range h {
			if operand(item) == needle {
				return true
			}
		}
		return false
	case map[string]interface{}:
		if _, ok := h[needle]; ok {
			return true
		}
		for _, value := range h {
			if s, ok := value.(string); ok && strings.Contains(s, needle) {
				return true
			}
		}
		return false
	}

	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if operand(rv.Index(i).Interface()) == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(template.Stringify(haystack), needle)
}

// EvaluateEdge decides whether an edge may be taken. Unconditional edges always
// qualify; output_contains checks the source node's output; expressions are
// evaluated against vars.
func EvaluateEdge(cond *domain.EdgeCondition, sourceOutput interface{}, vars map[string]interface{}) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			result = false
		}
	}()

	if cond == nil {
		return true
	}

	switch cond.Type {
	case "":
		if strings.TrimSpace(cond.Expression) == "" {
			return true
		}
		return Evaluate(cond.Expression, vars)
	case domain.ConditionOutputContains:
		needle := template.ResolveString(template.Stringify(cond.Value), vars)
		return Contains(sourceOutput, needle)
	default:
		return false
	}
}
