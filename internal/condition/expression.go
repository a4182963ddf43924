package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type Operator string

const (
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpContains     Operator = "contains"
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpTruthy       Operator = ""
)

// Two-character operators are tried before their one-character prefixes so
// that "a >= b" is never read as "a > (= b)".
var symbolOperators = []Operator{OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual}

var trailingOperators = []Operator{OpGreater, OpLess}

var (
	tokenPattern    = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	containsPattern = regexp.MustCompile(`\s+contains\s+`)
)

var ErrMalformed = errors.New("malformed condition")

// Expression is a parsed condition. Operands keep their placeholders and are
// resolved on every evaluation, so one compiled expression serves any number
// of contexts.
type Expression struct {
	raw   string
	op    Operator
	left  string
	right string
}

func (e *Expression) String() string {
	return e.raw
}

func (e *Expression) Operator() Operator {
	return e.op
}

// Compile parses expr into an Expression. Placeholders are masked while
// searching for the operator so that resolved values can never change how an
// expression is split.
func Compile(expr string) (*Expression, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrMalformed)
	}

	masked := mask(raw)

	for _, op := range symbolOperators {
		if idx := strings.Index(masked, string(op)); idx >= 0 {
			return split(raw, op, idx, len(op))
		}
	}

	if loc := containsPattern.FindStringIndex(masked); loc != nil {
		return split(raw, OpContains, loc[0], loc[1]-loc[0])
	}

	for _, op := range trailingOperators {
		if idx := strings.Index(masked, string(op)); idx >= 0 {
			return split(raw, op, idx, len(op))
		}
	}

	return &Expression{raw: raw, op: OpTruthy, left: raw}, nil
}

func split(raw string, op Operator, idx, width int) (*Expression, error) {
	left := strings.TrimSpace(raw[:idx])
	right := strings.TrimSpace(raw[idx+width:])
	if left == "" || right == "" {
		return nil, fmt.Errorf("%w: operator %q needs two operands in %q", ErrMalformed, op, raw)
	}
	return &Expression{raw: raw, op: op, left: left, right: right}, nil
}

func mask(s string) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		return strings.Repeat("_", len(token))
	})
}
