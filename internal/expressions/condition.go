package expressions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// comparisonOps is ordered so that longer operators are matched first.
var comparisonOps = []string{"===", "!==", ">=", "<=", "==", "!=", ">", "<"}

// SimpleEngine evaluates single comparisons of the form <left> <op> <right>.
// Bare identifiers are resolved against the data; anything else is a literal.
type SimpleEngine struct{}

// NewSimpleEngine creates the default condition engine.
func NewSimpleEngine() *SimpleEngine { return &SimpleEngine{} }

// Name returns the engine identifier.
func (e *SimpleEngine) Name() string { return "simple" }

// Evaluate satisfies Engine. The result is always a bool.
func (e *SimpleEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	return EvaluateComparison(expression, data)
}

// EvaluateComparison tokenizes expression and applies the comparison.
// Numeric comparison is used when both operands parse as numbers; otherwise
// only == and != are allowed and compare the stringified operands.
func EvaluateComparison(expression string, data map[string]any) (bool, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return false, schema.NewError(schema.ErrCodeConfiguration, "empty condition expression")
	}

	left, op, right, err := splitComparison(expr)
	if err != nil {
		return false, err
	}

	lv := resolveOperand(left, data)
	rv := resolveOperand(right, data)

	lf, lnum := toNumber(lv)
	rf, rnum := toNumber(rv)
	if lnum && rnum {
		return compareNumbers(lf, op, rf), nil
	}

	switch op {
	case "==", "===":
		return Stringify(lv) == Stringify(rv), nil
	case "!=", "!==":
		return Stringify(lv) != Stringify(rv), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"condition %q: operator %s requires numeric operands, got %q and %q",
			expression, op, Stringify(lv), Stringify(rv)).
			WithDetails(map[string]any{"expression": expression})
	}
}

// splitComparison finds the first operator outside of quotes.
func splitComparison(expr string) (left, op, right string, err error) {
	var quote rune
	for i, r := range expr {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		if r == '"' || r == '\'' {
			quote = r
			continue
		}
		for _, candidate := range comparisonOps {
			if strings.HasPrefix(expr[i:], candidate) {
				left = strings.TrimSpace(expr[:i])
				right = strings.TrimSpace(expr[i+len(candidate):])
				if left == "" || right == "" {
					return "", "", "", schema.NewErrorf(schema.ErrCodeConfiguration,
						"condition %q: missing operand around %s", expr, candidate)
				}
				return left, candidate, right, nil
			}
		}
	}
	return "", "", "", schema.NewErrorf(schema.ErrCodeConfiguration,
		"condition %q: expected <left> <operator> <right> with one of >, <, >=, <=, ==, !=", expr)
}

// resolveOperand turns a token into a value: quoted strings and numbers are
// literals, identifiers found in data resolve to their value, true/false are
// booleans, and any other bare word is taken as a string literal.
func resolveOperand(token string, data map[string]any) any {
	if n := len(token); n >= 2 {
		if (token[0] == '"' && token[n-1] == '"') || (token[0] == '\'' && token[n-1] == '\'') {
			return token[1 : n-1]
		}
	}
	if _, err := strconv.ParseFloat(token, 64); err == nil {
		return token
	}
	if v, ok := Lookup(data, token); ok {
		return v
	}
	switch token {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return token
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumbers(l float64, op string, r float64) bool {
	switch op {
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	case "==", "===":
		return l == r
	default:
		return l != r
	}
}

var _ Engine = (*SimpleEngine)(nil)
