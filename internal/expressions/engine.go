package expressions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/autoflow/pkg/schema"
)

// Engine evaluates expressions within workflow steps.
// Three condition implementations (simple, expr, cel) and one transform (jq).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultConditionEngine is used when a condition step names no engine.
const DefaultConditionEngine = "simple"

// ConditionEvaluator routes condition expressions to a named engine and
// coerces the result to a bool.
type ConditionEvaluator struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewConditionEvaluator builds an evaluator with the simple, expr and cel engines registered.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	ev := &ConditionEvaluator{engines: make(map[string]Engine, 3)}
	ev.Register(NewSimpleEngine())
	ev.Register(NewExprEngine())
	ev.Register(celEngine)
	return ev, nil
}

// Register adds or replaces an engine under its Name.
func (c *ConditionEvaluator) Register(e Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engines[e.Name()] = e
}

// Engines lists the registered engine names.
func (c *ConditionEvaluator) Engines() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.engines))
	for name := range c.engines {
		names = append(names, name)
	}
	return names
}

// Has reports whether an engine with the given name is registered.
func (c *ConditionEvaluator) Has(name string) bool {
	if name == "" {
		name = DefaultConditionEngine
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.engines[name]
	return ok
}

// Evaluate runs expression on the named engine ("" selects the default).
// A non-bool result is a configuration error.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, engine, expression string, data map[string]any) (bool, error) {
	if engine == "" {
		engine = DefaultConditionEngine
	}
	c.mu.RLock()
	e, ok := c.engines[engine]
	c.mu.RUnlock()
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown condition engine %q", engine)
	}

	if strings.TrimSpace(expression) == "" {
		return false, schema.NewError(schema.ErrCodeConfiguration, "empty condition expression")
	}

	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"condition %q must evaluate to a boolean, got %s", expression, fmt.Sprintf("%T", out)).
			WithDetails(map[string]any{"expression": expression, "engine": engine})
	}
	return b, nil
}
