package actions

import (
	"context"
	"testing"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConditionExecutor(t *testing.T) *ConditionExecutor {
	t.Helper()
	ev, err := expressions.NewConditionEvaluator()
	require.NoError(t, err)
	return NewConditionExecutor(ev)
}

func conditionInput(cfg map[string]any, data map[string]any) StepInput {
	return StepInput{
		Step:   schema.Step{ID: "check", Type: schema.StepTypeCondition, Configuration: cfg},
		Config: cfg,
		Data:   data,
	}
}

func TestConditionExecutor_SelectsBranch(t *testing.T) {
	e := newConditionExecutor(t)
	cfg := map[string]any{
		"condition":  "amount > 1000",
		"trueSteps":  []any{"highValueEmail"},
		"falseSteps": []any{"standardEmail"},
	}

	out, err := e.Run(context.Background(), conditionInput(cfg, map[string]any{"amount": 1500}))
	require.NoError(t, err)
	assert.Equal(t, []string{"highValueEmail"}, out.Next)
	assert.Equal(t, "true", out.Output["branch"])
	assert.Equal(t, true, out.Output["result"])

	out, err = e.Run(context.Background(), conditionInput(cfg, map[string]any{"amount": 200}))
	require.NoError(t, err)
	assert.Equal(t, []string{"standardEmail"}, out.Next)
	assert.Equal(t, "false", out.Output["branch"])
}

func TestConditionExecutor_StepOutputsVisible(t *testing.T) {
	e := newConditionExecutor(t)
	cfg := map[string]any{
		"condition": "steps.notify.statusCode == 202",
		"engine":    "expr",
		"trueSteps": "audit",
	}
	in := conditionInput(cfg, map[string]any{})
	in.StepOutputs = map[string]map[string]any{"notify": {"statusCode": 202}}

	out, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, out.Next)
}

func TestConditionExecutor_EmptyBranch(t *testing.T) {
	e := newConditionExecutor(t)
	out, err := e.Run(context.Background(), conditionInput(map[string]any{
		"condition": "amount > 1000",
		"trueSteps": []any{"x"},
	}, map[string]any{"amount": 1}))
	require.NoError(t, err)
	assert.Empty(t, out.Next)
}

func TestConditionExecutor_InvalidExpression(t *testing.T) {
	e := newConditionExecutor(t)
	_, err := e.Run(context.Background(), conditionInput(map[string]any{
		"condition": "status > 10",
	}, map[string]any{"status": "paid"}))
	require.Error(t, err)
	assert.True(t, schema.IsConfigurationError(err))
}

func TestConditionExecutor_Validate(t *testing.T) {
	e := newConditionExecutor(t)

	assert.NoError(t, e.Validate(schema.Step{ID: "c", Configuration: map[string]any{
		"condition": "a == b", "engine": "cel", "trueSteps": []any{"x"},
	}}))

	for _, cfg := range []map[string]any{
		{},
		{"condition": "a == b", "engine": "lua"},
		{"condition": "a == b", "falseSteps": 7},
	} {
		err := e.Validate(schema.Step{ID: "c", Configuration: cfg})
		require.Error(t, err, "%v", cfg)
		assert.True(t, schema.IsConfigurationError(err))
	}
}
