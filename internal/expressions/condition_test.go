package expressions

import (
	"context"
	"testing"

	"github.com/rendis/autoflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateComparison_Numeric(t *testing.T) {
	data := map[string]any{"amount": 1500, "limit": "1000", "ratio": 0.5}
	cases := []struct {
		expr string
		want bool
	}{
		{"amount > 1000", true},
		{"amount < 1000", false},
		{"amount >= 1500", true},
		{"amount <= 1499.99", false},
		{"amount == 1500", true},
		{"amount != 1500", false},
		{"amount > limit", true},
		{"ratio < 1", true},
		{"1000>amount", false},
		{"amount === 1500", true},
		{"amount !== 1500", false},
	}
	for _, tc := range cases {
		got, err := EvaluateComparison(tc.expr, data)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateComparison_StringEquality(t *testing.T) {
	data := map[string]any{
		"status":   "paid",
		"customer": map[string]any{"tier": "gold"},
		"active":   true,
	}

	got, err := EvaluateComparison(`status == "paid"`, data)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateComparison("status == paid", data)
	require.NoError(t, err)
	assert.True(t, got, "bare word on the right is a literal")

	got, err = EvaluateComparison("customer.tier != 'silver'", data)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateComparison("active == true", data)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateComparison_MissingIdentifierIsLiteral(t *testing.T) {
	got, err := EvaluateComparison("region == region", map[string]any{})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateComparison("region == eu", map[string]any{})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateComparison_QuotedOperatorIgnored(t *testing.T) {
	got, err := EvaluateComparison(`label == "a>b"`, map[string]any{"label": "a>b"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateComparison_RelationalOnStringsIsConfigurationError(t *testing.T) {
	_, err := EvaluateComparison("status > 10", map[string]any{"status": "paid"})
	require.Error(t, err)
	assert.True(t, schema.IsConfigurationError(err))
}

func TestEvaluateComparison_SyntaxErrors(t *testing.T) {
	for _, expr := range []string{"", "   ", "amount", "> 5", "amount >"} {
		_, err := EvaluateComparison(expr, map[string]any{"amount": 1})
		require.Error(t, err, expr)
		assert.True(t, schema.IsConfigurationError(err), expr)
	}
}

func TestSimpleEngine_Evaluate(t *testing.T) {
	e := NewSimpleEngine()
	assert.Equal(t, "simple", e.Name())

	out, err := e.Evaluate(context.Background(), "amount > 1000", map[string]any{"amount": 1500})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}
