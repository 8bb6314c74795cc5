package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "=== Invoice Notification ===")
	for _, ch := range []string{"┌", "┐", "└", "┘", "│", "─", "▼"} {
		assert.Contains(t, output, ch)
	}
	assert.Contains(t, output, "Start")
	assert.Contains(t, output, "End")
	assert.Contains(t, output, "send")
	assert.Contains(t, output, "notify")
	assert.NotContains(t, output, "branches")
}

func TestRenderASCIIBranches(t *testing.T) {
	model, err := Build(conditionWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "--- branches ---")
	assert.Contains(t, output, "check ─true→ high")
	assert.Contains(t, output, "check ─false→ standard")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	res := &schema.ExecutionResult{Steps: []schema.StepResult{
		{StepID: "send", Success: true, DurationMs: 42, Attempts: 1},
		{StepID: "check", Success: true, Attempts: 1},
		{StepID: "high", Success: false, Attempts: 3},
	}}
	model, err := Build(conditionWorkflow(), res)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "42ms")
	assert.Contains(t, output, "check ─true→ high [FAIL]")
	assert.Contains(t, output, "check ─false→ standard [SKIP]")
}

func TestMakeBoxWidth(t *testing.T) {
	box := makeBox(&Node{ID: "x", Label: "área\n(email)", Status: &StatusOverlay{Status: StatusFailed, Attempts: 2}})
	require.Len(t, box.lines, 5) // top, label, tag, attempts, bottom
	for _, line := range box.lines {
		assert.Equal(t, box.width, len([]rune(line)))
	}
}
