package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

// --- Test workflow builders ---

func linearWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "invoice",
		Name: "Invoice Notification",
		Steps: []schema.Step{
			{ID: "send", Type: schema.StepTypeEmail},
			{ID: "notify", Type: schema.StepTypeWebhook},
		},
	}
}

func conditionWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "approval",
		Steps: []schema.Step{
			{ID: "send", Type: schema.StepTypeEmail},
			{ID: "check", Type: schema.StepTypeCondition, Configuration: map[string]any{
				schema.ConfigCondition:  "amount > 1000",
				schema.ConfigTrueSteps:  []any{"high", "audit"},
				schema.ConfigFalseSteps: []any{"standard"},
			}},
			{ID: "high", Type: schema.StepTypeEmail},
			{ID: "audit", Type: schema.StepTypeWebhook},
			{ID: "standard", Type: schema.StepTypeEmail},
			{ID: "archive", Type: schema.StepTypeWebhook},
		},
	}
}

func parallelWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "fanout",
		Steps: []schema.Step{
			{ID: "setup", Type: schema.StepTypeEmail},
			{ID: "a", Type: schema.StepTypeWebhook, ParallelGroup: "notify"},
			{ID: "b", Type: schema.StepTypeWebhook, ParallelGroup: "notify"},
			{ID: "done", Type: schema.StepTypeEmail},
		},
	}
}

func hasEdge(edges []Edge, from, to, label string) bool {
	for _, e := range edges {
		if e.From == from && e.To == to && e.Label == label {
			return true
		}
	}
	return false
}

// --- Tests ---

func TestBuildLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Invoice Notification", model.Title)
	require.Len(t, model.Nodes, 4) // start + 2 steps + end
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindEmail, model.Nodes[1].Kind)
	assert.Equal(t, NodeKindWebhook, model.Nodes[2].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[3].Kind)
	assert.Equal(t, "send\n(email)", model.Nodes[1].Label)

	assert.Equal(t, [][]string{{startID}, {"send"}, {"notify"}, {endID}}, model.Levels)
	assert.Len(t, model.Edges, 3)
	assert.True(t, hasEdge(model.Edges, startID, "send", ""))
	assert.True(t, hasEdge(model.Edges, "send", "notify", ""))
	assert.True(t, hasEdge(model.Edges, "notify", endID, ""))
	assert.Empty(t, model.Groups)
}

func TestBuildCondition(t *testing.T) {
	model, err := Build(conditionWorkflow(), nil)
	require.NoError(t, err)

	// Branch targets are not top-level levels.
	assert.Equal(t, [][]string{{startID}, {"send"}, {"check"}, {"archive"}, {endID}}, model.Levels)

	assert.True(t, hasEdge(model.Edges, "check", "high", "true"))
	assert.True(t, hasEdge(model.Edges, "high", "audit", ""))
	assert.True(t, hasEdge(model.Edges, "audit", "archive", ""))
	assert.True(t, hasEdge(model.Edges, "check", "standard", "false"))
	assert.True(t, hasEdge(model.Edges, "standard", "archive", ""))
	assert.False(t, hasEdge(model.Edges, "check", "archive", ""))

	for _, n := range model.Nodes {
		if n.ID == "check" {
			assert.Equal(t, NodeKindCondition, n.Kind)
		}
	}
}

func TestBuildConditionEmptyBranch(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			{ID: "check", Type: schema.StepTypeCondition, Configuration: map[string]any{
				schema.ConfigCondition: "x == 1",
				schema.ConfigTrueSteps: "alert",
			}},
			{ID: "alert", Type: schema.StepTypeWebhook},
		},
	}
	model, err := Build(def, nil)
	require.NoError(t, err)

	assert.Equal(t, "Workflow", model.Title)
	assert.True(t, hasEdge(model.Edges, "check", "alert", "true"))
	assert.True(t, hasEdge(model.Edges, "alert", endID, ""))
	assert.True(t, hasEdge(model.Edges, "check", endID, "false"))
}

func TestBuildParallel(t *testing.T) {
	model, err := Build(parallelWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{startID}, {"setup"}, {"a", "b"}, {"done"}, {endID}}, model.Levels)
	require.Len(t, model.Groups, 1)
	assert.Equal(t, Group{Name: "notify", NodeIDs: []string{"a", "b"}}, model.Groups[0])

	assert.True(t, hasEdge(model.Edges, "setup", "a", ""))
	assert.True(t, hasEdge(model.Edges, "setup", "b", ""))
	assert.True(t, hasEdge(model.Edges, "a", "done", ""))
	assert.True(t, hasEdge(model.Edges, "b", "done", ""))
}

func TestBuildSingleMemberGroupIsNotAGroup(t *testing.T) {
	def := &schema.WorkflowDefinition{Steps: []schema.Step{
		{ID: "a", Type: schema.StepTypeEmail, ParallelGroup: "g"},
		{ID: "b", Type: schema.StepTypeEmail},
	}}
	model, err := Build(def, nil)
	require.NoError(t, err)
	assert.Empty(t, model.Groups)
	assert.Equal(t, [][]string{{startID}, {"a"}, {"b"}, {endID}}, model.Levels)
}

func TestBuildEmptyWorkflow(t *testing.T) {
	model, err := Build(&schema.WorkflowDefinition{ID: "empty"}, nil)
	require.NoError(t, err)
	assert.Len(t, model.Nodes, 2)
	assert.Equal(t, []Edge{{From: startID, To: endID}}, model.Edges)
}

func TestBuildWithStatus(t *testing.T) {
	res := &schema.ExecutionResult{Steps: []schema.StepResult{
		{StepID: "send", Success: true, DurationMs: 12, Attempts: 1},
		{StepID: "check", Success: true, Attempts: 1},
		{StepID: "high", Success: false, Error: "Email service unavailable", Attempts: 3},
	}}
	model, err := Build(conditionWorkflow(), res)
	require.NoError(t, err)

	status := make(map[string]*StatusOverlay)
	for _, n := range model.Nodes {
		status[n.ID] = n.Status
	}
	assert.Nil(t, status[startID])
	assert.Equal(t, StatusSucceeded, status["send"].Status)
	assert.Equal(t, int64(12), status["send"].DurationMs)
	assert.Equal(t, StatusFailed, status["high"].Status)
	assert.Equal(t, 3, status["high"].Attempts)
	assert.Equal(t, "Email service unavailable", status["high"].Error)
	assert.Equal(t, StatusSkipped, status["standard"].Status)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)

	def := &schema.WorkflowDefinition{Steps: []schema.Step{
		{ID: "check", Type: schema.StepTypeCondition, Configuration: map[string]any{
			schema.ConfigTrueSteps: 42,
		}},
	}}
	_, err = Build(def, nil)
	require.Error(t, err)
}

func TestBuildBranchCycleTerminates(t *testing.T) {
	def := &schema.WorkflowDefinition{Steps: []schema.Step{
		{ID: "a", Type: schema.StepTypeCondition, Configuration: map[string]any{
			schema.ConfigCondition: "x == 1", schema.ConfigTrueSteps: "b",
		}},
		{ID: "b", Type: schema.StepTypeCondition, Configuration: map[string]any{
			schema.ConfigCondition: "x == 1", schema.ConfigTrueSteps: "a",
		}},
	}}
	model, err := Build(def, nil)
	require.NoError(t, err)
	// Both are branch targets, so nothing runs top-level.
	assert.Equal(t, []Edge{{From: startID, To: endID}}, model.Edges)
}
