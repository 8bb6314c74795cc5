package actions

import (
	"context"
	"maps"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// ConditionExecutor evaluates a condition step and reports the branch to run.
//
// Configuration: condition, trueSteps, falseSteps, optional engine
// (simple, expr or cel). The expression sees variables, trigger data and a
// "steps" map of prior step outputs.
type ConditionExecutor struct {
	evaluator *expressions.ConditionEvaluator
}

// NewConditionExecutor creates the condition step executor.
func NewConditionExecutor(evaluator *expressions.ConditionEvaluator) *ConditionExecutor {
	return &ConditionExecutor{evaluator: evaluator}
}

func (e *ConditionExecutor) Type() schema.StepType { return schema.StepTypeCondition }

func (e *ConditionExecutor) Validate(step schema.Step) error {
	if stringParam(step.Configuration, schema.ConfigCondition, "") == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "condition: missing required param 'condition'").WithStep(step.ID)
	}
	if engine := stringParam(step.Configuration, schema.ConfigEngine, ""); e.evaluator != nil && !e.evaluator.Has(engine) {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "condition: unknown engine %q", engine).WithStep(step.ID)
	}
	if _, _, err := step.Branches(); err != nil {
		return err
	}
	return nil
}

func (e *ConditionExecutor) Run(ctx context.Context, in StepInput) (*Outcome, error) {
	stepID := in.Step.ID
	if e.evaluator == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "condition: no evaluator configured").WithStep(stepID)
	}

	onTrue, onFalse, err := in.Step.Branches()
	if err != nil {
		return nil, err
	}

	expression := stringParam(in.Config, schema.ConfigCondition, "")
	engine := stringParam(in.Config, schema.ConfigEngine, "")

	data := make(map[string]any, len(in.Data)+1)
	maps.Copy(data, in.Data)
	if _, shadowed := data["steps"]; !shadowed {
		steps := make(map[string]any, len(in.StepOutputs))
		for id, out := range in.StepOutputs {
			steps[id] = out
		}
		data["steps"] = steps
	}

	result, err := e.evaluator.Evaluate(ctx, engine, expression, data)
	if err != nil {
		return nil, withStep(err, stepID)
	}

	next, branch := onFalse, "false"
	if result {
		next, branch = onTrue, "true"
	}
	nextAny := make([]any, len(next))
	for i, id := range next {
		nextAny[i] = id
	}

	return &Outcome{
		Next: next,
		Output: map[string]any{
			"condition": expression,
			"result":    result,
			"branch":    branch,
			"next":      nextAny,
		},
	}, nil
}

var _ Executable = (*ConditionExecutor)(nil)
