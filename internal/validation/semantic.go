package validation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rendis/autoflow/pkg/schema"
)

// maxRetryWarning is the retry budget above which a warning is raised.
const maxRetryWarning = 10

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: step types registered, per-type configuration, branch references,
// parallel group placement, retry budgets.
func validateSemantic(def *schema.WorkflowDefinition, lookup ExecutableLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	targets := make(map[string]bool)
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(step, path, stepIDs, lookup, result)
		if step.Type == schema.StepTypeCondition {
			onTrue, onFalse, err := step.Branches()
			if err != nil {
				continue
			}
			for _, id := range slices.Concat(onTrue, onFalse) {
				targets[id] = true
			}
		}
	}

	validateParallelGroups(def, targets, result)
	return result
}

func validateStepSemantic(step *schema.Step, path string, stepIDs map[string]bool, lookup ExecutableLookup, result *schema.ValidationResult) {
	if lookup != nil {
		exec, err := lookup.Get(step.Type)
		if err != nil {
			result.AddError(path+".type", schema.ErrCodeConfiguration,
				fmt.Sprintf("unknown step type %q", step.Type))
		} else if err := exec.Validate(*step); err != nil {
			result.AddError(path+".configuration", schema.ErrCodeConfiguration, messageOf(err))
		}
	}

	if step.Type == schema.StepTypeCondition {
		validateBranchRefs(step, path, stepIDs, result)
		if step.ParallelGroup != "" {
			result.AddError(path+".parallelGroup", schema.ErrCodeConfiguration,
				"condition steps cannot run in a parallel group")
		}
	}

	if _, err := step.RetryConfig(); err != nil {
		result.AddError(path+".configuration."+schema.ConfigRetry, schema.ErrCodeConfiguration, messageOf(err))
	}

	if step.RetryCount > maxRetryWarning {
		result.AddWarning(path+".retryCount", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.RetryCount))
	}
}

// validateBranchRefs checks that trueSteps and falseSteps name existing steps.
func validateBranchRefs(step *schema.Step, path string, stepIDs map[string]bool, result *schema.ValidationResult) {
	onTrue, onFalse, err := step.Branches()
	if err != nil {
		result.AddError(path+".configuration", schema.ErrCodeConfiguration, messageOf(err))
		return
	}
	check := func(key string, ids []string) {
		for j, id := range ids {
			p := fmt.Sprintf("%s.configuration.%s[%d]", path, key, j)
			switch {
			case id == step.ID:
				result.AddError(p, schema.ErrCodeConfiguration, "condition step cannot branch to itself")
			case !stepIDs[id]:
				result.AddError(p, schema.ErrCodeConfiguration,
					fmt.Sprintf("references non-existent step %q", id))
			}
		}
	}
	check(schema.ConfigTrueSteps, onTrue)
	check(schema.ConfigFalseSteps, onFalse)
}

// validateParallelGroups rejects branch targets inside a group and warns when
// a group is split by an unrelated step, since only consecutive steps batch.
func validateParallelGroups(def *schema.WorkflowDefinition, targets map[string]bool, result *schema.ValidationResult) {
	closed := make(map[string]bool)
	current := ""
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.ParallelGroup != "" && targets[step.ID] {
			result.AddError(path+".parallelGroup", schema.ErrCodeConfiguration,
				fmt.Sprintf("branch target %q cannot join a parallel group", step.ID))
			continue
		}
		if targets[step.ID] {
			continue
		}
		if step.ParallelGroup != current {
			if current != "" {
				closed[current] = true
			}
			if step.ParallelGroup != "" && closed[step.ParallelGroup] {
				result.AddWarning(path+".parallelGroup", schema.ErrCodeValidation,
					fmt.Sprintf("parallel group %q is not contiguous; it runs as separate batches", step.ParallelGroup))
			}
			current = step.ParallelGroup
		}
	}
}

func messageOf(err error) string {
	var afErr *schema.AutoflowError
	if errors.As(err, &afErr) {
		return afErr.Message
	}
	return err.Error()
}
