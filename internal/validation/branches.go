package validation

import (
	"fmt"
	"slices"
	"sort"

	"github.com/rendis/autoflow/pkg/schema"
)

// validateBranches analyses the branch graph formed by condition steps
// (edges from a condition to each step it can select). A cycle would make a
// step run twice in one execution. Steps that are listed in both branches of
// the same condition only produce a warning.
func validateBranches(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	edges := make(map[string][]string, len(def.Steps))
	inDegree := make(map[string]int, len(def.Steps))
	for id := range stepIDs {
		inDegree[id] = 0
	}

	for i, s := range def.Steps {
		if s.Type != schema.StepTypeCondition {
			continue
		}
		onTrue, onFalse, err := s.Branches()
		if err != nil {
			continue // reported by semantic
		}

		inTrue := make(map[string]bool, len(onTrue))
		for _, id := range onTrue {
			inTrue[id] = true
		}
		seen := make(map[string]bool, len(onTrue)+len(onFalse))
		for _, id := range onFalse {
			if inTrue[id] {
				result.AddWarning(fmt.Sprintf("steps[%d].configuration", i), schema.ErrCodeValidation,
					fmt.Sprintf("step %q runs on both branches", id))
			}
		}
		for _, id := range slices.Concat(onTrue, onFalse) {
			if !stepIDs[id] || seen[id] || id == s.ID {
				continue
			}
			seen[id] = true
			edges[s.ID] = append(edges[s.ID], id)
			inDegree[id]++
		}
	}

	// Kahn's algorithm.
	queue := make([]string, 0, len(stepIDs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(stepIDs) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("steps", schema.ErrCodeConfiguration,
			fmt.Sprintf("condition branches form a cycle through %v", cyclic))
	}
	return result
}
