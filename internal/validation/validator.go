package validation

import (
	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/pkg/schema"
)

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structure and trigger data.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ExecutableLookup resolves step types to their executors.
// Satisfied by *actions.Registry.
type ExecutableLookup interface {
	Get(typ schema.StepType) (actions.Executable, error)
}
