package validation

import (
	"errors"

	"github.com/rendis/autoflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema, duplicate ids)
// 2. Semantic (step types, configuration, branch refs, parallel groups)
// 3. Branch graph (cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	lookup     ExecutableLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip step type and configuration checks.
func NewWorkflowValidator(lookup ExecutableLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		lookup:     lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and branch stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.lookup))

	if result.Valid() {
		result.Merge(validateBranches(def))
	}
	return result
}

// WithLookup returns a validator sharing the compiled schemas but resolving
// step types through another registry.
func (wv *WorkflowValidator) WithLookup(lookup ExecutableLookup) *WorkflowValidator {
	return &WorkflowValidator{jsonSchema: wv.jsonSchema, lookup: lookup}
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural converts JSONSchemaValidator errors into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var afErr *schema.AutoflowError
	if !errors.As(err, &afErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := afErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, afErr.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
