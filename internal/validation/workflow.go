package validation

import (
	"github.com/rendis/mcpflow/internal/expressions"
	"github.com/rendis/mcpflow/pkg/schema"
)

// WorkflowValidator runs the definition pipeline:
// 1. Structural (embedded JSON Schema)
// 2. Graph (node kinds and payloads, edges, triggers, expressions)
// 3. Reachability (warnings only)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions ConditionChecker
	mappings   MappingChecker
}

// NewWorkflowValidator creates a validator with its own expression engines.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	conditions, err := expressions.NewConditionEvaluator(nil)
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		conditions: conditions,
		mappings:   expressions.NewGoJQEngine(),
	}, nil
}

// Validate returns every issue found in def. Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueSchema, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateGraph(def, wv.conditions, wv.mappings))

	// Reachability over a graph with duplicate ids or dangling edges would be noise.
	if result.Valid() {
		result.Merge(validateReachability(def))
	}
	return result
}

// ValidateDefinition satisfies Validator.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the JSON Schema validator. It satisfies the engine's InputValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.IssueSchema, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.IssueSchema, msg)
		}
		return result
	}
	result.AddError("/", schema.IssueSchema, fe.Message)
	return result
}
