package validation

import "github.com/rendis/mcpflow/pkg/schema"

// Validator checks workflow definitions before they are activated or run,
// and service inputs against a descriptor's JSON Schema.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
