package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for document and input validation.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ActionLookup reports whether an action kind is registered.
type ActionLookup interface {
	Has(kind string) bool
}
