package validation

import "github.com/rendis/stepflow/pkg/schema"

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, kinds, edge endpoints, subflows, conditionals)
// 3. DAG (cycles, reachability)
//
// It expects workflows after subflow extraction, where every edge stays
// inside its own workflow level.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip kind registration checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, actions: lookup}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit; DAG analysis is skipped on semantic errors.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		scope{}.fail(result, "/", "", schema.ErrCodeDefinition, "workflow is nil")
		return result
	}

	if err := wv.jsonSchema.ValidateWorkflow(wf); err != nil {
		addFlowError(result, err)
		return result
	}

	result.Merge(validateSemantic(wf, scope{}, wv.actions))
	if result.Valid() {
		result.Merge(validateDAG(wf, scope{}))
	}
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateDocument delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateDocument(doc []byte) error {
	return wv.jsonSchema.ValidateDocument(doc)
}

func addFlowError(result *schema.ValidationResult, err error) {
	fe, ok := err.(*schema.FlowError)
	if !ok {
		scope{}.fail(result, "/", "", schema.ErrCodeValidation, "%s", err.Error())
		return
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			scope{}.fail(result, "/", "", schema.ErrCodeValidation, "%s", v)
		}
		return
	}
	scope{}.fail(result, "/", "", fe.Code, "%s", fe.Message)
}

var _ Validator = (*WorkflowValidator)(nil)
