package validation

import (
	"errors"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindSet map[string]bool

func (k kindSet) Has(kind string) bool { return k[kind] }

func newTestValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator(kindSet{"echo": true, "each": true})
	require.NoError(t, err)
	return v
}

func linear(ids ...string) *schema.Workflow {
	wf := &schema.Workflow{}
	for i, id := range ids {
		wf.Actions = append(wf.Actions, schema.WorkflowAction{ID: id, Kind: "echo"})
		if i > 0 {
			wf.Edges = append(wf.Edges, schema.WorkflowEdge{From: ids[i-1], To: id})
		}
	}
	return wf
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	v := newTestValidator(t)

	wf := linear("a", "b", "c")
	wf.Edges = append(wf.Edges, schema.WorkflowEdge{From: "a", To: "c",
		Conditional: &schema.Conditional{Type: schema.ConditionalIf, Ref: "!ref($.a.ok)"}})

	result := v.Validate(wf)
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateWorkflow(wf))
}

func TestValidate_Nil(t *testing.T) {
	result := newTestValidator(t).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeDefinition, result.Errors[0].Code)
}

func TestValidate_Structural(t *testing.T) {
	v := newTestValidator(t)

	wf := linear("a")
	wf.Actions[0].Kind = ""
	result := v.Validate(wf)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)

	wf = linear("a", "b")
	wf.Edges[0].Conditional = &schema.Conditional{Type: "unless", Ref: "!ref($.a)"}
	assert.False(t, v.Validate(wf).Valid())
}

func TestValidate_Semantic(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name string
		mut  func(wf *schema.Workflow)
		code string
	}{
		{"duplicate id", func(wf *schema.Workflow) {
			wf.Actions = append(wf.Actions, schema.WorkflowAction{ID: "a", Kind: "echo"})
		}, schema.ErrCodeDefinition},
		{"unknown kind", func(wf *schema.Workflow) {
			wf.Actions[0].Kind = "teleport"
		}, schema.ErrCodeActionUnavailable},
		{"id with step separator", func(wf *schema.Workflow) {
			wf.Actions[1].ID = "a:1"
			wf.Edges[0].To = "a:1"
		}, schema.ErrCodeDefinition},
		{"subflow id with step separator", func(wf *schema.Workflow) {
			sf := linear("loop:2")
			sf.Edges = []schema.WorkflowEdge{{From: schema.SourceID, To: "loop:2"}}
			wf.Subflows = map[string]*schema.Workflow{"a": sf}
		}, schema.ErrCodeDefinition},
		{"dangling edge", func(wf *schema.Workflow) {
			wf.Edges = append(wf.Edges, schema.WorkflowEdge{From: "b", To: "ghost"})
		}, schema.ErrCodeDefinition},
		{"source at top level", func(wf *schema.Workflow) {
			wf.Edges = append(wf.Edges, schema.WorkflowEdge{From: schema.SourceID, To: "a"})
		}, schema.ErrCodeDefinition},
		{"if without ref", func(wf *schema.Workflow) {
			wf.Edges[0].Conditional = &schema.Conditional{Type: schema.ConditionalIf}
		}, schema.ErrCodeDefinition},
		{"subflow owner missing", func(wf *schema.Workflow) {
			sf := linear("x")
			sf.Edges = []schema.WorkflowEdge{{From: schema.SourceID, To: "x"}}
			wf.Subflows = map[string]*schema.Workflow{"ghost": sf}
		}, schema.ErrCodeDefinition},
		{"subflow without source edge", func(wf *schema.Workflow) {
			wf.Subflows = map[string]*schema.Workflow{"a": linear("x")}
		}, schema.ErrCodeDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := linear("a", "b")
			tt.mut(wf)
			result := v.Validate(wf)
			require.False(t, result.Valid())
			assert.Contains(t, codes(result.Errors), tt.code)
		})
	}
}

func TestValidate_ElseWarnings(t *testing.T) {
	v := newTestValidator(t)
	wf := linear("a", "b", "c")
	wf.Edges = []schema.WorkflowEdge{
		{From: "a", To: "b", Conditional: &schema.Conditional{Type: schema.ConditionalElse}},
		{From: "a", To: "c", Conditional: &schema.Conditional{Type: schema.ConditionalElse}},
	}
	result := v.Validate(wf)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "more than one else")
}

func TestValidate_Cycle(t *testing.T) {
	v := newTestValidator(t)

	wf := linear("a", "b", "c")
	wf.Edges = append(wf.Edges, schema.WorkflowEdge{From: "c", To: "b"})

	result := v.Validate(wf)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)

	var fe *schema.FlowError
	require.True(t, errors.As(v.ValidateWorkflow(wf), &fe))
	assert.Equal(t, schema.ErrCodeCycleDetected, fe.Code)
}

func TestValidate_CycleInsideSubflow(t *testing.T) {
	v := newTestValidator(t)

	sf := linear("x", "y")
	sf.Edges = append([]schema.WorkflowEdge{{From: schema.SourceID, To: "x"}}, sf.Edges...)
	sf.Edges = append(sf.Edges, schema.WorkflowEdge{From: "y", To: "x"})

	wf := linear("a")
	wf.Subflows = map[string]*schema.Workflow{"a": sf}

	result := v.Validate(wf)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Path, "subflows[a]")
}

func TestValidate_Unreachable(t *testing.T) {
	v := newTestValidator(t)

	sf := linear("x", "y")
	sf.Edges = []schema.WorkflowEdge{{From: schema.SourceID, To: "x"}}
	wf := linear("a")
	wf.Subflows = map[string]*schema.Workflow{"a": sf}

	result := v.Validate(wf)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `"y"`)
	assert.Equal(t, "y", result.Warnings[0].ActionID)
	assert.Equal(t, []string{"a"}, result.Warnings[0].Subflow)
}

func TestValidate_IssuesLocateActionAndSubflow(t *testing.T) {
	v := newTestValidator(t)

	inner := linear("z")
	inner.Actions[0].Kind = "teleport"
	inner.Edges = []schema.WorkflowEdge{{From: schema.SourceID, To: "z"}}

	sf := linear("x", "y")
	sf.Edges = append([]schema.WorkflowEdge{{From: schema.SourceID, To: "x"}}, sf.Edges...)
	sf.Subflows = map[string]*schema.Workflow{"y": inner}

	wf := linear("loop", "done")
	wf.Actions[1].Kind = "teleport"
	wf.Subflows = map[string]*schema.Workflow{"loop": sf}

	result := v.Validate(wf)
	require.Len(t, result.Errors, 2)

	top := result.ForAction("done")
	require.Len(t, top, 1)
	assert.Equal(t, schema.ErrCodeActionUnavailable, top[0].Code)
	assert.Equal(t, "actions[1].kind", top[0].Path)
	assert.Empty(t, top[0].Subflow)

	nested := result.ForAction("z", "loop", "y")
	require.Len(t, nested, 1)
	assert.Equal(t, "subflows[loop].subflows[y].actions[0].kind", nested[0].Path)
	assert.Equal(t, []string{"loop", "y"}, nested[0].Subflow)
	assert.Equal(t, `subflows[loop].subflows[y].actions[0].kind (action z) in subflow loop/y: action kind "teleport" not registered`, nested[0].String())

	assert.Empty(t, result.ForAction("z"), "the top level has no action z")

	var fe *schema.FlowError
	require.True(t, errors.As(v.ValidateWorkflow(wf), &fe))
	issues := fe.Details["errors"].([]schema.ValidationIssue)
	assert.Equal(t, []string{"loop", "y"}, issues[1].Subflow)
}

func TestValidateDocument(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateDocument([]byte(`{"actions":[{"id":"a","kind":"echo"}],"edges":[{"from":"a","to":"b","subflow":true}]}`)))

	err = v.ValidateDocument([]byte(`{"actions":[{"id":"a"}],"extra":1}`))
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Len(t, fe.Details["violations"], 2)

	assert.Error(t, v.ValidateDocument([]byte(`{`)))
}

func TestValidateInput(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	inputSchema := []byte(`{"type":"object","required":["expression"],"properties":{"expression":{"type":"string","minLength":1}}}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"expression": "1 + 1"}, inputSchema))
	assert.Error(t, v.ValidateInput(map[string]any{"expression": 3}, inputSchema))
	assert.Error(t, v.ValidateInput(nil, inputSchema))
	assert.NoError(t, v.ValidateInput(nil, nil))
	assert.Error(t, v.ValidateInput(map[string]any{}, []byte(`{"type":`)))
	assert.Len(t, v.cache, 1)
}
