package schema

import "encoding/json"

// SourceID is the pseudo action id that marks the entry edge of a subflow.
const SourceID = "$source"

// Workflow is a graph of typed actions connected by edges.
// Subflows is keyed by the id of the action that owns the subflow and is
// populated by subflow extraction; definitions authored by users leave it empty.
type Workflow struct {
	ID       string               `json:"id,omitempty" yaml:"id,omitempty"`
	Name     string               `json:"name,omitempty" yaml:"name,omitempty"`
	Actions  []WorkflowAction     `json:"actions" yaml:"actions"`
	Edges    []WorkflowEdge       `json:"edges" yaml:"edges"`
	Subflows map[string]*Workflow `json:"subflows,omitempty" yaml:"subflows,omitempty"`
	State    map[string]any       `json:"state,omitempty" yaml:"state,omitempty"`
}

// WorkflowAction is one node of a workflow. Inputs may contain !ref(...) strings.
type WorkflowAction struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        string         `json:"kind" yaml:"kind"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// WorkflowEdge connects two actions. A non-empty Subflow marker means the
// chain starting at To belongs to a subflow owned by From.
type WorkflowEdge struct {
	From        string        `json:"from" yaml:"from"`
	To          string        `json:"to" yaml:"to"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	Subflow     SubflowMarker `json:"subflow,omitempty" yaml:"subflow,omitempty"`
	Conditional *Conditional  `json:"conditional,omitempty" yaml:"conditional,omitempty"`
}

// IsSubflow reports whether the edge opens a subflow.
func (e WorkflowEdge) IsSubflow() bool {
	return e.Subflow != ""
}

// ConditionalType enumerates edge guard kinds.
type ConditionalType string

const (
	ConditionalIf    ConditionalType = "if"
	ConditionalElse  ConditionalType = "else"
	ConditionalMatch ConditionalType = "match"
)

// Conditional guards an edge. Ref is a !ref(...) expression resolved against
// run state; Value is only meaningful for match.
type Conditional struct {
	Type  ConditionalType `json:"type" yaml:"type"`
	Ref   string          `json:"ref,omitempty" yaml:"ref,omitempty"`
	Value any             `json:"value,omitempty" yaml:"value,omitempty"`
}

// SubflowMarker accepts either a string label or a boolean in documents.
// false and the empty string both mean "not a subflow edge".
type SubflowMarker string

func (m *SubflowMarker) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*m = markerFromBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*m = SubflowMarker(s)
	return nil
}

func markerFromBool(b bool) SubflowMarker {
	if b {
		return "true"
	}
	return ""
}

// ParseWorkflowJSON decodes a workflow document.
func ParseWorkflowJSON(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid workflow document").WithCause(err)
	}
	return &wf, nil
}

// ActionByID returns the action with the given id, or nil.
func (w *Workflow) ActionByID(id string) *WorkflowAction {
	for i := range w.Actions {
		if w.Actions[i].ID == id {
			return &w.Actions[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the workflow, including inputs and state.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := &Workflow{
		ID:      w.ID,
		Name:    w.Name,
		Actions: make([]WorkflowAction, len(w.Actions)),
		Edges:   make([]WorkflowEdge, len(w.Edges)),
		State:   CloneMap(w.State),
	}
	for i, a := range w.Actions {
		a.Inputs = CloneMap(a.Inputs)
		out.Actions[i] = a
	}
	for i, e := range w.Edges {
		if e.Conditional != nil {
			c := *e.Conditional
			e.Conditional = &c
		}
		out.Edges[i] = e
	}
	if w.Subflows != nil {
		out.Subflows = make(map[string]*Workflow, len(w.Subflows))
		for k, sf := range w.Subflows {
			out.Subflows[k] = sf.Clone()
		}
	}
	return out
}

// CloneMap deep-copies a JSON-like map. Nil stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices; other values are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
