package engine

import (
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func act(id string) schema.WorkflowAction {
	return schema.WorkflowAction{ID: id, Kind: "echo"}
}

func edge(from, to string) schema.WorkflowEdge {
	return schema.WorkflowEdge{From: from, To: to}
}

func subflowEdge(from, to string) schema.WorkflowEdge {
	return schema.WorkflowEdge{From: from, To: to, Subflow: "true"}
}

func TestExtractSubflows_IdentityWithoutSubflowEdges(t *testing.T) {
	wf := &schema.Workflow{
		ID:      "plain",
		Actions: []schema.WorkflowAction{act("a"), act("b"), act("c")},
		Edges: []schema.WorkflowEdge{
			edge("a", "b"),
			{From: "a", To: "c", Conditional: &schema.Conditional{Type: schema.ConditionalIf, Ref: "!ref($.a)"}},
		},
		State: map[string]any{"seed": 1.0},
	}

	out := ExtractSubflows(wf)

	want := wf.Clone()
	want.Subflows = map[string]*schema.Workflow{}
	assert.Equal(t, want, out)
	assert.NotSame(t, wf, out)
	assert.Nil(t, wf.Subflows, "input is not mutated")
}

func TestExtractSubflows_ScenarioC(t *testing.T) {
	wf := &schema.Workflow{
		Actions: []schema.WorkflowAction{act("n1"), act("n2"), act("n3")},
		Edges: []schema.WorkflowEdge{
			subflowEdge("n1", "n2"),
			edge("n2", "n3"),
		},
	}

	out := ExtractSubflows(wf)

	assert.Equal(t, []schema.WorkflowAction{act("n1")}, out.Actions)
	assert.Empty(t, out.Edges)
	require.Contains(t, out.Subflows, "n1")
	sub := out.Subflows["n1"]
	assert.Equal(t, []schema.WorkflowAction{act("n2"), act("n3")}, sub.Actions)
	assert.Equal(t, []schema.WorkflowEdge{edge(schema.SourceID, "n2"), edge("n2", "n3")}, sub.Edges)

	// the input keeps its flat shape
	assert.Len(t, wf.Actions, 3)
	assert.Equal(t, "n1", wf.Edges[0].From)
}

func TestExtractSubflows_FixedPoint(t *testing.T) {
	wfs := map[string]*schema.Workflow{
		"chain": {
			Actions: []schema.WorkflowAction{act("n1"), act("n2"), act("n3"), act("n4")},
			Edges: []schema.WorkflowEdge{
				subflowEdge("n1", "n2"),
				edge("n2", "n3"),
				edge("n1", "n4"),
			},
		},
		"nested": {
			Actions: []schema.WorkflowAction{act("outer"), act("inner"), act("leaf"), act("after")},
			Edges: []schema.WorkflowEdge{
				subflowEdge("outer", "inner"),
				subflowEdge("inner", "leaf"),
				edge("outer", "after"),
			},
		},
		"branching subflow": {
			Actions: []schema.WorkflowAction{act("loop"), act("check"), act("yes"), act("no")},
			Edges: []schema.WorkflowEdge{
				subflowEdge("loop", "check"),
				{From: "check", To: "yes", Conditional: &schema.Conditional{Type: schema.ConditionalIf, Ref: "!ref($.check)"}},
				{From: "check", To: "no", Conditional: &schema.Conditional{Type: schema.ConditionalElse}},
			},
		},
	}

	for name, wf := range wfs {
		t.Run(name, func(t *testing.T) {
			once := ExtractSubflows(wf)
			twice := ExtractSubflows(once)
			assert.Equal(t, once, twice)
		})
	}
}

func TestExtractSubflows_MainFlowKeepsNonSubflowEdges(t *testing.T) {
	wf := &schema.Workflow{
		Actions: []schema.WorkflowAction{act("n1"), act("n2"), act("n3"), act("n4")},
		Edges: []schema.WorkflowEdge{
			subflowEdge("n1", "n2"),
			edge("n2", "n3"),
			edge("n1", "n4"),
		},
	}

	out := ExtractSubflows(wf)
	assert.Equal(t, []schema.WorkflowAction{act("n1"), act("n4")}, out.Actions)
	assert.Equal(t, []schema.WorkflowEdge{edge("n1", "n4")}, out.Edges)
	assert.Equal(t, []schema.WorkflowAction{act("n2"), act("n3")}, out.Subflows["n1"].Actions)
}

func TestExtractSubflows_Nested(t *testing.T) {
	wf := &schema.Workflow{
		Actions: []schema.WorkflowAction{act("outer"), act("inner"), act("leaf"), act("leaf2")},
		Edges: []schema.WorkflowEdge{
			// declared before the edge that moves "inner" into a bucket
			subflowEdge("inner", "leaf"),
			edge("leaf", "leaf2"),
			subflowEdge("outer", "inner"),
		},
	}

	out := ExtractSubflows(wf)

	assert.Equal(t, []schema.WorkflowAction{act("outer")}, out.Actions)
	require.Contains(t, out.Subflows, "outer")
	assert.NotContains(t, out.Subflows, "inner")

	outer := out.Subflows["outer"]
	assert.Equal(t, []schema.WorkflowAction{act("inner")}, outer.Actions)
	require.Contains(t, outer.Subflows, "inner")
	inner := outer.Subflows["inner"]
	assert.Equal(t, []schema.WorkflowAction{act("leaf"), act("leaf2")}, inner.Actions)
	assert.Equal(t, schema.SourceID, inner.Edges[0].From)
}

func TestExtractSubflows_ReentryStopsTheChain(t *testing.T) {
	// Both subflows reach "shared"; the first walk takes it, the second stops
	// at the edge into it.
	wf := &schema.Workflow{
		Actions: []schema.WorkflowAction{act("a"), act("b"), act("x"), act("y"), act("shared")},
		Edges: []schema.WorkflowEdge{
			subflowEdge("a", "x"),
			subflowEdge("b", "y"),
			edge("x", "shared"),
			edge("y", "shared"),
		},
	}

	out := ExtractSubflows(wf)

	assert.Equal(t, []schema.WorkflowAction{act("x"), act("shared")}, out.Subflows["a"].Actions)
	assert.Equal(t, []schema.WorkflowAction{act("y")}, out.Subflows["b"].Actions)
	assert.Contains(t, out.Subflows["b"].Edges, edge("y", "shared"), "the dangling edge is kept for validation to report")
}

func TestExtractSubflows_CycleTerminates(t *testing.T) {
	wf := &schema.Workflow{
		Actions: []schema.WorkflowAction{act("owner"), act("p"), act("q")},
		Edges: []schema.WorkflowEdge{
			subflowEdge("owner", "p"),
			edge("p", "q"),
			edge("q", "p"),
		},
	}

	out := ExtractSubflows(wf)

	sub := out.Subflows["owner"]
	assert.Equal(t, []schema.WorkflowAction{act("p"), act("q")}, sub.Actions)
	assert.Len(t, sub.Edges, 3)
}

func TestExtractSubflows_Nil(t *testing.T) {
	assert.Nil(t, ExtractSubflows(nil))
}
