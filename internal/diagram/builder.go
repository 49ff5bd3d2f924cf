package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/mediator"
	"github.com/rendis/stepflow/pkg/schema"
)

// Overlay maps action ids to what a run did with them.
type Overlay map[string]*StatusOverlay

// NewOverlay derives node statuses from a run's checkpointed steps. Actions
// with an execution step are completed (or failed when their result says
// so); actions that only have a start step take the run's status.
func NewOverlay(wf *schema.Workflow, run schema.RunStatus, steps []mediator.StepRecord) Overlay {
	ov := Overlay{}
	for _, sp := range mediator.Correlate(wf, steps) {
		if sp.Kind != mediator.SpanAction {
			continue
		}
		st := ov[sp.ActionID]
		if st == nil {
			st = &StatusOverlay{Status: StatusCompleted}
			ov[sp.ActionID] = st
		}
		st.Runs++
		st.DurationMs += sp.DurationMs
		if res, err := actions.DecodeResult(sp.Output); err == nil && res.Status == schema.ActionFailed {
			st.Status = StatusFailed
			st.Error = fmt.Sprint(res.Data)
		}
	}

	pending := runStatus(run)
	if pending == "" {
		return ov
	}
	ids := map[string]bool{}
	collectIDs(wf, ids)
	for _, s := range steps {
		head, _, _ := strings.Cut(s.Name, ":start")
		if head == s.Name || !ids[head] || ov[head] != nil {
			continue
		}
		ov[head] = &StatusOverlay{Status: pending}
	}
	return ov
}

func runStatus(s schema.RunStatus) string {
	switch s {
	case schema.RunStatusRunning:
		return StatusRunning
	case schema.RunStatusFailed:
		return StatusFailed
	case schema.RunStatusCancelled:
		return StatusCancelled
	}
	return ""
}

func collectIDs(wf *schema.Workflow, into map[string]bool) {
	if wf == nil {
		return
	}
	for _, a := range wf.Actions {
		into[a.ID] = true
	}
	for _, sub := range wf.Subflows {
		collectIDs(sub, into)
	}
}

// Build constructs a DiagramModel from a workflow. Subflow edges are
// extracted first, so flat and extracted workflows draw the same. ov may
// be nil.
func Build(wf *schema.Workflow, ov Overlay) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}
	extracted := engine.ExtractSubflows(wf)

	nodes, edges := buildLevel(extracted, ov)
	roots, leaves := rootsAndLeaves(extracted)

	model := &DiagramModel{Title: title(extracted)}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	model.Nodes = append(model.Nodes, nodes...)
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	for _, r := range roots {
		model.Edges = append(model.Edges, Edge{From: startID, To: r})
	}
	model.Edges = append(model.Edges, edges...)
	for _, l := range leaves {
		model.Edges = append(model.Edges, Edge{From: l, To: endID})
	}

	model.Levels = buildLevels(extracted, roots)
	return model, nil
}

// buildLevel maps one workflow level to nodes, attaching each action's
// subflow as a child SubGraph.
func buildLevel(wf *schema.Workflow, ov Overlay) ([]*Node, []Edge) {
	guarded := map[string]bool{}
	for _, e := range wf.Edges {
		if e.Conditional != nil {
			guarded[e.From] = true
		}
	}

	nodes := make([]*Node, 0, len(wf.Actions))
	var edges []Edge
	for _, a := range wf.Actions {
		n := &Node{ID: a.ID, Label: nodeLabel(a), Kind: NodeKindAction, Status: ov[a.ID]}
		if guarded[a.ID] {
			n.Kind = NodeKindBranch
		}
		if sub := wf.Subflows[a.ID]; sub != nil {
			sg, entry := buildSubGraph(a.ID, sub, ov)
			n.Children = append(n.Children, sg)
			for _, e := range entry {
				edges = append(edges, Edge{From: a.ID, To: e.To, Label: edgeLabel(e), Subflow: true})
			}
		}
		nodes = append(nodes, n)
	}
	for _, e := range wf.Edges {
		if e.From == schema.SourceID {
			continue
		}
		edges = append(edges, Edge{From: e.From, To: e.To, Label: edgeLabel(e)})
	}
	return nodes, edges
}

// buildSubGraph returns the subflow's graph and its entry edges, the ones
// leaving the owner placeholder.
func buildSubGraph(owner string, sub *schema.Workflow, ov Overlay) (*SubGraph, []schema.WorkflowEdge) {
	var entry []schema.WorkflowEdge
	label := owner
	for _, e := range sub.Edges {
		if e.From == schema.SourceID {
			entry = append(entry, e)
			if e.Subflow != "" && e.Subflow != schema.SubflowMarker("true") {
				label = string(e.Subflow)
			}
		}
	}
	nodes, edges := buildLevel(sub, ov)
	return &SubGraph{Label: label, Nodes: nodes, Edges: edges}, entry
}

func nodeLabel(a schema.WorkflowAction) string {
	name := a.ID
	if a.Name != "" {
		name = a.Name
	}
	return fmt.Sprintf("%s\n(%s)", name, a.Kind)
}

func edgeLabel(e schema.WorkflowEdge) string {
	if e.Name != "" {
		return e.Name
	}
	c := e.Conditional
	if c == nil {
		return ""
	}
	switch c.Type {
	case schema.ConditionalElse:
		return "else"
	case schema.ConditionalMatch:
		return fmt.Sprintf("= %v", c.Value)
	default:
		return "if " + c.Ref
	}
}

// rootsAndLeaves returns the actions without incoming edges and those
// without outgoing edges, in declaration order.
func rootsAndLeaves(wf *schema.Workflow) (roots, leaves []string) {
	in := map[string]bool{}
	out := map[string]bool{}
	for _, e := range wf.Edges {
		out[e.From] = true
		in[e.To] = true
	}
	for _, a := range wf.Actions {
		if !in[a.ID] {
			roots = append(roots, a.ID)
		}
		if !out[a.ID] {
			leaves = append(leaves, a.ID)
		}
	}
	return roots, leaves
}

// buildLevels layers the main flow breadth-first from its roots, wrapped in
// the virtual start and end levels. Each action sits one level below its
// deepest already-placed parent.
func buildLevels(wf *schema.Workflow, roots []string) [][]string {
	children := map[string][]string{}
	indeg := map[string]int{}
	for _, e := range wf.Edges {
		children[e.From] = append(children[e.From], e.To)
		indeg[e.To]++
	}

	depth := map[string]int{}
	queue := append([]string(nil), roots...)
	for _, r := range roots {
		depth[r] = 0
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range children[id] {
			if d := depth[id] + 1; d > depth[c] {
				depth[c] = d
			}
			indeg[c]--
			if indeg[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	maxDepth := -1
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]string, 0, maxDepth+3)
	levels = append(levels, []string{startID})
	for d := 0; d <= maxDepth; d++ {
		var level []string
		for _, a := range wf.Actions {
			if dd, ok := depth[a.ID]; ok && dd == d {
				level = append(level, a.ID)
			}
		}
		sort.Strings(level)
		levels = append(levels, level)
	}
	return append(levels, []string{endID})
}

func title(wf *schema.Workflow) string {
	switch {
	case wf.Name != "":
		return wf.Name
	case wf.ID != "":
		return wf.ID
	}
	return "Workflow"
}
