package engine

import "github.com/rendis/stepflow/pkg/schema"

// ExtractSubflows partitions a flat workflow into its main flow and the
// subflows owned by individual actions. It never mutates wf.
//
// Every edge marked as a subflow edge (N -> M) opens a bucket keyed by N. The
// bucket receives a copy of that edge rewritten to start at "$source", then
// the chain reachable from M through ordinary edges: each reached action is
// moved out of the main flow together with its outgoing edges. An edge whose
// target already left the main action map ends that branch of the walk, so
// re-entry and cycles terminate; the validator reports them afterwards as
// dangling or cyclic edges.
//
// A bucket owned by an action that itself ended up inside another bucket is
// attached to that bucket, producing nested subflows.
//
// A workflow without subflow edges comes back as an equal copy with a
// non-nil Subflows map, which makes the extraction a fixed point.
func ExtractSubflows(wf *schema.Workflow) *schema.Workflow {
	if wf == nil {
		return nil
	}
	src := wf.Clone()
	if src.Subflows == nil {
		src.Subflows = make(map[string]*schema.Workflow)
	}

	var subflowEdges []schema.WorkflowEdge
	mainEdges := make([]schema.WorkflowEdge, 0, len(src.Edges))
	for _, e := range src.Edges {
		if e.IsSubflow() {
			subflowEdges = append(subflowEdges, e)
			continue
		}
		mainEdges = append(mainEdges, e)
	}
	if len(subflowEdges) == 0 {
		return src
	}

	x := newExtraction(src.Actions, mainEdges)
	buckets := make(map[string]*schema.Workflow)
	var order []string
	for _, se := range subflowEdges {
		b, ok := buckets[se.From]
		if !ok {
			b = &schema.Workflow{
				Actions:  []schema.WorkflowAction{},
				Subflows: make(map[string]*schema.Workflow),
			}
			buckets[se.From] = b
			order = append(order, se.From)
		}
		x.walk(b, se.From, se)
	}

	out := &schema.Workflow{
		ID:       src.ID,
		Name:     src.Name,
		State:    src.State,
		Subflows: src.Subflows,
	}
	for _, a := range src.Actions {
		if _, ok := x.actions[a.ID]; ok {
			out.Actions = append(out.Actions, a)
		}
	}
	for i, e := range mainEdges {
		if !x.taken[i] {
			out.Edges = append(out.Edges, e)
		}
	}
	if out.Actions == nil {
		out.Actions = []schema.WorkflowAction{}
	}
	if out.Edges == nil {
		out.Edges = []schema.WorkflowEdge{}
	}

	for _, owner := range order {
		parent := out
		if key, ok := x.owner[owner]; ok && key != owner {
			parent = buckets[key]
		}
		if existing, ok := parent.Subflows[owner]; ok {
			mergeBucket(existing, buckets[owner])
			continue
		}
		parent.Subflows[owner] = buckets[owner]
	}
	return out
}

// extraction holds the mutable indexes of one ExtractSubflows call.
type extraction struct {
	actions map[string]schema.WorkflowAction
	byFrom  map[string][]int
	edges   []schema.WorkflowEdge
	taken   map[int]bool
	// owner maps an action moved into a bucket to the bucket's key.
	owner map[string]string
}

func newExtraction(acts []schema.WorkflowAction, edges []schema.WorkflowEdge) *extraction {
	x := &extraction{
		actions: make(map[string]schema.WorkflowAction, len(acts)),
		byFrom:  make(map[string][]int),
		edges:   edges,
		taken:   make(map[int]bool),
		owner:   make(map[string]string),
	}
	for _, a := range acts {
		x.actions[a.ID] = a
	}
	for i, e := range edges {
		x.byFrom[e.From] = append(x.byFrom[e.From], i)
	}
	return x
}

// walk moves the chain opened by subflow edge se into bucket b.
func (x *extraction) walk(b *schema.Workflow, key string, se schema.WorkflowEdge) {
	entry := se
	entry.From = schema.SourceID
	entry.Subflow = ""
	b.Edges = append(b.Edges, entry)

	queue := []string{se.To}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		a, ok := x.actions[id]
		if !ok {
			continue
		}
		delete(x.actions, id)
		x.owner[id] = key
		b.Actions = append(b.Actions, a)

		for _, i := range x.byFrom[id] {
			if x.taken[i] {
				continue
			}
			x.taken[i] = true
			b.Edges = append(b.Edges, x.edges[i])
			queue = append(queue, x.edges[i].To)
		}
	}
}

func mergeBucket(dst, src *schema.Workflow) {
	dst.Actions = append(dst.Actions, src.Actions...)
	dst.Edges = append(dst.Edges, src.Edges...)
	for k, v := range src.Subflows {
		if dst.Subflows == nil {
			dst.Subflows = make(map[string]*schema.Workflow)
		}
		dst.Subflows[k] = v
	}
}
