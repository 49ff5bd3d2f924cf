package validation

import "github.com/rendis/stepflow/pkg/schema"

// validateDAG runs cycle detection (Kahn's algorithm) and reachability on
// one workflow level and each subflow. Edge endpoints are assumed valid.
func validateDAG(wf *schema.Workflow, sc scope) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(wf.Actions))
	for _, a := range wf.Actions {
		ids[a.ID] = true
	}

	inDegree := make(map[string]int, len(wf.Actions))
	next := make(map[string][]string, len(wf.Actions))
	var entry []string
	for _, e := range wf.Edges {
		if e.From == schema.SourceID {
			entry = append(entry, e.To)
			continue
		}
		if !ids[e.From] || !ids[e.To] {
			continue
		}
		next[e.From] = append(next[e.From], e.To)
		inDegree[e.To]++
	}

	queue := make([]string, 0, len(wf.Actions))
	for _, a := range wf.Actions {
		if inDegree[a.ID] == 0 {
			queue = append(queue, a.ID)
		}
	}
	roots := append([]string(nil), queue...)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range next[node] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited != len(ids) {
		var stuck []string
		for _, a := range wf.Actions {
			if inDegree[a.ID] > 0 {
				stuck = append(stuck, a.ID)
			}
		}
		var first string
		if len(stuck) > 0 {
			first = stuck[0]
		}
		sc.fail(result, "edges", first, schema.ErrCodeCycleDetected, "workflow contains a cycle through %v", stuck)
		return result
	}

	// Subflows enter at their $source targets; top-level flows at their roots.
	if len(entry) > 0 {
		roots = entry
	}
	reachable := make(map[string]bool, len(ids))
	bfs := append([]string(nil), roots...)
	for _, r := range roots {
		reachable[r] = true
	}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, to := range next[node] {
			if !reachable[to] {
				reachable[to] = true
				bfs = append(bfs, to)
			}
		}
	}
	for _, a := range wf.Actions {
		if !reachable[a.ID] {
			sc.warn(result, "actions", a.ID, schema.ErrCodeDefinition, "action %q is unreachable from the entry point", a.ID)
		}
	}

	for owner, sf := range wf.Subflows {
		if sf != nil {
			result.Merge(validateDAG(sf, sc.subflow(owner)))
		}
	}
	return result
}
