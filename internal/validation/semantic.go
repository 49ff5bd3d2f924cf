package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

var refPattern = regexp.MustCompile(`^\s*!ref\(\s*\$[^()]*\)\s*$`)

// validateSemantic checks one workflow level and recurses into its subflows.
// Checks: unique non-empty action ids without ':', registered kinds, edge endpoints
// inside the same workflow, subflow owners, and conditional shape. $source
// edges are only allowed below the top level.
func validateSemantic(wf *schema.Workflow, sc scope, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	isSubflow := len(sc.owners) > 0

	ids := make(map[string]bool, len(wf.Actions))
	for i, a := range wf.Actions {
		ap := fmt.Sprintf("actions[%d]", i)
		switch {
		case a.ID == "":
			sc.fail(result, ap+".id", "", schema.ErrCodeDefinition, "action id is empty")
		case a.ID == schema.SourceID:
			sc.fail(result, ap+".id", a.ID, schema.ErrCodeDefinition, "action id %q is reserved", schema.SourceID)
		case strings.Contains(a.ID, ":"):
			// Step names use ':' for start records and repeat occurrences.
			sc.fail(result, ap+".id", a.ID, schema.ErrCodeDefinition, "action id %q must not contain ':'", a.ID)
		case ids[a.ID]:
			sc.fail(result, ap+".id", a.ID, schema.ErrCodeDefinition, "duplicate action id %q", a.ID)
		}
		ids[a.ID] = true

		if lookup != nil && a.Kind != "" && !lookup.Has(a.Kind) {
			sc.fail(result, ap+".kind", a.ID, schema.ErrCodeActionUnavailable, "action kind %q not registered", a.Kind)
		}
	}

	elseCount := make(map[string]int)
	for i, e := range wf.Edges {
		ep := fmt.Sprintf("edges[%d]", i)

		if e.From == schema.SourceID {
			if !isSubflow {
				sc.fail(result, ep+".from", "", schema.ErrCodeDefinition, "%s edge outside a subflow", schema.SourceID)
			}
		} else if !ids[e.From] {
			sc.fail(result, ep+".from", e.From, schema.ErrCodeDefinition, "edge references unknown action %q", e.From)
		}
		if !ids[e.To] {
			sc.fail(result, ep+".to", e.To, schema.ErrCodeDefinition, "edge references action %q outside this workflow", e.To)
		}

		if c := e.Conditional; c != nil {
			switch c.Type {
			case schema.ConditionalIf, schema.ConditionalMatch:
				if !refPattern.MatchString(c.Ref) {
					sc.fail(result, ep+".conditional.ref", e.From, schema.ErrCodeDefinition, "%s conditional needs a !ref($...) expression", c.Type)
				}
				if c.Type == schema.ConditionalMatch && c.Value == nil {
					sc.warn(result, ep+".conditional.value", e.From, schema.ErrCodeDefinition, "match conditional without value only matches unresolved refs")
				}
			case schema.ConditionalElse:
				elseCount[e.From]++
				if elseCount[e.From] == 2 {
					sc.warn(result, ep+".conditional", e.From, schema.ErrCodeDefinition, "action %q has more than one else edge; only the first is followed", e.From)
				}
			default:
				sc.fail(result, ep+".conditional.type", e.From, schema.ErrCodeDefinition, "unknown conditional type %q", c.Type)
			}
		}
	}

	for owner, sf := range wf.Subflows {
		field := fmt.Sprintf("subflows[%s]", owner)
		if !ids[owner] {
			sc.fail(result, field, owner, schema.ErrCodeDefinition, "subflow owner %q is not an action of this workflow", owner)
		}
		if sf == nil {
			sc.fail(result, field, owner, schema.ErrCodeDefinition, "subflow is empty")
			continue
		}
		inner := sc.subflow(owner)
		if len(sf.Edges) == 0 || sf.Edges[0].From != schema.SourceID {
			inner.fail(result, "edges", "", schema.ErrCodeDefinition, "subflow must start with a %s edge", schema.SourceID)
		}
		result.Merge(validateSemantic(sf, inner, lookup))
	}

	return result
}
