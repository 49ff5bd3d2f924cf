// Package refs resolves !ref($.path) expressions against run state and
// evaluates edge conditionals.
package refs

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Reserved scope keys.
const (
	EventKey    = "$event"
	PreviousKey = "$prev"
)

var (
	wholeRef    = regexp.MustCompile(`^\s*!ref\(\s*(\$[^()]*)\)\s*$`)
	embeddedRef = regexp.MustCompile(`!ref\(\s*(\$[^()]*)\)`)
)

// Resolver evaluates ref paths with gojq.
type Resolver struct {
	jq *expressions.GoJQEngine
}

// NewResolver creates a Resolver. A nil engine gets a private one.
func NewResolver(jq *expressions.GoJQEngine) *Resolver {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &Resolver{jq: jq}
}

// IsRef reports whether s is exactly one !ref(...) expression.
func IsRef(s string) bool {
	return wholeRef.MatchString(s)
}

// Resolve evaluates ref against scope. Anything unresolvable, including a
// malformed ref, yields nil.
func (r *Resolver) Resolve(ctx context.Context, ref string, scope map[string]any) any {
	m := wholeRef.FindStringSubmatch(ref)
	if m == nil {
		return nil
	}
	return r.resolvePath(ctx, m[1], scope)
}

func (r *Resolver) resolvePath(ctx context.Context, path string, scope map[string]any) any {
	program, err := ToJQ(path)
	if err != nil {
		return nil
	}
	out, err := r.jq.Evaluate(ctx, program, scope)
	if err != nil {
		return nil
	}
	return out
}

// ResolveInputs returns a copy of inputs with every ref replaced. A string
// that is exactly one ref becomes the referenced value; refs embedded in a
// longer string are interpolated as text.
func (r *Resolver) ResolveInputs(ctx context.Context, inputs map[string]any, scope map[string]any) map[string]any {
	if inputs == nil {
		return map[string]any{}
	}
	out, _ := r.resolveValue(ctx, inputs, scope).(map[string]any)
	return out
}

func (r *Resolver) resolveValue(ctx context.Context, v any, scope map[string]any) any {
	switch val := v.(type) {
	case string:
		if m := wholeRef.FindStringSubmatch(val); m != nil {
			return r.resolvePath(ctx, m[1], scope)
		}
		if !strings.Contains(val, "!ref(") {
			return val
		}
		return embeddedRef.ReplaceAllStringFunc(val, func(match string) string {
			sub := embeddedRef.FindStringSubmatch(match)
			return Stringify(r.resolvePath(ctx, sub[1], scope))
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.resolveValue(ctx, item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.resolveValue(ctx, item, scope)
		}
		return out
	default:
		return v
	}
}

// ToJQ translates a $-rooted path such as $.fetch.data[0]["a b"] into the
// jq program .["fetch"]["data"][0]["a b"].
func ToJQ(path string) (string, error) {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "$") {
		return "", fmt.Errorf("ref path %q must start with $", path)
	}
	rest := path[1:]
	var b strings.Builder
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			if end == 0 {
				return "", fmt.Errorf("empty segment in ref path %q", path)
			}
			b.WriteString("[" + strconv.Quote(rest[:end]) + "]")
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated index in ref path %q", path)
			}
			inner := strings.TrimSpace(rest[1:end])
			if n, err := strconv.Atoi(inner); err == nil {
				b.WriteString("[" + strconv.Itoa(n) + "]")
			} else if unq, err := strconv.Unquote(inner); err == nil {
				b.WriteString("[" + strconv.Quote(unq) + "]")
			} else {
				return "", fmt.Errorf("invalid index %q in ref path %q", inner, path)
			}
			rest = rest[end+1:]
		default:
			return "", fmt.Errorf("unexpected %q in ref path %q", rest[0], path)
		}
	}
	if b.Len() == 0 {
		return ".", nil
	}
	return "." + b.String(), nil
}

// Truthy applies JavaScript truthiness: nil, false, 0, NaN and "" are falsy,
// every other value (including empty maps and slices) is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0 && !math.IsNaN(val)
	case float32:
		return val != 0 && !math.IsNaN(float64(val))
	case int:
		return val != 0
	case int64:
		return val != 0
	case int32:
		return val != 0
	default:
		return true
	}
}

// StrictEqual compares two resolved values. Numbers compare numerically
// regardless of Go type; other scalars must share type and value; maps and
// slices compare by deep equality of their JSON form.
func StrictEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	na, errA := expressions.Normalize(a)
	nb, errB := expressions.Normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// Stringify renders a resolved value for text interpolation.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// Matches evaluates one edge conditional against scope.
// if: ref is truthy. else: ref is falsy (an else without ref always matches).
// match: ref strictly equals Value.
func (r *Resolver) Matches(ctx context.Context, c *schema.Conditional, scope map[string]any) bool {
	if c == nil {
		return true
	}
	switch c.Type {
	case schema.ConditionalIf:
		return Truthy(r.Resolve(ctx, c.Ref, scope))
	case schema.ConditionalElse:
		if c.Ref == "" {
			return true
		}
		return !Truthy(r.Resolve(ctx, c.Ref, scope))
	case schema.ConditionalMatch:
		return StrictEqual(r.Resolve(ctx, c.Ref, scope), c.Value)
	default:
		return false
	}
}

// SelectEdges picks the edges to follow out of one node, in declaration order.
// Unconditional edges are always followed. Among guarded edges (if, match)
// the first one that matches wins; when none matches, the first else edge is
// taken. An else edge is never taken alongside a matching guard.
func (r *Resolver) SelectEdges(ctx context.Context, edges []schema.WorkflowEdge, scope map[string]any) []schema.WorkflowEdge {
	var (
		out       []schema.WorkflowEdge
		elseEdge  *schema.WorkflowEdge
		guarded   bool
		guardTook bool
	)
	for i := range edges {
		e := edges[i]
		if e.Conditional == nil {
			out = append(out, e)
			continue
		}
		switch e.Conditional.Type {
		case schema.ConditionalElse:
			if elseEdge == nil {
				elseEdge = &edges[i]
			}
		default:
			guarded = true
			if !guardTook && r.Matches(ctx, e.Conditional, scope) {
				guardTook = true
				out = append(out, e)
			}
		}
	}
	if elseEdge != nil && !guardTook {
		if guarded || r.Matches(ctx, elseEdge.Conditional, scope) {
			out = append(out, *elseEdge)
		}
	}
	return out
}
