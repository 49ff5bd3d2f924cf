package expressions

import "context"

// Engine evaluates expressions against run data.
// Three implementations: GoJQ (ref paths, transforms), CEL (predicates), Expr (logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
