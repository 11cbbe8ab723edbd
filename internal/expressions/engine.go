package expressions

import "context"

// Engine evaluates expressions against workflow run data.
// Three implementations: CEL and Expr (conditions, logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
