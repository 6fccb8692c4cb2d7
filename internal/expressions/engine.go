package expressions

import "context"

// Engine evaluates expressions against a data environment.
// Three implementations: Expr (conditions), CEL (alternative condition dialect), GoJQ (edge mappings).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
