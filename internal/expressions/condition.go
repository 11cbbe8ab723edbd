package expressions

import (
	"context"
	"log/slog"
)

// NewCondition adapts an expression into a step-gating predicate over the
// accumulated run dataset. The dataset is exposed to the expression as the
// top-level variable "data", so the same expression text works under both
// the CEL and Expr engines.
//
// Evaluation errors and non-boolean results gate the step closed: the
// predicate returns false and logs the reason.
func NewCondition(eng Engine, expression string, logger *slog.Logger) func(data map[string]any) bool {
	if logger == nil {
		logger = slog.Default()
	}
	return func(data map[string]any) bool {
		out, err := eng.Evaluate(context.Background(), expression, map[string]any{"data": data})
		if err != nil {
			logger.Warn("condition evaluation failed, skipping step",
				slog.String("engine", eng.Name()),
				slog.String("expression", expression),
				slog.String("error", err.Error()))
			return false
		}
		allow, ok := out.(bool)
		if !ok {
			logger.Warn("condition did not evaluate to a boolean, skipping step",
				slog.String("engine", eng.Name()),
				slog.String("expression", expression))
			return false
		}
		return allow
	}
}
