package expressions

import "context"

// Engine evaluates handler-level scripts against a node's data.
// Three implementations: CEL (branch predicates), GoJQ (jq transforms), Expr (code transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// ScriptEnv builds the data map shared by all engines: the node's merged
// input as "json", variables as "vars" and prior outputs as "node".
func ScriptEnv(input any, vars, outputs map[string]any) map[string]any {
	if vars == nil {
		vars = map[string]any{}
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	return map[string]any{
		"json": input,
		"vars": vars,
		"node": outputs,
	}
}
