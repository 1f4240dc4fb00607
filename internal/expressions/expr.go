package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/rendis/nodeflow/pkg/schema"
)

// ScriptScope is what a transform/code program sees: the node's merged
// input, the run's variables and the data of completed nodes.
type ScriptScope struct {
	JSON any            `expr:"json"`
	Vars map[string]any `expr:"vars"`
	Node map[string]any `expr:"node"`
}

// scopeOf reads a ScriptEnv map back into a ScriptScope.
func scopeOf(data map[string]any) ScriptScope {
	s := ScriptScope{JSON: data["json"]}
	s.Vars, _ = data["vars"].(map[string]any)
	s.Node, _ = data["node"].(map[string]any)
	return s
}

var scriptOptions = []expr.Option{
	expr.Env(ScriptScope{}),
	expr.Function("uuid", func(...any) (any, error) {
		return uuid.NewString(), nil
	}, new(func() string)),
}

// ExprEngine runs transform/code programs with expr-lang. Programs compile
// against ScriptScope, so a misspelled top-level name (items instead of
// json.items) is a compile error rather than a nil at run time.
type ExprEngine struct {
	programs sync.Map // source -> *vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Check compiles code without running it.
func (e *ExprEngine) Check(code string) error {
	_, err := e.program(code)
	return err
}

// Evaluate runs code with data (as built by ScriptEnv) in scope.
func (e *ExprEngine) Evaluate(ctx context.Context, code string, data map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prg, err := e.program(code)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, scopeOf(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "code failed: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"code": code})
	}
	return normalizeNumbers(out), nil
}

func (e *ExprEngine) program(code string) (*vm.Program, error) {
	if code == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty code program")
	}
	if prg, ok := e.programs.Load(code); ok {
		return prg.(*vm.Program), nil
	}
	prg, err := expr.Compile(code, scriptOptions...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "code does not compile: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"code": code})
	}
	actual, _ := e.programs.LoadOrStore(code, prg)
	return actual.(*vm.Program), nil
}

var _ Engine = (*ExprEngine)(nil)
