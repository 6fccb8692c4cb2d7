package expressions

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/mcpflow/pkg/schema"
)

// ExprEngine implements Engine with expr-lang/expr restricted to literals,
// operators and the variables in the data map. Builtin functions are disabled,
// so an expression can compare and combine values but cannot call anything.
// Thread-safe: compiled programs are cached per expression and variable set.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new sandboxed Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it with data
// as the environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression, data)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Compile checks that expression is syntactically valid for the given variable names.
func (e *ExprEngine) Compile(expression string, names []string) error {
	env := make(map[string]any, len(names))
	for _, n := range names {
		env[n] = nil
	}
	_, err := e.getOrCompile(expression, env)
	return err
}

// getOrCompile returns a cached program or compiles one. Variables are declared
// untyped so a cached program stays valid whatever value types a later run binds.
func (e *ExprEngine) getOrCompile(expression string, data map[string]any) (*vm.Program, error) {
	key := cacheKey(expression, data)

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	env := make(map[string]any, len(data))
	for k := range data {
		env[k] = nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.DisableAllBuiltins(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[key] = prg
	return prg, nil
}

func cacheKey(expression string, data map[string]any) string {
	if len(data) == 0 {
		return expression
	}
	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	sort.Strings(names)
	return expression + "\x00" + strings.Join(names, ",")
}

var _ Engine = (*ExprEngine)(nil)
