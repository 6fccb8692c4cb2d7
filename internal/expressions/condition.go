package expressions

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"
)

// Condition languages.
const (
	LanguageExpr = "expr"
	LanguageCEL  = "cel"
)

// ConditionEvaluator decides condition nodes. Reference tokens in the expression
// are bound as typed variables and the rewritten expression runs in a sandboxed
// engine; values are never spliced into the source text.
type ConditionEvaluator struct {
	expr   *ExprEngine
	cel    *CELEngine
	logger *slog.Logger
}

// NewConditionEvaluator creates an evaluator backed by fresh engines.
func NewConditionEvaluator(logger *slog.Logger) (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionEvaluator{
		expr:   NewExprEngine(),
		cel:    celEngine,
		logger: logger,
	}, nil
}

// Evaluate returns the boolean outcome of expression against scope.
// Any compile or evaluation failure yields false.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, expression, language string, scope *Scope) bool {
	rewritten, refs := rewriteCondition(expression, language == LanguageCEL)

	env := make(map[string]any, len(refs))
	for i, tok := range refs {
		v, _ := ResolveReference(tok, scope)
		env[refName(i)] = v
	}

	engine := c.engine(language)
	out, err := engine.Evaluate(ctx, rewritten, env)
	if err != nil {
		c.logger.Debug("condition evaluated to false on error",
			slog.String("expression", expression),
			slog.String("engine", engine.Name()),
			slog.String("error", err.Error()))
		return false
	}
	return Truthy(out)
}

// Check compiles expression without evaluating it.
func (c *ConditionEvaluator) Check(expression, language string) error {
	rewritten, refs := rewriteCondition(expression, language == LanguageCEL)
	names := make([]string, len(refs))
	for i := range refs {
		names[i] = refName(i)
	}
	if language == LanguageCEL {
		return c.cel.Compile(rewritten, names)
	}
	return c.expr.Compile(rewritten, names)
}

func (c *ConditionEvaluator) engine(language string) Engine {
	if language == LanguageCEL {
		return c.cel
	}
	return c.expr
}

func refName(i int) string {
	return fmt.Sprintf("ref_%d", i)
}

// rewriteCondition replaces every reference token outside string literals with a
// generated identifier and returns the distinct tokens in order of first use.
// JavaScript spellings are mapped onto the target dialect: === and !== become
// == and !=, and null/undefined become the dialect's null literal.
func rewriteCondition(src string, cel bool) (string, []string) {
	nullLit := "nil"
	if cel {
		nullLit = "null"
	}

	var b strings.Builder
	b.Grow(len(src))
	var refs []string
	seen := make(map[string]string)

	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case ch == '"' || ch == '\'' || ch == '`':
			j := skipString(src, i)
			b.WriteString(src[i:j])
			i = j
		case ch == '$':
			j := scanReference(src, i)
			if j == i+1 {
				b.WriteByte(ch)
				i++
				continue
			}
			tok := src[i:j]
			name, ok := seen[tok]
			if !ok {
				name = refName(len(refs))
				seen[tok] = name
				refs = append(refs, tok)
			}
			b.WriteString(name)
			i = j
		case strings.HasPrefix(src[i:], "==="):
			b.WriteString("==")
			i += 3
		case strings.HasPrefix(src[i:], "!=="):
			b.WriteString("!=")
			i += 3
		case isWordStart(ch):
			j := i
			for j < len(src) && isWordChar(src[j]) {
				j++
			}
			switch word := src[i:j]; word {
			case "null", "undefined":
				b.WriteString(nullLit)
			default:
				b.WriteString(word)
			}
			i = j
		case ch >= '0' && ch <= '9':
			j := i
			for j < len(src) && (isWordChar(src[j]) || src[j] == '.') {
				j++
			}
			b.WriteString(src[i:j])
			i = j
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String(), refs
}

// scanReference returns the end of a `$word(.word)*` token starting at i.
// It returns i+1 when no word follows the dollar sign.
func scanReference(src string, i int) int {
	j := i + 1
	for j < len(src) && isWordChar(src[j]) {
		j++
	}
	if j == i+1 {
		return j
	}
	for j < len(src) && src[j] == '.' {
		k := j + 1
		for k < len(src) && isWordChar(src[k]) {
			k++
		}
		if k == j+1 {
			break
		}
		j = k
	}
	return j
}

// skipString returns the index just past the string literal opened at i.
// An unterminated literal runs to the end of src.
func skipString(src string, i int) int {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(src)
}

func isWordStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isWordChar(ch byte) bool {
	return isWordStart(ch) || (ch >= '0' && ch <= '9')
}

// Truthy applies JavaScript truthiness to an evaluation result.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0 && !math.IsNaN(x)
	case int:
		return x != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f != 0 && !math.IsNaN(f)
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
