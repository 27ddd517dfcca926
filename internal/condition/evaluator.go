package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultExpression is used when a stage or step declares no condition.
const DefaultExpression = "succeeded()"

// Condition is a compiled boolean expression.
type Condition interface {
	Eval(env Env) (bool, error)
	String() string
}

// Evaluator compiles condition expressions.
type Evaluator interface {
	Compile(expression string) (Condition, error)
	Check(expression string) error
}

// ExprEvaluator compiles expressions with expr-lang/expr and caches programs by source.
// It is safe for concurrent use.
type ExprEvaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

// NewEvaluator returns an expr-backed evaluator.
func NewEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Compile compiles expression; an empty expression compiles to DefaultExpression.
func (e *ExprEvaluator) Compile(expression string) (Condition, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		source = DefaultExpression
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.cache[source]; ok {
		return &exprCondition{source: source, program: program}, nil
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	e.cache[source] = program
	return &exprCondition{source: source, program: program}, nil
}

// Check reports whether expression compiles.
func (e *ExprEvaluator) Check(expression string) error {
	_, err := e.Compile(expression)
	return err
}

type exprCondition struct {
	source  string
	program *vm.Program
}

func (c *exprCondition) Eval(env Env) (bool, error) {
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: result is %T, not bool", c.source, out)
	}
	return b, nil
}

func (c *exprCondition) String() string { return c.source }
