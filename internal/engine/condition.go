// Package engine drives workflow executions: cursor advancement,
// gateway evaluation, join rendezvous and SLA supervision.
package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator provides safe edge-condition evaluation with
// caching. Expressions are compiled once and cached for reuse.
type ConditionEvaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size for security (default: 4096)
	MaxExpressionLength int
}

// NewConditionEvaluator creates a new condition evaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// Evaluate evaluates an expression against an environment. The
// environment is the execution's variable bag, so conditions reference
// variables by name: `amount > 1000 && region == "emea"`.
func (e *ConditionEvaluator) Evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	if len(expression) > e.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.Env(env))
		if err != nil {
			return nil, fmt.Errorf("compile expression %q: %w", expression, err)
		}

		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}

	return result, nil
}

// EvaluateBool evaluates an expression and coerces the result to a
// boolean. Missing variables evaluate to nil, which is false.
func (e *ConditionEvaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
}

// BuildEnvironment creates an evaluation environment from an
// execution's variable bag. Variables are exposed at the top level and
// also nested under "vars" so conditions can disambiguate names that
// collide with expr builtins.
func BuildEnvironment(variables map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(variables)+1)
	for k, v := range variables {
		if k != "vars" {
			env[k] = v
		}
	}
	if variables == nil {
		variables = map[string]interface{}{}
	}
	env["vars"] = variables
	return env
}
