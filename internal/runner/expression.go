// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

// evaluator compiles and runs expr programs against a workflow context
// environment. Compiled programs are cached: choice conditions and
// config templates are re-evaluated every run of a workflow.
type evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newEvaluator() *evaluator {
	return &evaluator{cache: make(map[string]*vm.Program)}
}

func (e *evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &batonerrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile %q: %s", expression, err.Error()),
			Suggestion: "conditions see params, state, and steps",
		}
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// evalBool evaluates a choice condition. Non-boolean results follow
// truthiness: nil and empty values are false.
func (e *evaluator) evalBool(expression string, env map[string]any) (bool, error) {
	value, err := e.eval(expression, env)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

func (e *evaluator) eval(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	value, err := expr.Run(program, env)
	if err != nil {
		return nil, &batonerrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("evaluating %q: %s", expression, err.Error()),
		}
	}
	return value, nil
}

// resolveConfig deep-copies a step config, replacing "${...}" string
// values with their evaluated results. A string that merely contains a
// placeholder is interpolated textually.
func (e *evaluator) resolveConfig(config map[string]any, env map[string]any) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}
	out := make(map[string]any, len(config))
	for key, value := range config {
		resolved, err := e.resolveValue(value, env)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func (e *evaluator) resolveValue(value any, env map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.resolveString(v, env)
	case map[string]any:
		return e.resolveConfig(v, env)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := e.resolveValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (e *evaluator) resolveString(s string, env map[string]any) (any, error) {
	// A bare "${expr}" keeps the expression's type; anything else is
	// string interpolation.
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 {
		return e.eval(s[2:len(s)-1], env)
	}

	var sb strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])
		value, err := e.eval(rest[start+2:start+end], env)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, "%v", value)
		rest = rest[start+end+1:]
	}
}

// truthy mirrors expression-language truthiness for condition results.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
