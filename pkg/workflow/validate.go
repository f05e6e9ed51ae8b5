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

package workflow

import (
	"fmt"

	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

// Validate checks a definition's structural invariants. Branch and
// dependency targets must point at later and earlier steps
// respectively, which keeps the flat list acyclic without a separate
// topological pass.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &batonerrors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if d.ErrorPolicy != "" && !d.ErrorPolicy.Valid() {
		return &batonerrors.ValidationError{
			Field:      "error_policy",
			Message:    fmt.Sprintf("unknown error policy %q", d.ErrorPolicy),
			Suggestion: "use stop, continue, or retry",
		}
	}
	if d.ExecutionPolicy != "" && !d.ExecutionPolicy.Valid() {
		return &batonerrors.ValidationError{
			Field:      "execution_policy",
			Message:    fmt.Sprintf("unknown execution policy %q", d.ExecutionPolicy),
			Suggestion: "use sequential or parallel_where_possible",
		}
	}

	index := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return &batonerrors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "step name is required",
			}
		}
		if _, dup := index[step.Name]; dup {
			return &batonerrors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q", step.Name),
			}
		}
		index[step.Name] = i
	}

	for i := range d.Steps {
		if err := d.validateStep(&d.Steps[i], i, index); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateStep(step *Step, pos int, index map[string]int) error {
	field := func(name string) string {
		return fmt.Sprintf("steps[%d].%s", pos, name)
	}

	if !step.Type.Valid() {
		return &batonerrors.ValidationError{
			Field:      field("type"),
			Message:    fmt.Sprintf("unknown step type %q", step.Type),
			Suggestion: "use operation, task, lambda, choice, wait, or map",
		}
	}
	if step.OnError != "" && !step.OnError.Valid() {
		return &batonerrors.ValidationError{
			Field:   field("on_error"),
			Message: fmt.Sprintf("unknown error policy %q", step.OnError),
		}
	}
	if step.Retry != nil && step.Retry.MaxAttempts < 1 {
		return &batonerrors.ValidationError{
			Field:   field("retry.max_attempts"),
			Message: "must be at least 1",
		}
	}

	for _, dep := range step.DependsOn {
		depPos, ok := index[dep]
		if !ok {
			return &batonerrors.ValidationError{
				Field:   field("depends_on"),
				Message: fmt.Sprintf("unknown step %q", dep),
			}
		}
		if depPos >= pos {
			return &batonerrors.ValidationError{
				Field:   field("depends_on"),
				Message: fmt.Sprintf("step %q depends on %q which is not declared before it", step.Name, dep),
			}
		}
	}

	switch step.Type {
	case StepOperation, StepTask:
		if step.Target == "" {
			return &batonerrors.ValidationError{
				Field:   field("target"),
				Message: fmt.Sprintf("%s step needs a target handler name", step.Type),
			}
		}

	case StepLambda:
		if step.Target == "" {
			return &batonerrors.ValidationError{
				Field:   field("target"),
				Message: "lambda step needs a target handler name",
			}
		}

	case StepChoice:
		if step.Condition == "" {
			return &batonerrors.ValidationError{
				Field:   field("condition"),
				Message: "choice step needs a condition",
			}
		}
		if step.Then == "" && step.Else == "" {
			return &batonerrors.ValidationError{
				Field:      field("then"),
				Message:    "invalid_branch_target: choice step needs at least one of then/else",
				Suggestion: "name a later step, or remove the choice",
			}
		}
		for _, target := range []string{step.Then, step.Else} {
			if target == "" {
				continue
			}
			targetPos, ok := index[target]
			if !ok {
				return &batonerrors.ValidationError{
					Field:   field("then"),
					Message: fmt.Sprintf("invalid_branch_target: unknown step %q", target),
				}
			}
			if targetPos <= pos {
				// Backward jumps would admit cycles.
				return &batonerrors.ValidationError{
					Field:   field("then"),
					Message: fmt.Sprintf("invalid_branch_target: %q is not declared after the choice", target),
				}
			}
		}

	case StepWait:
		hasSeconds := step.WaitSeconds > 0
		hasUntil := step.Until != nil
		if hasSeconds == hasUntil {
			return &batonerrors.ValidationError{
				Field:   field("wait_seconds"),
				Message: "wait step needs exactly one of wait_seconds or until",
			}
		}

	case StepMap:
		if step.ItemsKey == "" {
			return &batonerrors.ValidationError{
				Field:   field("items_key"),
				Message: "map step needs an items_key",
			}
		}
		if step.Iterator == nil {
			return &batonerrors.ValidationError{
				Field:   field("iterator"),
				Message: "map step needs an iterator step",
			}
		}
		switch step.Iterator.Type {
		case StepOperation, StepTask, StepLambda:
		default:
			return &batonerrors.ValidationError{
				Field:   field("iterator.type"),
				Message: fmt.Sprintf("map iterator must be an operation, task, or lambda step, not %q", step.Iterator.Type),
			}
		}
		if step.Iterator.Target == "" {
			return &batonerrors.ValidationError{
				Field:   field("iterator.target"),
				Message: "map iterator needs a target handler name",
			}
		}
		if step.MaxParallel < 0 {
			return &batonerrors.ValidationError{
				Field:   field("max_parallel"),
				Message: "must not be negative",
			}
		}
	}

	return nil
}
