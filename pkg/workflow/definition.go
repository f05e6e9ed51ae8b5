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

// Package workflow defines the design-time shape of a workflow: an
// ordered list of typed steps plus the policies that govern error
// handling and execution order. Definitions are plain data, loadable
// from YAML; the runner in internal/runner gives them behaviour.
package workflow

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrorPolicy decides what a step failure does to the workflow.
type ErrorPolicy string

const (
	// ErrorStop fails the workflow at the first failed step.
	ErrorStop ErrorPolicy = "stop"

	// ErrorContinue records the failure and keeps going; a workflow
	// that finishes with both failures and successes is PARTIAL.
	ErrorContinue ErrorPolicy = "continue"

	// ErrorRetry re-runs the step per its retry policy before
	// escalating according to the step's strict flag.
	ErrorRetry ErrorPolicy = "retry"
)

// Valid reports whether p is a known error policy.
func (p ErrorPolicy) Valid() bool {
	return p == ErrorStop || p == ErrorContinue || p == ErrorRetry
}

// ExecutionPolicy selects the step scheduling strategy.
type ExecutionPolicy string

const (
	// ExecSequential runs steps strictly in declared order.
	ExecSequential ExecutionPolicy = "sequential"

	// ExecParallelWherePossible is accepted and validated; execution is
	// currently still declared order, with MapStep as the fan-out
	// primitive. Dependency-aware parallelism is future work.
	ExecParallelWherePossible ExecutionPolicy = "parallel_where_possible"
)

// Valid reports whether p is a known execution policy.
func (p ExecutionPolicy) Valid() bool {
	return p == ExecSequential || p == ExecParallelWherePossible
}

// StepType tags the step union.
type StepType string

const (
	// StepOperation dispatches a registered operation through the
	// dispatcher and waits for its terminal state.
	StepOperation StepType = "operation"

	// StepTask is StepOperation for kind=task handlers.
	StepTask StepType = "task"

	// StepLambda invokes a named in-process handler with the live
	// workflow context.
	StepLambda StepType = "lambda"

	// StepChoice evaluates a condition and jumps to one of two targets,
	// skipping the steps in between.
	StepChoice StepType = "choice"

	// StepWait suspends for a duration or until a timestamp.
	StepWait StepType = "wait"

	// StepMap fans the iterator step out over a sequence in workflow
	// state and collects outputs in order.
	StepMap StepType = "map"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepOperation, StepTask, StepLambda, StepChoice, StepWait, StepMap:
		return true
	}
	return false
}

// RetryPolicy shapes step-level retries under ErrorRetry.
type RetryPolicy struct {
	// MaxAttempts bounds total attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBaseSeconds is the delay before the second attempt.
	BackoffBaseSeconds float64 `yaml:"backoff_base_seconds" json:"backoff_base_seconds"`

	// BackoffMultiplier scales the delay per subsequent attempt.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultRetryPolicy applies when a step declares on_error: retry
// without its own policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:        3,
	BackoffBaseSeconds: 1,
	BackoffMultiplier:  2,
}

// Delay returns the backoff before the given attempt (attempt 1 is the
// first retry).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BackoffBaseSeconds
	if base <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	return time.Duration(delay * float64(time.Second))
}

// Step is one node of the workflow. Type selects which of the variant
// fields are meaningful; Validate enforces that the others are unset.
type Step struct {
	Name string   `yaml:"name" json:"name"`
	Type StepType `yaml:"type" json:"type"`

	// OnError overrides the workflow's error policy for this step.
	OnError ErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Retry shapes backoff under on_error: retry.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Strict escalates retry exhaustion to a workflow failure. Without
	// it the step is recorded failed and execution continues.
	Strict bool `yaml:"strict,omitempty" json:"strict,omitempty"`

	// DependsOn names steps that must appear earlier in the list. The
	// order of the list is authoritative; these are validated hints.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Target names the registered operation or task for
	// operation/task steps, or the lambda handler for lambda steps.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	// Config is the step's parameter map. String values may use
	// ${...} expressions resolved against the workflow context.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Condition is the choice expression, evaluated against
	// {params, state, steps}.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Then and Else name the jump targets of a choice step. An empty
	// target means "fall through to the next step".
	Then string `yaml:"then,omitempty" json:"then,omitempty"`
	Else string `yaml:"else,omitempty" json:"else,omitempty"`

	// WaitSeconds suspends the workflow for a duration.
	WaitSeconds float64 `yaml:"wait_seconds,omitempty" json:"wait_seconds,omitempty"`

	// Until suspends the workflow until an absolute instant.
	Until *time.Time `yaml:"until,omitempty" json:"until,omitempty"`

	// ItemsKey names the state entry holding the sequence a map step
	// fans out over.
	ItemsKey string `yaml:"items_key,omitempty" json:"items_key,omitempty"`

	// Iterator is the step run once per item.
	Iterator *Step `yaml:"iterator,omitempty" json:"iterator,omitempty"`

	// MaxParallel bounds concurrent iterator executions; zero or one
	// means sequential.
	MaxParallel int `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
}

// Definition is a named, versioned workflow.
type Definition struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Description is free-form documentation.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// LockKey is a concurrency-guard template; when set, the
	// dispatcher refuses to start a second instance holding the same
	// rendered key.
	LockKey string `yaml:"lock_key,omitempty" json:"lock_key,omitempty"`

	// ErrorPolicy is the default for steps without their own.
	ErrorPolicy ErrorPolicy `yaml:"error_policy,omitempty" json:"error_policy,omitempty"`

	// ExecutionPolicy selects the scheduling strategy.
	ExecutionPolicy ExecutionPolicy `yaml:"execution_policy,omitempty" json:"execution_policy,omitempty"`

	Steps []Step `yaml:"steps" json:"steps"`
}

// Normalize fills policy defaults in place.
func (d *Definition) Normalize() {
	if d.ErrorPolicy == "" {
		d.ErrorPolicy = ErrorStop
	}
	if d.ExecutionPolicy == "" {
		d.ExecutionPolicy = ExecSequential
	}
}

// StepIndex returns the declared position of a step by name, -1 when
// absent. Definitions are flat lists, so name -> index is the arena
// lookup the runner navigates with.
func (d *Definition) StepIndex(name string) int {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// Parse decodes a YAML definition, normalizes it, and validates it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	def.Normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads and parses a definition from r.
func Load(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}
	return Parse(data)
}

// LoadFile reads and parses a definition from a file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
