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
	"time"
)

// Status is a workflow run's terminal state. It is wider than the run
// lifecycle: PARTIAL exists here because a continue-mode workflow can
// finish with a mix of failed and completed steps while the run record
// itself completes.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusPartial   Status = "PARTIAL"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// StepStatus is the outcome class of one step.
type StepStatus string

const (
	StepOK      StepStatus = "OK"
	StepFail    StepStatus = "FAIL"
	StepSkipped StepStatus = "SKIPPED"
)

// StepResult records one step's outcome.
type StepResult struct {
	Status StepStatus `json:"status"`

	// Output is the step's result map, merged into workflow state
	// under the step name.
	Output map[string]any `json:"output,omitempty"`

	// Error holds the failure message for FAIL results.
	Error string `json:"error,omitempty"`

	// Reason explains SKIPPED results (branch_not_taken, cancelled).
	Reason string `json:"reason,omitempty"`

	// Attempts counts executions, >1 when a retry policy fired.
	Attempts int `json:"attempts,omitempty"`

	// RunID links operation and task steps to their dispatched run.
	RunID string `json:"run_id,omitempty"`

	// retryCategory is the error taxonomy category of a FAIL result,
	// consulted by the step retry policy and not serialized.
	retryCategory string
}

// Context is the per-run scratch space steps read and write.
type Context struct {
	// RunID is the workflow run's ledger ID.
	RunID string `json:"run_id"`

	// CorrelationID links dispatched step runs to the workflow.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Params are the submission inputs, read-only by convention.
	Params map[string]any `json:"params"`

	// State is the mutable blackboard: each step's output lands here
	// under the step name, and lambdas may write arbitrary keys.
	State map[string]any `json:"state"`

	// StepResults holds every evaluated step's result by name.
	StepResults map[string]StepResult `json:"step_results"`
}

// NewContext builds a fresh context for one workflow run.
func NewContext(runID, correlationID string, params map[string]any) *Context {
	if params == nil {
		params = map[string]any{}
	}
	return &Context{
		RunID:         runID,
		CorrelationID: correlationID,
		Params:        params,
		State:         map[string]any{},
		StepResults:   map[string]StepResult{},
	}
}

// env is the expression environment: choice conditions and config
// templates see params, state, and steps.
func (c *Context) env() map[string]any {
	steps := make(map[string]any, len(c.StepResults))
	for name, result := range c.StepResults {
		steps[name] = map[string]any{
			"status": string(result.Status),
			"output": result.Output,
			"error":  result.Error,
		}
	}
	return map[string]any{
		"params": c.Params,
		"state":  c.State,
		"steps":  steps,
	}
}

// record stores a step result and merges its output into state.
func (c *Context) record(stepName string, result StepResult) {
	c.StepResults[stepName] = result
	if result.Status == StepOK && result.Output != nil {
		c.State[stepName] = result.Output
	}
}

// Outcome is the terminal summary of one workflow execution.
type Outcome struct {
	Status         Status                `json:"status"`
	StepResults    map[string]StepResult `json:"step_results"`
	CompletedSteps []string              `json:"completed_steps"`
	FailedSteps    []string              `json:"failed_steps"`
	SkippedSteps   []string              `json:"skipped_steps"`
	State          map[string]any        `json:"state,omitempty"`
	Error          string                `json:"error,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    time.Time             `json:"completed_at"`
}

// AsResult flattens the outcome into a run result map.
func (o *Outcome) AsResult() map[string]any {
	steps := make(map[string]any, len(o.StepResults))
	for name, result := range o.StepResults {
		steps[name] = result
	}
	result := map[string]any{
		"status":          string(o.Status),
		"completed_steps": o.CompletedSteps,
		"failed_steps":    o.FailedSteps,
		"skipped_steps":   o.SkippedSteps,
		"steps":           steps,
	}
	if o.Error != "" {
		result["error"] = o.Error
	}
	return result
}
