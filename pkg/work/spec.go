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

// Package work defines the uniform work contract: one spec shape that
// describes a task, an operation, or a workflow run, plus the run status
// lifecycle and the result envelope handlers may return.
package work

import (
	"fmt"

	"github.com/skilbeck/baton/pkg/errors"
)

// Kind identifies which class of registered handler a spec resolves to.
type Kind string

const (
	// KindTask is leaf compute: a single handler invocation.
	KindTask Kind = "task"

	// KindOperation is a composable unit, dispatchable standalone or as a
	// workflow step.
	KindOperation Kind = "operation"

	// KindWorkflow is a DAG of steps executed by the workflow runner.
	KindWorkflow Kind = "workflow"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindTask || k == KindOperation || k == KindWorkflow
}

// Priority influences which lane a spec lands in when no lane is given.
type Priority string

const (
	PriorityRealtime Priority = "realtime"
	PriorityHigh     Priority = "high"
	PriorityDefault  Priority = "default"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityRealtime, PriorityHigh, PriorityDefault, PriorityLow:
		return true
	}
	return false
}

// Default values applied by NewSpec. Explicit zero values set by callers
// are respected; the constructor is the only place defaults appear.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 5
	DefaultLane              = "default"
)

// Spec is the uniform description of one unit of work. The dispatcher
// validates it, the ledger denormalises it onto the run record, and the
// executor runs it.
type Spec struct {
	// Kind selects the registry namespace (task, operation, workflow).
	Kind Kind `json:"kind" yaml:"kind"`

	// Name resolves against the registry within Kind.
	Name string `json:"name" yaml:"name"`

	// Params are the handler inputs.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Priority selects a lane when Lane is empty.
	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Lane names the executor queue this spec is bound to.
	Lane string `json:"lane,omitempty" yaml:"lane,omitempty"`

	// IdempotencyKey deduplicates submissions while a prior run with the
	// same key is still active.
	IdempotencyKey string `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`

	// MaxRetries bounds automatic re-submission after failure.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryDelaySeconds is the base of the retry backoff curve.
	RetryDelaySeconds int `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`

	// TimeoutSeconds bounds wall-clock execution; zero means the executor
	// default applies.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// TriggerSource records provenance: cli, api, scheduler, webhook,
	// retry, dlq_replay.
	TriggerSource string `json:"trigger_source,omitempty" yaml:"trigger_source,omitempty"`

	// CorrelationID links runs that belong to one logical flow.
	CorrelationID string `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`

	// ParentRunID links retries and workflow-step runs to their parent.
	ParentRunID string `json:"parent_run_id,omitempty" yaml:"parent_run_id,omitempty"`

	// Metadata carries opaque labels for filtering and routing.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewSpec builds a spec with defaults applied: default priority, the lane
// derived from priority, and the standard retry budget.
func NewSpec(kind Kind, name string, params map[string]any) Spec {
	return Spec{
		Kind:              kind,
		Name:              name,
		Params:            params,
		Priority:          PriorityDefault,
		Lane:              DefaultLane,
		MaxRetries:        DefaultMaxRetries,
		RetryDelaySeconds: DefaultRetryDelaySeconds,
	}
}

// Normalize fills derivable fields on a spec that arrived from the wire:
// priority defaults, and the lane is derived from priority when unset.
func (s *Spec) Normalize() {
	if s.Priority == "" {
		s.Priority = PriorityDefault
	}
	if s.Lane == "" {
		s.Lane = LaneFor(s.Priority)
	}
	if s.RetryDelaySeconds <= 0 {
		s.RetryDelaySeconds = DefaultRetryDelaySeconds
	}
}

// LaneFor maps a priority to its conventional lane name.
func LaneFor(p Priority) string {
	switch p {
	case PriorityRealtime:
		return "realtime"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return DefaultLane
	}
}

// Validate checks structural invariants. Registry resolution is the
// dispatcher's job; this only rejects specs that can never be valid.
func (s *Spec) Validate() error {
	if !s.Kind.Valid() {
		return &errors.ValidationError{
			Field:      "kind",
			Message:    fmt.Sprintf("unknown kind %q", s.Kind),
			Suggestion: "use task, operation, or workflow",
		}
	}
	if s.Name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "name is required",
		}
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return &errors.ValidationError{
			Field:      "priority",
			Message:    fmt.Sprintf("unknown priority %q", s.Priority),
			Suggestion: "use realtime, high, default, or low",
		}
	}
	if s.MaxRetries < 0 {
		return &errors.ValidationError{
			Field:   "max_retries",
			Message: "must not be negative",
		}
	}
	if s.RetryDelaySeconds < 0 {
		return &errors.ValidationError{
			Field:   "retry_delay_seconds",
			Message: "must not be negative",
		}
	}
	if s.TimeoutSeconds < 0 {
		return &errors.ValidationError{
			Field:   "timeout_seconds",
			Message: "must not be negative",
		}
	}
	return nil
}
