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
	"strings"
	"testing"
	"time"
)

const filingWorkflowYAML = `
name: filing-pipeline
version: "1.2"
error_policy: stop
lock_key: "filing-{params.ticker}"
steps:
  - name: classify
    type: operation
    target: filings.classify
    config:
      ticker: "${params.ticker}"
  - name: route
    type: choice
    condition: state.classify.is_annual
    then: annual
    else: quarterly
  - name: annual
    type: operation
    target: filings.annual
  - name: quarterly
    type: operation
    target: filings.quarterly
  - name: store
    type: operation
    target: filings.store
    depends_on: [classify]
`

func TestParseWorkflow(t *testing.T) {
	def, err := Parse([]byte(filingWorkflowYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if def.Name != "filing-pipeline" {
		t.Errorf("name = %s", def.Name)
	}
	if def.Version != "1.2" {
		t.Errorf("version = %s", def.Version)
	}
	if def.LockKey != "filing-{params.ticker}" {
		t.Errorf("lock key = %s", def.LockKey)
	}
	if len(def.Steps) != 5 {
		t.Fatalf("got %d steps, want 5", len(def.Steps))
	}
	if def.Steps[1].Type != StepChoice {
		t.Errorf("step 1 type = %s, want choice", def.Steps[1].Type)
	}
	if def.Steps[1].Then != "annual" || def.Steps[1].Else != "quarterly" {
		t.Errorf("choice targets = %s/%s", def.Steps[1].Then, def.Steps[1].Else)
	}
	if def.ExecutionPolicy != ExecSequential {
		t.Errorf("execution policy defaulted to %s", def.ExecutionPolicy)
	}
}

func TestStepIndex(t *testing.T) {
	def, err := Parse([]byte(filingWorkflowYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if i := def.StepIndex("quarterly"); i != 3 {
		t.Errorf("StepIndex(quarterly) = %d, want 3", i)
	}
	if i := def.StepIndex("missing"); i != -1 {
		t.Errorf("StepIndex(missing) = %d, want -1", i)
	}
}

func TestValidateRejections(t *testing.T) {
	later := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		def     Definition
		wantMsg string
	}{
		{
			name:    "missing name",
			def:     Definition{},
			wantMsg: "workflow name is required",
		},
		{
			name: "duplicate step names",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "a", Type: StepWait, WaitSeconds: 1},
				{Name: "a", Type: StepWait, WaitSeconds: 1},
			}},
			wantMsg: "duplicate step name",
		},
		{
			name: "backward branch target",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "first", Type: StepWait, WaitSeconds: 1},
				{Name: "decide", Type: StepChoice, Condition: "true", Then: "first"},
			}},
			wantMsg: "invalid_branch_target",
		},
		{
			name: "unknown branch target",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "decide", Type: StepChoice, Condition: "true", Then: "ghost"},
			}},
			wantMsg: "invalid_branch_target",
		},
		{
			name: "choice with no targets",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "decide", Type: StepChoice, Condition: "true"},
			}},
			wantMsg: "invalid_branch_target",
		},
		{
			name: "wait with both fields",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "pause", Type: StepWait, WaitSeconds: 5, Until: &later},
			}},
			wantMsg: "exactly one",
		},
		{
			name: "wait with neither field",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "pause", Type: StepWait},
			}},
			wantMsg: "exactly one",
		},
		{
			name: "map without iterator",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "fan", Type: StepMap, ItemsKey: "items"},
			}},
			wantMsg: "iterator",
		},
		{
			name: "forward depends_on",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "a", Type: StepWait, WaitSeconds: 1, DependsOn: []string{"b"}},
				{Name: "b", Type: StepWait, WaitSeconds: 1},
			}},
			wantMsg: "not declared before",
		},
		{
			name: "operation without target",
			def: Definition{Name: "w", Steps: []Step{
				{Name: "op", Type: StepOperation},
			}},
			wantMsg: "target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestValidateAcceptsEmptyWorkflow(t *testing.T) {
	def := Definition{Name: "empty"}
	def.Normalize()
	if err := def.Validate(); err != nil {
		t.Fatalf("empty workflow rejected: %v", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, BackoffBaseSeconds: 1, BackoffMultiplier: 2}
	wants := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wants {
		if got := policy.Delay(i + 1); got != want {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, want)
		}
	}

	if got := (RetryPolicy{MaxAttempts: 3}).Delay(2); got != 0 {
		t.Errorf("zero-base delay = %v, want 0", got)
	}
}
