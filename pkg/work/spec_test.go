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

package work

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNewSpecDefaults(t *testing.T) {
	spec := NewSpec(KindTask, "add", map[string]any{"a": 1})

	if spec.Priority != PriorityDefault {
		t.Errorf("Priority = %q, want %q", spec.Priority, PriorityDefault)
	}
	if spec.Lane != DefaultLane {
		t.Errorf("Lane = %q, want %q", spec.Lane, DefaultLane)
	}
	if spec.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", spec.MaxRetries, DefaultMaxRetries)
	}
	if spec.RetryDelaySeconds != DefaultRetryDelaySeconds {
		t.Errorf("RetryDelaySeconds = %d, want %d", spec.RetryDelaySeconds, DefaultRetryDelaySeconds)
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr bool
	}{
		{"valid", func(s *Spec) {}, false},
		{"unknown kind", func(s *Spec) { s.Kind = "job" }, true},
		{"empty name", func(s *Spec) { s.Name = "" }, true},
		{"unknown priority", func(s *Spec) { s.Priority = "urgent" }, true},
		{"negative retries", func(s *Spec) { s.MaxRetries = -1 }, true},
		{"negative delay", func(s *Spec) { s.RetryDelaySeconds = -2 }, true},
		{"negative timeout", func(s *Spec) { s.TimeoutSeconds = -1 }, true},
		{"empty priority allowed", func(s *Spec) { s.Priority = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := NewSpec(KindOperation, "etl", nil)
			tt.mutate(&spec)
			err := spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpecNormalize(t *testing.T) {
	tests := []struct {
		priority Priority
		wantLane string
	}{
		{PriorityRealtime, "realtime"},
		{PriorityHigh, "high"},
		{PriorityDefault, "default"},
		{PriorityLow, "low"},
		{"", "default"},
	}

	for _, tt := range tests {
		spec := Spec{Kind: KindTask, Name: "t", Priority: tt.priority}
		spec.Normalize()
		if spec.Lane != tt.wantLane {
			t.Errorf("priority %q: Lane = %q, want %q", tt.priority, spec.Lane, tt.wantLane)
		}
	}

	// An explicit lane survives normalisation.
	spec := Spec{Kind: KindTask, Name: "t", Priority: PriorityLow, Lane: "bulk"}
	spec.Normalize()
	if spec.Lane != "bulk" {
		t.Errorf("explicit lane overwritten: got %q", spec.Lane)
	}
}

func TestSpecJSONRoundTrip(t *testing.T) {
	original := NewSpec(KindWorkflow, "quarterly-etl", map[string]any{
		"tenant": "acme",
		"limit":  float64(25),
	})
	original.IdempotencyKey = "etl-acme-2026q2"
	original.TriggerSource = "scheduler"
	original.CorrelationID = NewID()
	original.Metadata = map[string]any{"team": "data"}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Spec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !reflect.DeepEqual(original, decoded) {
		t.Errorf("round trip mismatch:\n  original: %+v\n  decoded:  %+v", original, decoded)
	}
}

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusFailed, StatusDeadLettered},
	}
	illegal := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusCompleted, StatusRunning},
		{StatusCancelled, StatusRunning},
		{StatusDeadLettered, StatusFailed},
		{StatusCompleted, StatusDeadLettered},
		{StatusRunning, StatusPending},
	}

	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", e.from, e.to)
		}
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", e.from, e.to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Error("active statuses reported terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLettered} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}
	if !StatusPending.Active() || !StatusRunning.Active() {
		t.Error("PENDING and RUNNING should be active")
	}
}

func TestNewIDSortable(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Fatal("consecutive IDs collided")
	}
	// V7 IDs embed a timestamp, so IDs minted later never sort earlier.
	if b < a {
		t.Errorf("IDs not time-ordered: %s then %s", a, b)
	}
}
