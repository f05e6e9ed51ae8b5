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

package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

func noop(ctx context.Context, params map[string]any) (map[string]any, error) {
	return nil, nil
}

func TestRegistry_RegisterResolve(t *testing.T) {
	r := New()

	if err := r.Register(Entry{Kind: work.KindTask, Name: "echo", Handler: noop}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	e, err := r.Resolve(work.KindTask, "echo")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if e.Name != "echo" || e.Kind != work.KindTask {
		t.Errorf("resolved wrong entry: %+v", e)
	}

	// Same name under a different kind is a distinct entry.
	if err := r.Register(Entry{Kind: work.KindWorkflow, Name: "echo", Handler: noop}); err != nil {
		t.Errorf("expected kind to namespace entries: %v", err)
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := New()

	if err := r.Register(Entry{Kind: work.KindTask, Name: "echo", Handler: noop}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	err := r.Register(Entry{Kind: work.KindTask, Name: "echo", Handler: noop})
	var already *batonerrors.AlreadyRegisteredError
	if !errors.As(err, &already) {
		t.Fatalf("expected already-registered error, got %v", err)
	}
	if already.Name != "echo" {
		t.Errorf("expected error to carry the name, got %+v", already)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := New()

	cases := []struct {
		name  string
		entry Entry
	}{
		{"bad kind", Entry{Kind: "job", Name: "x", Handler: noop}},
		{"empty name", Entry{Kind: work.KindTask, Handler: noop}},
		{"nil handler", Entry{Kind: work.KindTask, Name: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.Register(tc.entry); !batonerrors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := New()
	if err := r.Register(Entry{Kind: work.KindTask, Name: "echo", Handler: noop}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := r.Register(Entry{Kind: work.KindTask, Name: "sleep", Handler: noop}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	_, err := r.Resolve(work.KindTask, "ecoh")
	var validation *batonerrors.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(validation.Suggestion, "echo") || !strings.Contains(validation.Suggestion, "sleep") {
		t.Errorf("expected suggestion to list known names, got %q", validation.Suggestion)
	}
}

func TestRegistry_ReplaceAndDeregister(t *testing.T) {
	r := New()

	called := ""
	first := func(ctx context.Context, params map[string]any) (map[string]any, error) {
		called = "first"
		return nil, nil
	}
	second := func(ctx context.Context, params map[string]any) (map[string]any, error) {
		called = "second"
		return nil, nil
	}

	if err := r.Register(Entry{Kind: work.KindWorkflow, Name: "etl", Handler: first}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	r.Replace(Entry{Kind: work.KindWorkflow, Name: "etl", Handler: second})

	e, err := r.Resolve(work.KindWorkflow, "etl")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if _, err := e.Handler(context.Background(), nil); err != nil {
		t.Fatalf("handler errored: %v", err)
	}
	if called != "second" {
		t.Errorf("expected replacement handler to run, got %q", called)
	}

	if !r.Deregister(work.KindWorkflow, "etl") {
		t.Error("expected deregister to report true")
	}
	if r.Deregister(work.KindWorkflow, "etl") {
		t.Error("expected second deregister to report false")
	}
	if _, err := r.Resolve(work.KindWorkflow, "etl"); err == nil {
		t.Error("expected resolve to fail after deregister")
	}
}

func TestRegistry_List(t *testing.T) {
	r := New()
	for _, e := range []Entry{
		{Kind: work.KindTask, Name: "sleep", Handler: noop},
		{Kind: work.KindTask, Name: "echo", Handler: noop},
		{Kind: work.KindOperation, Name: "http.request", Handler: noop},
	} {
		if err := r.Register(e); err != nil {
			t.Fatalf("failed to register %s: %v", e.Name, err)
		}
	}

	tasks := r.List(work.KindTask)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Name != "echo" || tasks[1].Name != "sleep" {
		t.Errorf("expected sorted names, got %s, %s", tasks[0].Name, tasks[1].Name)
	}

	all := r.List("")
	if len(all) != 3 {
		t.Errorf("expected 3 entries total, got %d", len(all))
	}
}
