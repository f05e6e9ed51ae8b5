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

// Package registry maps (kind, name) pairs to executable handlers. The
// dispatcher resolves every accepted spec through it, so a name that is
// not registered here fails validation before anything is persisted as
// RUNNING.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// Handler executes one unit of work. Params are the spec's params after
// validation; the returned map becomes the run's result.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Entry describes one registered handler.
type Entry struct {
	Kind        work.Kind `json:"kind"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Handler     Handler   `json:"-"`
}

// Registry is a concurrent-safe handler table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

func key(kind work.Kind, name string) string {
	return string(kind) + ":" + name
}

// Register adds a handler. Registering the same (kind, name) twice is an
// error: silent replacement would make dispatch behaviour depend on
// package init order.
func (r *Registry) Register(e Entry) error {
	if !e.Kind.Valid() {
		return &batonerrors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown kind %q", e.Kind),
		}
	}
	if e.Name == "" {
		return &batonerrors.ValidationError{Field: "name", Message: "name is required"}
	}
	if e.Handler == nil {
		return &batonerrors.ValidationError{
			Field:   "handler",
			Message: fmt.Sprintf("nil handler for %s %q", e.Kind, e.Name),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(e.Kind, e.Name)
	if _, exists := r.entries[k]; exists {
		return &batonerrors.AlreadyRegisteredError{Kind: string(e.Kind), Name: e.Name}
	}
	r.entries[k] = e
	return nil
}

// MustRegister panics on registration failure. For wiring builtins at
// startup, where a collision is a programming error.
func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Replace installs a handler whether or not one exists. Used by the
// workflow loader on file reloads.
func (r *Registry) Replace(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(e.Kind, e.Name)] = e
}

// Deregister removes a handler. Returns false when nothing was
// registered under the pair.
func (r *Registry) Deregister(kind work.Kind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(kind, name)
	if _, exists := r.entries[k]; !exists {
		return false
	}
	delete(r.entries, k)
	return true
}

// Resolve returns the handler entry for a (kind, name) pair. Unknown
// pairs report as validation failures with the registered names of that
// kind as a suggestion.
func (r *Registry) Resolve(kind work.Kind, name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[key(kind, name)]; ok {
		return e, nil
	}

	known := r.namesLocked(kind)
	suggestion := "register the handler before submitting work"
	if len(known) > 0 {
		suggestion = "known names: " + strings.Join(known, ", ")
	}
	return Entry{}, &batonerrors.ValidationError{
		Field:      "name",
		Message:    fmt.Sprintf("no %s registered as %q", kind, name),
		Suggestion: suggestion,
	}
}

// List returns entries of one kind, or all kinds when kind is empty,
// sorted by kind then name.
func (r *Registry) List(kind work.Kind) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Registry) namesLocked(kind work.Kind) []string {
	var names []string
	for _, e := range r.entries {
		if e.Kind == kind {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names
}
