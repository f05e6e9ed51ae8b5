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

// Package workflows loads YAML workflow definitions from a directory
// into the registry and keeps them current. Each definition registers a
// kind=workflow handler that drives the runner; a file watcher reloads
// definitions on change, so editing a workflow never needs a daemon
// restart.
package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/skilbeck/baton/internal/executor"
	"github.com/skilbeck/baton/internal/registry"
	"github.com/skilbeck/baton/internal/runner"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
	"github.com/skilbeck/baton/pkg/workflow"
)

// DefinitionPattern matches workflow files anywhere under the loaded
// directory.
const DefinitionPattern = "**/*.{yaml,yml}"

// Loader owns the definition table. Handlers registered by the loader
// resolve their definition at execution time, so a reload takes effect
// for runs submitted afterwards without touching queued ones.
type Loader struct {
	reg    *registry.Registry
	runner *runner.Runner
	logger *slog.Logger

	mu    sync.RWMutex
	defs  map[string]*workflow.Definition // by workflow name
	files map[string]string               // file path -> workflow name

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a loader.
func New(reg *registry.Registry, r *runner.Runner) *Loader {
	return &Loader{
		reg:    reg,
		runner: r,
		logger: slog.Default().With(slog.String("component", "workflows")),
		defs:   make(map[string]*workflow.Definition),
		files:  make(map[string]string),
	}
}

// LoadDir loads every definition under dir. Files that fail to parse or
// validate are logged and skipped; one broken file must not take down
// the rest of the directory. Returns the number of definitions loaded.
func (l *Loader) LoadDir(dir string) (int, error) {
	pattern := filepath.Join(dir, DefinitionPattern)
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return 0, &batonerrors.ConfigError{
			Key:    "workflows.dir",
			Reason: fmt.Sprintf("bad glob %q", pattern),
			Cause:  err,
		}
	}

	loaded := 0
	for _, path := range paths {
		if err := l.LoadFile(path); err != nil {
			l.logger.Warn("skipping workflow file",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		loaded++
	}
	l.logger.Info("workflow directory loaded",
		slog.String("dir", dir),
		slog.Int("loaded", loaded),
		slog.Int("skipped", len(paths)-loaded))
	return loaded, nil
}

// LoadFile loads or reloads one definition file. A name collision with
// a definition from a different file is rejected; the first file keeps
// the name.
func (l *Loader) LoadFile(path string) error {
	def, err := workflow.LoadFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prior, ok := l.files[path]; ok && prior != def.Name {
		// The file was renamed inside: drop the old registration.
		l.removeLocked(path, prior)
	}
	for otherPath, name := range l.files {
		if name == def.Name && otherPath != path {
			return &batonerrors.ValidationError{
				Field:   "name",
				Message: fmt.Sprintf("workflow %q already defined in %s", def.Name, otherPath),
			}
		}
	}

	fresh := l.defs[def.Name] == nil
	l.defs[def.Name] = def
	l.files[path] = def.Name

	// Replace, not Register: reloads are the normal case.
	l.reg.Replace(registry.Entry{
		Kind:        work.KindWorkflow,
		Name:        def.Name,
		Description: def.Description,
		Handler:     l.handler(def.Name),
	})

	verb := "reloaded"
	if fresh {
		verb = "loaded"
	}
	l.logger.Info("workflow "+verb,
		slog.String("workflow", def.Name),
		slog.String("version", def.Version),
		slog.String("path", path),
		slog.Int("steps", len(def.Steps)))
	return nil
}

// Remove drops the definition loaded from path, if any.
func (l *Loader) Remove(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name, ok := l.files[path]; ok {
		l.removeLocked(path, name)
		l.logger.Info("workflow removed",
			slog.String("workflow", name),
			slog.String("path", path))
	}
}

func (l *Loader) removeLocked(path, name string) {
	delete(l.files, path)
	delete(l.defs, name)
	l.reg.Deregister(work.KindWorkflow, name)
}

// Get returns a loaded definition by name.
func (l *Loader) Get(name string) (*workflow.Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	return def, ok
}

// List returns the loaded definitions, ordered by the registry.
func (l *Loader) List() []*workflow.Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*workflow.Definition, 0, len(l.defs))
	for _, e := range l.reg.List(work.KindWorkflow) {
		if def, ok := l.defs[e.Name]; ok {
			out = append(out, def)
		}
	}
	return out
}

// LockTemplate implements the dispatcher's concurrency-guard lookup:
// the lock_key template declared by a loaded workflow, empty for
// everything else.
func (l *Loader) LockTemplate(kind work.Kind, name string) string {
	if kind != work.KindWorkflow {
		return ""
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if def, ok := l.defs[name]; ok {
		return def.LockKey
	}
	return ""
}

// handler builds the registry closure for one workflow name. The
// definition is looked up per execution so reloads apply.
func (l *Loader) handler(name string) registry.Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		def, ok := l.Get(name)
		if !ok {
			return nil, &batonerrors.ConfigError{
				Key:    "workflow",
				Reason: fmt.Sprintf("definition %q is no longer loaded", name),
			}
		}

		opts := runner.Options{}
		if meta, ok := executor.RunMetaFromContext(ctx); ok {
			opts.RunID = meta.RunID
			opts.CorrelationID = meta.CorrelationID
		}

		outcome, err := l.runner.Execute(ctx, def, params, opts)
		if err != nil {
			return nil, err
		}

		switch outcome.Status {
		case runner.StatusFailed:
			return outcome.AsResult(), &batonerrors.InternalError{
				Op:      "workflow",
				Message: fmt.Sprintf("workflow %s failed: %s", name, outcome.Error),
			}
		case runner.StatusCancelled:
			return outcome.AsResult(), context.Canceled
		default:
			// COMPLETED and PARTIAL both complete the run; the outcome
			// records which steps failed.
			return outcome.AsResult(), nil
		}
	}
}

// Watch reloads definitions as files under dir change, until ctx ends.
// Subdirectories present at start, and ones created later, are watched
// too.
func (l *Loader) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting workflow watcher: %w", err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})

	if err := l.watchTree(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer close(l.done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				l.handleEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("workflow watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

// Stop waits for the watch loop started by Watch to exit. Callers
// cancel the watch context first.
func (l *Loader) Stop() {
	if l.done != nil {
		<-l.done
	}
}

func (l *Loader) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		l.Remove(event.Name)
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := l.watcher.Add(event.Name); err != nil {
				l.logger.Warn("cannot watch new directory",
					slog.String("path", event.Name),
					slog.String("error", err.Error()))
			}
			return
		}
		if !matchesPattern(event.Name) {
			return
		}
		if err := l.LoadFile(event.Name); err != nil {
			l.logger.Warn("workflow reload failed",
				slog.String("path", event.Name),
				slog.String("error", err.Error()))
		}
	}
}

func matchesPattern(path string) bool {
	ok, err := doublestar.Match(DefinitionPattern, filepath.ToSlash(path))
	if err != nil {
		return false
	}
	return ok
}
