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

package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/ledger/sqlite"
	"github.com/skilbeck/baton/internal/registry"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// createTestPool builds a pool over an in-memory store. Tests register
// their own handlers and call Start themselves.
func createTestPool(t *testing.T, cfg Config) (*Pool, *registry.Registry, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	events := bus.NewMemory()
	t.Cleanup(func() { events.Close() })

	reg := registry.New()
	pool := New(store, reg, events, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	return pool, reg, store
}

func createPendingRun(t *testing.T, store *sqlite.Store, spec work.Spec) *ledger.Run {
	t.Helper()

	run := &ledger.Run{
		ID:        work.NewID(),
		Spec:      spec,
		Status:    work.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func waitForStatus(t *testing.T, store *sqlite.Store, runID string, want work.Status) *ledger.Run {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	var last work.Status
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if run.Status == want {
			return run
		}
		last = run.Status
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %s, last status %s", runID, want, last)
	return nil
}

func eventTypes(t *testing.T, store *sqlite.Store, runID string) []string {
	t.Helper()

	events, _, err := store.ListEvents(context.Background(), runID, ledger.Page{})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestPool_ExecutesJob(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"echoed": params["message"]}, nil
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "echo", map[string]any{"message": "hello"})
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	final := waitForStatus(t, store, run.ID, work.StatusCompleted)
	if final.Result["echoed"] != "hello" {
		t.Errorf("expected result echoed=hello, got %v", final.Result)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("expected startedAt and completedAt to be set")
	}

	types := eventTypes(t, store, run.ID)
	want := []string{work.EventRunCreated, work.EventRunStarted, work.EventRunCompleted}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i, w := range want {
		if types[i] != w {
			t.Errorf("expected event %d to be %s, got %s", i, w, types[i])
		}
	}
}

func TestPool_NilOutputBecomesEmptyResult(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "quiet",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, nil
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "quiet", nil)
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	final := waitForStatus(t, store, run.ID, work.StatusCompleted)
	if final.Result == nil {
		t.Error("expected a non-nil result for a completed run")
	}
}

func TestPool_ValidationFailureNotRetried(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	retrier := &fakeRetrier{calls: make(chan string, 4)}
	pool.SetRetrier(retrier)
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "reject",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, &batonerrors.ValidationError{Field: "input", Message: "missing required field"}
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "reject", nil)
	spec.RetryDelaySeconds = 0
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	final := waitForStatus(t, store, run.ID, work.StatusFailed)
	if final.ErrorCategory != string(batonerrors.CategoryValidation) {
		t.Errorf("expected category VALIDATION, got %s", final.ErrorCategory)
	}
	if final.ErrorType != "ValidationError" {
		t.Errorf("expected error type ValidationError, got %s", final.ErrorType)
	}

	// Budget remains (0 of 3 used) but validation failures must not
	// retry or dead letter.
	select {
	case id := <-retrier.calls:
		t.Errorf("unexpected retry for run %s", id)
	case <-time.After(100 * time.Millisecond):
	}
	page, err := store.ListDeadLetters(context.Background(), ledger.DeadLetterFilter{}, ledger.Page{})
	if err != nil {
		t.Fatalf("failed to list dead letters: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("expected no dead letters, got %d", page.Total)
	}
}

type fakeRetrier struct {
	calls chan string
}

func (f *fakeRetrier) Retry(ctx context.Context, runID string) (string, error) {
	f.calls <- runID
	return work.NewID(), nil
}

func TestPool_RetrySchedulesThroughRetrier(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	retrier := &fakeRetrier{calls: make(chan string, 4)}
	pool.SetRetrier(retrier)
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "flaky",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, &batonerrors.TransientError{Op: "fetch", Message: "connection reset"}
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "flaky", nil)
	spec.MaxRetries = 1
	spec.RetryDelaySeconds = 0
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	waitForStatus(t, store, run.ID, work.StatusFailed)

	select {
	case id := <-retrier.calls:
		if id != run.ID {
			t.Errorf("expected retry for run %s, got %s", run.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a retry to be scheduled")
	}
}

func TestPool_DeadLetterAfterBudget(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "fail",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, &batonerrors.SourceError{Source: "edgar", StatusCode: 502, Message: "bad gateway"}
		},
	})
	pool.Start()

	// Third attempt of a maxRetries=2 run: budget exactly spent.
	spec := work.NewSpec(work.KindTask, "fail", map[string]any{"message": "x"})
	spec.MaxRetries = 2
	spec.RetryDelaySeconds = 0
	run := &ledger.Run{
		ID:         work.NewID(),
		Spec:       spec,
		Status:     work.StatusPending,
		RetryCount: 2,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	final := waitForStatus(t, store, run.ID, work.StatusDeadLettered)

	if final.ErrorCategory != string(batonerrors.CategorySource) {
		t.Errorf("expected category SOURCE, got %s", final.ErrorCategory)
	}
	if final.ErrorType != "SourceError" {
		t.Errorf("expected error type SourceError, got %s", final.ErrorType)
	}
	if !strings.Contains(final.Error, "bad gateway") {
		t.Errorf("expected error to mention bad gateway, got %q", final.Error)
	}

	page, err := store.ListDeadLetters(context.Background(), ledger.DeadLetterFilter{}, ledger.Page{})
	if err != nil {
		t.Fatalf("failed to list dead letters: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 dead letter, got %d", page.Total)
	}
	letter := page.Letters[0]
	if letter.RunID != run.ID {
		t.Errorf("expected dead letter for run %s, got %s", run.ID, letter.RunID)
	}
	if letter.Workflow != "fail" {
		t.Errorf("expected workflow fail, got %s", letter.Workflow)
	}
	if letter.RetryCount != 2 || letter.MaxRetries != 2 {
		t.Errorf("expected retry 2/2, got %d/%d", letter.RetryCount, letter.MaxRetries)
	}

	types := eventTypes(t, store, run.ID)
	want := []string{work.EventRunCreated, work.EventRunStarted, work.EventRunFailed, work.EventRunDeadLettered}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i, w := range want {
		if types[i] != w {
			t.Errorf("expected event %d to be %s, got %s", i, w, types[i])
		}
	}
}

func TestPool_TimeoutClassified(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{DefaultTimeout: 50 * time.Millisecond})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "slow",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "slow", nil)
	spec.MaxRetries = 0
	spec.RetryDelaySeconds = 0
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	final := waitForStatus(t, store, run.ID, work.StatusDeadLettered)
	if final.ErrorCategory != string(batonerrors.CategoryTimeout) {
		t.Errorf("expected category TIMEOUT, got %s", final.ErrorCategory)
	}
}

func TestPool_CancelRunning(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	started := make(chan struct{})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "block",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "block", nil)
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not start")
	}
	if !pool.Cancel(run.ID) {
		t.Fatal("expected cancel to find the running handler")
	}

	final := waitForStatus(t, store, run.ID, work.StatusCancelled)
	if final.CompletedAt == nil {
		t.Error("expected completedAt to be set on cancellation")
	}

	if pool.Cancel(run.ID) {
		t.Error("expected cancel of a finished run to return false")
	}
	if pool.Cancel("no-such-run") {
		t.Error("expected cancel of an unknown run to return false")
	}
}

func TestPool_HandlerIgnoringCancelCompletes(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "stubborn",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{"done": true}, nil
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "stubborn", nil)
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not start")
	}
	if !pool.Cancel(run.ID) {
		t.Fatal("expected cancel to find the running handler")
	}
	close(release)

	final := waitForStatus(t, store, run.ID, work.StatusCompleted)
	if final.Result["done"] != true {
		t.Errorf("expected result from the completed handler, got %v", final.Result)
	}
}

func TestPool_CancelledPendingSkipped(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
	})

	spec := work.NewSpec(work.KindTask, "echo", nil)
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	// Cancelled while queued, before any worker started.
	now := time.Now().UTC()
	if _, err := store.UpdateStatus(context.Background(), run.ID, work.StatusCancelled, ledger.StatusUpdate{
		CompletedAt: &now,
	}); err != nil {
		t.Fatalf("failed to cancel pending run: %v", err)
	}
	pool.Start()

	time.Sleep(100 * time.Millisecond)
	final, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if final.Status != work.StatusCancelled {
		t.Errorf("expected run to stay CANCELLED, got %s", final.Status)
	}
	for _, typ := range eventTypes(t, store, run.ID) {
		if typ == work.EventRunStarted {
			t.Error("expected no run.started event for a cancelled pending run")
		}
	}
}

func TestPool_PanicRecovered(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "explode",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			panic("boom")
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "explode", nil)
	spec.MaxRetries = 0
	spec.RetryDelaySeconds = 0
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	final := waitForStatus(t, store, run.ID, work.StatusDeadLettered)
	if final.ErrorCategory != string(batonerrors.CategoryInternal) {
		t.Errorf("expected category INTERNAL, got %s", final.ErrorCategory)
	}
	if !strings.Contains(final.Error, "panicked: boom") {
		t.Errorf("expected panic message in error, got %q", final.Error)
	}
}

func TestPool_UnresolvableAtExecutionIsConfigFailure(t *testing.T) {
	pool, _, store := createTestPool(t, Config{})
	pool.Start()

	// Nothing registered: resolvable at submit time in production, but
	// gone by the time the worker picks it up.
	spec := work.NewSpec(work.KindTask, "ghost", nil)
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	final := waitForStatus(t, store, run.ID, work.StatusFailed)
	if final.ErrorCategory != string(batonerrors.CategoryConfig) {
		t.Errorf("expected category CONFIG, got %s", final.ErrorCategory)
	}
	if !strings.Contains(final.Error, "ghost") {
		t.Errorf("expected error to name the missing handler, got %q", final.Error)
	}
}

func TestPool_UnknownLaneFallsBack(t *testing.T) {
	pool, reg, store := createTestPool(t, Config{Lanes: map[string]int{work.DefaultLane: 1}})
	reg.MustRegister(registry.Entry{
		Kind: work.KindTask,
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
	})
	pool.Start()

	spec := work.NewSpec(work.KindTask, "echo", nil)
	spec.Lane = "nonexistent"
	run := createPendingRun(t, store, spec)
	if err := pool.Enqueue(context.Background(), Job{RunID: run.ID, Spec: spec}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	waitForStatus(t, store, run.ID, work.StatusCompleted)
}

func TestPool_StopRejectsNewWork(t *testing.T) {
	pool, _, _ := createTestPool(t, Config{})
	pool.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}

	spec := work.NewSpec(work.KindTask, "echo", nil)
	err := pool.Enqueue(context.Background(), Job{RunID: work.NewID(), Spec: spec})
	if err == nil {
		t.Fatal("expected enqueue after stop to fail")
	}
}

func TestRetryBackoff(t *testing.T) {
	max := 5 * time.Minute
	tests := []struct {
		name       string
		base       int
		retryCount int
		want       time.Duration
	}{
		{"zero base is immediate", 0, 0, 0},
		{"first attempt uses base", 5, 0, 5 * time.Second},
		{"doubles per attempt", 5, 2, 20 * time.Second},
		{"caps at max", 60, 10, max},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := retryBackoff(tt.base, tt.retryCount, max)
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
