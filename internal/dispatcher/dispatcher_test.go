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

package dispatcher

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/executor"
	"github.com/skilbeck/baton/internal/guard"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/ledger/sqlite"
	"github.com/skilbeck/baton/internal/registry"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// harness wires a dispatcher over a real executor pool and an
// in-memory store. Tests drive the full submit-to-terminal path.
type harness struct {
	dispatcher *Dispatcher
	store      *sqlite.Store
	registry   *registry.Registry
	pool       *executor.Pool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	store, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	events := bus.NewMemory()
	t.Cleanup(func() { events.Close() })

	reg := registry.New()
	pool := executor.New(store, reg, events, executor.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	d, err := New(store, reg, pool, events, opts...)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	pool.SetRetrier(d)
	pool.Start()

	return &harness{dispatcher: d, store: store, registry: reg, pool: pool}
}

func (h *harness) registerTask(t *testing.T, name string, handler registry.Handler) {
	t.Helper()
	if err := h.registry.Register(registry.Entry{
		Kind:    work.KindTask,
		Name:    name,
		Handler: handler,
	}); err != nil {
		t.Fatalf("failed to register task: %v", err)
	}
}

func addHandler(ctx context.Context, params map[string]any) (map[string]any, error) {
	a, _ := params["a"].(float64)
	b, _ := params["b"].(float64)
	return map[string]any{"a": a, "b": b, "result": a + b}, nil
}

func waitTerminal(t *testing.T, h *harness, runID string) work.Status {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if run.Status.Terminal() {
			return run.Status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return ""
}

func TestSubmitAndComplete(t *testing.T) {
	h := newHarness(t)
	h.registerTask(t, "add", addHandler)
	ctx := context.Background()

	runID, err := h.dispatcher.SubmitTask(ctx, "add", map[string]any{"a": 3.0, "b": 7.0})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	run, err := h.dispatcher.AwaitTerminal(ctx, runID)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if run.Status != work.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (error: %s)", run.Status, run.Error)
	}
	if got := run.Result["result"]; got != 10.0 {
		t.Errorf("result = %v, want 10", got)
	}
	if run.Error != "" {
		t.Errorf("completed run carries error %q", run.Error)
	}

	events, _, err := h.dispatcher.GetRunEvents(ctx, runID, ledger.Page{})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	want := []string{work.EventRunCreated, work.EventRunStarted, work.EventRunCompleted}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, eventType := range want {
		if events[i].Type != eventType {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, eventType)
		}
	}
}

func TestSubmitUnknownNameCreatesNoRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.dispatcher.SubmitTask(ctx, "nope", nil)
	if !batonerrors.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}

	page, err := h.store.ListRuns(ctx, ledger.RunFilter{}, ledger.Page{}, ledger.SortCreatedDesc)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("validation failure created %d runs", page.Total)
	}
}

func TestIdempotencyKeyReturnsActiveRun(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.registerTask(t, "slow", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	ctx := context.Background()

	spec := work.NewSpec(work.KindTask, "slow", nil)
	spec.IdempotencyKey = "once"
	first, err := h.dispatcher.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	second, err := h.dispatcher.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if second != first {
		t.Errorf("duplicate submission created run %s, want %s", second, first)
	}

	close(release)
	waitTerminal(t, h, first)

	// Once the holder is terminal the key is free again.
	third, err := h.dispatcher.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("post-terminal submit failed: %v", err)
	}
	if third == first {
		t.Error("terminal run still holds the idempotency key")
	}
}

func TestFailingTaskRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.registerTask(t, "fail", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		msg, _ := params["message"].(string)
		return nil, errors.New(msg)
	})
	ctx := context.Background()

	spec := work.NewSpec(work.KindTask, "fail", map[string]any{"message": "x"})
	spec.MaxRetries = 2
	spec.RetryDelaySeconds = 0 // immediate retries keep the test fast
	runID, err := h.dispatcher.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// The original fails, two retries fail, and the final attempt is
	// dead lettered.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		page, err := h.store.ListDeadLetters(ctx, ledger.DeadLetterFilter{}, ledger.Page{})
		if err != nil {
			t.Fatalf("failed to list dead letters: %v", err)
		}
		if page.Total > 0 {
			letter := page.Letters[0]
			if letter.Workflow != "fail" {
				t.Errorf("dead letter workflow = %s, want fail", letter.Workflow)
			}
			if !strings.Contains(letter.Error, "x") {
				t.Errorf("dead letter error = %q, want it to contain %q", letter.Error, "x")
			}
			if letter.RetryCount != 2 {
				t.Errorf("dead letter retry count = %d, want 2", letter.RetryCount)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	run, _ := h.store.GetRun(ctx, runID)
	t.Fatalf("no dead letter captured; original run status %s", run.Status)
}

func TestRetryLineage(t *testing.T) {
	h := newHarness(t)
	h.registerTask(t, "flaky", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	ctx := context.Background()

	spec := work.NewSpec(work.KindTask, "flaky", nil)
	spec.MaxRetries = 3
	spec.RetryDelaySeconds = 3600 // park auto-retry; this test drives Retry directly
	runID, err := h.dispatcher.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitTerminal(t, h, runID)

	newID, err := h.dispatcher.Retry(ctx, runID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if newID == runID {
		t.Fatal("retry returned the original run id")
	}

	newRun, err := h.store.GetRun(ctx, newID)
	if err != nil {
		t.Fatalf("failed to get retried run: %v", err)
	}
	if newRun.Spec.ParentRunID != runID {
		t.Errorf("parent run id = %s, want %s", newRun.Spec.ParentRunID, runID)
	}
	if newRun.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", newRun.RetryCount)
	}
	if newRun.Spec.TriggerSource != "retry" {
		t.Errorf("trigger source = %s, want retry", newRun.Spec.TriggerSource)
	}
}

func TestRetryRejectedForCompletedRun(t *testing.T) {
	h := newHarness(t)
	h.registerTask(t, "add", addHandler)
	ctx := context.Background()

	runID, err := h.dispatcher.SubmitTask(ctx, "add", map[string]any{"a": 1.0, "b": 2.0})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitTerminal(t, h, runID)

	if _, err := h.dispatcher.Retry(ctx, runID); !batonerrors.IsValidation(err) {
		t.Errorf("retry of completed run: err = %v, want validation error", err)
	}
}

func TestCancelPendingRun(t *testing.T) {
	h := newHarness(t)
	// A slow occupant per worker keeps later submissions queued.
	block := make(chan struct{})
	h.registerTask(t, "occupy", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	})
	h.registerTask(t, "target", addHandler)
	ctx := context.Background()

	for i := 0; i < executor.DefaultWorkers; i++ {
		if _, err := h.dispatcher.SubmitTask(ctx, "occupy", nil); err != nil {
			t.Fatalf("occupy submit failed: %v", err)
		}
	}

	runID, err := h.dispatcher.SubmitTask(ctx, "target", nil)
	if err != nil {
		t.Fatalf("target submit failed: %v", err)
	}

	ok, err := h.dispatcher.Cancel(ctx, runID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !ok {
		t.Fatal("cancel of pending run returned false")
	}
	close(block)

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != work.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", run.Status)
	}
}

func TestCancelTerminalRunIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.registerTask(t, "add", addHandler)
	ctx := context.Background()

	runID, err := h.dispatcher.SubmitTask(ctx, "add", nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitTerminal(t, h, runID)

	ok, err := h.dispatcher.Cancel(ctx, runID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if ok {
		t.Error("cancel of terminal run returned true")
	}
}

func TestSubmitSyncReturnsOutput(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.Register(registry.Entry{
		Kind: work.KindOperation,
		Name: "double",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			n, _ := params["n"].(float64)
			return map[string]any{"n": n * 2}, nil
		},
	}); err != nil {
		t.Fatalf("failed to register operation: %v", err)
	}

	outcome, err := h.dispatcher.SubmitOperationSync(context.Background(), "double", map[string]any{"n": 4.0}, "", "")
	if err != nil {
		t.Fatalf("sync submit failed: %v", err)
	}
	if outcome.Status != work.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", outcome.Status)
	}
	if got := outcome.Output["n"]; got != 8.0 {
		t.Errorf("output n = %v, want 8", got)
	}
}

// lockTable is a static LockTemplates for tests.
type lockTable map[string]string

func (l lockTable) LockTemplate(kind work.Kind, name string) string {
	return l[string(kind)+":"+name]
}

func TestLockContentionRejectsSubmission(t *testing.T) {
	templates := lockTable{"task:exclusive": "etl-{params.region}"}
	h := newHarnessWithGuard(t, templates)

	release := make(chan struct{})
	h.registerTask(t, "exclusive", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	ctx := context.Background()

	first, err := h.dispatcher.SubmitTask(ctx, "exclusive", map[string]any{"region": "eu"})
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	_, err = h.dispatcher.SubmitTask(ctx, "exclusive", map[string]any{"region": "eu"})
	if !batonerrors.IsLockContention(err) {
		t.Fatalf("err = %v, want lock contention", err)
	}

	// A different key value does not contend.
	if _, err := h.dispatcher.SubmitTask(ctx, "exclusive", map[string]any{"region": "us"}); err != nil {
		t.Fatalf("different-region submit failed: %v", err)
	}

	close(release)
	waitTerminal(t, h, first)

	// The lock releases on the terminal event; eventually a new
	// submission succeeds.
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := h.dispatcher.SubmitTask(ctx, "exclusive", map[string]any{"region": "eu"})
		if err == nil {
			break
		}
		if !batonerrors.IsLockContention(err) {
			t.Fatalf("unexpected error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("lock never released after run completed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func newHarnessWithGuard(t *testing.T, templates LockTemplates) *harness {
	t.Helper()

	store, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	events := bus.NewMemory()
	t.Cleanup(func() { events.Close() })

	reg := registry.New()
	pool := executor.New(store, reg, events, executor.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	g := guard.New(store)
	d, err := New(store, reg, pool, events, WithGuard(g, templates, time.Minute))
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	pool.SetRetrier(d)
	pool.Start()

	return &harness{dispatcher: d, store: store, registry: reg, pool: pool}
}
