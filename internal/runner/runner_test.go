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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/dispatcher"
	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
	"github.com/skilbeck/baton/pkg/workflow"
)

// fakeRunnable satisfies the dispatcher facade with canned outcomes
// keyed by target name. Unknown targets complete with an echo of their
// params.
type fakeRunnable struct {
	mu       sync.Mutex
	calls    []string
	outcomes map[string]*dispatcher.StepOutcome
	failOnce map[string]int
}

func newFakeRunnable() *fakeRunnable {
	return &fakeRunnable{
		outcomes: map[string]*dispatcher.StepOutcome{},
		failOnce: map[string]int{},
	}
}

func (f *fakeRunnable) submit(name string, params map[string]any) (*dispatcher.StepOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)

	if remaining, ok := f.failOnce[name]; ok && remaining > 0 {
		f.failOnce[name] = remaining - 1
		return &dispatcher.StepOutcome{
			RunID:         work.NewID(),
			Status:        work.StatusFailed,
			Error:         "temporary outage",
			ErrorCategory: string(batonerrors.CategoryTransient),
		}, nil
	}
	if outcome, ok := f.outcomes[name]; ok {
		copied := *outcome
		copied.RunID = work.NewID()
		return &copied, nil
	}
	return &dispatcher.StepOutcome{
		RunID:  work.NewID(),
		Status: work.StatusCompleted,
		Output: map[string]any{"echo": params},
	}, nil
}

func (f *fakeRunnable) SubmitOperationSync(_ context.Context, name string, params map[string]any, _, _ string) (*dispatcher.StepOutcome, error) {
	return f.submit(name, params)
}

func (f *fakeRunnable) SubmitTaskSync(_ context.Context, name string, params map[string]any, _, _ string) (*dispatcher.StepOutcome, error) {
	return f.submit(name, params)
}

func (f *fakeRunnable) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call == name {
			n++
		}
	}
	return n
}

func mustParse(t *testing.T, yaml string) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return def
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) record(_ context.Context, event bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, event := range r.events {
		out[i] = event.Type
	}
	return out
}

func newTestRunner(t *testing.T, runnable Runnable) (*Runner, *eventRecorder) {
	t.Helper()
	events := bus.NewMemory()
	t.Cleanup(func() { events.Close() })

	recorder := &eventRecorder{}
	if _, err := events.Subscribe("*", recorder.record); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return New(runnable, events), recorder
}

func TestChoiceTakesThenBranchAndSkipsBetween(t *testing.T) {
	def := mustParse(t, `
name: filing-pipeline
steps:
  - name: classify
    type: operation
    target: filings.classify
  - name: route
    type: choice
    condition: state.classify.is_annual
    then: annual
    else: quarterly
  - name: quarterly
    type: operation
    target: filings.quarterly
  - name: annual
    type: operation
    target: filings.annual
`)

	runnable := newFakeRunnable()
	runnable.outcomes["filings.classify"] = &dispatcher.StepOutcome{
		Status: work.StatusCompleted,
		Output: map[string]any{"is_annual": true},
	}

	r, _ := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", outcome.Status)
	}
	if got := outcome.StepResults["quarterly"]; got.Status != StepSkipped || got.Reason != "branch_not_taken" {
		t.Errorf("quarterly = %+v, want skipped/branch_not_taken", got)
	}
	if got := outcome.StepResults["annual"]; got.Status != StepOK {
		t.Errorf("annual = %+v, want OK", got)
	}
	if runnable.callCount("filings.quarterly") != 0 {
		t.Error("skipped step was dispatched")
	}
}

func TestChoiceElseFallsThrough(t *testing.T) {
	def := mustParse(t, `
name: filing-pipeline
steps:
  - name: classify
    type: operation
    target: filings.classify
  - name: route
    type: choice
    condition: state.classify.is_annual
    then: annual
  - name: quarterly
    type: operation
    target: filings.quarterly
  - name: annual
    type: operation
    target: filings.annual
`)

	runnable := newFakeRunnable()
	runnable.outcomes["filings.classify"] = &dispatcher.StepOutcome{
		Status: work.StatusCompleted,
		Output: map[string]any{"is_annual": false},
	}

	r, _ := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	// No else target: fall through runs quarterly, then annual too.
	if outcome.StepResults["quarterly"].Status != StepOK {
		t.Errorf("quarterly = %+v, want OK", outcome.StepResults["quarterly"])
	}
	if outcome.StepResults["annual"].Status != StepOK {
		t.Errorf("annual = %+v, want OK", outcome.StepResults["annual"])
	}
}

func TestContinuePolicyYieldsPartial(t *testing.T) {
	def := mustParse(t, `
name: best-effort
error_policy: continue
steps:
  - name: good
    type: operation
    target: ops.good
  - name: bad
    type: operation
    target: ops.bad
  - name: also-good
    type: operation
    target: ops.good
`)

	runnable := newFakeRunnable()
	runnable.outcomes["ops.bad"] = &dispatcher.StepOutcome{
		Status:        work.StatusFailed,
		Error:         "boom",
		ErrorCategory: string(batonerrors.CategoryInternal),
	}

	r, _ := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusPartial {
		t.Errorf("status = %s, want PARTIAL", outcome.Status)
	}
	if len(outcome.CompletedSteps) != 2 || len(outcome.FailedSteps) != 1 {
		t.Errorf("completed=%v failed=%v", outcome.CompletedSteps, outcome.FailedSteps)
	}
	if outcome.StepResults["bad"].Error != "boom" {
		t.Errorf("bad error = %q", outcome.StepResults["bad"].Error)
	}
}

func TestStopPolicyFailsWorkflowAtFirstFailure(t *testing.T) {
	def := mustParse(t, `
name: strict-pipeline
error_policy: stop
steps:
  - name: bad
    type: operation
    target: ops.bad
  - name: never
    type: operation
    target: ops.good
`)

	runnable := newFakeRunnable()
	runnable.outcomes["ops.bad"] = &dispatcher.StepOutcome{
		Status: work.StatusFailed,
		Error:  "boom",
	}

	r, recorder := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", outcome.Status)
	}
	if runnable.callCount("ops.good") != 0 {
		t.Error("step after failure was dispatched under stop policy")
	}
	if outcome.Error == "" {
		t.Error("workflow error not set")
	}

	deadline := time.After(2 * time.Second)
	for {
		found := false
		for _, eventType := range recorder.types() {
			if eventType == work.EventWorkflowFailed {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workflow.failed never published; saw %v", recorder.types())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRetryPolicyRetriesTransientFailures(t *testing.T) {
	def := mustParse(t, `
name: flaky
steps:
  - name: fetch
    type: operation
    target: ops.flaky
    on_error: retry
    retry:
      max_attempts: 3
      backoff_base_seconds: 0.001
      backoff_multiplier: 1
`)

	runnable := newFakeRunnable()
	runnable.failOnce["ops.flaky"] = 2

	r, _ := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", outcome.Status)
	}
	if got := runnable.callCount("ops.flaky"); got != 3 {
		t.Errorf("dispatched %d times, want 3", got)
	}
	if outcome.StepResults["fetch"].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", outcome.StepResults["fetch"].Attempts)
	}
}

func TestRetryPolicyDoesNotRetryValidationFailures(t *testing.T) {
	def := mustParse(t, `
name: hopeless
steps:
  - name: fetch
    type: operation
    target: ops.invalid
    on_error: retry
    retry:
      max_attempts: 5
      backoff_base_seconds: 0.001
`)

	runnable := newFakeRunnable()
	runnable.outcomes["ops.invalid"] = &dispatcher.StepOutcome{
		Status:        work.StatusFailed,
		Error:         "bad ticker",
		ErrorCategory: string(batonerrors.CategoryValidation),
	}

	r, _ := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if got := runnable.callCount("ops.invalid"); got != 1 {
		t.Errorf("dispatched %d times, want 1 (VALIDATION is not retryable)", got)
	}
	if outcome.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", outcome.Status)
	}
}

func TestRetryExhaustionStrictEscalates(t *testing.T) {
	def := mustParse(t, `
name: strict-retry
steps:
  - name: fetch
    type: operation
    target: ops.down
    on_error: retry
    strict: true
    retry:
      max_attempts: 2
      backoff_base_seconds: 0.001
  - name: after
    type: operation
    target: ops.good
`)

	runnable := newFakeRunnable()
	runnable.failOnce["ops.down"] = 10

	r, _ := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED (strict retry exhaustion)", outcome.Status)
	}
	if runnable.callCount("ops.good") != 0 {
		t.Error("step after strict failure was dispatched")
	}
}

func TestRetryExhaustionNonStrictContinues(t *testing.T) {
	def := mustParse(t, `
name: lenient-retry
steps:
  - name: fetch
    type: operation
    target: ops.down
    on_error: retry
    retry:
      max_attempts: 2
      backoff_base_seconds: 0.001
  - name: after
    type: operation
    target: ops.good
`)

	runnable := newFakeRunnable()
	runnable.failOnce["ops.down"] = 10

	r, _ := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusPartial {
		t.Errorf("status = %s, want PARTIAL", outcome.Status)
	}
	if runnable.callCount("ops.good") != 1 {
		t.Error("workflow did not continue after non-strict retry exhaustion")
	}
}

func TestLambdaStepSeesContextAndState(t *testing.T) {
	def := mustParse(t, `
name: lambda-pipeline
steps:
  - name: seed
    type: operation
    target: ops.seed
  - name: derive
    type: lambda
    target: derive
    config:
      base: "${state.seed.value}"
`)

	runnable := newFakeRunnable()
	runnable.outcomes["ops.seed"] = &dispatcher.StepOutcome{
		Status: work.StatusCompleted,
		Output: map[string]any{"value": 21},
	}

	r, _ := newTestRunner(t, runnable)
	err := r.RegisterLambda("derive", func(_ context.Context, wc *Context, config map[string]any) (map[string]any, error) {
		base, _ := config["base"].(int)
		wc.State["note"] = "derived"
		return map[string]any{"doubled": base * 2}, nil
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	derived, ok := outcome.State["derive"].(map[string]any)
	if !ok {
		t.Fatalf("derive state = %T", outcome.State["derive"])
	}
	if derived["doubled"] != 42 {
		t.Errorf("doubled = %v, want 42", derived["doubled"])
	}
	if outcome.State["note"] != "derived" {
		t.Error("lambda state write lost")
	}
}

func TestLambdaPanicIsContained(t *testing.T) {
	def := mustParse(t, `
name: panicky
error_policy: continue
steps:
  - name: boom
    type: lambda
    target: boom
`)

	r, _ := newTestRunner(t, newFakeRunnable())
	if err := r.RegisterLambda("boom", func(context.Context, *Context, map[string]any) (map[string]any, error) {
		panic("lambda exploded")
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", outcome.Status)
	}
	result := outcome.StepResults["boom"]
	if result.Status != StepFail || result.Error == "" {
		t.Errorf("boom result = %+v", result)
	}
}

func TestUnregisteredLambdaFails(t *testing.T) {
	def := mustParse(t, `
name: missing-lambda
steps:
  - name: ghost
    type: lambda
    target: nope
`)

	r, _ := newTestRunner(t, newFakeRunnable())
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if outcome.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", outcome.Status)
	}
}

func TestMapFansOutAndPreservesOrder(t *testing.T) {
	def := mustParse(t, `
name: fan-out
steps:
  - name: process
    type: map
    items_key: tickers
    max_parallel: 3
    iterator:
      name: one
      type: lambda
      target: upper
`)

	var inFlight, peak atomic.Int32
	r, _ := newTestRunner(t, newFakeRunnable())
	err := r.RegisterLambda("upper", func(_ context.Context, _ *Context, config map[string]any) (map[string]any, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)

		item, _ := config["item"].(string)
		idx := config["item_index"]
		return map[string]any{"ticker": item, "index": idx}, nil
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	params := map[string]any{"tickers": []any{"aapl", "msft", "goog", "amzn", "nvda"}}
	outcome, err := r.Execute(context.Background(), def, params, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", outcome.Status)
	}
	results, ok := outcome.State["process"].([]any)
	if !ok {
		t.Fatalf("process state = %T, want []any", outcome.State["process"])
	}
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	for i, want := range []string{"aapl", "msft", "goog", "amzn", "nvda"} {
		entry, ok := results[i].(map[string]any)
		if !ok || entry["ticker"] != want {
			t.Errorf("results[%d] = %v, want ticker %s", i, results[i], want)
		}
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak parallelism %d exceeded max_parallel 3", p)
	}
}

func TestMapEmptyItemsCompletesWithNoIterations(t *testing.T) {
	def := mustParse(t, `
name: fan-out
steps:
  - name: process
    type: map
    items_key: tickers
    iterator:
      name: one
      type: operation
      target: ops.each
`)

	runnable := newFakeRunnable()
	r, _ := newTestRunner(t, runnable)
	outcome, err := r.Execute(context.Background(), def,
		map[string]any{"tickers": []any{}}, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", outcome.Status)
	}
	if runnable.callCount("ops.each") != 0 {
		t.Error("iterator dispatched for empty items")
	}
}

func TestMapNonSequenceItemsFails(t *testing.T) {
	def := mustParse(t, `
name: fan-out
steps:
  - name: process
    type: map
    items_key: tickers
    iterator:
      name: one
      type: operation
      target: ops.each
`)

	r, _ := newTestRunner(t, newFakeRunnable())
	outcome, err := r.Execute(context.Background(), def,
		map[string]any{"tickers": "not-a-list"}, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", outcome.Status)
	}
	if result := outcome.StepResults["process"]; result.Error == "" {
		t.Error("map failure carries no error message")
	}
}

func TestWaitStepHonorsCancellation(t *testing.T) {
	def := mustParse(t, `
name: patient
steps:
  - name: pause
    type: wait
    wait_seconds: 30
  - name: after
    type: operation
    target: ops.good
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	runnable := newFakeRunnable()
	r, _ := newTestRunner(t, runnable)
	start := time.Now()
	outcome, err := r.Execute(ctx, def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("wait did not cancel promptly: %v", elapsed)
	}
	if outcome.Status == StatusCompleted {
		t.Errorf("status = %s after cancellation", outcome.Status)
	}
	if runnable.callCount("ops.good") != 0 {
		t.Error("step after cancelled wait was dispatched")
	}
}

func TestEmptyWorkflowCompletesWithNoStepEvents(t *testing.T) {
	def := &workflow.Definition{Name: "empty"}
	def.Normalize()

	r, recorder := newTestRunner(t, nil)
	outcome, err := r.Execute(context.Background(), def, nil, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", outcome.Status)
	}

	// Give async delivery a beat, then confirm no step.* events.
	time.Sleep(100 * time.Millisecond)
	for _, eventType := range recorder.types() {
		if eventType == work.EventStepStarted || eventType == work.EventStepCompleted {
			t.Errorf("empty workflow emitted %s", eventType)
		}
	}
}

func TestDryRunSynthesizesDispatchedSteps(t *testing.T) {
	def := mustParse(t, `
name: rehearsal
steps:
  - name: fetch
    type: operation
    target: ops.fetch
  - name: pause
    type: wait
    wait_seconds: 60
  - name: store
    type: task
    target: tasks.store
`)

	runnable := newFakeRunnable()
	r, _ := newTestRunner(t, runnable)
	start := time.Now()
	outcome, err := r.Execute(context.Background(), def, nil,
		Options{RunID: work.NewID(), DryRun: true})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", outcome.Status)
	}
	if len(runnable.calls) != 0 {
		t.Errorf("dry run dispatched %v", runnable.calls)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("dry run waited for real: %v", elapsed)
	}
	if dry, _ := outcome.StepResults["fetch"].Output["dry_run"].(bool); !dry {
		t.Error("synthesized output not marked dry_run")
	}
}

func TestConfigTemplatesResolveAgainstParams(t *testing.T) {
	def := mustParse(t, `
name: templated
steps:
  - name: fetch
    type: lambda
    target: capture
    config:
      ticker: "${params.ticker}"
      url: "https://example.com/filings/${params.ticker}/latest"
      depth: 3
`)

	var captured map[string]any
	r, _ := newTestRunner(t, nil)
	if err := r.RegisterLambda("capture", func(_ context.Context, _ *Context, config map[string]any) (map[string]any, error) {
		captured = config
		return nil, nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	_, err := r.Execute(context.Background(), def,
		map[string]any{"ticker": "AAPL"}, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if captured["ticker"] != "AAPL" {
		t.Errorf("ticker = %v", captured["ticker"])
	}
	if captured["url"] != "https://example.com/filings/AAPL/latest" {
		t.Errorf("url = %v", captured["url"])
	}
	if captured["depth"] != 3 {
		t.Errorf("depth = %v, want untouched literal", captured["depth"])
	}
}

func TestRegisterLambdaRejectsDuplicates(t *testing.T) {
	r := New(nil, nil)
	noop := func(context.Context, *Context, map[string]any) (map[string]any, error) {
		return nil, nil
	}
	if err := r.RegisterLambda("fn", noop); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.RegisterLambda("fn", noop)
	var already *batonerrors.AlreadyRegisteredError
	if !errors.As(err, &already) {
		t.Errorf("duplicate register error = %v", err)
	}
}

func TestMapIterationFailureReportsItem(t *testing.T) {
	def := mustParse(t, `
name: fan-out
error_policy: continue
steps:
  - name: process
    type: map
    items_key: nums
    iterator:
      name: one
      type: lambda
      target: odd-only
`)

	r, _ := newTestRunner(t, nil)
	if err := r.RegisterLambda("odd-only", func(_ context.Context, _ *Context, config map[string]any) (map[string]any, error) {
		n, _ := config["item"].(int)
		if n%2 == 0 {
			return nil, fmt.Errorf("even number %d rejected", n)
		}
		return map[string]any{"n": n}, nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	outcome, err := r.Execute(context.Background(), def,
		map[string]any{"nums": []any{1, 2, 3}}, Options{RunID: work.NewID()})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if outcome.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", outcome.Status)
	}
	result := outcome.StepResults["process"]
	if result.Status != StepFail {
		t.Fatalf("process = %+v", result)
	}
	if result.Error == "" {
		t.Error("map failure carries no detail")
	}
}

// ledgerEvents implements ledger.EventStore in memory, deduping on
// idempotency key the way the SQL stores do.
type ledgerEvents struct {
	mu     sync.Mutex
	seen   map[string]bool
	events []ledger.Event
}

func newLedgerEvents() *ledgerEvents {
	return &ledgerEvents{seen: map[string]bool{}}
}

func (l *ledgerEvents) RecordEvent(_ context.Context, event *ledger.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if event.IdempotencyKey != "" && l.seen[event.IdempotencyKey] {
		return nil
	}
	l.seen[event.IdempotencyKey] = true
	l.events = append(l.events, *event)
	return nil
}

func (l *ledgerEvents) ListEvents(_ context.Context, runID string, page ledger.Page) ([]ledger.Event, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Event
	for _, event := range l.events {
		if event.RunID == runID {
			out = append(out, event)
		}
	}
	return out, len(out), nil
}

func TestStepEventsPersistToLedger(t *testing.T) {
	def := mustParse(t, `
name: filing-pipeline
steps:
  - name: classify
    type: operation
    target: filings.classify
  - name: route
    type: choice
    condition: state.classify.is_annual
    then: annual
    else: quarterly
  - name: quarterly
    type: operation
    target: filings.quarterly
  - name: annual
    type: operation
    target: filings.annual
`)

	runnable := newFakeRunnable()
	runnable.outcomes["filings.classify"] = &dispatcher.StepOutcome{
		Status: work.StatusCompleted,
		Output: map[string]any{"is_annual": true},
	}

	store := newLedgerEvents()
	r := New(runnable, nil, WithEventStore(store))
	runID := work.NewID()
	if _, err := r.Execute(context.Background(), def, nil, Options{RunID: runID}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	persisted, total, err := store.ListEvents(context.Background(), runID, ledger.Page{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total == 0 {
		t.Fatal("expected step events recorded in the ledger")
	}

	byType := map[string][]ledger.Event{}
	for _, event := range persisted {
		byType[event.Type] = append(byType[event.Type], event)
	}
	for _, want := range []string{work.EventStepStarted, work.EventStepCompleted, work.EventStepSkipped} {
		if len(byType[want]) == 0 {
			t.Errorf("no %s event persisted", want)
		}
	}
	for _, event := range append(byType[work.EventStepStarted], byType[work.EventStepCompleted]...) {
		if event.StepID == "" {
			t.Errorf("%s event missing step id", event.Type)
		}
		if event.IdempotencyKey == "" {
			t.Errorf("%s event missing idempotency key", event.Type)
		}
	}
	if len(byType[work.EventWorkflowCompleted]) != 1 {
		t.Errorf("expected one workflow.completed event, got %d", len(byType[work.EventWorkflowCompleted]))
	}
}
