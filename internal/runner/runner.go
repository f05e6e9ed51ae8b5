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

// Package runner executes workflow definitions step by step. Operation
// and task steps dispatch real runs and await their terminal state;
// lambda steps run in process against the live context; choice steps
// jump forward, skipping what the branch leaves behind; map steps fan
// an iterator out over a sequence and collect outputs in order.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/dispatcher"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/metrics"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
	"github.com/skilbeck/baton/pkg/workflow"
)

// Runnable is the dispatcher facade operation and task steps use. The
// runner never creates run records itself.
type Runnable interface {
	SubmitOperationSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*dispatcher.StepOutcome, error)
	SubmitTaskSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*dispatcher.StepOutcome, error)
}

// Lambda is an in-process step handler. It sees the live workflow
// context and the step's resolved config.
type Lambda func(ctx context.Context, wc *Context, config map[string]any) (map[string]any, error)

// Options shape one execution.
type Options struct {
	// RunID is the workflow run's ledger ID, used as parentRunId for
	// dispatched steps.
	RunID string

	// CorrelationID propagates to every dispatched step.
	CorrelationID string

	// DryRun synthesises COMPLETED outcomes for operation, task, and
	// wait steps without dispatching or sleeping. Lambda and choice
	// steps still run, so branching stays observable.
	DryRun bool
}

// Runner executes workflow definitions.
type Runner struct {
	runnable Runnable
	events   bus.Bus
	store    ledger.EventStore
	eval     *evaluator
	logger   *slog.Logger

	mu      sync.RWMutex
	lambdas map[string]Lambda
}

// Option adjusts Runner construction.
type Option func(*Runner)

// WithEventStore persists every step and workflow event to the run's
// ledger stream, deduped on the event's idempotency key, so GetRunEvents
// shows step history alongside the lifecycle transitions.
func WithEventStore(store ledger.EventStore) Option {
	return func(r *Runner) {
		r.store = store
	}
}

// New creates a runner. runnable may be nil for definitions that use
// only lambda, choice, and wait steps (and for dry runs).
func New(runnable Runnable, events bus.Bus, opts ...Option) *Runner {
	r := &Runner{
		runnable: runnable,
		events:   events,
		eval:     newEvaluator(),
		logger:   slog.Default().With(slog.String("component", "runner")),
		lambdas:  make(map[string]Lambda),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterLambda installs a named in-process step handler.
func (r *Runner) RegisterLambda(name string, fn Lambda) error {
	if name == "" {
		return &batonerrors.ValidationError{Field: "name", Message: "lambda name is required"}
	}
	if fn == nil {
		return &batonerrors.ValidationError{Field: "handler", Message: "nil lambda handler"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.lambdas[name]; exists {
		return &batonerrors.AlreadyRegisteredError{Kind: "lambda", Name: name}
	}
	r.lambdas[name] = fn
	return nil
}

func (r *Runner) lambda(name string) (Lambda, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.lambdas[name]
	return fn, ok
}

// Execute runs the definition to a terminal status. The returned
// outcome is always non-nil on a nil error; workflow-level failure is
// a status, not a Go error.
func (r *Runner) Execute(ctx context.Context, def *workflow.Definition, params map[string]any, opts Options) (*Outcome, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	wc := NewContext(opts.RunID, opts.CorrelationID, params)
	outcome := &Outcome{
		StepResults:    wc.StepResults,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		SkippedSteps:   []string{},
		StartedAt:      time.Now().UTC(),
	}

	logger := r.logger.With(
		slog.String("workflow", def.Name),
		slog.String("run_id", opts.RunID))
	logger.Info("workflow started", slog.Int("steps", len(def.Steps)))
	r.publish(work.EventWorkflowStarted, opts.RunID, "", map[string]any{
		"workflow": def.Name,
		"steps":    len(def.Steps),
	})

	stopped := false
	i := 0
	for i < len(def.Steps) {
		if ctx.Err() != nil {
			r.skipRemaining(def, i, wc, outcome, "cancelled", opts)
			outcome.Status = StatusCancelled
			break
		}

		step := &def.Steps[i]
		next := i + 1

		if step.Type == workflow.StepChoice {
			target, result, err := r.evalChoice(step, wc)
			if err != nil {
				result = StepResult{Status: StepFail, Error: err.Error(), Attempts: 1}
				wc.record(step.Name, result)
				outcome.FailedSteps = append(outcome.FailedSteps, step.Name)
				r.publishStep(work.EventStepFailed, opts.RunID, step.Name, result)
				outcome.Status = StatusFailed
				outcome.Error = err.Error()
				stopped = true
				break
			}
			wc.record(step.Name, result)
			outcome.CompletedSteps = append(outcome.CompletedSteps, step.Name)
			r.publishStep(work.EventStepCompleted, opts.RunID, step.Name, result)

			if target != "" {
				targetIdx := def.StepIndex(target)
				for j := i + 1; j < targetIdx; j++ {
					skipped := StepResult{Status: StepSkipped, Reason: "branch_not_taken"}
					wc.record(def.Steps[j].Name, skipped)
					outcome.SkippedSteps = append(outcome.SkippedSteps, def.Steps[j].Name)
					r.publishStep(work.EventStepSkipped, opts.RunID, def.Steps[j].Name, skipped)
				}
				next = targetIdx
			}
			i = next
			continue
		}

		result := r.runStep(ctx, def, step, wc, opts)
		policy := step.OnError
		if policy == "" {
			policy = def.ErrorPolicy
		}

		switch result.Status {
		case StepOK:
			if step.Type == workflow.StepMap {
				// Map outputs land as an ordered list, not a map.
				wc.StepResults[step.Name] = result
				if items, ok := result.Output["results"]; ok {
					wc.State[step.Name] = items
				}
			} else {
				wc.record(step.Name, result)
			}
			outcome.CompletedSteps = append(outcome.CompletedSteps, step.Name)
			r.publishStep(work.EventStepCompleted, opts.RunID, step.Name, result)

		case StepSkipped:
			wc.record(step.Name, result)
			outcome.SkippedSteps = append(outcome.SkippedSteps, step.Name)
			r.publishStep(work.EventStepSkipped, opts.RunID, step.Name, result)

		case StepFail:
			wc.record(step.Name, result)
			outcome.FailedSteps = append(outcome.FailedSteps, step.Name)
			r.publishStep(work.EventStepFailed, opts.RunID, step.Name, result)
			logger.Warn("step failed",
				slog.String("step", step.Name),
				slog.String("policy", string(policy)),
				slog.String("error", result.Error))

			escalate := policy == workflow.ErrorStop ||
				(policy == workflow.ErrorRetry && step.Strict)
			if escalate {
				outcome.Status = StatusFailed
				outcome.Error = fmt.Sprintf("step %s failed: %s", step.Name, result.Error)
				stopped = true
			}
		}

		if stopped {
			break
		}
		i = next
	}

	if outcome.Status == "" {
		switch {
		case len(outcome.FailedSteps) > 0 && len(outcome.CompletedSteps) > 0:
			outcome.Status = StatusPartial
		case len(outcome.FailedSteps) > 0:
			outcome.Status = StatusFailed
		default:
			outcome.Status = StatusCompleted
		}
	}
	outcome.CompletedAt = time.Now().UTC()
	outcome.State = wc.State

	r.publish(terminalEvent(outcome.Status), opts.RunID, "", map[string]any{
		"workflow":        def.Name,
		"status":          string(outcome.Status),
		"completed_steps": len(outcome.CompletedSteps),
		"failed_steps":    len(outcome.FailedSteps),
		"skipped_steps":   len(outcome.SkippedSteps),
	})
	logger.Info("workflow finished",
		slog.String("status", string(outcome.Status)),
		slog.Duration("duration", outcome.CompletedAt.Sub(outcome.StartedAt)))
	return outcome, nil
}

// evalChoice evaluates a choice condition and returns the jump target.
// An empty target means fall through to the next declared step.
func (r *Runner) evalChoice(step *workflow.Step, wc *Context) (string, StepResult, error) {
	matched, err := r.eval.evalBool(step.Condition, wc.env())
	if err != nil {
		return "", StepResult{}, err
	}
	target := step.Else
	if matched {
		target = step.Then
	}
	result := StepResult{
		Status:   StepOK,
		Output:   map[string]any{"condition": matched, "target": target},
		Attempts: 1,
	}
	return target, result, nil
}

// runStep executes one non-choice step, applying the step's retry
// policy when its error policy is retry.
func (r *Runner) runStep(ctx context.Context, def *workflow.Definition, step *workflow.Step, wc *Context, opts Options) StepResult {
	r.publishStep(work.EventStepStarted, opts.RunID, step.Name, StepResult{})

	policy := step.OnError
	if policy == "" {
		policy = def.ErrorPolicy
	}
	retry := workflow.DefaultRetryPolicy
	if step.Retry != nil {
		retry = *step.Retry
	}
	maxAttempts := 1
	if policy == workflow.ErrorRetry {
		maxAttempts = retry.MaxAttempts
	}

	var result StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result = r.evalStep(ctx, step, wc, opts)
		result.Attempts = attempt
		if result.Status != StepFail {
			return result
		}
		if attempt == maxAttempts {
			break
		}
		if !batonerrors.Retryable(batonerrors.Category(result.retryCategory)) {
			break
		}
		delay := retry.Delay(attempt)
		r.logger.Info("retrying step",
			slog.String("step", step.Name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return result
		case <-time.After(delay):
		}
	}
	return result
}

// evalStep runs a single attempt of one step.
func (r *Runner) evalStep(ctx context.Context, step *workflow.Step, wc *Context, opts Options) StepResult {
	switch step.Type {
	case workflow.StepOperation, workflow.StepTask:
		return r.runDispatched(ctx, step, wc, opts, nil)

	case workflow.StepLambda:
		return r.runLambda(ctx, step, wc, opts)

	case workflow.StepWait:
		return r.runWait(ctx, step, opts)

	case workflow.StepMap:
		return r.runMap(ctx, step, wc, opts)

	default:
		return StepResult{Status: StepFail, Error: fmt.Sprintf("unhandled step type %q", step.Type)}
	}
}

// runDispatched submits an operation or task run and awaits its
// terminal state. extraEnv widens the expression environment for map
// iterations.
func (r *Runner) runDispatched(ctx context.Context, step *workflow.Step, wc *Context, opts Options, extraEnv map[string]any) StepResult {
	env := wc.env()
	for k, v := range extraEnv {
		env[k] = v
	}
	params, err := r.eval.resolveConfig(step.Config, env)
	if err != nil {
		return StepResult{Status: StepFail, Error: err.Error(), retryCategory: string(batonerrors.CategoryValidation)}
	}
	if extraEnv != nil {
		if params == nil {
			params = map[string]any{}
		}
		for k, v := range extraEnv {
			if _, set := params[k]; !set {
				params[k] = v
			}
		}
	}

	if opts.DryRun {
		return StepResult{Status: StepOK, Output: map[string]any{"dry_run": true, "target": step.Target}}
	}
	if r.runnable == nil {
		return StepResult{
			Status:        StepFail,
			Error:         fmt.Sprintf("no dispatcher wired for %s step %q", step.Type, step.Name),
			retryCategory: string(batonerrors.CategoryConfig),
		}
	}

	var outcome *dispatcher.StepOutcome
	if step.Type == workflow.StepTask {
		outcome, err = r.runnable.SubmitTaskSync(ctx, step.Target, params, wc.RunID, wc.CorrelationID)
	} else {
		outcome, err = r.runnable.SubmitOperationSync(ctx, step.Target, params, wc.RunID, wc.CorrelationID)
	}
	if err != nil {
		return StepResult{
			Status:        StepFail,
			Error:         err.Error(),
			retryCategory: string(batonerrors.Classify(err)),
			RunID:         outcomeRunID(outcome),
		}
	}

	switch outcome.Status {
	case work.StatusCompleted:
		return StepResult{Status: StepOK, Output: outcome.Output, RunID: outcome.RunID}
	case work.StatusCancelled:
		return StepResult{Status: StepFail, Error: "step run was cancelled", RunID: outcome.RunID}
	default:
		return StepResult{
			Status:        StepFail,
			Error:         outcome.Error,
			retryCategory: outcome.ErrorCategory,
			RunID:         outcome.RunID,
		}
	}
}

func (r *Runner) runLambda(ctx context.Context, step *workflow.Step, wc *Context, opts Options) StepResult {
	fn, ok := r.lambda(step.Target)
	if !ok {
		return StepResult{
			Status:        StepFail,
			Error:         fmt.Sprintf("no lambda registered as %q", step.Target),
			retryCategory: string(batonerrors.CategoryConfig),
		}
	}
	config, err := r.eval.resolveConfig(step.Config, wc.env())
	if err != nil {
		return StepResult{Status: StepFail, Error: err.Error(), retryCategory: string(batonerrors.CategoryValidation)}
	}

	output, err := invokeLambda(ctx, fn, wc, config)
	if err != nil {
		return StepResult{
			Status:        StepFail,
			Error:         err.Error(),
			retryCategory: string(batonerrors.Classify(err)),
		}
	}
	if output == nil {
		output = map[string]any{}
	}
	return StepResult{Status: StepOK, Output: output}
}

// invokeLambda isolates lambda panics the same way the executor
// isolates handler panics.
func invokeLambda(ctx context.Context, fn Lambda, wc *Context, config map[string]any) (output map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			output = nil
			err = &batonerrors.InternalError{
				Op:      "lambda",
				Message: fmt.Sprintf("handler panicked: %v", rec),
			}
		}
	}()
	return fn(ctx, wc, config)
}

func (r *Runner) runWait(ctx context.Context, step *workflow.Step, opts Options) StepResult {
	if opts.DryRun {
		return StepResult{Status: StepOK, Output: map[string]any{"dry_run": true}}
	}

	var duration time.Duration
	if step.Until != nil {
		duration = time.Until(*step.Until)
	} else {
		duration = time.Duration(step.WaitSeconds * float64(time.Second))
	}
	if duration <= 0 {
		return StepResult{Status: StepOK, Output: map[string]any{"waited_seconds": 0.0}}
	}

	select {
	case <-ctx.Done():
		return StepResult{Status: StepFail, Error: "wait interrupted: " + ctx.Err().Error()}
	case <-time.After(duration):
		return StepResult{Status: StepOK, Output: map[string]any{"waited_seconds": duration.Seconds()}}
	}
}

// runMap fans the iterator out over the items sequence with a bounded
// worker budget and collects outputs in item order.
func (r *Runner) runMap(ctx context.Context, step *workflow.Step, wc *Context, opts Options) StepResult {
	raw, ok := wc.State[step.ItemsKey]
	if !ok {
		raw, ok = wc.Params[step.ItemsKey]
	}
	if !ok {
		return StepResult{
			Status:        StepFail,
			Error:         fmt.Sprintf("map items key %q not found in state or params", step.ItemsKey),
			retryCategory: string(batonerrors.CategoryValidation),
		}
	}
	items, ok := raw.([]any)
	if !ok {
		return StepResult{
			Status:        StepFail,
			Error:         fmt.Sprintf("map items key %q holds %T, want a sequence", step.ItemsKey, raw),
			retryCategory: string(batonerrors.CategoryValidation),
		}
	}
	if len(items) == 0 {
		return StepResult{Status: StepOK, Output: map[string]any{"results": []any{}, "count": 0}}
	}

	parallel := step.MaxParallel
	if parallel <= 0 {
		parallel = 1
	}
	if parallel > len(items) {
		parallel = len(items)
	}

	type itemOutcome struct {
		output map[string]any
		err    string
	}
	outcomes := make([]itemOutcome, len(items))
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup

	for idx, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, item any) {
			defer wg.Done()
			defer func() { <-sem }()

			iter := *step.Iterator
			extra := map[string]any{"item": item, "item_index": idx}
			var result StepResult
			if iter.Type == workflow.StepLambda {
				result = r.runIterLambda(ctx, &iter, wc, extra)
			} else {
				result = r.runDispatched(ctx, &iter, wc, opts, extra)
			}
			if result.Status == StepOK {
				outcomes[idx] = itemOutcome{output: result.Output}
			} else {
				outcomes[idx] = itemOutcome{err: result.Error}
			}
		}(idx, item)
	}
	wg.Wait()

	results := make([]any, len(items))
	var failures []string
	for idx, outcome := range outcomes {
		if outcome.err != "" {
			failures = append(failures, fmt.Sprintf("item %d: %s", idx, outcome.err))
			results[idx] = nil
			continue
		}
		results[idx] = outcome.output
	}
	if len(failures) > 0 {
		return StepResult{
			Status: StepFail,
			Error:  fmt.Sprintf("%d of %d iterations failed: %s", len(failures), len(items), failures[0]),
		}
	}
	return StepResult{Status: StepOK, Output: map[string]any{"results": results, "count": len(items)}}
}

// runIterLambda runs a lambda iterator with the item visible in both
// config resolution and the config itself. The shared context is not
// handed to iterations concurrently; lambdas in map steps receive a
// read-only snapshot of state via config expressions instead.
func (r *Runner) runIterLambda(ctx context.Context, step *workflow.Step, wc *Context, extra map[string]any) StepResult {
	fn, ok := r.lambda(step.Target)
	if !ok {
		return StepResult{
			Status:        StepFail,
			Error:         fmt.Sprintf("no lambda registered as %q", step.Target),
			retryCategory: string(batonerrors.CategoryConfig),
		}
	}
	env := wc.env()
	for k, v := range extra {
		env[k] = v
	}
	config, err := r.eval.resolveConfig(step.Config, env)
	if err != nil {
		return StepResult{Status: StepFail, Error: err.Error(), retryCategory: string(batonerrors.CategoryValidation)}
	}
	if config == nil {
		config = map[string]any{}
	}
	for k, v := range extra {
		if _, set := config[k]; !set {
			config[k] = v
		}
	}

	output, err := invokeLambda(ctx, fn, nil, config)
	if err != nil {
		return StepResult{Status: StepFail, Error: err.Error(), retryCategory: string(batonerrors.Classify(err))}
	}
	if output == nil {
		output = map[string]any{}
	}
	return StepResult{Status: StepOK, Output: output}
}

func (r *Runner) skipRemaining(def *workflow.Definition, from int, wc *Context, outcome *Outcome, reason string, opts Options) {
	for j := from; j < len(def.Steps); j++ {
		if _, done := wc.StepResults[def.Steps[j].Name]; done {
			continue
		}
		skipped := StepResult{Status: StepSkipped, Reason: reason}
		wc.record(def.Steps[j].Name, skipped)
		outcome.SkippedSteps = append(outcome.SkippedSteps, def.Steps[j].Name)
		r.publishStep(work.EventStepSkipped, opts.RunID, def.Steps[j].Name, skipped)
	}
}

func terminalEvent(status Status) string {
	switch status {
	case StatusCompleted:
		return work.EventWorkflowCompleted
	case StatusPartial:
		return work.EventWorkflowPartial
	default:
		return work.EventWorkflowFailed
	}
}

func (r *Runner) publishStep(eventType, runID, stepName string, result StepResult) {
	payload := map[string]any{"step": stepName}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if result.Reason != "" {
		payload["reason"] = result.Reason
	}
	r.publish(eventType, runID, stepName, payload)
}

func (r *Runner) publish(eventType, runID, stepID string, payload map[string]any) {
	key := runID + ":" + eventType
	if stepID != "" {
		key = runID + ":" + stepID + ":" + eventType
	}

	if r.store != nil && runID != "" {
		err := r.store.RecordEvent(context.Background(), &ledger.Event{
			RunID:          runID,
			StepID:         stepID,
			Type:           eventType,
			Timestamp:      time.Now().UTC(),
			Payload:        payload,
			IdempotencyKey: key,
		})
		if err != nil {
			r.logger.Warn("event record failed",
				slog.String("type", eventType),
				slog.String("run_id", runID),
				slog.String("error", err.Error()))
		}
	}

	if r.events == nil {
		return
	}
	err := r.events.Publish(context.Background(), bus.Event{
		Type:           eventType,
		RunID:          runID,
		StepID:         stepID,
		Payload:        payload,
		IdempotencyKey: key,
	})
	if err != nil {
		r.logger.Debug("event publish failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
		return
	}
	metrics.RecordEventPublished(eventType)
}

func outcomeRunID(outcome *dispatcher.StepOutcome) string {
	if outcome == nil {
		return ""
	}
	return outcome.RunID
}
