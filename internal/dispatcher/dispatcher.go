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

// Package dispatcher is the single entry point for starting work. Every
// run record in the ledger is created here: a spec is validated against
// the registry, deduplicated on its idempotency key, persisted as
// PENDING, and handed to the executor. Nothing in the submission path
// blocks on execution.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/executor"
	"github.com/skilbeck/baton/internal/guard"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/metrics"
	"github.com/skilbeck/baton/internal/registry"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// LockTemplates resolves the concurrency lock-key template declared for
// a handler, empty when none is declared. The workflow store implements
// this for workflow definitions carrying a lock clause.
type LockTemplates interface {
	LockTemplate(kind work.Kind, name string) string
}

// Dispatcher validates specs, records runs, and enqueues them.
type Dispatcher struct {
	store  ledger.Store
	reg    *registry.Registry
	exec   executor.Executor
	events bus.Bus
	logger *slog.Logger

	locks         *guard.Guard  // nil disables lock-template enforcement
	lockTemplates LockTemplates // nil means no handler declares a template
	lockTTL       time.Duration

	mu        sync.Mutex
	heldLocks map[string]string // runID -> lock key

	sub bus.Subscription
}

// Option adjusts Dispatcher construction.
type Option func(*Dispatcher)

// WithGuard wires the concurrency guard and the template source it
// consults on submission.
func WithGuard(g *guard.Guard, templates LockTemplates, ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.locks = g
		d.lockTemplates = templates
		if ttl > 0 {
			d.lockTTL = ttl
		}
	}
}

// New creates a dispatcher. It subscribes to run lifecycle events so
// locks acquired at submission are released when the run terminates.
func New(store ledger.Store, reg *registry.Registry, exec executor.Executor, events bus.Bus, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		store:     store,
		reg:       reg,
		exec:      exec,
		events:    events,
		logger:    slog.Default().With(slog.String("component", "dispatcher")),
		lockTTL:   guard.DefaultTTL,
		heldLocks: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}

	sub, err := events.Subscribe("run.*", d.onRunEvent)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: subscribing to run events: %w", err)
	}
	d.sub = sub
	return d, nil
}

// Close drops the dispatcher's bus subscription.
func (d *Dispatcher) Close() error {
	if d.sub != nil {
		return d.sub.Unsubscribe()
	}
	return nil
}

// Submit validates the spec, creates a PENDING run, and enqueues it.
// It returns the run ID immediately; execution is asynchronous.
//
// When the spec carries an idempotency key already held by an active
// run, that run's ID is returned and nothing new is created.
func (d *Dispatcher) Submit(ctx context.Context, spec work.Spec) (string, error) {
	return d.submit(ctx, spec, 0)
}

// SubmitTask is sugar for submitting a task spec with defaults.
func (d *Dispatcher) SubmitTask(ctx context.Context, name string, params map[string]any) (string, error) {
	return d.Submit(ctx, work.NewSpec(work.KindTask, name, params))
}

// SubmitOperation is sugar for submitting an operation spec with defaults.
func (d *Dispatcher) SubmitOperation(ctx context.Context, name string, params map[string]any) (string, error) {
	return d.Submit(ctx, work.NewSpec(work.KindOperation, name, params))
}

// SubmitWorkflow is sugar for submitting a workflow spec with defaults.
func (d *Dispatcher) SubmitWorkflow(ctx context.Context, name string, params map[string]any) (string, error) {
	return d.Submit(ctx, work.NewSpec(work.KindWorkflow, name, params))
}

// submit is the shared path. retryCount carries the attempt number for
// re-submissions; first-time submissions pass zero.
func (d *Dispatcher) submit(ctx context.Context, spec work.Spec, retryCount int) (string, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if _, err := d.reg.Resolve(spec.Kind, spec.Name); err != nil {
		return "", err
	}

	if spec.IdempotencyKey != "" {
		existing, err := d.store.FindActiveByKey(ctx, spec.IdempotencyKey)
		if err != nil {
			return "", fmt.Errorf("dispatcher: idempotency lookup: %w", err)
		}
		if existing != nil {
			d.logger.Debug("submission deduplicated",
				slog.String("idempotency_key", spec.IdempotencyKey),
				slog.String("run_id", existing.ID))
			return existing.ID, nil
		}
	}

	runID := work.NewID()

	lockKey, err := d.acquireLock(ctx, spec, runID)
	if err != nil {
		if batonerrors.IsLockContention(err) {
			metrics.RecordLockContention()
		}
		return "", err
	}

	run := &ledger.Run{
		ID:         runID,
		Spec:       spec,
		Status:     work.StatusPending,
		CreatedAt:  time.Now().UTC(),
		RetryCount: retryCount,
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		d.releaseLock(context.WithoutCancel(ctx), runID, lockKey)
		if err == ledger.ErrDuplicateIdempotencyKey {
			// Lost a race with a concurrent submission holding the
			// same key; the winner's run is the answer.
			if existing, lookupErr := d.store.FindActiveByKey(ctx, spec.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing.ID, nil
			}
		}
		return "", fmt.Errorf("dispatcher: creating run: %w", err)
	}

	d.publish(work.EventRunCreated, runID, map[string]any{
		"kind":           string(spec.Kind),
		"name":           spec.Name,
		"lane":           spec.Lane,
		"trigger_source": spec.TriggerSource,
	})
	metrics.RecordRunSubmitted(string(spec.Kind), spec.Lane, spec.TriggerSource)

	if err := d.exec.Enqueue(ctx, executor.Job{RunID: runID, Spec: spec}); err != nil {
		// The run stays PENDING in the ledger; a restart re-enqueues it.
		d.logger.Error("enqueue failed, run left pending",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
		return runID, nil
	}

	d.logger.Info("run submitted",
		slog.String("run_id", runID),
		slog.String("kind", string(spec.Kind)),
		slog.String("name", spec.Name),
		slog.String("lane", spec.Lane))
	return runID, nil
}

// GetRun retrieves a run by ID.
func (d *Dispatcher) GetRun(ctx context.Context, runID string) (*ledger.Run, error) {
	return d.store.GetRun(ctx, runID)
}

// ListRuns returns a page of runs.
func (d *Dispatcher) ListRuns(ctx context.Context, filter ledger.RunFilter, page ledger.Page, sort ledger.Sort) (*ledger.RunPage, error) {
	return d.store.ListRuns(ctx, filter, page, sort)
}

// GetRunEvents returns a run's event stream.
func (d *Dispatcher) GetRunEvents(ctx context.Context, runID string, page ledger.Page) ([]ledger.Event, int, error) {
	if _, err := d.store.GetRun(ctx, runID); err != nil {
		return nil, 0, err
	}
	return d.store.ListEvents(ctx, runID, page)
}

// Cancel requests cancellation of an active run. A PENDING run is moved
// to CANCELLED directly; a RUNNING run is signalled through the
// executor, which records the outcome when the handler yields. Returns
// false for terminal runs and for cancellations that race completion.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) (bool, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}

	switch run.Status {
	case work.StatusPending:
		now := time.Now().UTC()
		_, err := d.store.UpdateStatus(ctx, runID, work.StatusCancelled, ledger.StatusUpdate{
			CompletedAt: &now,
		})
		if err != nil {
			var invalid *batonerrors.InvalidTransitionError
			if batonerrors.As(err, &invalid) {
				// Claimed by a worker between the read and the write;
				// fall through to a cooperative cancel.
				return d.exec.Cancel(runID), nil
			}
			return false, err
		}
		d.publish(work.EventRunCancelled, runID, map[string]any{
			"kind": string(run.Spec.Kind),
			"name": run.Spec.Name,
		})
		d.logger.Info("pending run cancelled", slog.String("run_id", runID))
		return true, nil

	case work.StatusRunning:
		return d.exec.Cancel(runID), nil

	default:
		return false, nil
	}
}

// Retry re-submits a failed run as a new run with an incremented retry
// count. The new run carries parentRunId back to the original.
func (d *Dispatcher) Retry(ctx context.Context, runID string) (string, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != work.StatusFailed && run.Status != work.StatusDeadLettered {
		return "", &batonerrors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("run %s is %s; only FAILED or DEAD_LETTERED runs can be retried", runID, run.Status),
		}
	}
	if run.RetryCount >= run.Spec.MaxRetries {
		return "", &batonerrors.ValidationError{
			Field:      "retry_count",
			Message:    fmt.Sprintf("run %s has exhausted its retry budget (%d/%d)", runID, run.RetryCount, run.Spec.MaxRetries),
			Suggestion: "replay it through the dead letter queue instead",
		}
	}

	// The original's lock may still be held if its failure event has not
	// been delivered yet; drop it so the retry can re-acquire.
	d.mu.Lock()
	key := d.heldLocks[runID]
	delete(d.heldLocks, runID)
	d.mu.Unlock()
	d.releaseLock(ctx, runID, key)

	// The original run is terminal, so its idempotency key is free
	// again; keeping it makes concurrent retries of the same run
	// collapse onto one new run.
	spec := run.Spec
	spec.ParentRunID = runID
	spec.TriggerSource = "retry"

	newID, err := d.submit(ctx, spec, run.RetryCount+1)
	if err != nil {
		return "", err
	}
	d.logger.Info("run retried",
		slog.String("run_id", runID),
		slog.String("new_run_id", newID),
		slog.Int("retry_count", run.RetryCount+1))
	return newID, nil
}

// acquireLock renders and takes the handler's lock-key template, when
// one is declared. Returns the rendered key so the caller can release
// on failure paths.
func (d *Dispatcher) acquireLock(ctx context.Context, spec work.Spec, runID string) (string, error) {
	if d.locks == nil || d.lockTemplates == nil {
		return "", nil
	}
	template := d.lockTemplates.LockTemplate(spec.Kind, spec.Name)
	if template == "" {
		return "", nil
	}

	key, err := guard.RenderKey(template, spec.Kind, spec.Name, spec.Params)
	if err != nil {
		return "", err
	}
	if err := d.locks.Acquire(ctx, key, runID, d.lockTTL); err != nil {
		return "", err
	}

	d.mu.Lock()
	d.heldLocks[runID] = key
	d.mu.Unlock()
	return key, nil
}

func (d *Dispatcher) releaseLock(ctx context.Context, runID, key string) {
	if d.locks == nil || key == "" {
		return
	}
	if _, err := d.locks.Release(ctx, key, runID); err != nil {
		d.logger.Warn("lock release failed",
			slog.String("key", key),
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
	}
}

// onRunEvent releases submission locks when their run terminates.
func (d *Dispatcher) onRunEvent(ctx context.Context, event bus.Event) {
	switch event.Type {
	case work.EventRunCompleted, work.EventRunFailed, work.EventRunCancelled, work.EventRunDeadLettered:
	default:
		return
	}

	d.mu.Lock()
	key, ok := d.heldLocks[event.RunID]
	delete(d.heldLocks, event.RunID)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.releaseLock(ctx, event.RunID, key)
}

func (d *Dispatcher) publish(eventType, runID string, payload map[string]any) {
	err := d.events.Publish(context.Background(), bus.Event{
		Type:           eventType,
		RunID:          runID,
		Payload:        payload,
		IdempotencyKey: runID + ":" + eventType,
	})
	if err != nil {
		d.logger.Debug("event publish failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
		return
	}
	metrics.RecordEventPublished(eventType)
}
