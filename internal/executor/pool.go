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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/metrics"
	"github.com/skilbeck/baton/internal/registry"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

const (
	// DefaultWorkers is the worker count for lanes without an explicit
	// configuration.
	DefaultWorkers = 4

	// DefaultTimeout bounds handlers whose spec does not set one.
	DefaultTimeout = 30 * time.Minute

	// DefaultMaxRetryDelay caps exponential retry backoff.
	DefaultMaxRetryDelay = 5 * time.Minute
)

// Config holds pool settings.
type Config struct {
	// Lanes maps lane name to worker count. The default lane is always
	// present; unknown lanes on incoming jobs fall back to it.
	Lanes map[string]int

	// DefaultTimeout applies when a spec has no timeoutSeconds.
	DefaultTimeout time.Duration

	// MaxRetryDelay caps the doubling retry backoff.
	MaxRetryDelay time.Duration
}

func (c Config) normalized() Config {
	out := Config{
		Lanes:          make(map[string]int, len(c.Lanes)+1),
		DefaultTimeout: c.DefaultTimeout,
		MaxRetryDelay:  c.MaxRetryDelay,
	}
	for lane, n := range c.Lanes {
		if n <= 0 {
			n = DefaultWorkers
		}
		out.Lanes[lane] = n
	}
	if _, ok := out.Lanes[work.DefaultLane]; !ok {
		out.Lanes[work.DefaultLane] = DefaultWorkers
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = DefaultTimeout
	}
	if out.MaxRetryDelay <= 0 {
		out.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return out
}

type activeRun struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Pool executes jobs on per-lane worker goroutines.
type Pool struct {
	store  ledger.Store
	reg    *registry.Registry
	events bus.Bus
	cfg    Config
	logger *slog.Logger

	queues map[string]*laneQueue

	mu      sync.Mutex
	running map[string]*activeRun
	timers  map[string]*time.Timer
	retrier Retrier
	stopped bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

var _ Executor = (*Pool)(nil)

// New creates a pool. Call SetRetrier before Start so scheduled retries
// have somewhere to go, then Start to launch the workers.
func New(store ledger.Store, reg *registry.Registry, events bus.Bus, cfg Config) *Pool {
	cfg = cfg.normalized()
	queues := make(map[string]*laneQueue, len(cfg.Lanes))
	for lane := range cfg.Lanes {
		queues[lane] = newLaneQueue()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:      store,
		reg:        reg,
		events:     events,
		cfg:        cfg,
		logger:     slog.Default().With(slog.String("component", "executor")),
		queues:     queues,
		running:    make(map[string]*activeRun),
		timers:     make(map[string]*time.Timer),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// SetRetrier wires the retry callback. The dispatcher and pool
// reference each other, so this is set after both are constructed.
func (p *Pool) SetRetrier(r Retrier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retrier = r
}

func (p *Pool) getRetrier() Retrier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retrier
}

// Start launches the configured workers for every lane.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for lane, n := range p.cfg.Lanes {
		q := p.queues[lane]
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.worker(lane, q)
		}
		p.logger.Info("lane workers started",
			slog.String("lane", lane),
			slog.Int("workers", n))
	}
}

// Stop closes the queues and waits for in-flight handlers. When the
// context ends first, running handlers are cancelled and given a short
// grace period.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	for _, q := range p.queues {
		q.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.rootCancel()
		return nil
	case <-ctx.Done():
		p.rootCancel()
		select {
		case <-done:
			return nil
		case <-time.After(5 * time.Second):
			return fmt.Errorf("executor stop: workers did not exit: %w", ctx.Err())
		}
	}
}

// Enqueue routes the job to its lane. Unknown lanes fall back to the
// default lane rather than rejecting the job.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.RunID == "" {
		return &batonerrors.ValidationError{Field: "runId", Message: "run id is required"}
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	lane := job.Spec.Lane
	q, ok := p.queues[lane]
	if !ok {
		lane = work.DefaultLane
		q = p.queues[lane]
	}
	if err := q.Enqueue(job); err != nil {
		return err
	}
	metrics.SetQueueDepth(lane, q.Len())
	return nil
}

// Cancel signals a running handler through its context. Returns false
// when the run is not executing here, which covers runs that already
// finished and runs still queued.
func (p *Pool) Cancel(runID string) bool {
	p.mu.Lock()
	active, ok := p.running[runID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	active.cancelled.Store(true)
	active.cancel()
	return true
}

func (p *Pool) worker(lane string, q *laneQueue) {
	defer p.wg.Done()
	for {
		job, err := q.Dequeue(p.rootCtx)
		if err != nil {
			return
		}
		metrics.SetQueueDepth(lane, q.Len())
		p.runJob(job)
	}
}

// runJob drives one run from claim to terminal status. Ledger writes
// use a background context so a daemon shutdown cannot strand a run in
// RUNNING with no recorded outcome.
func (p *Pool) runJob(job Job) {
	now := time.Now().UTC()
	run, err := p.store.UpdateStatus(context.Background(), job.RunID, work.StatusRunning, ledger.StatusUpdate{
		StartedAt: &now,
	})
	if err != nil {
		var invalid *batonerrors.InvalidTransitionError
		if batonerrors.As(err, &invalid) {
			// Cancelled or already claimed while queued.
			p.logger.Debug("skipping run no longer pending",
				slog.String("run_id", job.RunID),
				slog.String("from", invalid.From))
			return
		}
		p.logger.Error("failed to claim run",
			slog.String("run_id", job.RunID),
			slog.String("error", err.Error()))
		return
	}

	p.publish(work.EventRunStarted, run.ID, map[string]any{
		"kind": string(run.Spec.Kind),
		"name": run.Spec.Name,
		"lane": run.Spec.Lane,
	})
	p.logger.Info("run started",
		slog.String("run_id", run.ID),
		slog.String("kind", string(run.Spec.Kind)),
		slog.String("name", run.Spec.Name))

	entry, err := p.reg.Resolve(run.Spec.Kind, run.Spec.Name)
	if err != nil {
		// Registered at submit time but gone now, e.g. a workflow file
		// removed while the run sat queued.
		cfgErr := &batonerrors.ConfigError{
			Key:    "registry",
			Reason: fmt.Sprintf("no %s registered as %q at execution time", run.Spec.Kind, run.Spec.Name),
		}
		p.failRun(run, cfgErr, batonerrors.CategoryConfig)
		return
	}

	timeout := p.cfg.DefaultTimeout
	if run.Spec.TimeoutSeconds > 0 {
		timeout = time.Duration(run.Spec.TimeoutSeconds) * time.Second
	}

	cancelCtx, cancel := context.WithCancel(p.rootCtx)
	runCtx, cancelTimeout := context.WithTimeout(cancelCtx, timeout)
	defer cancelTimeout()
	defer cancel()

	active := &activeRun{cancel: cancel}
	p.mu.Lock()
	p.running[run.ID] = active
	p.mu.Unlock()

	runCtx = WithRunMeta(runCtx, RunMeta{
		RunID:         run.ID,
		CorrelationID: run.Spec.CorrelationID,
		TriggerSource: run.Spec.TriggerSource,
	})
	output, err := p.invoke(runCtx, entry, run.Spec.Params)

	// Deregister before recording the outcome so a cancel racing
	// completion reports false rather than signalling a dead context.
	p.mu.Lock()
	delete(p.running, run.ID)
	p.mu.Unlock()

	switch {
	case active.cancelled.Load() && err != nil:
		p.cancelRun(run)
	case err != nil:
		category := batonerrors.Classify(err)
		if runCtx.Err() == context.DeadlineExceeded && !active.cancelled.Load() {
			category = batonerrors.CategoryTimeout
		}
		p.failRun(run, err, category)
	default:
		p.completeRun(run, output)
	}
}

// invoke calls the handler, converting a panic into an internal error
// so one bad handler cannot take down the worker.
func (p *Pool) invoke(ctx context.Context, entry registry.Entry, params map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked",
				slog.String("name", entry.Name),
				slog.Any("panic", r))
			output = nil
			err = &batonerrors.InternalError{
				Op:      "execute",
				Message: fmt.Sprintf("handler panicked: %v", r),
			}
		}
	}()
	return entry.Handler(ctx, params)
}

func (p *Pool) completeRun(run *ledger.Run, output map[string]any) {
	if output == nil {
		output = map[string]any{}
	}
	now := time.Now().UTC()
	updated, err := p.store.UpdateStatus(context.Background(), run.ID, work.StatusCompleted, ledger.StatusUpdate{
		Result:      output,
		CompletedAt: &now,
	})
	if err != nil {
		p.logger.Error("failed to record completion",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
		return
	}

	p.publish(work.EventRunCompleted, run.ID, map[string]any{
		"kind": string(run.Spec.Kind),
		"name": run.Spec.Name,
	})
	metrics.RecordRunCompleted(string(run.Spec.Kind), string(work.StatusCompleted), durationOf(updated))
	p.logger.Info("run completed", slog.String("run_id", run.ID))
}

func (p *Pool) cancelRun(run *ledger.Run) {
	now := time.Now().UTC()
	updated, err := p.store.UpdateStatus(context.Background(), run.ID, work.StatusCancelled, ledger.StatusUpdate{
		CompletedAt: &now,
	})
	if err != nil {
		p.logger.Error("failed to record cancellation",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
		return
	}

	p.publish(work.EventRunCancelled, run.ID, map[string]any{
		"kind": string(run.Spec.Kind),
		"name": run.Spec.Name,
	})
	metrics.RecordRunCompleted(string(run.Spec.Kind), string(work.StatusCancelled), durationOf(updated))
	p.logger.Info("run cancelled", slog.String("run_id", run.ID))
}

// failRun records the failure, then schedules a retry when budget
// remains, or captures a dead letter once retryCount has reached
// maxRetries. Validation and config failures are never retried since
// re-running them with the same inputs cannot change the outcome, but
// they still dead letter when the budget is spent.
func (p *Pool) failRun(run *ledger.Run, cause error, category batonerrors.Category) {
	now := time.Now().UTC()
	updated, err := p.store.UpdateStatus(context.Background(), run.ID, work.StatusFailed, ledger.StatusUpdate{
		Error:         cause.Error(),
		ErrorType:     errorTypeName(cause),
		ErrorCategory: string(category),
		CompletedAt:   &now,
	})
	if err != nil {
		p.logger.Error("failed to record failure",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
		return
	}

	p.publish(work.EventRunFailed, run.ID, map[string]any{
		"error":          cause.Error(),
		"error_category": string(category),
		"retry_count":    updated.RetryCount,
		"max_retries":    run.Spec.MaxRetries,
	})
	metrics.RecordRunCompleted(string(run.Spec.Kind), string(work.StatusFailed), durationOf(updated))
	p.logger.Warn("run failed",
		slog.String("run_id", run.ID),
		slog.String("category", string(category)),
		slog.String("error", cause.Error()))

	retryable := category != batonerrors.CategoryValidation && category != batonerrors.CategoryConfig
	if retryable && updated.RetryCount < run.Spec.MaxRetries {
		p.scheduleRetry(updated, category)
		return
	}
	if updated.RetryCount >= run.Spec.MaxRetries {
		p.deadLetter(updated, cause)
	}
}

func (p *Pool) scheduleRetry(run *ledger.Run, category batonerrors.Category) {
	delay := retryBackoff(run.Spec.RetryDelaySeconds, run.RetryCount, p.cfg.MaxRetryDelay)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if p.retrier == nil {
		p.mu.Unlock()
		p.logger.Warn("no retrier wired, skipping retry", slog.String("run_id", run.ID))
		return
	}
	runID := run.ID
	timer := time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, runID)
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}
		if _, err := p.getRetrier().Retry(context.Background(), runID); err != nil {
			p.logger.Warn("scheduled retry failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()))
		}
	})
	p.timers[runID] = timer
	p.mu.Unlock()

	metrics.RecordRetryScheduled(string(category))
	p.logger.Info("retry scheduled",
		slog.String("run_id", run.ID),
		slog.Int("retry_count", run.RetryCount),
		slog.Int("max_retries", run.Spec.MaxRetries),
		slog.Duration("delay", delay))
}

// deadLetter captures the exhausted run for later replay. Recording is
// idempotent on run ID, so a crash between the insert and the status
// update cannot produce a second entry.
func (p *Pool) deadLetter(run *ledger.Run, cause error) {
	now := time.Now().UTC()
	letter := &ledger.DeadLetter{
		ID:         work.NewID(),
		RunID:      run.ID,
		Workflow:   run.Spec.Name,
		Params:     run.Spec.Params,
		Error:      cause.Error(),
		RetryCount: run.RetryCount,
		MaxRetries: run.Spec.MaxRetries,
		CreatedAt:  now,
	}
	if err := p.store.RecordDeadLetter(context.Background(), letter); err != nil {
		p.logger.Error("failed to record dead letter",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
		return
	}

	if _, err := p.store.UpdateStatus(context.Background(), run.ID, work.StatusDeadLettered, ledger.StatusUpdate{}); err != nil {
		p.logger.Error("failed to mark run dead lettered",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
		return
	}

	p.publish(work.EventRunDeadLettered, run.ID, map[string]any{
		"workflow":    run.Spec.Name,
		"retry_count": run.RetryCount,
	})
	p.publish(work.EventDLQRecorded, run.ID, map[string]any{
		"workflow":    run.Spec.Name,
		"retry_count": run.RetryCount,
	})
	metrics.RecordDeadLetter()
	p.logger.Warn("run dead lettered",
		slog.String("run_id", run.ID),
		slog.Int("retry_count", run.RetryCount))
}

func (p *Pool) publish(eventType, runID string, payload map[string]any) {
	err := p.events.Publish(context.Background(), bus.Event{
		Type:           eventType,
		RunID:          runID,
		Payload:        payload,
		IdempotencyKey: runID + ":" + eventType,
	})
	if err != nil {
		p.logger.Debug("event publish failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
		return
	}
	metrics.RecordEventPublished(eventType)
}

// retryBackoff doubles the spec's base delay per prior attempt, capped
// at max. A non-positive base means retry immediately.
func retryBackoff(baseSeconds, retryCount int, max time.Duration) time.Duration {
	if baseSeconds <= 0 {
		return 0
	}
	d := time.Duration(baseSeconds) * time.Second
	for i := 0; i < retryCount && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// errorTypeName reports the concrete error type, e.g. "SourceError".
func errorTypeName(err error) string {
	target := err
	var classifier batonerrors.Classifier
	if batonerrors.As(err, &classifier) {
		target = classifier
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", target), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func durationOf(run *ledger.Run) time.Duration {
	if run.StartedAt == nil || run.CompletedAt == nil {
		return 0
	}
	return run.CompletedAt.Sub(*run.StartedAt)
}
