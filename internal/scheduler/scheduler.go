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

// Package scheduler turns persisted schedules into dispatched runs. A
// periodic tick queries due schedules, takes a per-schedule lease so
// concurrent scheduler instances never double-dispatch, and submits
// through the dispatcher. Next-run times are computed from the
// scheduled instant rather than the wall clock, so cadence never
// drifts with dispatch latency.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/metrics"
	"github.com/skilbeck/baton/internal/scheduler/cron"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// Submitter is the dispatcher slice the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, spec work.Spec) (string, error)
}

// Defaults.
const (
	DefaultInterval     = 5 * time.Second
	DefaultLeaseTTL     = 30 * time.Second
	DefaultLagThreshold = 30 * time.Second
)

// Config shapes a scheduler instance.
type Config struct {
	// Interval between ticks.
	Interval time.Duration

	// InstanceID identifies this scheduler as a lease holder. Empty
	// generates a fresh ID.
	InstanceID string

	// LeaseTTL bounds how long a crashed instance can block a schedule.
	LeaseTTL time.Duration

	// LagThreshold marks the scheduler degraded when the gap between
	// ticks exceeds interval by this much.
	LagThreshold time.Duration
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.InstanceID == "" {
		c.InstanceID = "scheduler-" + work.NewID()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.LagThreshold <= 0 {
		c.LagThreshold = DefaultLagThreshold
	}
}

// Scheduler drives due schedules through the dispatcher.
type Scheduler struct {
	store     ledger.ScheduleStore
	submitter Submitter
	events    bus.Bus
	backend   Backend
	cfg       Config
	logger    *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu        sync.Mutex
	tickCount int64
	lastTick  time.Time
	degraded  bool
}

// Option customises construction.
type Option func(*Scheduler)

// WithBackend replaces the default ticker backend.
func WithBackend(b Backend) Option {
	return func(s *Scheduler) { s.backend = b }
}

// WithNow replaces the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler over the given schedule store.
func New(store ledger.ScheduleStore, submitter Submitter, events bus.Bus, cfg Config, opts ...Option) *Scheduler {
	cfg.normalize()
	s := &Scheduler{
		store:     store,
		submitter: submitter,
		events:    events,
		cfg:       cfg,
		logger:    slog.Default().With(slog.String("component", "scheduler")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend == nil {
		s.backend = NewTickerBackend()
	}
	return s
}

// Start begins ticking until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler starting",
		slog.String("instance_id", s.cfg.InstanceID),
		slog.Duration("interval", s.cfg.Interval))
	s.backend.Start(ctx, s.Tick, s.cfg.Interval)
}

// Stop halts the backend and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.backend.Stop()
	s.logger.Info("scheduler stopped")
}

// Health reports the scheduler's operational state.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	backend := s.backend.Health()
	return Health{
		Healthy:    backend.Healthy && !s.degraded,
		Backend:    backend.Backend,
		InstanceID: s.cfg.InstanceID,
		TickCount:  s.tickCount,
		LastTick:   s.lastTick,
		Degraded:   s.degraded,
	}
}

// Tick runs one scheduling pass. Exported so tests and distributed
// backends can drive it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.observeTick(now)

	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("due-schedule query failed", slog.String("error", err.Error()))
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatchOne(ctx, &due[i], now)
	}
}

func (s *Scheduler) observeTick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lag time.Duration
	if !s.lastTick.IsZero() {
		lag = now.Sub(s.lastTick) - s.cfg.Interval
		if lag < 0 {
			lag = 0
		}
	}
	s.tickCount++
	s.lastTick = now
	s.degraded = lag > s.cfg.LagThreshold
	if s.degraded {
		s.logger.Warn("tick lag over threshold", slog.Duration("lag", lag))
	}
	metrics.RecordSchedulerTick(lag)
}

// dispatchOne handles one due schedule under its lease.
func (s *Scheduler) dispatchOne(ctx context.Context, sched *ledger.Schedule, now time.Time) {
	logger := s.logger.With(
		slog.String("schedule_id", sched.ID),
		slog.String("schedule", sched.Name))

	held, err := s.store.TryLeaseSchedule(ctx, sched.ID, s.cfg.InstanceID, s.cfg.LeaseTTL)
	if err != nil {
		logger.Error("lease attempt failed", slog.String("error", err.Error()))
		return
	}
	if !held {
		logger.Debug("schedule leased by another instance")
		return
	}
	defer func() {
		if err := s.store.ReleaseScheduleLease(ctx, sched.ID, s.cfg.InstanceID); err != nil {
			logger.Debug("lease release failed", slog.String("error", err.Error()))
		}
	}()

	// The scheduled instant this dispatch answers for. A schedule that
	// has never fired owes a run "now".
	scheduledAt := now
	if sched.NextRunAt != nil {
		scheduledAt = *sched.NextRunAt
	}

	outcome := classifyOccurrence(sched, scheduledAt, now)
	var runID string

	switch outcome {
	case ledger.ScheduleRunSkippedMisfire:
		logger.Warn("misfire, skipping occurrence",
			slog.Time("scheduled_at", scheduledAt),
			slog.Int("grace_seconds", sched.MisfireGraceSeconds))
		s.publish(work.EventScheduleSkippedMisfire, sched, scheduledAt, "")
		metrics.RecordScheduleDispatch("skipped_misfire")

	case ledger.ScheduleRunSkippedInstance:
		logger.Info("max instances reached, skipping occurrence")
		metrics.RecordScheduleDispatch("skipped_max_instances")

	default:
		if sched.MaxInstances > 0 {
			active, err := s.store.CountActiveRuns(ctx, sched.ID)
			if err != nil {
				logger.Error("active-run count failed", slog.String("error", err.Error()))
				return
			}
			if active >= sched.MaxInstances {
				outcome = ledger.ScheduleRunSkippedInstance
				logger.Info("max instances reached, skipping occurrence",
					slog.Int("active", active))
				metrics.RecordScheduleDispatch("skipped_max_instances")
				break
			}
		}

		spec := work.NewSpec(sched.TargetType, sched.TargetName, sched.Params)
		spec.TriggerSource = "scheduler"
		spec.Metadata = map[string]any{
			"schedule_id":  sched.ID,
			"schedule":     sched.Name,
			"scheduled_at": scheduledAt.Format(time.RFC3339),
		}

		runID, err = s.submitter.Submit(ctx, spec)
		if err != nil {
			var contention *batonerrors.LockContentionError
			if stderrors.As(err, &contention) {
				logger.Info("submission blocked by lock", slog.String("key", contention.Key))
			} else {
				logger.Error("submission failed", slog.String("error", err.Error()))
			}
			// The occurrence is consumed either way; the next one will
			// fire on cadence.
		} else {
			logger.Info("schedule dispatched", slog.String("run_id", runID))
			s.publish(work.EventScheduleTriggered, sched, scheduledAt, runID)
			metrics.RecordScheduleDispatch("dispatched")
		}
	}

	record := &ledger.ScheduleRun{
		ID:          work.NewID(),
		ScheduleID:  sched.ID,
		RunID:       runID,
		ScheduledAt: scheduledAt,
		Status:      outcome,
	}
	if err := s.store.RecordScheduleRun(ctx, record); err != nil {
		logger.Error("schedule-run record failed", slog.String("error", err.Error()))
	}

	s.advance(ctx, sched, scheduledAt, now, outcome, logger)
}

// classifyOccurrence applies the misfire policy before submission.
func classifyOccurrence(sched *ledger.Schedule, scheduledAt, now time.Time) string {
	if sched.MisfireGraceSeconds > 0 {
		grace := time.Duration(sched.MisfireGraceSeconds) * time.Second
		if now.Sub(scheduledAt) > grace {
			return ledger.ScheduleRunSkippedMisfire
		}
	}
	return ledger.ScheduleRunDispatched
}

// advance writes lastRunAt, lastRunStatus, and the forward-only
// nextRunAt. One-shot schedules disable after their occurrence.
func (s *Scheduler) advance(ctx context.Context, sched *ledger.Schedule, scheduledAt, now time.Time, outcome string, logger *slog.Logger) {
	next, err := NextRunAt(sched, scheduledAt, now)
	if err != nil {
		logger.Error("next-run computation failed", slog.String("error", err.Error()))
		return
	}

	sched.LastRunAt = &now
	sched.LastRunStatus = outcome
	if sched.Type == ledger.ScheduleOneShot {
		sched.Enabled = false
		sched.NextRunAt = nil
	} else if next != nil {
		// Forward-only: a concurrent manual update that pushed nextRunAt
		// past our computation wins.
		if sched.NextRunAt == nil || next.After(*sched.NextRunAt) {
			sched.NextRunAt = next
		}
	}

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		if stderrors.Is(err, ledger.ErrVersionConflict) {
			logger.Debug("schedule updated concurrently, leaving row")
			return
		}
		logger.Error("schedule update failed", slog.String("error", err.Error()))
	}
}

// NextRunAt computes the next occurrence after the scheduled instant,
// advanced past now so a lagging scheduler never replays missed
// occurrences (misfire policy is skip). Nil means no further runs.
func NextRunAt(sched *ledger.Schedule, scheduledAt, now time.Time) (*time.Time, error) {
	switch sched.Type {
	case ledger.ScheduleCron:
		expr, err := cron.Parse(sched.CronExpression)
		if err != nil {
			return nil, err
		}
		next, err := expr.NextIn(scheduledAt, sched.Timezone)
		if err != nil {
			return nil, err
		}
		for !next.IsZero() && !next.After(now) {
			nn, err := expr.NextIn(next, sched.Timezone)
			if err != nil {
				return nil, err
			}
			next = nn
		}
		if next.IsZero() {
			return nil, nil
		}
		next = next.UTC()
		return &next, nil

	case ledger.ScheduleInterval:
		if sched.IntervalSeconds <= 0 {
			return nil, &batonerrors.ValidationError{
				Field:   "interval_seconds",
				Message: "must be positive",
			}
		}
		interval := time.Duration(sched.IntervalSeconds) * time.Second
		next := scheduledAt.Add(interval)
		if !next.After(now) {
			// Skip whole missed intervals in one step.
			missed := now.Sub(scheduledAt) / interval
			next = scheduledAt.Add((missed + 1) * interval)
		}
		next = next.UTC()
		return &next, nil

	case ledger.ScheduleOneShot:
		return nil, nil

	default:
		return nil, &batonerrors.ValidationError{
			Field:   "schedule_type",
			Message: fmt.Sprintf("unknown type %q", sched.Type),
		}
	}
}

// Prepare validates a schedule and stamps its first nextRunAt. The API
// and CLI create paths both go through it.
func Prepare(sched *ledger.Schedule, now time.Time) error {
	if sched.Name == "" {
		return &batonerrors.ValidationError{Field: "name", Message: "schedule name is required"}
	}
	if !sched.TargetType.Valid() {
		return &batonerrors.ValidationError{
			Field:      "target_type",
			Message:    fmt.Sprintf("unknown kind %q", sched.TargetType),
			Suggestion: "use task, operation, or workflow",
		}
	}
	if sched.TargetName == "" {
		return &batonerrors.ValidationError{Field: "target_name", Message: "target name is required"}
	}
	if !sched.Type.Valid() {
		return &batonerrors.ValidationError{
			Field:      "schedule_type",
			Message:    fmt.Sprintf("unknown type %q", sched.Type),
			Suggestion: "use cron, interval, or one_shot",
		}
	}

	switch sched.Type {
	case ledger.ScheduleCron:
		if sched.CronExpression == "" {
			return &batonerrors.ValidationError{Field: "cron_expression", Message: "required for cron schedules"}
		}
		expr, err := cron.Parse(sched.CronExpression)
		if err != nil {
			return &batonerrors.ValidationError{Field: "cron_expression", Message: err.Error()}
		}
		next, err := expr.NextIn(now, sched.Timezone)
		if err != nil {
			return &batonerrors.ValidationError{Field: "timezone", Message: err.Error()}
		}
		if !next.IsZero() {
			next = next.UTC()
			sched.NextRunAt = &next
		}

	case ledger.ScheduleInterval:
		if sched.IntervalSeconds <= 0 {
			return &batonerrors.ValidationError{Field: "interval_seconds", Message: "must be positive"}
		}
		next := now.Add(time.Duration(sched.IntervalSeconds) * time.Second).UTC()
		sched.NextRunAt = &next

	case ledger.ScheduleOneShot:
		if sched.RunAt == nil {
			return &batonerrors.ValidationError{Field: "run_at", Message: "required for one-shot schedules"}
		}
		runAt := sched.RunAt.UTC()
		sched.NextRunAt = &runAt
	}

	if sched.ID == "" {
		sched.ID = work.NewID()
	}
	return nil
}

func (s *Scheduler) publish(eventType string, sched *ledger.Schedule, scheduledAt time.Time, runID string) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(context.Background(), bus.Event{
		Type:  eventType,
		RunID: runID,
		Payload: map[string]any{
			"schedule_id":  sched.ID,
			"schedule":     sched.Name,
			"scheduled_at": scheduledAt.Format(time.RFC3339),
		},
		IdempotencyKey: sched.ID + ":" + scheduledAt.Format(time.RFC3339) + ":" + eventType,
	})
	if err != nil {
		s.logger.Debug("event publish failed", slog.String("error", err.Error()))
		return
	}
	metrics.RecordEventPublished(eventType)
}
