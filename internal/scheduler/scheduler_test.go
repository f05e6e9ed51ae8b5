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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/ledger/sqlite"
	"github.com/skilbeck/baton/pkg/work"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureSubmitter records submitted specs and answers with fresh IDs.
type captureSubmitter struct {
	mu    sync.Mutex
	specs []work.Spec
	err   error
}

func (s *captureSubmitter) Submit(_ context.Context, spec work.Spec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.specs = append(s.specs, spec)
	return work.NewID(), nil
}

func (s *captureSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestScheduler(t *testing.T, store ledger.ScheduleStore, submitter Submitter, clock *fakeClock) *Scheduler {
	t.Helper()
	return New(store, submitter, nil,
		Config{Interval: time.Second, InstanceID: "test-instance"},
		WithNow(clock.Now))
}

func intervalSchedule(t *testing.T, store ledger.ScheduleStore, name string, seconds int, now time.Time) *ledger.Schedule {
	t.Helper()
	sched := &ledger.Schedule{
		Name:            name,
		TargetType:      work.KindTask,
		TargetName:      "prices.pull",
		Type:            ledger.ScheduleInterval,
		IntervalSeconds: seconds,
		Enabled:         true,
	}
	if err := Prepare(sched, now); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return sched
}

func TestIntervalScheduleDispatchesWhenDue(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	store := newTestStore(t)
	submitter := &captureSubmitter{}
	s := newTestScheduler(t, store, submitter, clock)

	sched := intervalSchedule(t, store, "pull-prices", 60, start)

	// Not due yet.
	s.Tick(context.Background())
	if submitter.count() != 0 {
		t.Fatalf("dispatched before due: %d", submitter.count())
	}

	clock.Advance(61 * time.Second)
	s.Tick(context.Background())
	if submitter.count() != 1 {
		t.Fatalf("dispatched %d, want 1", submitter.count())
	}

	spec := submitter.specs[0]
	if spec.TriggerSource != "scheduler" {
		t.Errorf("trigger source = %s", spec.TriggerSource)
	}
	if spec.Kind != work.KindTask || spec.Name != "prices.pull" {
		t.Errorf("spec = %s/%s", spec.Kind, spec.Name)
	}

	// The same occurrence must not dispatch twice.
	s.Tick(context.Background())
	if submitter.count() != 1 {
		t.Fatalf("same occurrence dispatched again: %d", submitter.count())
	}

	updated, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(clock.Now()) {
		t.Errorf("nextRunAt = %v, want after %v", updated.NextRunAt, clock.Now())
	}
	if updated.LastRunStatus != ledger.ScheduleRunDispatched {
		t.Errorf("lastRunStatus = %s", updated.LastRunStatus)
	}
}

func TestNextRunAtIsForwardOnlyFromScheduledTime(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sched := &ledger.Schedule{
		Type:            ledger.ScheduleInterval,
		IntervalSeconds: 60,
	}

	// Dispatch 10s late: next fire stays on the original grid.
	scheduledAt := base
	now := base.Add(10 * time.Second)
	next, err := NextRunAt(sched, scheduledAt, now)
	if err != nil {
		t.Fatalf("NextRunAt failed: %v", err)
	}
	if !next.Equal(base.Add(60 * time.Second)) {
		t.Errorf("next = %v, want %v", next, base.Add(60*time.Second))
	}

	// Three missed intervals are skipped, not replayed.
	now = base.Add(200 * time.Second)
	next, err = NextRunAt(sched, scheduledAt, now)
	if err != nil {
		t.Fatalf("NextRunAt failed: %v", err)
	}
	if !next.Equal(base.Add(240 * time.Second)) {
		t.Errorf("next after lag = %v, want %v", next, base.Add(240*time.Second))
	}
}

func TestCronNextRunAtSkipsMissedOccurrences(t *testing.T) {
	sched := &ledger.Schedule{
		Type:           ledger.ScheduleCron,
		CronExpression: "0 * * * *",
	}
	scheduledAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

	next, err := NextRunAt(sched, scheduledAt, now)
	if err != nil {
		t.Fatalf("NextRunAt failed: %v", err)
	}
	want := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestMisfireSkipsOccurrence(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	store := newTestStore(t)
	submitter := &captureSubmitter{}
	s := newTestScheduler(t, store, submitter, clock)

	sched := &ledger.Schedule{
		Name:                "strict-cadence",
		TargetType:          work.KindTask,
		TargetName:          "prices.pull",
		Type:                ledger.ScheduleInterval,
		IntervalSeconds:     60,
		MisfireGraceSeconds: 30,
		Enabled:             true,
	}
	if err := Prepare(sched, start); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// The occurrence at +60s is discovered at +120s, past the 30s grace.
	clock.Advance(120 * time.Second)
	s.Tick(context.Background())

	if submitter.count() != 0 {
		t.Fatalf("misfired occurrence dispatched")
	}
	updated, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.LastRunStatus != ledger.ScheduleRunSkippedMisfire {
		t.Errorf("lastRunStatus = %s, want %s", updated.LastRunStatus, ledger.ScheduleRunSkippedMisfire)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(clock.Now()) {
		t.Errorf("nextRunAt not advanced past the misfire: %v", updated.NextRunAt)
	}

	// On-cadence occurrence still fires.
	clock.Advance(60 * time.Second)
	s.Tick(context.Background())
	if submitter.count() != 1 {
		t.Fatalf("post-misfire occurrence did not dispatch")
	}
}

func TestLeaseContentionSkipsSchedule(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	store := newTestStore(t)
	submitter := &captureSubmitter{}
	s := newTestScheduler(t, store, submitter, clock)

	sched := intervalSchedule(t, store, "contended", 60, start)

	// Another instance holds the lease.
	held, err := store.TryLeaseSchedule(context.Background(), sched.ID, "other-instance", time.Minute)
	if err != nil || !held {
		t.Fatalf("seed lease failed: held=%v err=%v", held, err)
	}

	clock.Advance(61 * time.Second)
	s.Tick(context.Background())
	if submitter.count() != 0 {
		t.Fatal("dispatched under a foreign lease")
	}

	// Lease released: next tick dispatches.
	if err := store.ReleaseScheduleLease(context.Background(), sched.ID, "other-instance"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	s.Tick(context.Background())
	if submitter.count() != 1 {
		t.Fatalf("dispatched %d after lease release, want 1", submitter.count())
	}
}

func TestOneShotDisablesAfterDispatch(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	store := newTestStore(t)
	submitter := &captureSubmitter{}
	s := newTestScheduler(t, store, submitter, clock)

	runAt := start.Add(30 * time.Second)
	sched := &ledger.Schedule{
		Name:       "once",
		TargetType: work.KindWorkflow,
		TargetName: "quarterly-report",
		Type:       ledger.ScheduleOneShot,
		RunAt:      &runAt,
		Enabled:    true,
	}
	if err := Prepare(sched, start); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	clock.Advance(31 * time.Second)
	s.Tick(context.Background())
	if submitter.count() != 1 {
		t.Fatalf("one-shot dispatched %d times", submitter.count())
	}

	updated, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.Enabled {
		t.Error("one-shot still enabled after dispatch")
	}

	clock.Advance(time.Hour)
	s.Tick(context.Background())
	if submitter.count() != 1 {
		t.Fatal("disabled one-shot dispatched again")
	}
}

func TestMaxInstancesSkipsWhenSaturated(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	store := newTestStore(t)
	submitter := &captureSubmitter{}
	s := newTestScheduler(t, store, submitter, clock)

	sched := &ledger.Schedule{
		Name:            "bounded",
		TargetType:      work.KindTask,
		TargetName:      "prices.pull",
		Type:            ledger.ScheduleInterval,
		IntervalSeconds: 60,
		MaxInstances:    1,
		Enabled:         true,
	}
	if err := Prepare(sched, start); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Seed a still-active run attributed to the schedule.
	spec := work.NewSpec(work.KindTask, "prices.pull", nil)
	spec.TriggerSource = "scheduler"
	spec.Metadata = map[string]any{"schedule_id": sched.ID}
	run := &ledger.Run{
		ID:        work.NewID(),
		Spec:      spec,
		Status:    work.StatusPending,
		CreatedAt: start,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}
	if err := store.RecordScheduleRun(context.Background(), &ledger.ScheduleRun{
		ID:          work.NewID(),
		ScheduleID:  sched.ID,
		RunID:       run.ID,
		ScheduledAt: start,
		Status:      ledger.ScheduleRunDispatched,
	}); err != nil {
		t.Fatalf("seed schedule run failed: %v", err)
	}

	clock.Advance(61 * time.Second)
	s.Tick(context.Background())
	if submitter.count() != 0 {
		t.Fatal("dispatched past max_instances")
	}

	updated, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.LastRunStatus != ledger.ScheduleRunSkippedInstance {
		t.Errorf("lastRunStatus = %s", updated.LastRunStatus)
	}
}

func TestPrepareValidates(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name  string
		sched ledger.Schedule
	}{
		{"missing name", ledger.Schedule{TargetType: work.KindTask, TargetName: "t", Type: ledger.ScheduleCron, CronExpression: "* * * * *"}},
		{"bad kind", ledger.Schedule{Name: "s", TargetType: "job", TargetName: "t", Type: ledger.ScheduleCron, CronExpression: "* * * * *"}},
		{"bad cron", ledger.Schedule{Name: "s", TargetType: work.KindTask, TargetName: "t", Type: ledger.ScheduleCron, CronExpression: "nope"}},
		{"zero interval", ledger.Schedule{Name: "s", TargetType: work.KindTask, TargetName: "t", Type: ledger.ScheduleInterval}},
		{"one-shot without run_at", ledger.Schedule{Name: "s", TargetType: work.KindTask, TargetName: "t", Type: ledger.ScheduleOneShot}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := tt.sched
			if err := Prepare(&sched, now); err == nil {
				t.Error("accepted")
			}
		})
	}

	good := ledger.Schedule{
		Name:           "ok",
		TargetType:     work.KindTask,
		TargetName:     "t",
		Type:           ledger.ScheduleCron,
		CronExpression: "0 6 * * *",
	}
	if err := Prepare(&good, now); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	if good.NextRunAt == nil || !good.NextRunAt.After(now) {
		t.Errorf("nextRunAt = %v", good.NextRunAt)
	}
	if good.ID == "" {
		t.Error("id not assigned")
	}
}

func TestHealthReportsTicks(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t)
	s := newTestScheduler(t, store, &captureSubmitter{}, clock)

	s.Tick(context.Background())
	clock.Advance(time.Second)
	s.Tick(context.Background())

	health := s.Health()
	if health.TickCount != 2 {
		t.Errorf("tickCount = %d, want 2", health.TickCount)
	}
	if health.Degraded {
		t.Error("degraded after on-time ticks")
	}

	// A huge gap between ticks marks the scheduler degraded.
	clock.Advance(10 * time.Minute)
	s.Tick(context.Background())
	if !s.Health().Degraded {
		t.Error("not degraded after a 10m tick gap")
	}
}
