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

// Package ledger defines the persistence contract for the execution core.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on the
// slice of storage they touch:
//
//   - RunStore (required): run records and status transitions
//   - EventStore (required): append-only execution events
//   - ScheduleStore: schedules, schedule runs, schedule leases
//   - LockStore: concurrency locks
//   - DeadLetterStore: dead letters
//   - WatermarkStore: forward-only progress markers
//   - PlanStore: backfill plans
//   - SourceStore: sources, fetch history, content-hash cache
//   - MaintenanceStore: retention purge, lock sweep, health
//
// Store composes all of them for full-featured backends (sqlite, postgres).
// Components accept the narrow interface they need and stay testable
// against fakes.
package ledger

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/skilbeck/baton/pkg/work"
)

// Sentinel errors shared by backends.
var (
	// ErrDuplicateIdempotencyKey reports that an active run already holds
	// the spec's idempotency key. Callers resolve it via FindActiveByKey.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key held by an active run")

	// ErrVersionConflict reports an optimistic-concurrency failure on a
	// schedule update.
	ErrVersionConflict = errors.New("schedule version conflict")
)

// RunStore persists run records and enforces lifecycle transitions.
type RunStore interface {
	// CreateRun persists a new PENDING run and records its run.created
	// event in the same transaction.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateStatus moves a run to a new status, applying the update's
	// result/error/timestamp fields, and records the matching status
	// event in the same transaction. Illegal transitions fail with
	// InvalidTransitionError.
	UpdateStatus(ctx context.Context, id string, to work.Status, update StatusUpdate) (*Run, error)

	// FindActiveByKey returns the PENDING or RUNNING run holding the
	// given idempotency key, or nil when no active holder exists.
	FindActiveByKey(ctx context.Context, idempotencyKey string) (*Run, error)

	// ListRuns returns a page of runs matching the filter.
	ListRuns(ctx context.Context, filter RunFilter, page Page, sort Sort) (*RunPage, error)
}

// StatusUpdate carries the optional fields a status transition writes.
type StatusUpdate struct {
	Result        map[string]any
	Error         string
	ErrorType     string
	ErrorCategory string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// EventStore appends and reads per-run execution events.
type EventStore interface {
	// RecordEvent appends an event. When the event carries an idempotency
	// key that was already recorded, the append is silently skipped.
	RecordEvent(ctx context.Context, event *Event) error

	// ListEvents returns a run's events ordered by event ID, plus the
	// total count.
	ListEvents(ctx context.Context, runID string, page Page) ([]Event, int, error)
}

// ScheduleStore persists schedules, their dispatch history, and the
// per-schedule lease that keeps multiple scheduler instances from
// double-dispatching.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (*Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error)

	// UpdateSchedule writes the full schedule row guarded by its version
	// (optimistic concurrency); the stored version increments on success.
	UpdateSchedule(ctx context.Context, s *Schedule) error

	DeleteSchedule(ctx context.Context, id string) error

	// DueSchedules returns enabled schedules with nextRunAt <= now or
	// nextRunAt unset, ordered by (nextRunAt ASC, scheduleId ASC).
	DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)

	// RecordScheduleRun appends one dispatch (or skip) record.
	RecordScheduleRun(ctx context.Context, sr *ScheduleRun) error

	// CountActiveRuns counts PENDING/RUNNING runs dispatched from the
	// schedule; used to honour maxInstances.
	CountActiveRuns(ctx context.Context, scheduleID string) (int, error)

	// TryLeaseSchedule atomically takes or refreshes the schedule lease.
	// Returns false when another live holder owns it.
	TryLeaseSchedule(ctx context.Context, scheduleID, holder string, ttl time.Duration) (bool, error)

	// ReleaseScheduleLease drops the lease if held by holder.
	ReleaseScheduleLease(ctx context.Context, scheduleID, holder string) error
}

// LockStore persists concurrency-guard leases.
type LockStore interface {
	// AcquireLock atomically inserts the lock row when the key is free,
	// expired, or already held by the same execution (reentrant).
	AcquireLock(ctx context.Context, key, executionID string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the row; with executionID set only the owner's
	// row is deleted. Reports whether a row was removed.
	ReleaseLock(ctx context.Context, key, executionID string) (bool, error)

	// ExtendLock pushes the expiry forward, own-lock only.
	ExtendLock(ctx context.Context, key, executionID string, ttl time.Duration) (bool, error)

	// GetLock returns the current lock row, nil when absent.
	GetLock(ctx context.Context, key string) (*ConcurrencyLock, error)

	// CleanupExpiredLocks batch-deletes rows past their expiry.
	CleanupExpiredLocks(ctx context.Context, now time.Time) (int, error)
}

// DeadLetterStore persists terminal failures beyond their retry budget.
type DeadLetterStore interface {
	// RecordDeadLetter inserts the row; repeated records for the same run
	// ID are ignored.
	RecordDeadLetter(ctx context.Context, d *DeadLetter) error

	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter, page Page) (*DeadLetterPage, error)

	// MarkRetry increments the DLQ retry count and stamps lastRetryAt.
	MarkRetry(ctx context.Context, id string, at time.Time) error

	// ResolveDeadLetter marks the letter handled without replay.
	ResolveDeadLetter(ctx context.Context, id, by string, at time.Time) error

	// RetriableDeadLetters returns unresolved letters with retry budget
	// left, oldest first, bounded by limit.
	RetriableDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// WatermarkStore persists forward-only progress markers.
type WatermarkStore interface {
	// AdvanceWatermark performs a conditional upsert: the row moves only
	// when highWater is strictly greater than the stored value. The
	// returned watermark is the stored state after the call either way.
	AdvanceWatermark(ctx context.Context, domain, source, partitionKey, highWater string) (*Watermark, error)

	GetWatermark(ctx context.Context, domain, source, partitionKey string) (*Watermark, error)

	// ListWatermarks returns watermarks, optionally filtered by domain.
	ListWatermarks(ctx context.Context, domain string) ([]Watermark, error)

	DeleteWatermark(ctx context.Context, domain, source, partitionKey string) (bool, error)
}

// PlanStore persists backfill plans.
type PlanStore interface {
	// SavePlan upserts the full plan row, including partition outcome
	// sets and checkpoint.
	SavePlan(ctx context.Context, p *BackfillPlan) error

	GetPlan(ctx context.Context, id string) (*BackfillPlan, error)
	ListPlans(ctx context.Context, domain string, statuses []PlanStatus) ([]BackfillPlan, error)
}

// SourceStore persists sources, their fetch history, and the durable
// content-hash cache.
type SourceStore interface {
	SaveSource(ctx context.Context, s *Source) error
	GetSource(ctx context.Context, id string) (*Source, error)
	GetSourceByName(ctx context.Context, name string) (*Source, error)
	ListSources(ctx context.Context, domain string) ([]Source, error)
	DeleteSource(ctx context.Context, id string) error

	RecordFetch(ctx context.Context, f *SourceFetch) error
	LastFetch(ctx context.Context, sourceID string) (*SourceFetch, error)
	ListFetches(ctx context.Context, sourceID string, page Page) ([]SourceFetch, int, error)

	// GetCacheEntry returns the cached content hash for a source, empty
	// when absent.
	GetCacheEntry(ctx context.Context, sourceName string) (string, error)

	// PutCacheEntry upserts the cached content hash.
	PutCacheEntry(ctx context.Context, sourceName, contentHash string, at time.Time) error
}

// MaintenanceStore covers retention and health concerns.
type MaintenanceStore interface {
	// PurgeOldData deletes terminal runs (events cascade) older than the
	// cutoff, plus resolved dead letters past it. Active runs are never
	// touched. Returns rows deleted.
	PurgeOldData(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Tables reports row counts per core table, for operational surface.
	Tables(ctx context.Context) ([]TableInfo, error)
}

// Store is the composite contract full backends implement.
type Store interface {
	RunStore
	EventStore
	ScheduleStore
	LockStore
	DeadLetterStore
	WatermarkStore
	PlanStore
	SourceStore
	MaintenanceStore
	io.Closer
}

// RunFilter narrows ListRuns. Zero values mean "any".
type RunFilter struct {
	Statuses      []work.Status
	Kind          work.Kind
	Name          string
	TriggerSource string
	CorrelationID string
	ParentRunID   string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Page is limit/offset pagination. Limit <= 0 falls back to DefaultLimit.
type Page struct {
	Limit  int
	Offset int
}

// DefaultLimit bounds unpaginated list calls.
const DefaultLimit = 50

// Normalize clamps the page into usable bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Sort orders ListRuns results.
type Sort string

const (
	// SortCreatedDesc is the default: newest first.
	SortCreatedDesc Sort = "created_at_desc"

	// SortCreatedAsc is oldest first, used by recovery scans.
	SortCreatedAsc Sort = "created_at_asc"

	// SortStatus groups by status, newest first within a status.
	SortStatus Sort = "status"

	// SortName orders by spec name, newest first within a name.
	SortName Sort = "name"
)

// RunPage is one page of runs plus the totals pagination needs.
type RunPage struct {
	Runs    []Run `json:"runs"`
	Total   int   `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	Workflow        string
	IncludeResolved bool
}

// DeadLetterPage is one page of dead letters.
type DeadLetterPage struct {
	Letters []DeadLetter `json:"letters"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
}

// TableInfo is one row of the operational table report.
type TableInfo struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}
