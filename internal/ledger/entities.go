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

package ledger

import (
	"time"

	"github.com/skilbeck/baton/pkg/work"
)

// Run is a ledger entry for one execution attempt. The spec is
// denormalised onto the record so the audit trail survives registry and
// definition changes.
type Run struct {
	ID            string         `json:"run_id"`
	Spec          work.Spec      `json:"spec"`
	Status        work.Status    `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorType     string         `json:"error_type,omitempty"`
	ErrorCategory string         `json:"error_category,omitempty"`
	RetryCount    int            `json:"retry_count"`
	CaptureID     string         `json:"capture_id,omitempty"`
}

// Event is one append-only entry in a run's event stream. ID is assigned
// by the store and is monotonic within a run.
type Event struct {
	ID             int64          `json:"event_id"`
	RunID          string         `json:"run_id"`
	StepID         string         `json:"step_id,omitempty"`
	Type           string         `json:"event_type"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ScheduleType selects how a schedule's cadence field is interpreted.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOneShot  ScheduleType = "one_shot"
)

// Valid reports whether t is a known schedule type.
func (t ScheduleType) Valid() bool {
	return t == ScheduleCron || t == ScheduleInterval || t == ScheduleOneShot
}

// Schedule is a when-to-run record. Exactly one of CronExpression,
// IntervalSeconds, RunAt is populated, matching Type.
type Schedule struct {
	ID                  string         `json:"schedule_id"`
	Name                string         `json:"name"`
	TargetType          work.Kind      `json:"target_type"`
	TargetName          string         `json:"target_name"`
	Params              map[string]any `json:"params,omitempty"`
	Type                ScheduleType   `json:"schedule_type"`
	CronExpression      string         `json:"cron_expression,omitempty"`
	IntervalSeconds     int            `json:"interval_seconds,omitempty"`
	RunAt               *time.Time     `json:"run_at,omitempty"`
	Timezone            string         `json:"timezone,omitempty"`
	Enabled             bool           `json:"enabled"`
	MaxInstances        int            `json:"max_instances"`
	MisfireGraceSeconds int            `json:"misfire_grace_seconds"`
	LastRunAt           *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus       string         `json:"last_run_status,omitempty"`
	Version             int            `json:"version"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ScheduleRun statuses.
const (
	ScheduleRunDispatched      = "DISPATCHED"
	ScheduleRunSkippedMisfire  = "SKIPPED_MISFIRE"
	ScheduleRunSkippedInstance = "SKIPPED_MAX_INSTANCES"
)

// ScheduleRun records one tick outcome for a schedule.
type ScheduleRun struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"schedule_id"`
	RunID       string    `json:"run_id,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
}

// ConcurrencyLock is a lease row keyed on a logical identifier. Valid
// while now < ExpiresAt.
type ConcurrencyLock struct {
	Key         string    `json:"lock_key"`
	ExecutionID string    `json:"execution_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DeadLetter captures a terminal failure beyond its retry budget.
type DeadLetter struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Workflow    string         `json:"workflow"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	LastRetryAt *time.Time     `json:"last_retry_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
}

// Watermark is a forward-only progress marker for one partition of one
// source in one domain.
type Watermark struct {
	Domain       string    `json:"domain"`
	Source       string    `json:"source"`
	PartitionKey string    `json:"partition_key"`
	HighWater    string    `json:"high_water"`
	LowWater     string    `json:"low_water,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PlanReason explains why a backfill plan exists.
type PlanReason string

const (
	ReasonGap            PlanReason = "GAP"
	ReasonCorrection     PlanReason = "CORRECTION"
	ReasonSchemaChange   PlanReason = "SCHEMA_CHANGE"
	ReasonQualityFailure PlanReason = "QUALITY_FAILURE"
	ReasonManual         PlanReason = "MANUAL"
)

// Valid reports whether r is a known plan reason.
func (r PlanReason) Valid() bool {
	switch r {
	case ReasonGap, ReasonCorrection, ReasonSchemaChange, ReasonQualityFailure, ReasonManual:
		return true
	}
	return false
}

// PlanStatus is a backfill plan's lifecycle state.
type PlanStatus string

const (
	PlanPlanned   PlanStatus = "PLANNED"
	PlanRunning   PlanStatus = "RUNNING"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanFailed    PlanStatus = "FAILED"
	PlanPartial   PlanStatus = "PARTIAL"
	PlanCancelled PlanStatus = "CANCELLED"
)

// Terminal reports whether the plan admits no further transitions.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanPartial, PlanCancelled:
		return true
	}
	return false
}

// BackfillPlan is a structured, resumable replay of historical partitions.
type BackfillPlan struct {
	ID            string            `json:"plan_id"`
	Domain        string            `json:"domain"`
	Source        string            `json:"source"`
	Reason        PlanReason        `json:"reason"`
	PartitionKeys []string          `json:"partition_keys"`
	Status        PlanStatus        `json:"status"`
	CompletedKeys []string          `json:"completed_keys,omitempty"`
	FailedKeys    map[string]string `json:"failed_keys,omitempty"`
	Checkpoint    string            `json:"checkpoint,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// Source describes an upstream the fetch layer can pull from.
type Source struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config,omitempty"`
	Domain    string         `json:"domain,omitempty"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FetchStatus is the outcome class of one fetch attempt.
type FetchStatus string

const (
	FetchSuccess   FetchStatus = "SUCCESS"
	FetchFailed    FetchStatus = "FAILED"
	FetchNotFound  FetchStatus = "NOT_FOUND"
	FetchUnchanged FetchStatus = "UNCHANGED"
)

// SourceFetch records one fetch attempt against a source.
type SourceFetch struct {
	ID           string      `json:"id"`
	SourceID     string      `json:"source_id"`
	Status       FetchStatus `json:"status"`
	RecordCount  int         `json:"record_count,omitempty"`
	ByteCount    int64       `json:"byte_count,omitempty"`
	ContentHash  string      `json:"content_hash,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"last_modified,omitempty"`
	Cursor       string      `json:"cursor,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	DurationMS   int64       `json:"duration_ms"`
	Error        string      `json:"error,omitempty"`
	RetryCount   int         `json:"retry_count"`
	CaptureID    string      `json:"capture_id,omitempty"`
}
