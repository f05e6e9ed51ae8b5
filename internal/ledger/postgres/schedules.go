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

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

const scheduleColumns = `schedule_id, name, target_type, target_name, params,
	schedule_type, cron_expression, interval_seconds, run_at, timezone,
	enabled, max_instances, misfire_grace_seconds,
	last_run_at, next_run_at, last_run_status, version, created_at, updated_at`

// CreateSchedule inserts a new schedule at version 1.
func (s *Store) CreateSchedule(ctx context.Context, sched *ledger.Schedule) error {
	params, err := jsonbValue(sched.Params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	sched.Version = 1

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_schedules (
			schedule_id, name, target_type, target_name, params,
			schedule_type, cron_expression, interval_seconds, run_at, timezone,
			enabled, max_instances, misfire_grace_seconds,
			last_run_at, next_run_at, last_run_status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		sched.ID, sched.Name, string(sched.TargetType), sched.TargetName, params,
		string(sched.Type), nullStr(sched.CronExpression), sched.IntervalSeconds,
		nullTime(sched.RunAt), sched.Timezone,
		sched.Enabled, sched.MaxInstances, sched.MisfireGraceSeconds,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), sched.Version,
		sched.CreatedAt.UTC(), sched.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return &batonerrors.AlreadyRegisteredError{Kind: "schedule", Name: sched.Name}
		}
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*ledger.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM core_schedules WHERE schedule_id = $1", id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return sched, err
}

// GetScheduleByName retrieves a schedule by its unique name.
func (s *Store) GetScheduleByName(ctx context.Context, name string) (*ledger.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM core_schedules WHERE name = $1", name)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{Resource: "schedule", ID: name}
	}
	return sched, err
}

// ListSchedules returns all schedules, optionally only enabled ones.
func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]ledger.Schedule, error) {
	query := "SELECT " + scheduleColumns + " FROM core_schedules"
	if enabledOnly {
		query += " WHERE enabled"
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// UpdateSchedule writes the schedule back using optimistic concurrency.
func (s *Store) UpdateSchedule(ctx context.Context, sched *ledger.Schedule) error {
	params, err := jsonbValue(sched.Params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE core_schedules SET
			name = $1, target_type = $2, target_name = $3, params = $4,
			schedule_type = $5, cron_expression = $6, interval_seconds = $7,
			run_at = $8, timezone = $9, enabled = $10, max_instances = $11,
			misfire_grace_seconds = $12, last_run_at = $13, next_run_at = $14,
			last_run_status = $15, version = version + 1, updated_at = $16
		WHERE schedule_id = $17 AND version = $18`,
		sched.Name, string(sched.TargetType), sched.TargetName, params,
		string(sched.Type), nullStr(sched.CronExpression), sched.IntervalSeconds,
		nullTime(sched.RunAt), sched.Timezone,
		sched.Enabled, sched.MaxInstances, sched.MisfireGraceSeconds,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), sched.UpdatedAt.UTC(),
		sched.ID, sched.Version)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM core_schedules WHERE schedule_id = $1",
			sched.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return &batonerrors.NotFoundError{Resource: "schedule", ID: sched.ID}
		}
		return ledger.ErrVersionConflict
	}
	sched.Version++
	return nil
}

// DeleteSchedule removes a schedule and its dispatch history.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM core_schedules WHERE schedule_id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &batonerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM core_schedule_locks WHERE schedule_id = $1", id)
	return err
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]ledger.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+` FROM core_schedules
		WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at ASC NULLS FIRST, schedule_id ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// RecordScheduleRun appends a tick outcome.
func (s *Store) RecordScheduleRun(ctx context.Context, sr *ledger.ScheduleRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_schedule_runs (id, schedule_id, run_id, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5)`,
		sr.ID, sr.ScheduleID, nullStr(sr.RunID), sr.ScheduledAt.UTC(), sr.Status)
	if err != nil {
		return fmt.Errorf("recording schedule run: %w", err)
	}
	return nil
}

// CountActiveRuns counts the schedule's dispatched runs that are still
// PENDING or RUNNING.
func (s *Store) CountActiveRuns(ctx context.Context, scheduleID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM core_schedule_runs sr
		JOIN core_runs r ON r.run_id = sr.run_id
		WHERE sr.schedule_id = $1 AND r.status IN ('PENDING', 'RUNNING')`,
		scheduleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active runs: %w", err)
	}
	return count, nil
}

// TryLeaseSchedule attempts to take the schedule's dispatch lease.
func (s *Store) TryLeaseSchedule(ctx context.Context, scheduleID, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO core_schedule_locks (schedule_id, locked_by, locked_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (schedule_id) DO UPDATE SET
			locked_by = excluded.locked_by,
			locked_at = excluded.locked_at,
			expires_at = excluded.expires_at
		WHERE core_schedule_locks.expires_at < excluded.locked_at
		   OR core_schedule_locks.locked_by = excluded.locked_by`,
		scheduleID, holder, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("leasing schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseScheduleLease drops the lease if held by holder.
func (s *Store) ReleaseScheduleLease(ctx context.Context, scheduleID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM core_schedule_locks WHERE schedule_id = $1 AND locked_by = $2",
		scheduleID, holder)
	return err
}

func collectSchedules(rows *sql.Rows) ([]ledger.Schedule, error) {
	var schedules []ledger.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

func scanSchedule(row scanner) (*ledger.Schedule, error) {
	var sched ledger.Schedule
	var targetType, schedType string
	var params []byte
	var cron, lastStatus sql.NullString
	var interval sql.NullInt64
	var runAt, lastRun, nextRun sql.NullTime
	var created, updated time.Time

	err := row.Scan(&sched.ID, &sched.Name, &targetType, &sched.TargetName,
		&params, &schedType, &cron, &interval, &runAt, &sched.Timezone,
		&sched.Enabled, &sched.MaxInstances, &sched.MisfireGraceSeconds,
		&lastRun, &nextRun, &lastStatus, &sched.Version, &created, &updated)
	if err != nil {
		return nil, err
	}

	sched.TargetType = work.Kind(targetType)
	sched.Type = ledger.ScheduleType(schedType)
	sched.CronExpression = cron.String
	sched.IntervalSeconds = int(interval.Int64)
	sched.LastRunStatus = lastStatus.String
	if err := scanJSONB(params, &sched.Params); err != nil {
		return nil, fmt.Errorf("unmarshaling params for %s: %w", sched.ID, err)
	}
	sched.RunAt = timePtr(runAt)
	sched.LastRunAt = timePtr(lastRun)
	sched.NextRunAt = timePtr(nextRun)
	sched.CreatedAt = created.UTC()
	sched.UpdatedAt = updated.UTC()
	return &sched, nil
}
