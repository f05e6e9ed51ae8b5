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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

// AdvanceWatermark moves the high-water mark forward, never back. A
// first write seeds low_water to the same value; regressions are
// swallowed by the upsert's WHERE guard. The returned row reflects
// whatever won, so callers can tell a no-op from an advance.
func (s *Store) AdvanceWatermark(ctx context.Context, domain, source, partitionKey, highWater string) (*ledger.Watermark, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_watermarks (domain, source, partition_key, high_water, low_water, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, source, partition_key) DO UPDATE SET
			high_water = excluded.high_water,
			updated_at = excluded.updated_at
		WHERE excluded.high_water > core_watermarks.high_water`,
		domain, source, partitionKey, highWater, highWater, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("advancing watermark: %w", err)
	}
	return s.GetWatermark(ctx, domain, source, partitionKey)
}

// GetWatermark returns the marker for one partition.
func (s *Store) GetWatermark(ctx context.Context, domain, source, partitionKey string) (*ledger.Watermark, error) {
	var wm ledger.Watermark
	var low sql.NullString
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, source, partition_key, high_water, low_water, updated_at
		FROM core_watermarks
		WHERE domain = ? AND source = ? AND partition_key = ?`,
		domain, source, partitionKey).
		Scan(&wm.Domain, &wm.Source, &wm.PartitionKey, &wm.HighWater, &low, &updated)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{
			Resource: "watermark",
			ID:       domain + "/" + source + "/" + partitionKey,
		}
	}
	if err != nil {
		return nil, err
	}
	wm.LowWater = low.String
	if wm.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &wm, nil
}

// ListWatermarks returns all markers in a domain, or all domains when
// domain is empty. Ordered for stable gap reports.
func (s *Store) ListWatermarks(ctx context.Context, domain string) ([]ledger.Watermark, error) {
	query := `SELECT domain, source, partition_key, high_water, low_water, updated_at
		FROM core_watermarks`
	var args []any
	if domain != "" {
		query += " WHERE domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY domain, source, partition_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing watermarks: %w", err)
	}
	defer rows.Close()

	var marks []ledger.Watermark
	for rows.Next() {
		var wm ledger.Watermark
		var low sql.NullString
		var updated string
		if err := rows.Scan(&wm.Domain, &wm.Source, &wm.PartitionKey,
			&wm.HighWater, &low, &updated); err != nil {
			return nil, err
		}
		wm.LowWater = low.String
		if wm.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		marks = append(marks, wm)
	}
	return marks, rows.Err()
}

// DeleteWatermark removes one partition's marker.
func (s *Store) DeleteWatermark(ctx context.Context, domain, source, partitionKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM core_watermarks
		WHERE domain = ? AND source = ? AND partition_key = ?`,
		domain, source, partitionKey)
	if err != nil {
		return false, fmt.Errorf("deleting watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const planColumns = `plan_id, domain, source, reason, partition_keys, status,
	completed_keys, failed_keys, checkpoint, created_by, created_at, started_at, completed_at`

// SavePlan inserts or fully replaces a backfill plan. The plan's
// progress fields travel with it, so a resumed plan picks up exactly
// where the checkpoint left it.
func (s *Store) SavePlan(ctx context.Context, p *ledger.BackfillPlan) error {
	keys, err := jsonText(p.PartitionKeys)
	if err != nil {
		return fmt.Errorf("marshaling partition keys: %w", err)
	}
	completed, err := jsonText(p.CompletedKeys)
	if err != nil {
		return fmt.Errorf("marshaling completed keys: %w", err)
	}
	failed, err := jsonText(p.FailedKeys)
	if err != nil {
		return fmt.Errorf("marshaling failed keys: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_backfill_plans (
			plan_id, domain, source, reason, partition_keys, status,
			completed_keys, failed_keys, checkpoint, created_by,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			status = excluded.status,
			completed_keys = excluded.completed_keys,
			failed_keys = excluded.failed_keys,
			checkpoint = excluded.checkpoint,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		p.ID, p.Domain, p.Source, string(p.Reason), keys, string(p.Status),
		completed, failed, nullStr(p.Checkpoint), nullStr(p.CreatedBy),
		formatTime(p.CreatedAt), formatTimePtr(p.StartedAt), formatTimePtr(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a backfill plan by ID.
func (s *Store) GetPlan(ctx context.Context, id string) (*ledger.BackfillPlan, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+planColumns+" FROM core_backfill_plans WHERE plan_id = ?", id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{Resource: "backfill plan", ID: id}
	}
	return p, err
}

// ListPlans returns plans for a domain filtered by status, newest first.
func (s *Store) ListPlans(ctx context.Context, domain string, statuses []ledger.PlanStatus) ([]ledger.BackfillPlan, error) {
	var conditions []string
	var args []any
	if domain != "" {
		conditions = append(conditions, "domain = ?")
		args = append(args, domain)
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := "SELECT " + planColumns + " FROM core_backfill_plans"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, plan_id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	var plans []ledger.BackfillPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func scanPlan(row scanner) (*ledger.BackfillPlan, error) {
	var p ledger.BackfillPlan
	var reason, status, keys string
	var completed, failed, checkpoint, createdBy sql.NullString
	var created string
	var started, completedAt sql.NullString

	err := row.Scan(&p.ID, &p.Domain, &p.Source, &reason, &keys, &status,
		&completed, &failed, &checkpoint, &createdBy, &created, &started, &completedAt)
	if err != nil {
		return nil, err
	}

	p.Reason = ledger.PlanReason(reason)
	p.Status = ledger.PlanStatus(status)
	p.Checkpoint = checkpoint.String
	p.CreatedBy = createdBy.String
	if err := scanJSON(sql.NullString{String: keys, Valid: true}, &p.PartitionKeys); err != nil {
		return nil, fmt.Errorf("unmarshaling partition keys for %s: %w", p.ID, err)
	}
	if err := scanJSON(completed, &p.CompletedKeys); err != nil {
		return nil, fmt.Errorf("unmarshaling completed keys for %s: %w", p.ID, err)
	}
	if err := scanJSON(failed, &p.FailedKeys); err != nil {
		return nil, fmt.Errorf("unmarshaling failed keys for %s: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
