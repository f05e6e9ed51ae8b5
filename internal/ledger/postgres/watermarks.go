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
	"strings"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

// AdvanceWatermark moves the high-water mark forward, never back.
func (s *Store) AdvanceWatermark(ctx context.Context, domain, source, partitionKey, highWater string) (*ledger.Watermark, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_watermarks (domain, source, partition_key, high_water, low_water, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (domain, source, partition_key) DO UPDATE SET
			high_water = excluded.high_water,
			updated_at = excluded.updated_at
		WHERE excluded.high_water > core_watermarks.high_water`,
		domain, source, partitionKey, highWater, highWater, now)
	if err != nil {
		return nil, fmt.Errorf("advancing watermark: %w", err)
	}
	return s.GetWatermark(ctx, domain, source, partitionKey)
}

// GetWatermark returns the marker for one partition.
func (s *Store) GetWatermark(ctx context.Context, domain, source, partitionKey string) (*ledger.Watermark, error) {
	var wm ledger.Watermark
	var low sql.NullString
	var updated time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, source, partition_key, high_water, low_water, updated_at
		FROM core_watermarks
		WHERE domain = $1 AND source = $2 AND partition_key = $3`,
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
	wm.UpdatedAt = updated.UTC()
	return &wm, nil
}

// ListWatermarks returns all markers in a domain, or all domains when
// domain is empty.
func (s *Store) ListWatermarks(ctx context.Context, domain string) ([]ledger.Watermark, error) {
	query := `SELECT domain, source, partition_key, high_water, low_water, updated_at
		FROM core_watermarks`
	var args []any
	if domain != "" {
		query += " WHERE domain = $1"
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
		var updated time.Time
		if err := rows.Scan(&wm.Domain, &wm.Source, &wm.PartitionKey,
			&wm.HighWater, &low, &updated); err != nil {
			return nil, err
		}
		wm.LowWater = low.String
		wm.UpdatedAt = updated.UTC()
		marks = append(marks, wm)
	}
	return marks, rows.Err()
}

// DeleteWatermark removes one partition's marker.
func (s *Store) DeleteWatermark(ctx context.Context, domain, source, partitionKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM core_watermarks
		WHERE domain = $1 AND source = $2 AND partition_key = $3`,
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

// SavePlan inserts or fully replaces a backfill plan.
func (s *Store) SavePlan(ctx context.Context, p *ledger.BackfillPlan) error {
	keys, err := jsonbValue(p.PartitionKeys)
	if err != nil {
		return fmt.Errorf("marshaling partition keys: %w", err)
	}
	completed, err := jsonbValue(p.CompletedKeys)
	if err != nil {
		return fmt.Errorf("marshaling completed keys: %w", err)
	}
	failed, err := jsonbValue(p.FailedKeys)
	if err != nil {
		return fmt.Errorf("marshaling failed keys: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_backfill_plans (
			plan_id, domain, source, reason, partition_keys, status,
			completed_keys, failed_keys, checkpoint, created_by,
			created_at, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (plan_id) DO UPDATE SET
			status = excluded.status,
			completed_keys = excluded.completed_keys,
			failed_keys = excluded.failed_keys,
			checkpoint = excluded.checkpoint,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		p.ID, p.Domain, p.Source, string(p.Reason), keys, string(p.Status),
		completed, failed, nullStr(p.Checkpoint), nullStr(p.CreatedBy),
		p.CreatedAt.UTC(), nullTime(p.StartedAt), nullTime(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a backfill plan by ID.
func (s *Store) GetPlan(ctx context.Context, id string) (*ledger.BackfillPlan, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+planColumns+" FROM core_backfill_plans WHERE plan_id = $1", id)
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
		args = append(args, domain)
		conditions = append(conditions, fmt.Sprintf("domain = $%d", len(args)))
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, string(st))
			marks[i] = fmt.Sprintf("$%d", len(args))
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
	var reason, status string
	var keys, completed, failed []byte
	var checkpoint, createdBy sql.NullString
	var created time.Time
	var started, completedAt sql.NullTime

	err := row.Scan(&p.ID, &p.Domain, &p.Source, &reason, &keys, &status,
		&completed, &failed, &checkpoint, &createdBy, &created, &started, &completedAt)
	if err != nil {
		return nil, err
	}

	p.Reason = ledger.PlanReason(reason)
	p.Status = ledger.PlanStatus(status)
	p.Checkpoint = checkpoint.String
	p.CreatedBy = createdBy.String
	if err := scanJSONB(keys, &p.PartitionKeys); err != nil {
		return nil, fmt.Errorf("unmarshaling partition keys for %s: %w", p.ID, err)
	}
	if err := scanJSONB(completed, &p.CompletedKeys); err != nil {
		return nil, fmt.Errorf("unmarshaling completed keys for %s: %w", p.ID, err)
	}
	if err := scanJSONB(failed, &p.FailedKeys); err != nil {
		return nil, fmt.Errorf("unmarshaling failed keys for %s: %w", p.ID, err)
	}
	p.CreatedAt = created.UTC()
	p.StartedAt = timePtr(started)
	p.CompletedAt = timePtr(completedAt)
	return &p, nil
}
