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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

const runColumns = `run_id, kind, name, spec, status, lane, priority,
	trigger_source, correlation_id, parent_run_id, idempotency_key,
	retry_count, capture_id, result, error, error_type, error_category,
	created_at, started_at, completed_at`

// CreateRun persists a PENDING run and its run.created event atomically.
func (s *Store) CreateRun(ctx context.Context, run *ledger.Run) error {
	specJSON, err := json.Marshal(run.Spec)
	if err != nil {
		return fmt.Errorf("marshaling spec: %w", err)
	}
	result, err := jsonbValue(run.Result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_runs (
			run_id, kind, name, spec, status, lane, priority,
			trigger_source, correlation_id, parent_run_id, idempotency_key,
			retry_count, capture_id, result, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, string(run.Spec.Kind), run.Spec.Name, specJSON,
		string(run.Status), run.Spec.Lane, string(run.Spec.Priority),
		nullStr(run.Spec.TriggerSource), nullStr(run.Spec.CorrelationID),
		nullStr(run.Spec.ParentRunID), nullStr(run.Spec.IdempotencyKey),
		run.RetryCount, nullStr(run.CaptureID), result, run.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("inserting run: %w", err)
	}

	payload, err := jsonbValue(map[string]any{
		"kind":           string(run.Spec.Kind),
		"name":           run.Spec.Name,
		"lane":           run.Spec.Lane,
		"trigger_source": run.Spec.TriggerSource,
	})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_events (run_id, event_type, timestamp, payload)
		VALUES ($1, $2, $3, $4)`,
		run.ID, work.EventRunCreated, run.CreatedAt.UTC(), payload)
	if err != nil {
		return fmt.Errorf("recording run.created: %w", err)
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*ledger.Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM core_runs WHERE run_id = $1", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{Resource: "run", ID: id}
	}
	return run, err
}

// UpdateStatus applies a lifecycle transition and records the matching
// event in the same transaction. The conditional UPDATE re-checks the
// previous status so racing writers cannot double-apply a transition.
func (s *Store) UpdateStatus(ctx context.Context, id string, to work.Status, update ledger.StatusUpdate) (*ledger.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM core_runs WHERE run_id = $1 FOR UPDATE", id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, err
	}

	from := work.Status(current)
	if !work.CanTransition(from, to) {
		return nil, &batonerrors.InvalidTransitionError{
			RunID: id, From: string(from), To: string(to),
		}
	}

	result, err := jsonbValue(update.Result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE core_runs SET
			status = $1,
			result = COALESCE($2, result),
			error = COALESCE($3, error),
			error_type = COALESCE($4, error_type),
			error_category = COALESCE($5, error_category),
			started_at = COALESCE($6, started_at),
			completed_at = COALESCE($7, completed_at)
		WHERE run_id = $8 AND status = $9`,
		string(to), result, nullStr(update.Error), nullStr(update.ErrorType),
		nullStr(update.ErrorCategory), nullTime(update.StartedAt),
		nullTime(update.CompletedAt), id, current)
	if err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &batonerrors.InvalidTransitionError{
			RunID: id, From: string(from), To: string(to),
		}
	}

	payload := map[string]any{"from": string(from), "to": string(to)}
	if update.Error != "" {
		payload["error"] = update.Error
		payload["error_category"] = update.ErrorCategory
	}
	payloadJSON, err := jsonbValue(payload)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_events (run_id, event_type, timestamp, payload)
		VALUES ($1, $2, $3, $4)`,
		id, work.StatusEvent(to), time.Now().UTC(), payloadJSON)
	if err != nil {
		return nil, fmt.Errorf("recording status event: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM core_runs WHERE run_id = $1", id)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// FindActiveByKey returns the PENDING or RUNNING holder of the key.
func (s *Store) FindActiveByKey(ctx context.Context, idempotencyKey string) (*ledger.Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+` FROM core_runs
		WHERE idempotency_key = $1 AND status IN ('PENDING', 'RUNNING')
		LIMIT 1`, idempotencyKey)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a page of runs matching the filter.
func (s *Store) ListRuns(ctx context.Context, filter ledger.RunFilter, page ledger.Page, sort ledger.Sort) (*ledger.RunPage, error) {
	page = page.Normalize()

	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = arg(string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = "+arg(string(filter.Kind)))
	}
	if filter.Name != "" {
		conditions = append(conditions, "name = "+arg(filter.Name))
	}
	if filter.TriggerSource != "" {
		conditions = append(conditions, "trigger_source = "+arg(filter.TriggerSource))
	}
	if filter.CorrelationID != "" {
		conditions = append(conditions, "correlation_id = "+arg(filter.CorrelationID))
	}
	if filter.ParentRunID != "" {
		conditions = append(conditions, "parent_run_id = "+arg(filter.ParentRunID))
	}
	if filter.CreatedAfter != nil {
		conditions = append(conditions, "created_at >= "+arg(filter.CreatedAfter.UTC()))
	}
	if filter.CreatedBefore != nil {
		conditions = append(conditions, "created_at < "+arg(filter.CreatedBefore.UTC()))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM core_runs"+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	query := "SELECT " + runColumns + " FROM core_runs" + where +
		orderClause(sort) +
		fmt.Sprintf(" LIMIT %s OFFSET %s", arg(page.Limit), arg(page.Offset))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	runs := make([]ledger.Run, 0, page.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ledger.RunPage{
		Runs:    runs,
		Total:   total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.Offset+len(runs) < total,
	}, nil
}

func orderClause(sort ledger.Sort) string {
	switch sort {
	case ledger.SortStatus:
		return " ORDER BY status ASC, created_at DESC, run_id DESC"
	case ledger.SortName:
		return " ORDER BY name ASC, created_at DESC, run_id DESC"
	default:
		return " ORDER BY created_at DESC, run_id DESC"
	}
}

// RecordEvent appends an event, silently skipping duplicates by
// idempotency key.
func (s *Store) RecordEvent(ctx context.Context, event *ledger.Event) error {
	payload, err := jsonbValue(event.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_events
			(run_id, step_id, event_type, timestamp, payload, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		event.RunID, nullStr(event.StepID), event.Type, ts.UTC(),
		payload, nullStr(event.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events ordered by event ID.
func (s *Store) ListEvents(ctx context.Context, runID string, page ledger.Page) ([]ledger.Event, int, error) {
	page = page.Normalize()

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM core_events WHERE run_id = $1", runID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, step_id, event_type, timestamp, payload, idempotency_key
		FROM core_events
		WHERE run_id = $1
		ORDER BY event_id ASC
		LIMIT $2 OFFSET $3`, runID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var ev ledger.Event
		var stepID, key sql.NullString
		var payload []byte
		var ts time.Time
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &ev.Type, &ts, &payload, &key); err != nil {
			return nil, 0, err
		}
		ev.StepID = stepID.String
		ev.IdempotencyKey = key.String
		ev.Timestamp = ts.UTC()
		if err := scanJSONB(payload, &ev.Payload); err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*ledger.Run, error) {
	var run ledger.Run
	var kind, name, status, lane, priority string
	var spec []byte
	var trigger, correlation, parent, idemKey, capture sql.NullString
	var result []byte
	var errMsg, errType, errCat sql.NullString
	var created time.Time
	var started, completed sql.NullTime

	err := row.Scan(&run.ID, &kind, &name, &spec, &status, &lane, &priority,
		&trigger, &correlation, &parent, &idemKey, &run.RetryCount, &capture,
		&result, &errMsg, &errType, &errCat, &created, &started, &completed)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(spec, &run.Spec); err != nil {
		return nil, fmt.Errorf("unmarshaling spec for %s: %w", run.ID, err)
	}
	run.Status = work.Status(status)
	run.CaptureID = capture.String
	run.Error = errMsg.String
	run.ErrorType = errType.String
	run.ErrorCategory = errCat.String
	if err := scanJSONB(result, &run.Result); err != nil {
		return nil, fmt.Errorf("unmarshaling result for %s: %w", run.ID, err)
	}

	run.CreatedAt = created.UTC()
	run.StartedAt = timePtr(started)
	run.CompletedAt = timePtr(completed)
	return &run, nil
}
