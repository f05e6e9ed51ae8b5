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

const deadLetterColumns = `id, run_id, workflow, params, error,
	retry_count, max_retries, created_at, last_retry_at, resolved_at, resolved_by`

// RecordDeadLetter captures a run that exhausted its retry budget. The
// UNIQUE constraint on run_id keeps one entry per failed run even when
// the executor and a sweeper race.
func (s *Store) RecordDeadLetter(ctx context.Context, d *ledger.DeadLetter) error {
	params, err := jsonText(d.Params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_dead_letters
			(id, run_id, workflow, params, error, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		d.ID, d.RunID, d.Workflow, params, d.Error,
		d.RetryCount, d.MaxRetries, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter retrieves an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*ledger.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deadLetterColumns+" FROM core_dead_letters WHERE id = ?", id)
	d, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{Resource: "dead letter", ID: id}
	}
	return d, err
}

// ListDeadLetters returns a page of entries, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, filter ledger.DeadLetterFilter, page ledger.Page) (*ledger.DeadLetterPage, error) {
	page = page.Normalize()

	var conditions []string
	var args []any
	if filter.Workflow != "" {
		conditions = append(conditions, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if !filter.IncludeResolved {
		conditions = append(conditions, "resolved_at IS NULL")
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM core_dead_letters"+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("counting dead letters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deadLetterColumns+" FROM core_dead_letters"+where+
			" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]ledger.DeadLetter, 0, page.Limit)
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ledger.DeadLetterPage{
		Letters: letters,
		Total:   total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.Offset+len(letters) < total,
	}, nil
}

// MarkRetry stamps the entry's last retry time.
func (s *Store) MarkRetry(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE core_dead_letters SET last_retry_at = ? WHERE id = ?",
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("marking retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &batonerrors.NotFoundError{Resource: "dead letter", ID: id}
	}
	return nil
}

// ResolveDeadLetter closes the entry. Resolving twice is an error so
// operators see stale tooling rather than silently clobbering the
// original resolution.
func (s *Store) ResolveDeadLetter(ctx context.Context, id, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE core_dead_letters SET resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`,
		formatTime(at), nullStr(by), id)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetDeadLetter(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("dead letter %s already resolved", id)
	}
	return nil
}

// RetriableDeadLetters returns unresolved entries that have never been
// retried, oldest first.
func (s *Store) RetriableDeadLetters(ctx context.Context, limit int) ([]ledger.DeadLetter, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deadLetterColumns+` FROM core_dead_letters
		WHERE resolved_at IS NULL AND last_retry_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying retriable dead letters: %w", err)
	}
	defer rows.Close()

	var entries []ledger.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *d)
	}
	return entries, rows.Err()
}

func scanDeadLetter(row scanner) (*ledger.DeadLetter, error) {
	var d ledger.DeadLetter
	var params, resolvedBy sql.NullString
	var created string
	var lastRetry, resolved sql.NullString

	err := row.Scan(&d.ID, &d.RunID, &d.Workflow, &params, &d.Error,
		&d.RetryCount, &d.MaxRetries, &created, &lastRetry, &resolved, &resolvedBy)
	if err != nil {
		return nil, err
	}

	d.ResolvedBy = resolvedBy.String
	if err := scanJSON(params, &d.Params); err != nil {
		return nil, fmt.Errorf("unmarshaling params for %s: %w", d.ID, err)
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if d.LastRetryAt, err = parseTimePtr(lastRetry); err != nil {
		return nil, err
	}
	if d.ResolvedAt, err = parseTimePtr(resolved); err != nil {
		return nil, err
	}
	return &d, nil
}
