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
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

const sourceColumns = `id, name, type, config, domain, enabled, created_at, updated_at`

// SaveSource inserts or updates a source definition by ID.
func (s *Store) SaveSource(ctx context.Context, src *ledger.Source) error {
	config, err := jsonText(src.Config)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_sources (id, name, type, config, domain, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			config = excluded.config,
			domain = excluded.domain,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		src.ID, src.Name, src.Type, config, nullStr(src.Domain),
		boolInt(src.Enabled), formatTime(src.CreatedAt), formatTime(src.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &batonerrors.AlreadyRegisteredError{Kind: "source", Name: src.Name}
		}
		return fmt.Errorf("saving source: %w", err)
	}
	return nil
}

// GetSource retrieves a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (*ledger.Source, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sourceColumns+" FROM core_sources WHERE id = ?", id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{Resource: "source", ID: id}
	}
	return src, err
}

// GetSourceByName retrieves a source by its unique name.
func (s *Store) GetSourceByName(ctx context.Context, name string) (*ledger.Source, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sourceColumns+" FROM core_sources WHERE name = ?", name)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, &batonerrors.NotFoundError{Resource: "source", ID: name}
	}
	return src, err
}

// ListSources returns sources, optionally scoped to a domain.
func (s *Store) ListSources(ctx context.Context, domain string) ([]ledger.Source, error) {
	query := "SELECT " + sourceColumns + " FROM core_sources"
	var args []any
	if domain != "" {
		query += " WHERE domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var sources []ledger.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// DeleteSource removes a source and its fetch history.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM core_sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &batonerrors.NotFoundError{Resource: "source", ID: id}
	}
	return nil
}

// RecordFetch appends a fetch attempt to the source's history.
func (s *Store) RecordFetch(ctx context.Context, f *ledger.SourceFetch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_source_fetches (
			id, source_id, status, record_count, byte_count, content_hash,
			etag, last_modified, cursor, started_at, completed_at,
			duration_ms, error, retry_count, capture_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SourceID, string(f.Status), f.RecordCount, f.ByteCount,
		nullStr(f.ContentHash), nullStr(f.ETag), nullStr(f.LastModified),
		nullStr(f.Cursor), formatTime(f.StartedAt), formatTimePtr(f.CompletedAt),
		f.DurationMS, nullStr(f.Error), f.RetryCount, nullStr(f.CaptureID))
	if err != nil {
		return fmt.Errorf("recording fetch: %w", err)
	}
	return nil
}

const fetchColumns = `id, source_id, status, record_count, byte_count, content_hash,
	etag, last_modified, cursor, started_at, completed_at, duration_ms,
	error, retry_count, capture_id`

// LastFetch returns the most recent fetch for a source, nil when the
// source has never been fetched.
func (s *Store) LastFetch(ctx context.Context, sourceID string) (*ledger.SourceFetch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fetchColumns+` FROM core_source_fetches
		WHERE source_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, sourceID)
	f, err := scanFetch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// ListFetches returns a page of fetch history, newest first.
func (s *Store) ListFetches(ctx context.Context, sourceID string, page ledger.Page) ([]ledger.SourceFetch, int, error) {
	page = page.Normalize()

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM core_source_fetches WHERE source_id = ?",
		sourceID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting fetches: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fetchColumns+` FROM core_source_fetches
		WHERE source_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`, sourceID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing fetches: %w", err)
	}
	defer rows.Close()

	var fetches []ledger.SourceFetch
	for rows.Next() {
		f, err := scanFetch(rows)
		if err != nil {
			return nil, 0, err
		}
		fetches = append(fetches, *f)
	}
	return fetches, total, rows.Err()
}

// GetCacheEntry returns the cached content hash for a source name, or
// empty string when nothing is cached.
func (s *Store) GetCacheEntry(ctx context.Context, sourceName string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT content_hash FROM core_source_cache WHERE source_name = ?",
		sourceName).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading cache entry: %w", err)
	}
	return hash, nil
}

// PutCacheEntry records the latest content hash for a source name.
func (s *Store) PutCacheEntry(ctx context.Context, sourceName, contentHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_source_cache (source_name, content_hash, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_name) DO UPDATE SET
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		sourceName, contentHash, formatTime(at))
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func scanSource(row scanner) (*ledger.Source, error) {
	var src ledger.Source
	var config, domain sql.NullString
	var enabled int
	var created, updated string

	err := row.Scan(&src.ID, &src.Name, &src.Type, &config, &domain,
		&enabled, &created, &updated)
	if err != nil {
		return nil, err
	}

	src.Domain = domain.String
	src.Enabled = enabled != 0
	if err := scanJSON(config, &src.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling config for %s: %w", src.ID, err)
	}
	if src.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if src.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &src, nil
}

func scanFetch(row scanner) (*ledger.SourceFetch, error) {
	var f ledger.SourceFetch
	var status string
	var recordCount sql.NullInt64
	var byteCount sql.NullInt64
	var hash, etag, lastMod, cursor, errMsg, capture sql.NullString
	var started string
	var completed sql.NullString

	err := row.Scan(&f.ID, &f.SourceID, &status, &recordCount, &byteCount,
		&hash, &etag, &lastMod, &cursor, &started, &completed,
		&f.DurationMS, &errMsg, &f.RetryCount, &capture)
	if err != nil {
		return nil, err
	}

	f.Status = ledger.FetchStatus(status)
	f.RecordCount = int(recordCount.Int64)
	f.ByteCount = byteCount.Int64
	f.ContentHash = hash.String
	f.ETag = etag.String
	f.LastModified = lastMod.String
	f.Cursor = cursor.String
	f.Error = errMsg.String
	f.CaptureID = capture.String
	if f.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if f.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &f, nil
}
