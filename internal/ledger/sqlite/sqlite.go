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

// Package sqlite implements the ledger contract on SQLite via the pure-Go
// modernc.org/sqlite driver. It is the default store for single-node
// deployments and for tests (":memory:").
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/ledger/migrate"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// timeLayout is fixed-width RFC 3339 with nanoseconds. Padding matters:
// timestamps are stored as TEXT and compared lexicographically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string

	// WAL enables write-ahead logging. Ignored for in-memory databases.
	WAL bool
}

// Store implements ledger.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time interface check.
var _ ledger.Store = (*Store)(nil)

// New opens the database, applies pragmas, and runs pending migrations.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", cfg.Path, err)
	}

	// modernc.org/sqlite serialises writes; one connection avoids
	// SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := configurePragmas(db, cfg); err != nil {
		db.Close()
		return nil, err
	}

	schema, err := fs.Sub(schemaFS, "schema")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema fs: %w", err)
	}
	applied, err := migrate.Run(context.Background(), db, schema, migrate.SQLite)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrating: %w", err)
	}

	logger := slog.Default().With(slog.String("component", "ledger.sqlite"))
	if len(applied) > 0 {
		logger.Info("applied migrations", slog.Int("count", len(applied)))
	}

	return &Store{db: db, logger: logger}, nil
}

func configurePragmas(db *sql.DB, cfg Config) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.WAL && cfg.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

// DB exposes the handle for migration status queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// coreTables lists every table the report covers, in schema order.
var coreTables = []string{
	"core_runs", "core_events", "core_schedules", "core_schedule_runs",
	"core_schedule_locks", "core_concurrency_locks", "core_dead_letters",
	"core_watermarks", "core_backfill_plans", "core_sources",
	"core_source_fetches", "core_source_cache", "_migrations",
}

// Tables reports row counts per core table.
func (s *Store) Tables(ctx context.Context) ([]ledger.TableInfo, error) {
	infos := make([]ledger.TableInfo, 0, len(coreTables))
	for _, name := range coreTables {
		var count int64
		// Table names come from the static list above, never from input.
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+name)
		if err := row.Scan(&count); err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		infos = append(infos, ledger.TableInfo{Name: name, Rows: count})
	}
	return infos, nil
}

// PurgeOldData deletes terminal runs (events cascade via foreign key),
// resolved dead letters, and schedule dispatch history older than the
// cutoff. Active runs are never touched.
func (s *Store) PurgeOldData(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().UTC().Add(-olderThan))

	var total int64
	statements := []struct {
		query string
		args  []any
	}{
		{
			query: `DELETE FROM core_runs
				WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED', 'DEAD_LETTERED')
				  AND created_at < ?`,
			args: []any{cutoff},
		},
		{
			query: "DELETE FROM core_dead_letters WHERE resolved_at IS NOT NULL AND created_at < ?",
			args:  []any{cutoff},
		},
		{
			query: "DELETE FROM core_schedule_runs WHERE scheduled_at < ?",
			args:  []any{cutoff},
		},
	}

	for _, stmt := range statements {
		res, err := s.db.ExecContext(ctx, stmt.query, stmt.args...)
		if err != nil {
			return total, fmt.Errorf("purging: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	s.logger.Info("purged old data",
		slog.Int64("rows", total),
		slog.Duration("older_than", olderThan))
	return total, nil
}

// isUniqueViolation detects constraint conflicts from the driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// jsonText marshals v to a TEXT column value; nil maps store as NULL.
func jsonText(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if val == nil {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if val == nil {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// scanJSON unmarshals a TEXT column into dst, leaving dst untouched for
// NULL values.
func scanJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
