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

// Package migrate applies SQL schema files in filename order and tracks
// the applied set in a _migrations table, so re-running is a no-op.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"time"
)

// Dialect selects placeholder syntax for the tracking statements.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		if d == Postgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

// Run applies every *.sql file in schema, in ascending filename order,
// skipping files already recorded in _migrations. Each file executes in
// its own transaction together with its tracking row; the first failure
// stops the run. Returns the filenames applied by this call.
func Run(ctx context.Context, db *sql.DB, schema fs.FS, dialect Dialect) ([]string, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			filename TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("creating _migrations table: %w", err)
	}

	files, err := fs.Glob(schema, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("globbing schema files: %w", err)
	}
	sort.Strings(files)

	applied, err := appliedSet(ctx, db)
	if err != nil {
		return nil, err
	}

	ph := dialect.placeholders(2)
	var ran []string
	for _, name := range files {
		if applied[name] {
			continue
		}

		ddl, err := fs.ReadFile(schema, name)
		if err != nil {
			return ran, fmt.Errorf("reading %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return ran, fmt.Errorf("beginning transaction for %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("applying %s: %w", name, err)
		}

		track := fmt.Sprintf(
			"INSERT INTO _migrations (filename, applied_at) VALUES (%s, %s)",
			ph[0], ph[1])
		if _, err := tx.ExecContext(ctx, track, name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("recording %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("committing %s: %w", name, err)
		}
		ran = append(ran, name)
	}

	return ran, nil
}

// Applied returns the filenames recorded in _migrations, sorted.
func Applied(ctx context.Context, db *sql.DB) ([]string, error) {
	set, err := appliedSet(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func appliedSet(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT filename FROM _migrations")
	if err != nil {
		return nil, fmt.Errorf("reading _migrations: %w", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[name] = true
	}
	return set, rows.Err()
}
