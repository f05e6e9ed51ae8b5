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
	"strings"
	"testing"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

func testDeadLetter(runID, workflow string) *ledger.DeadLetter {
	return &ledger.DeadLetter{
		ID:         work.NewID(),
		RunID:      runID,
		Workflow:   workflow,
		Params:     map[string]any{"day": "2026-08-20"},
		Error:      "connection refused",
		RetryCount: 3,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestStore_RecordDeadLetter(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	d := testDeadLetter("run-1", "daily-etl")
	if err := store.RecordDeadLetter(ctx, d); err != nil {
		t.Fatalf("failed to record dead letter: %v", err)
	}

	got, err := store.GetDeadLetter(ctx, d.ID)
	if err != nil {
		t.Fatalf("failed to get dead letter: %v", err)
	}
	if got.RunID != "run-1" || got.Error != "connection refused" {
		t.Errorf("dead letter did not round-trip: %+v", got)
	}
	if got.Params["day"] != "2026-08-20" {
		t.Errorf("expected params to round-trip, got %v", got.Params)
	}

	// Same run again is swallowed, not duplicated.
	dup := testDeadLetter("run-1", "daily-etl")
	if err := store.RecordDeadLetter(ctx, dup); err != nil {
		t.Fatalf("expected duplicate record to be a no-op: %v", err)
	}
	page, err := store.ListDeadLetters(ctx, ledger.DeadLetterFilter{}, ledger.Page{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected 1 entry after duplicate record, got %d", page.Total)
	}
}

func TestStore_ListDeadLetters(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	for i, wf := range []string{"etl-a", "etl-b", "etl-a"} {
		d := testDeadLetter(work.NewID(), wf)
		d.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := store.RecordDeadLetter(ctx, d); err != nil {
			t.Fatalf("failed to record: %v", err)
		}
	}

	page, err := store.ListDeadLetters(ctx, ledger.DeadLetterFilter{Workflow: "etl-a"}, ledger.Page{})
	if err != nil {
		t.Fatalf("failed to list filtered: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("expected 2 etl-a entries, got %d", page.Total)
	}

	// Resolved entries drop out of the default view.
	target := page.Letters[0]
	if err := store.ResolveDeadLetter(ctx, target.ID, "oncall", time.Now().UTC()); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	page, err = store.ListDeadLetters(ctx, ledger.DeadLetterFilter{Workflow: "etl-a"}, ledger.Page{})
	if err != nil {
		t.Fatalf("failed to relist: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected resolved entry hidden, got %d", page.Total)
	}
	page, err = store.ListDeadLetters(ctx, ledger.DeadLetterFilter{Workflow: "etl-a", IncludeResolved: true}, ledger.Page{})
	if err != nil {
		t.Fatalf("failed to list all: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("expected resolved entry visible with IncludeResolved, got %d", page.Total)
	}
}

func TestStore_ResolveDeadLetter_Twice(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	d := testDeadLetter("run-2", "daily-etl")
	if err := store.RecordDeadLetter(ctx, d); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := store.ResolveDeadLetter(ctx, d.ID, "alice", time.Now().UTC()); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	err := store.ResolveDeadLetter(ctx, d.ID, "bob", time.Now().UTC())
	if err == nil || !strings.Contains(err.Error(), "already resolved") {
		t.Errorf("expected already-resolved error, got %v", err)
	}

	got, err := store.GetDeadLetter(ctx, d.ID)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.ResolvedBy != "alice" {
		t.Errorf("expected original resolver preserved, got %s", got.ResolvedBy)
	}

	if err := store.ResolveDeadLetter(ctx, "missing", "x", time.Now().UTC()); !batonerrors.IsNotFound(err) {
		t.Errorf("expected not-found for unknown ID, got %v", err)
	}
}

func TestStore_RetriableDeadLetters(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	fresh := testDeadLetter("run-3", "daily-etl")
	fresh.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := store.RecordDeadLetter(ctx, fresh); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	tried := testDeadLetter("run-4", "daily-etl")
	if err := store.RecordDeadLetter(ctx, tried); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := store.MarkRetry(ctx, tried.ID, time.Now().UTC()); err != nil {
		t.Fatalf("failed to mark retry: %v", err)
	}

	resolved := testDeadLetter("run-5", "daily-etl")
	if err := store.RecordDeadLetter(ctx, resolved); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := store.ResolveDeadLetter(ctx, resolved.ID, "oncall", time.Now().UTC()); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	got, err := store.RetriableDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("failed to query retriable: %v", err)
	}
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Errorf("expected only the untried unresolved entry, got %+v", got)
	}
}
