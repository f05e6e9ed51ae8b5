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

package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skilbeck/baton/internal/ledger/sqlite"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

func createTestGuard(t *testing.T) (*Guard, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestGuard_AcquireContention(t *testing.T) {
	g, _ := createTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "workflow:daily-etl", "run-1", time.Minute); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	// Re-entry by the holder refreshes rather than contends.
	if err := g.Acquire(ctx, "workflow:daily-etl", "run-1", time.Minute); err != nil {
		t.Fatalf("re-entrant acquire errored: %v", err)
	}

	err := g.Acquire(ctx, "workflow:daily-etl", "run-2", time.Minute)
	if !batonerrors.IsLockContention(err) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	var contention *batonerrors.LockContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("expected LockContentionError, got %T", err)
	}
	if contention.Key != "workflow:daily-etl" {
		t.Errorf("expected contended key in error, got %q", contention.Key)
	}
	if contention.Holder != "run-1" {
		t.Errorf("expected holder run-1, got %q", contention.Holder)
	}
}

func TestGuard_AcquireValidation(t *testing.T) {
	g, _ := createTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "", "run-1", time.Minute); !batonerrors.IsValidation(err) {
		t.Errorf("expected validation error for empty key, got %v", err)
	}
	if err := g.Acquire(ctx, "some-key", "", time.Minute); !batonerrors.IsValidation(err) {
		t.Errorf("expected validation error for empty execution id, got %v", err)
	}
}

func TestGuard_ReleaseAndForceRelease(t *testing.T) {
	g, _ := createTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "rel-key", "run-1", time.Minute); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	if ok, _ := g.Release(ctx, "rel-key", "run-2"); ok {
		t.Error("expected non-holder release to be a no-op")
	}
	if ok, _ := g.Release(ctx, "rel-key", "run-1"); !ok {
		t.Error("expected holder release to succeed")
	}

	// After release the key is free for the next execution.
	if err := g.Acquire(ctx, "rel-key", "run-2", time.Minute); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}

	// Force release takes the key away without the holder's identity.
	if ok, _ := g.Release(ctx, "rel-key", ""); !ok {
		t.Error("expected force release to succeed")
	}
	if err := g.Acquire(ctx, "rel-key", "run-3", time.Minute); err != nil {
		t.Fatalf("expected acquire after force release, got %v", err)
	}
}

func TestGuard_Extend(t *testing.T) {
	g, store := createTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "ext-key", "run-1", time.Minute); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	before, err := store.GetLock(ctx, "ext-key")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}

	if ok, err := g.Extend(ctx, "ext-key", "run-1", time.Hour); err != nil || !ok {
		t.Fatalf("expected holder extend to succeed, got ok=%v err=%v", ok, err)
	}

	after, err := store.GetLock(ctx, "ext-key")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Errorf("expected expiry pushed out, before=%v after=%v", before.ExpiresAt, after.ExpiresAt)
	}

	if ok, _ := g.Extend(ctx, "ext-key", "run-2", time.Hour); ok {
		t.Error("expected non-holder extend to fail")
	}
}

func TestGuard_CleanupExpired(t *testing.T) {
	g, store := createTestGuard(t)
	ctx := context.Background()

	// Negative TTLs create already-expired leases.
	for _, key := range []string{"stale-1", "stale-2"} {
		if _, err := store.AcquireLock(ctx, key, "run-old", -time.Minute); err != nil {
			t.Fatalf("failed to seed expired lock: %v", err)
		}
	}
	if err := g.Acquire(ctx, "live-key", "run-1", time.Hour); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	n, err := g.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup errored: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired leases reaped, got %d", n)
	}
	lock, err := store.GetLock(ctx, "live-key")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}
	if lock == nil {
		t.Error("expected live lease to survive cleanup")
	}
}

func TestGuard_KeepAlive(t *testing.T) {
	g, store := createTestGuard(t)
	ctx := context.Background()

	// Cancellation stops the heartbeat without error.
	if err := g.Acquire(ctx, "hb-key", "run-1", time.Hour); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- g.KeepAlive(cancelCtx, "hb-key", "run-1", time.Hour) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("keepalive did not stop on cancellation")
	}

	// A stolen lease surfaces as contention on the next beat.
	if err := g.Acquire(ctx, "stolen-key", "run-1", 2*time.Second); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if _, err := store.ReleaseLock(ctx, "stolen-key", ""); err != nil {
		t.Fatalf("failed to force release: %v", err)
	}
	if err := g.Acquire(ctx, "stolen-key", "run-2", time.Hour); err != nil {
		t.Fatalf("failed to re-acquire as thief: %v", err)
	}

	err := g.KeepAlive(ctx, "stolen-key", "run-1", 2*time.Second)
	if !batonerrors.IsLockContention(err) {
		t.Fatalf("expected contention when lease lost, got %v", err)
	}
}

func TestRenderKey(t *testing.T) {
	params := map[string]any{"tenant": "acme", "shard": 3}

	cases := []struct {
		template string
		want     string
	}{
		{"global-refresh", "global-refresh"},
		{"workflow:{name}", "workflow:nightly-sync"},
		{"{kind}:{name}", "workflow:nightly-sync"},
		{"etl:{params.tenant}", "etl:acme"},
		{"etl:{params.tenant}:{params.shard}", "etl:acme:3"},
	}
	for _, tc := range cases {
		got, err := RenderKey(tc.template, work.KindWorkflow, "nightly-sync", params)
		if err != nil {
			t.Errorf("RenderKey(%q) errored: %v", tc.template, err)
			continue
		}
		if got != tc.want {
			t.Errorf("RenderKey(%q) = %q, want %q", tc.template, got, tc.want)
		}
	}

	if _, err := RenderKey("etl:{params.missing}", work.KindWorkflow, "w", params); !batonerrors.IsValidation(err) {
		t.Errorf("expected validation error for missing param, got %v", err)
	}
	if _, err := RenderKey("etl:{bogus}", work.KindWorkflow, "w", params); !batonerrors.IsValidation(err) {
		t.Errorf("expected validation error for unknown placeholder, got %v", err)
	}
	if _, err := RenderKey("{name}", work.KindWorkflow, "", nil); !batonerrors.IsValidation(err) {
		t.Errorf("expected validation error for empty render, got %v", err)
	}
}
