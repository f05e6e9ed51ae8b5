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

// Package guard provides per-key mutual exclusion backed by ledger
// lease rows. A lease is valid until it expires; expired leases are
// stealable on the next acquire and swept by CleanupExpired. The guard
// never blocks waiting for a lock: contention is reported immediately
// so the caller can reject or retry.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// DefaultTTL is the lease duration when the caller does not supply one.
const DefaultTTL = 5 * time.Minute

// placeholderPattern matches {name}, {kind} and {params.x} segments in
// lock key templates.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// Guard coordinates exclusive execution by logical key.
type Guard struct {
	locks  ledger.LockStore
	ttl    time.Duration
	logger *slog.Logger
}

// Option adjusts Guard construction.
type Option func(*Guard)

// WithDefaultTTL overrides the lease duration used when Acquire is
// called with a zero TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// New creates a Guard over the given lock store.
func New(locks ledger.LockStore, opts ...Option) *Guard {
	g := &Guard{
		locks:  locks,
		ttl:    DefaultTTL,
		logger: slog.Default().With(slog.String("component", "guard")),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire takes the lease on key for executionID, or reports
// contention. Acquiring a key already held by executionID refreshes
// the lease. A zero ttl uses the guard's default.
func (g *Guard) Acquire(ctx context.Context, key, executionID string, ttl time.Duration) error {
	if key == "" {
		return &batonerrors.ValidationError{Field: "lockKey", Message: "lock key is empty"}
	}
	if executionID == "" {
		return &batonerrors.ValidationError{Field: "executionId", Message: "execution id is empty"}
	}
	if ttl <= 0 {
		ttl = g.ttl
	}

	ok, err := g.locks.AcquireLock(ctx, key, executionID, ttl)
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if ok {
		return nil
	}

	contention := &batonerrors.LockContentionError{Key: key}
	if lock, err := g.locks.GetLock(ctx, key); err == nil && lock != nil {
		contention.Holder = lock.ExecutionID
	}
	g.logger.Debug("lock contention",
		slog.String("key", key),
		slog.String("requested_by", executionID),
		slog.String("held_by", contention.Holder))
	return contention
}

// Release drops the lease held by executionID. An empty executionID
// force-releases the key regardless of the holder. Returns whether a
// lease was actually removed.
func (g *Guard) Release(ctx context.Context, key, executionID string) (bool, error) {
	if key == "" {
		return false, &batonerrors.ValidationError{Field: "lockKey", Message: "lock key is empty"}
	}
	return g.locks.ReleaseLock(ctx, key, executionID)
}

// Extend pushes the lease expiry out for the current holder. Returns
// false when executionID no longer holds the key.
func (g *Guard) Extend(ctx context.Context, key, executionID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = g.ttl
	}
	return g.locks.ExtendLock(ctx, key, executionID, ttl)
}

// CleanupExpired removes leases whose expiry has passed.
func (g *Guard) CleanupExpired(ctx context.Context) (int, error) {
	return g.locks.CleanupExpiredLocks(ctx, time.Now().UTC())
}

// KeepAlive extends the lease at half-TTL intervals until ctx is
// cancelled. It returns nil on cancellation and an error when the
// lease was lost to another holder, so long-running work can notice
// it no longer owns the key.
func (g *Guard) KeepAlive(ctx context.Context, key, executionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.ttl
	}
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ok, err := g.locks.ExtendLock(ctx, key, executionID, ttl)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				g.logger.Warn("lease heartbeat failed",
					slog.String("key", key),
					slog.String("error", err.Error()))
				continue
			}
			if !ok {
				return &batonerrors.LockContentionError{Key: key}
			}
		}
	}
}

// RenderKey expands a lock key template against a submission. Three
// placeholder forms are supported: {name} and {kind} from the spec, and
// {params.x} from the submitted parameters. Unknown placeholders and
// missing parameters are validation errors so misconfigured templates
// fail at submission rather than silently sharing a key.
func RenderKey(template string, kind work.Kind, name string, params map[string]any) (string, error) {
	var renderErr error
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		placeholder := strings.Trim(match, "{}")
		switch {
		case placeholder == "name":
			return name
		case placeholder == "kind":
			return string(kind)
		case strings.HasPrefix(placeholder, "params."):
			param := strings.TrimPrefix(placeholder, "params.")
			value, ok := params[param]
			if !ok {
				renderErr = &batonerrors.ValidationError{
					Field:      "lockKey",
					Message:    fmt.Sprintf("lock key template references missing parameter %q", param),
					Suggestion: "pass the parameter on submission or remove it from the template",
				}
				return match
			}
			return fmt.Sprintf("%v", value)
		default:
			renderErr = &batonerrors.ValidationError{
				Field:      "lockKey",
				Message:    fmt.Sprintf("unknown placeholder %q in lock key template", match),
				Suggestion: "supported placeholders are {name}, {kind} and {params.<key>}",
			}
			return match
		}
	})
	if renderErr != nil {
		return "", renderErr
	}
	if rendered == "" {
		return "", &batonerrors.ValidationError{Field: "lockKey", Message: "lock key template rendered empty"}
	}
	return rendered, nil
}
