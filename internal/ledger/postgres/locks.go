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
	"time"

	"github.com/skilbeck/baton/internal/ledger"
)

// AcquireLock takes the lease on key for executionID. A single upsert
// covers all three grant cases: no row, an expired row, or re-entry by
// the current holder.
func (s *Store) AcquireLock(ctx context.Context, key, executionID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO core_concurrency_locks (lock_key, execution_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO UPDATE SET
			execution_id = excluded.execution_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE core_concurrency_locks.expires_at < excluded.acquired_at
		   OR core_concurrency_locks.execution_id = excluded.execution_id`,
		key, executionID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock drops the lease if executionID still holds it. An empty
// executionID force-releases regardless of the holder.
func (s *Store) ReleaseLock(ctx context.Context, key, executionID string) (bool, error) {
	var res sql.Result
	var err error
	if executionID == "" {
		res, err = s.db.ExecContext(ctx,
			"DELETE FROM core_concurrency_locks WHERE lock_key = $1", key)
	} else {
		res, err = s.db.ExecContext(ctx,
			"DELETE FROM core_concurrency_locks WHERE lock_key = $1 AND execution_id = $2",
			key, executionID)
	}
	if err != nil {
		return false, fmt.Errorf("releasing lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExtendLock pushes the lease expiry out for the current holder.
func (s *Store) ExtendLock(ctx context.Context, key, executionID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE core_concurrency_locks SET expires_at = $1
		WHERE lock_key = $2 AND execution_id = $3 AND expires_at >= $4`,
		now.Add(ttl), key, executionID, now)
	if err != nil {
		return false, fmt.Errorf("extending lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLock returns the current lease row for key, nil when absent.
func (s *Store) GetLock(ctx context.Context, key string) (*ledger.ConcurrencyLock, error) {
	var lock ledger.ConcurrencyLock
	var acquired, expires time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT lock_key, execution_id, acquired_at, expires_at
		FROM core_concurrency_locks WHERE lock_key = $1`, key).
		Scan(&lock.Key, &lock.ExecutionID, &acquired, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lock.AcquiredAt = acquired.UTC()
	lock.ExpiresAt = expires.UTC()
	return &lock, nil
}

// CleanupExpiredLocks removes leases that expired before now.
func (s *Store) CleanupExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM core_concurrency_locks WHERE expires_at < $1", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleaning expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
