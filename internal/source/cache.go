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

package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skilbeck/baton/internal/ledger"
)

// Cache remembers the last seen content hash per source. A hit lets
// the service skip downstream work when the upstream payload is
// byte-identical even without HTTP validators.
type Cache interface {
	// GetHash returns the cached hash, empty when absent.
	GetHash(ctx context.Context, sourceName string) (string, error)

	// PutHash stores the hash.
	PutHash(ctx context.Context, sourceName, hash string) error
}

// MemoryCache is the in-process default.
type MemoryCache struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{hashes: make(map[string]string)}
}

// GetHash implements Cache.
func (c *MemoryCache) GetHash(_ context.Context, sourceName string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hashes[sourceName], nil
}

// PutHash implements Cache.
func (c *MemoryCache) PutHash(_ context.Context, sourceName, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[sourceName] = hash
	return nil
}

// LedgerCache persists hashes in the ledger's cache table, surviving
// restarts without an external cache service.
type LedgerCache struct {
	store ledger.SourceStore
}

// NewLedgerCache wraps the source store.
func NewLedgerCache(store ledger.SourceStore) *LedgerCache {
	return &LedgerCache{store: store}
}

// GetHash implements Cache.
func (c *LedgerCache) GetHash(ctx context.Context, sourceName string) (string, error) {
	return c.store.GetCacheEntry(ctx, sourceName)
}

// PutHash implements Cache.
func (c *LedgerCache) PutHash(ctx context.Context, sourceName, hash string) error {
	return c.store.PutCacheEntry(ctx, sourceName, hash, time.Now().UTC())
}

// DefaultCacheTTL bounds how long a Redis hash entry survives; stale
// entries only cost one redundant downstream pass.
const DefaultCacheTTL = 7 * 24 * time.Hour

// RedisCache shares the hash cache across daemon instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. A zero ttl uses the default.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func redisKey(sourceName string) string {
	return "baton:source:hash:" + sourceName
}

// GetHash implements Cache.
func (c *RedisCache) GetHash(ctx context.Context, sourceName string) (string, error) {
	hash, err := c.client.Get(ctx, redisKey(sourceName)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache get %s: %w", sourceName, err)
	}
	return hash, nil
}

// PutHash implements Cache.
func (c *RedisCache) PutHash(ctx context.Context, sourceName, hash string) error {
	if err := c.client.Set(ctx, redisKey(sourceName), hash, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", sourceName, err)
	}
	return nil
}
