// Copyright (c) 2026 John Earle
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

// Package lock provides the per-tenant run lock. A lock is held by a run
// token (the run ID) and expires on its own so a crashed process cannot
// block a tenant forever.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces run locks in Redis.
const keyPrefix = "newspod:runlock:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker grants at most one holder per tenant.
type Locker interface {
	Acquire(ctx context.Context, tenantID, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, tenantID, token string) error
	Holder(ctx context.Context, tenantID string) (string, error)
}

// RedisLocker stores run locks as Redis keys with a TTL.
type RedisLocker struct {
	rdb *redis.Client
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a Redis-backed run lock.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// Acquire takes the tenant's lock for token. Returns false if another
// token holds it.
func (l *RedisLocker) Acquire(ctx context.Context, tenantID, token string, ttl time.Duration) (bool, error) {
	// SET NX = set only if key does not exist. Returns true if the key was set.
	ok, err := l.rdb.SetNX(ctx, keyPrefix+tenantID, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("run lock SETNX: %w", err)
	}
	return ok, nil
}

// Release drops the lock if token still holds it.
func (l *RedisLocker) Release(ctx context.Context, tenantID, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{keyPrefix + tenantID}, token).Err(); err != nil {
		return fmt.Errorf("run lock release: %w", err)
	}
	return nil
}

// Holder returns the token holding the tenant's lock, or "".
func (l *RedisLocker) Holder(ctx context.Context, tenantID string) (string, error) {
	v, err := l.rdb.Get(ctx, keyPrefix+tenantID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("run lock GET: %w", err)
	}
	return v, nil
}
