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

// Package cache stores previously fetched newsletter items per tenant so
// later runs can skip the mail fetch. Entries expire after a TTL and are
// never served once expired. Payloads are zstd-compressed JSON held in a
// pluggable backend (Redis in production, an LRU map in tests).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bcem/newspod/internal/models"
)

const (
	// DefaultTTL is how long fetched items stay servable.
	DefaultTTL = time.Hour

	// keyPrefix namespaces cache keys.
	keyPrefix = "newspod:cache:"

	latestSuffix = "latest"
)

// Policy selects how strict a lookup is.
type Policy int

const (
	// Full accepts only a fresh entry that covers the requested window.
	Full Policy = iota
	// Quick accepts the tenant's freshest entry even if it covers less,
	// provided it was fetched for the same keywords or for none.
	Quick
)

// Backend is the byte store behind the cache.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// entry is the stored form of a cache entry.
type entry struct {
	Window    models.FetchWindow  `json:"window"`
	Items     []models.SourceItem `json:"items"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// Lookup is a cache hit.
type Lookup struct {
	Items     []models.SourceItem
	FetchedAt time.Time
	// Partial is set when the entry does not cover the requested window.
	// Only Quick lookups return partial hits.
	Partial bool
}

// Stats counts lookups since the cache was created.
type Stats struct {
	Hits        int64 `json:"hits"`
	PartialHits int64 `json:"partial_hits"`
	Misses      int64 `json:"misses"`
}

// Cache is the tenant-scoped content cache.
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	hits, partialHits, misses atomic.Int64
}

// New creates a cache over backend. A non-positive ttl means DefaultTTL.
func New(backend Backend, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Cache{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get looks up items for the tenant's window. The second return is false
// on a miss. Backend failures are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, tenantID string, w models.FetchWindow, policy Policy) (*Lookup, bool) {
	e := c.load(ctx, tenantID, entryKey(tenantID, w.Key()))
	if e != nil && e.Window.Covers(w) {
		c.hits.Add(1)
		return &Lookup{Items: e.Items, FetchedAt: e.FetchedAt}, true
	}

	if policy == Quick {
		if e == nil {
			e = c.loadLatest(ctx, tenantID)
			if e != nil && !servesKeywords(e.Window, w) {
				e = nil
			}
		}
		if e != nil {
			c.partialHits.Add(1)
			items := within(e.Items, w)
			if len(e.Window.Keywords) == 0 {
				items = matching(items, w.Keywords)
			}
			return &Lookup{Items: items, FetchedAt: e.FetchedAt, Partial: true}, true
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put stores items fetched at fetchedAt for the tenant's window. The
// backend expiry is the remaining lifetime, so entries evict themselves.
func (c *Cache) Put(ctx context.Context, tenantID string, w models.FetchWindow, items []models.SourceItem, fetchedAt time.Time) error {
	remaining := c.ttl - c.now().Sub(fetchedAt)
	if remaining <= 0 {
		return nil
	}

	w.TenantID = tenantID
	raw, err := json.Marshal(entry{Window: w, Items: items, FetchedAt: fetchedAt})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	payload := c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	key := entryKey(tenantID, w.Key())
	if err := c.backend.Set(ctx, key, payload, remaining); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	if err := c.backend.Set(ctx, entryKey(tenantID, latestSuffix), []byte(key), remaining); err != nil {
		return fmt.Errorf("cache set latest pointer: %w", err)
	}

	slog.Debug("cache entry stored",
		"tenant", tenantID,
		"items", len(items),
		"bytes", len(payload),
		"ttl", remaining,
	)
	return nil
}

// Invalidate drops every entry for the tenant.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	n, err := c.backend.DeletePrefix(ctx, keyPrefix+tenantID+":")
	if err != nil {
		return fmt.Errorf("cache invalidate %s: %w", tenantID, err)
	}
	slog.Info("cache invalidated", "tenant", tenantID, "keys", n)
	return nil
}

// Stats returns lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		PartialHits: c.partialHits.Load(),
		Misses:      c.misses.Load(),
	}
}

func (c *Cache) loadLatest(ctx context.Context, tenantID string) *entry {
	ptr, ok, err := c.backend.Get(ctx, entryKey(tenantID, latestSuffix))
	if err != nil {
		slog.Warn("cache latest lookup failed", "tenant", tenantID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return c.load(ctx, tenantID, string(ptr))
}

// load returns a fresh entry owned by tenantID, or nil.
func (c *Cache) load(ctx context.Context, tenantID, key string) *entry {
	payload, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		slog.Warn("cache lookup failed", "tenant", tenantID, "key", key, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	raw, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		slog.Warn("cache entry corrupt", "key", key, "error", err)
		return nil
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("cache entry undecodable", "key", key, "error", err)
		return nil
	}

	if e.Window.TenantID != tenantID {
		return nil
	}
	if c.now().Sub(e.FetchedAt) >= c.ttl {
		return nil
	}
	return &e
}

// within keeps items received inside w. Items with no timestamp are kept.
func within(items []models.SourceItem, w models.FetchWindow) []models.SourceItem {
	out := make([]models.SourceItem, 0, len(items))
	for _, it := range items {
		if it.ReceivedAt.IsZero() || !it.ReceivedAt.Before(w.Start) {
			out = append(out, it)
		}
	}
	return out
}

// servesKeywords reports whether an entry fetched for cached can answer a
// request for w: same keyword set, or an unfiltered fetch that can be
// narrowed locally.
func servesKeywords(cached, w models.FetchWindow) bool {
	if len(cached.Keywords) == 0 {
		return true
	}
	return sameKeywords(cached.Keywords, w.Keywords)
}

func sameKeywords(a, b []string) bool {
	norm := func(in []string) map[string]bool {
		m := make(map[string]bool, len(in))
		for _, k := range in {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				m[k] = true
			}
		}
		return m
	}
	ma, mb := norm(a), norm(b)
	if len(ma) != len(mb) {
		return false
	}
	for k := range ma {
		if !mb[k] {
			return false
		}
	}
	return true
}

// matching keeps items that mention one of keywords.
func matching(items []models.SourceItem, keywords []string) []models.SourceItem {
	if len(keywords) == 0 {
		return items
	}
	out := make([]models.SourceItem, 0, len(items))
	for _, it := range items {
		if it.MatchesKeywords(keywords) {
			out = append(out, it)
		}
	}
	return out
}

func entryKey(tenantID, suffix string) string {
	return keyPrefix + tenantID + ":" + suffix
}
