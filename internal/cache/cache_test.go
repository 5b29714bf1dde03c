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

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/newspod/internal/models"
)

var base = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// testClock drives both the cache and its memory backend.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestCache(t *testing.T) (*Cache, *MemoryBackend, *testClock) {
	t.Helper()
	clock := &testClock{t: base}
	backend := NewMemoryBackend(64)
	backend.now = clock.now
	c, err := New(backend, time.Hour)
	require.NoError(t, err)
	c.now = clock.now
	return c, backend, clock
}

func sampleItems() []models.SourceItem {
	return []models.SourceItem{
		{ID: "m1", AccountID: "a1", ReceivedAt: base.Add(-2 * time.Hour), Subject: "AI Weekly", Sender: "news@aiweekly.io", Source: "Aiweekly", Body: "models"},
		{ID: "m2", AccountID: "a1", ReceivedAt: base.Add(-1 * time.Hour), Subject: "Go Digest", Sender: "digest@golang.dev", Source: "Golang", Body: "generics"},
	}
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)
	items := sampleItems()

	require.NoError(t, c.Put(ctx, "t1", w, items, base))

	got, ok := c.Get(ctx, "t1", w, Full)
	require.True(t, ok)
	assert.False(t, got.Partial)
	assert.Equal(t, items, got.Items)
	assert.True(t, got.FetchedAt.Equal(base))
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCache(t)
	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)
	require.NoError(t, c.Put(ctx, "t1", w, sampleItems(), base))

	clock.t = base.Add(59 * time.Minute)
	_, ok := c.Get(ctx, "t1", w, Full)
	assert.True(t, ok, "entry should still be fresh before TTL")

	clock.t = base.Add(time.Hour)
	_, ok = c.Get(ctx, "t1", w, Full)
	assert.False(t, ok, "entry at TTL must be a miss")

	_, ok = c.Get(ctx, "t1", w, Quick)
	assert.False(t, ok, "expired entry must not be served to quick runs either")
}

func TestCache_FullRejectsPartialCoverage(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCache(t)
	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)
	require.NoError(t, c.Put(ctx, "t1", w, sampleItems(), base))

	// Ten minutes later the requested window ends after the cached one.
	clock.t = base.Add(10 * time.Minute)
	later := models.NewFetchWindow("t1", clock.t, 24*time.Hour, nil)

	_, ok := c.Get(ctx, "t1", later, Full)
	assert.False(t, ok)

	got, ok := c.Get(ctx, "t1", later, Quick)
	require.True(t, ok)
	assert.True(t, got.Partial)
	assert.Len(t, got.Items, 2)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.PartialHits)
}

func TestCache_QuickUsesLatestEntryForOtherKey(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)
	require.NoError(t, c.Put(ctx, "t1", w, sampleItems(), base))

	// Different keyword set -> different key; quick still reuses.
	other := models.NewFetchWindow("t1", base, 24*time.Hour, []string{"golang"})
	_, ok := c.Get(ctx, "t1", other, Full)
	assert.False(t, ok)

	got, ok := c.Get(ctx, "t1", other, Quick)
	require.True(t, ok)
	assert.True(t, got.Partial)
	require.Len(t, got.Items, 1, "an unfiltered entry is narrowed to the requested keywords")
	assert.Equal(t, "m2", got.Items[0].ID)
}

func TestCache_QuickRejectsEntryForOtherKeywords(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCache(t)
	crypto := models.NewFetchWindow("t1", base, 24*time.Hour, []string{"crypto"})
	require.NoError(t, c.Put(ctx, "t1", crypto, []models.SourceItem{
		{ID: "c1", ReceivedAt: base.Add(-time.Hour), Subject: "Crypto daily", Sender: "x@coins.io"},
	}, base))

	clock.t = base.Add(5 * time.Minute)
	ai := models.NewFetchWindow("t1", clock.t, 24*time.Hour, []string{"ai"})
	_, ok := c.Get(ctx, "t1", ai, Quick)
	assert.False(t, ok, "items fetched for other keywords must not be served")

	sameSet := models.NewFetchWindow("t1", clock.t, 24*time.Hour, []string{"CRYPTO"})
	got, ok := c.Get(ctx, "t1", sameSet, Quick)
	require.True(t, ok)
	assert.Equal(t, "c1", got.Items[0].ID)
}

func TestCache_QuickDropsItemsBeforeWindow(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)
	require.NoError(t, c.Put(ctx, "t1", w, sampleItems(), base))

	narrow := models.NewFetchWindow("t1", base, 90*time.Minute, nil)
	got, ok := c.Get(ctx, "t1", narrow, Quick)
	require.True(t, ok)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "m2", got.Items[0].ID)
}

func TestCache_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)
	require.NoError(t, c.Put(ctx, "t1", w, sampleItems(), base))

	_, ok := c.Get(ctx, "t2", w, Quick)
	assert.False(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestCache(t)
	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)
	require.NoError(t, c.Put(ctx, "t1", w, sampleItems(), base))
	require.NoError(t, c.Put(ctx, "t2", w, sampleItems(), base))

	require.NoError(t, c.Invalidate(ctx, "t1"))

	_, ok := c.Get(ctx, "t1", w, Quick)
	assert.False(t, ok)
	_, ok = c.Get(ctx, "t2", w, Full)
	assert.True(t, ok, "other tenants keep their entries")
	assert.Equal(t, 2, backend.Len())
}

func TestCache_PutSkipsAlreadyExpired(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestCache(t)
	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)

	require.NoError(t, c.Put(ctx, "t1", w, sampleItems(), base.Add(-2*time.Hour)))
	assert.Equal(t, 0, backend.Len())
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingBackend) DeletePrefix(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestCache_BackendErrorIsMiss(t *testing.T) {
	c, err := New(failingBackend{}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, c.TTL())

	w := models.NewFetchWindow("t1", base, 24*time.Hour, nil)
	_, ok := c.Get(context.Background(), "t1", w, Quick)
	assert.False(t, ok)
}

func TestMemoryBackend_EvictsLRU(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(2)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Hour))
	_, _, _ = m.Get(ctx, "a") // a is now most recent
	require.NoError(t, m.Set(ctx, "c", []byte("3"), time.Hour))

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok, "least recently used key should be evicted")
	_, ok, _ = m.Get(ctx, "a")
	assert.True(t, ok)
}
