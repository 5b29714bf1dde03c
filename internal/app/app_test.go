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

package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/newspod/internal/cache"
	"github.com/bcem/newspod/internal/models"
)

// --- Mock Store ---

type fakeStore struct {
	tenants  map[string]models.Tenant
	failFor  string
	upserted []string
}

func (f *fakeStore) Upsert(_ context.Context, t models.Tenant) error {
	if t.ID == f.failFor {
		return errors.New("db down")
	}
	if f.tenants == nil {
		f.tenants = map[string]models.Tenant{}
	}
	f.tenants[t.ID] = t
	f.upserted = append(f.upserted, t.ID)
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*models.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// --- Mock Scheduler ---

type fakeScheduler struct{ rescheduled []string }

func (f *fakeScheduler) Reschedule(t models.Tenant) error {
	f.rescheduled = append(f.rescheduled, t.ID)
	return nil
}

func seededCache(t *testing.T, tenantIDs ...string) (*cache.Cache, models.FetchWindow) {
	t.Helper()
	c, err := cache.New(cache.NewMemoryBackend(16), time.Hour)
	require.NoError(t, err)
	now := time.Now()
	w := models.NewFetchWindow("", now, 24*time.Hour, nil)
	for _, id := range tenantIDs {
		item := models.SourceItem{ID: id + "-1", ReceivedAt: now.Add(-time.Hour), Subject: "Weekly"}
		require.NoError(t, c.Put(context.Background(), id, w, []models.SourceItem{item}, now))
	}
	return c, w
}

func TestApplySeeds_ReloadInvalidatesCacheAndReschedules(t *testing.T) {
	ctx := context.Background()
	c, w := seededCache(t, "alice", "bob")
	store := &fakeStore{}
	sched := &fakeScheduler{}

	applySeeds(ctx, []models.Tenant{{ID: "alice"}}, store, sched, c, true)

	assert.Equal(t, []string{"alice"}, store.upserted)
	assert.Equal(t, []string{"alice"}, sched.rescheduled)

	_, ok := c.Get(ctx, "alice", w, cache.Quick)
	assert.False(t, ok, "reloaded tenant must not be served stale content")

	_, ok = c.Get(ctx, "bob", w, cache.Quick)
	assert.True(t, ok, "other tenants keep their cache")
}

func TestApplySeeds_StartupKeepsCache(t *testing.T) {
	ctx := context.Background()
	c, w := seededCache(t, "alice")
	sched := &fakeScheduler{}

	applySeeds(ctx, []models.Tenant{{ID: "alice"}}, &fakeStore{}, sched, c, false)

	assert.Empty(t, sched.rescheduled)
	_, ok := c.Get(ctx, "alice", w, cache.Quick)
	assert.True(t, ok)
}

func TestApplySeeds_FailedUpsertSkipsTenant(t *testing.T) {
	ctx := context.Background()
	c, w := seededCache(t, "alice", "bob")
	store := &fakeStore{failFor: "alice"}
	sched := &fakeScheduler{}

	applySeeds(ctx, []models.Tenant{{ID: "alice"}, {ID: "bob"}}, store, sched, c, true)

	assert.Equal(t, []string{"bob"}, store.upserted)
	assert.Equal(t, []string{"bob"}, sched.rescheduled)
	_, ok := c.Get(ctx, "alice", w, cache.Quick)
	assert.True(t, ok)
}
