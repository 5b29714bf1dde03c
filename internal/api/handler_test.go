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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/newspod/internal/history"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/scheduler"
)

// --- Mock trigger ---

type fakeTrigger struct {
	mu          sync.Mutex
	err         error
	lastTenant  string
	lastOpts    scheduler.TriggerOptions
	statuses    map[string]*scheduler.RunStatus
	rescheduled []models.Tenant
	next        time.Time
}

func (f *fakeTrigger) Trigger(_ context.Context, tenantID string, opts scheduler.TriggerOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTenant = tenantID
	f.lastOpts = opts
	if f.err != nil {
		return "", f.err
	}
	return "run-1", nil
}

func (f *fakeTrigger) Status(runID string) (*scheduler.RunStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[runID]
	return st, ok
}

func (f *fakeTrigger) Reschedule(t models.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled = append(f.rescheduled, t)
	return nil
}

func (f *fakeTrigger) NextFireFor(string) (time.Time, bool) {
	return f.next, !f.next.IsZero()
}

// --- Mock tenants ---

type fakeTenants struct {
	mu      sync.Mutex
	tenants map[string]models.Tenant
}

func (f *fakeTenants) Get(_ context.Context, id string) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeTenants) UpdateSchedule(_ context.Context, id string, sched models.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return models.ErrTenantNotFound
	}
	t.Schedule = sched
	f.tenants[id] = t
	return nil
}

// --- Mock history ---

type fakeHistory struct {
	runs      map[string]*models.Run
	lastQuery history.Query
	err       error
}

func (f *fakeHistory) Get(_ context.Context, runID string) (*models.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.runs[runID], nil
}

func (f *fakeHistory) List(_ context.Context, q history.Query) ([]models.Run, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Run
	for _, r := range f.runs {
		if r.TenantID == q.TenantID {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fixture struct {
	trigger *fakeTrigger
	tenants *fakeTenants
	history *fakeHistory
	srv     http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		trigger: &fakeTrigger{statuses: map[string]*scheduler.RunStatus{}},
		tenants: &fakeTenants{tenants: map[string]models.Tenant{
			"alice": {ID: "alice", Schedule: models.Schedule{TimeOfDay: "08:00", Timezone: "UTC", Enabled: true}},
		}},
		history: &fakeHistory{runs: map[string]*models.Run{}},
	}
	f.srv = NewServer(NewHandler(f.trigger, f.tenants, f.history))
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestStartRun_Accepted(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/tenants/alice/runs", `{"mode":"quick","keywords":["ai"],"target_minutes":4}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp["run_id"])

	assert.Equal(t, "alice", f.trigger.lastTenant)
	assert.Equal(t, models.ModeQuick, f.trigger.lastOpts.Mode)
	assert.Equal(t, []string{"ai"}, f.trigger.lastOpts.Keywords)
	assert.Equal(t, 4, f.trigger.lastOpts.TargetMinutes)
}

func TestStartRun_EmptyBodyIsFullManual(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/tenants/alice/runs", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.ModeManual, f.trigger.lastOpts.Mode)
}

func TestStartRun_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"active", models.ErrRunActive, http.StatusConflict},
		{"unknown tenant", models.ErrTenantNotFound, http.StatusNotFound},
		{"queue full", scheduler.ErrQueueFull, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.trigger.err = tt.err
			rec := f.do(http.MethodPost, "/tenants/alice/runs", `{"mode":"full"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStartRun_BadMode(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/tenants/alice/runs", `{"mode":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.trigger.lastTenant, "trigger must not be called")
}

func TestGetRun_LiveStatus(t *testing.T) {
	f := newFixture()
	f.trigger.statuses["run-1"] = &scheduler.RunStatus{ID: "run-1", TenantID: "alice", Queued: true}

	rec := f.do(http.MethodGet, "/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st scheduler.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Queued)
	assert.False(t, st.Done)
}

func TestGetRun_FallsBackToHistory(t *testing.T) {
	f := newFixture()
	run := models.NewRun("old-run", "alice", models.ModeScheduled, time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))
	run.EndEarly("no items", time.Date(2026, 7, 1, 8, 1, 0, 0, time.UTC))
	f.history.runs["old-run"] = run

	rec := f.do(http.MethodGet, "/runs/old-run", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st scheduler.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Done)
	require.NotNil(t, st.Run)
	assert.Equal(t, models.OutcomeNothingToPublish, st.Run.Outcome)
}

func TestGetRun_Unknown(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture()
	f.history.runs["r1"] = models.NewRun("r1", "alice", models.ModeManual, time.Now())
	f.history.runs["r2"] = models.NewRun("r2", "bob", models.ModeManual, time.Now())

	rec := f.do(http.MethodGet, "/tenants/alice/runs?limit=5&outcome=full-success", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []models.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.Equal(t, uint64(5), f.history.lastQuery.Limit)
	assert.Equal(t, models.OutcomeFullSuccess, f.history.lastQuery.Outcome)
}

func TestListRuns_EmptyIsArray(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/tenants/carol/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListRuns_BadLimit(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/tenants/alice/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSchedule(t *testing.T) {
	f := newFixture()
	f.trigger.next = time.Date(2026, 7, 3, 7, 15, 0, 0, time.UTC)

	rec := f.do(http.MethodPut, "/tenants/alice/schedule",
		`{"time_of_day":"09:15","timezone":"Europe/Paris","enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.trigger.rescheduled, 1)
	got := f.trigger.rescheduled[0]
	assert.Equal(t, "09:15", got.Schedule.TimeOfDay)
	assert.Equal(t, "Europe/Paris", got.Schedule.Timezone)
	assert.Contains(t, rec.Body.String(), "next_fire")
}

func TestUpdateSchedule_OmittedEnabledKeepsTenantScheduled(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPut, "/tenants/alice/schedule", `{"time_of_day":"09:00"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.trigger.rescheduled, 1)
	got := f.trigger.rescheduled[0].Schedule
	assert.True(t, got.Enabled)
	assert.Equal(t, "09:00", got.TimeOfDay)
	assert.Equal(t, models.DefaultTimezone, got.Timezone)
}

func TestUpdateSchedule_ExplicitDisable(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPut, "/tenants/alice/schedule", `{"time_of_day":"09:00","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.trigger.rescheduled, 1)
	assert.False(t, f.trigger.rescheduled[0].Schedule.Enabled)
}

func TestUpdateSchedule_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad time", `{"time_of_day":"25:00","timezone":"UTC","enabled":true}`},
		{"bad zone", `{"time_of_day":"08:00","timezone":"Mars/Olympus","enabled":true}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			rec := f.do(http.MethodPut, "/tenants/alice/schedule", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.trigger.rescheduled)
		})
	}
}

func TestUpdateSchedule_UnknownTenant(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPut, "/tenants/ghost/schedule", `{"time_of_day":"08:00","timezone":"UTC"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
