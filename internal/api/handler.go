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

// Package api exposes the manual trigger surface over HTTP: starting a
// run, polling it, listing a tenant's history and updating its schedule.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bcem/newspod/internal/history"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/scheduler"
)

// Trigger starts runs and reports on the ones in flight.
type Trigger interface {
	Trigger(ctx context.Context, tenantID string, opts scheduler.TriggerOptions) (string, error)
	Status(runID string) (*scheduler.RunStatus, bool)
	Reschedule(t models.Tenant) error
	NextFireFor(tenantID string) (time.Time, bool)
}

// Tenants reads and updates tenant records.
type Tenants interface {
	Get(ctx context.Context, id string) (*models.Tenant, error)
	UpdateSchedule(ctx context.Context, id string, sched models.Schedule) error
}

// History reads recorded runs.
type History interface {
	Get(ctx context.Context, runID string) (*models.Run, error)
	List(ctx context.Context, q history.Query) ([]models.Run, error)
}

// Handler serves the run API.
type Handler struct {
	trigger Trigger
	tenants Tenants
	history History
}

// NewHandler creates an API handler.
func NewHandler(trigger Trigger, tenants Tenants, hist History) *Handler {
	return &Handler{trigger: trigger, tenants: tenants, history: hist}
}

// NewServer builds an echo instance with the API routes registered.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	h.Register(e)
	return e
}

// Register mounts the routes on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.POST("/tenants/:id/runs", h.StartRun)
	e.GET("/tenants/:id/runs", h.ListRuns)
	e.PUT("/tenants/:id/schedule", h.UpdateSchedule)
	e.GET("/runs/:id", h.GetRun)
}

// runRequest is the body of a manual trigger.
type runRequest struct {
	Mode          string   `json:"mode"` // "full" (default) or "quick"
	Keywords      []string `json:"keywords"`
	TargetMinutes int      `json:"target_minutes"`
}

// Health reports liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// StartRun handles POST /tenants/:id/runs.
//
// The run executes on the scheduler's worker pool; the response carries
// only the run ID, which is polled through GET /runs/:id.
func (h *Handler) StartRun(c echo.Context) error {
	tenantID := c.Param("id")

	var req runRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return errorJSON(c, http.StatusBadRequest, "invalid request body")
		}
	}

	opts := scheduler.TriggerOptions{
		Mode:          models.ModeManual,
		Keywords:      req.Keywords,
		TargetMinutes: req.TargetMinutes,
	}
	switch strings.ToLower(req.Mode) {
	case "", "full", "manual":
	case "quick":
		opts.Mode = models.ModeQuick
	default:
		return errorJSON(c, http.StatusBadRequest, "mode must be full or quick")
	}
	if req.TargetMinutes < 0 {
		return errorJSON(c, http.StatusBadRequest, "target_minutes must not be negative")
	}

	runID, err := h.trigger.Trigger(c.Request().Context(), tenantID, opts)
	switch {
	case errors.Is(err, models.ErrTenantNotFound):
		return errorJSON(c, http.StatusNotFound, "tenant not found")
	case errors.Is(err, models.ErrRunActive):
		return errorJSON(c, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		return errorJSON(c, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		slog.Error("manual trigger failed", "tenant", tenantID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to start run")
	}

	slog.Info("manual run accepted", "tenant", tenantID, "run_id", runID, "mode", opts.Mode)
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

// GetRun handles GET /runs/:id. Runs dispatched by this process are served
// live; anything older comes from history.
func (h *Handler) GetRun(c echo.Context) error {
	runID := c.Param("id")

	if st, ok := h.trigger.Status(runID); ok {
		return c.JSON(http.StatusOK, st)
	}

	run, err := h.history.Get(c.Request().Context(), runID)
	if err != nil {
		slog.Error("history lookup failed", "run_id", runID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load run")
	}
	if run == nil {
		return errorJSON(c, http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, &scheduler.RunStatus{
		ID:       run.ID,
		TenantID: run.TenantID,
		Mode:     run.Mode,
		Done:     true,
		Run:      run,
	})
}

// ListRuns handles GET /tenants/:id/runs?limit=N&outcome=X.
func (h *Handler) ListRuns(c echo.Context) error {
	q := history.Query{
		TenantID: c.Param("id"),
		Outcome:  models.Outcome(c.QueryParam("outcome")),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			return errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		q.Limit = n
	}

	runs, err := h.history.List(c.Request().Context(), q)
	if err != nil {
		slog.Error("history list failed", "tenant", q.TenantID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list runs")
	}
	if runs == nil {
		runs = []models.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// scheduleRequest is the body of a schedule update. Omitted fields take
// the defaults; enabled is a pointer so leaving it out does not pause the
// tenant.
type scheduleRequest struct {
	TimeOfDay string `json:"time_of_day"`
	Timezone  string `json:"timezone"`
	Enabled   *bool  `json:"enabled"`
}

func (r scheduleRequest) schedule() models.Schedule {
	s := models.Schedule{TimeOfDay: r.TimeOfDay, Timezone: r.Timezone, Enabled: true}
	if r.Enabled != nil {
		s.Enabled = *r.Enabled
	}
	if s.TimeOfDay == "" {
		s.TimeOfDay = models.DefaultTimeOfDay
	}
	if s.Timezone == "" {
		s.Timezone = models.DefaultTimezone
	}
	return s
}

// UpdateSchedule handles PUT /tenants/:id/schedule and re-plans the
// tenant's next fire.
func (h *Handler) UpdateSchedule(c echo.Context) error {
	tenantID := c.Param("id")

	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	sched := req.schedule()
	if _, err := scheduler.NextFire(sched, time.Now()); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if err := h.tenants.UpdateSchedule(ctx, tenantID, sched); err != nil {
		if errors.Is(err, models.ErrTenantNotFound) {
			return errorJSON(c, http.StatusNotFound, "tenant not found")
		}
		slog.Error("schedule update failed", "tenant", tenantID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to update schedule")
	}

	t, err := h.tenants.Get(ctx, tenantID)
	if err != nil || t == nil {
		slog.Error("reload tenant after schedule update failed", "tenant", tenantID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to reload tenant")
	}
	if err := h.trigger.Reschedule(*t); err != nil {
		slog.Error("reschedule failed", "tenant", tenantID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to reschedule")
	}

	resp := map[string]any{"tenant_id": tenantID, "schedule": t.Schedule}
	if next, ok := h.trigger.NextFireFor(tenantID); ok {
		resp["next_fire"] = next
	}
	return c.JSON(http.StatusOK, resp)
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// requestLogger logs each request through slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Debug("http request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}
