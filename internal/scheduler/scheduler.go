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

// Package scheduler owns the daily trigger of every enabled tenant and the
// manual trigger. Jobs live in a min-heap keyed by next fire time and are
// rebuilt from stored schedules on start. Fires hand runs to a bounded
// worker pool so the timer loop never waits on a run.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/pipeline"
)

// ErrQueueFull is returned when the worker pool cannot accept another run.
var ErrQueueFull = errors.New("run queue is full")

// maxFinished bounds how many finished runs stay pollable in memory.
const maxFinished = 512

// TenantSource reads tenant records. *tenant.Store implements it.
type TenantSource interface {
	Get(ctx context.Context, id string) (*models.Tenant, error)
	ListScheduled(ctx context.Context) ([]models.Tenant, error)
}

// Runner executes one run. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, t models.Tenant, opts pipeline.Options) (*models.Run, error)
}

// TriggerOptions are the knobs of a manual trigger.
type TriggerOptions struct {
	Mode          models.RunMode
	Keywords      []string
	TargetMinutes int
}

// Job describes a scheduled tenant.
type Job struct {
	TenantID string    `json:"tenant_id"`
	NextFire time.Time `json:"next_fire"`
}

// RunStatus is the pollable state of a dispatched run.
type RunStatus struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Mode     models.RunMode `json:"mode"`
	Queued   bool           `json:"queued"`
	Done     bool           `json:"done"`
	Run      *models.Run    `json:"run,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// handle tracks one dispatched run.
type handle struct {
	id       string
	tenantID string
	mode     models.RunMode

	mu     sync.Mutex
	queued bool
	run    *models.Run
	err    error
	done   chan struct{}
}

func (h *handle) update(r *models.Run) {
	h.mu.Lock()
	h.queued = false
	h.run = r
	h.mu.Unlock()
}

func (h *handle) status() *RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := &RunStatus{ID: h.id, TenantID: h.tenantID, Mode: h.mode, Queued: h.queued, Run: h.run}
	select {
	case <-h.done:
		st.Done = true
	default:
	}
	if h.err != nil {
		st.Error = h.err.Error()
	}
	return st
}

// Config holds scheduler dependencies.
type Config struct {
	Tenants   TenantSource
	Runner    Runner
	Workers   int
	QueueSize int
}

// Scheduler fires tenant runs.
type Scheduler struct {
	tenants TenantSource
	runner  Runner
	pool    *Pool
	now     func() time.Time

	mu       sync.Mutex
	jobs     jobHeap
	byTenant map[string]*job
	active   map[string]string // tenant ID -> run ID, queued or running
	runs     map[string]*handle
	finished []string

	wake   chan struct{}
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		tenants:  cfg.Tenants,
		runner:   cfg.Runner,
		pool:     NewPool(cfg.Workers, cfg.QueueSize),
		now:      time.Now,
		byTenant: make(map[string]*job),
		active:   make(map[string]string),
		runs:     make(map[string]*handle),
		wake:     make(chan struct{}, 1),
	}
}

// Start loads every enabled tenant, computes its next fire from now and
// begins the timer loop. Fires missed while the process was down are not
// replayed.
func (s *Scheduler) Start(ctx context.Context) error {
	tenants, err := s.tenants.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled tenants: %w", err)
	}
	for _, t := range tenants {
		if err := s.Reschedule(t); err != nil {
			slog.Error("skipping tenant with invalid schedule",
				"tenant", t.Alias,
				"error", err,
			)
		}
	}

	ctx = s.StartWorkers(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	slog.Info("scheduler started", "tenants", len(s.Jobs()))
	return nil
}

// StartWorkers starts only the worker pool, for processes that trigger
// runs manually and never fire schedules. It returns the context the
// workers run under.
func (s *Scheduler) StartWorkers(ctx context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		s.runCtx, s.cancel = context.WithCancel(ctx)
		s.pool.Start(s.runCtx)
	}
	return s.runCtx
}

// Stop ends the timer loop, cancels running runs and waits for the workers
// to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.pool.Stop()
	slog.Info("scheduler stopped")
}

// Reschedule recomputes one tenant's job from its stored schedule, or
// removes it when the schedule is disabled. Other tenants are untouched.
func (s *Scheduler) Reschedule(t models.Tenant) error {
	t = t.WithDefaults()
	if !t.Schedule.Enabled {
		s.Remove(t.ID)
		return nil
	}
	next, err := NextFire(t.Schedule, s.now())
	if err != nil {
		return fmt.Errorf("schedule tenant %s: %w", t.ID, err)
	}
	s.schedule(t.ID, t.Schedule, next)

	slog.Info("tenant scheduled",
		"tenant", t.Alias,
		"time_of_day", t.Schedule.TimeOfDay,
		"timezone", t.Schedule.Timezone,
		"next_fire", next,
	)
	return nil
}

func (s *Scheduler) schedule(tenantID string, sched models.Schedule, next time.Time) {
	s.mu.Lock()
	if j, ok := s.byTenant[tenantID]; ok {
		j.schedule = sched
		j.next = next
		heap.Fix(&s.jobs, j.index)
	} else {
		j := &job{tenantID: tenantID, schedule: sched, next: next}
		heap.Push(&s.jobs, j)
		s.byTenant[tenantID] = j
	}
	s.mu.Unlock()
	s.poke()
}

// Remove drops a tenant's job.
func (s *Scheduler) Remove(tenantID string) {
	s.mu.Lock()
	if j, ok := s.byTenant[tenantID]; ok {
		heap.Remove(&s.jobs, j.index)
		delete(s.byTenant, tenantID)
	}
	s.mu.Unlock()
	s.poke()
}

// Jobs lists scheduled tenants, soonest first.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{TenantID: j.tenantID, NextFire: j.next})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextFire.Before(out[b].NextFire) })
	return out
}

// NextFireFor returns a tenant's next fire, if it is scheduled.
func (s *Scheduler) NextFireFor(tenantID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.byTenant[tenantID]; ok {
		return j.next, true
	}
	return time.Time{}, false
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		empty := len(s.jobs) == 0
		var wait time.Duration
		if !empty {
			wait = max(s.jobs[0].next.Sub(s.now()), 0)
		}
		s.mu.Unlock()

		// A nil channel blocks forever, so an empty heap waits for a wake.
		var fire <-chan time.Time
		if !empty {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			timer.Stop()
		case <-fire:
			s.fireDue()
		}
	}
}

// fireDue dispatches every job whose time has come and schedules its next
// occurrence.
func (s *Scheduler) fireDue() {
	now := s.now()

	var due []*job
	s.mu.Lock()
	for len(s.jobs) > 0 && !s.jobs[0].next.After(now) {
		j := s.jobs[0]
		due = append(due, j)
		next, err := NextFire(j.schedule, now)
		if err != nil {
			heap.Pop(&s.jobs)
			delete(s.byTenant, j.tenantID)
			slog.Error("dropping job with invalid schedule", "tenant", j.tenantID, "error", err)
			continue
		}
		j.next = next
		heap.Fix(&s.jobs, 0)
	}
	s.mu.Unlock()

	for _, j := range due {
		runID, err := s.dispatch(j.tenantID, TriggerOptions{Mode: models.ModeScheduled})
		if err != nil {
			slog.Warn("scheduled fire dropped",
				"tenant", j.tenantID,
				"error", err,
			)
			continue
		}
		slog.Info("scheduled run dispatched", "tenant", j.tenantID, "run_id", runID)
	}
}

// Trigger starts a manual run and returns its ID for polling. It fails with
// models.ErrRunActive if the tenant already has a run queued or running.
func (s *Scheduler) Trigger(ctx context.Context, tenantID string, opts TriggerOptions) (string, error) {
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	if t == nil {
		return "", models.ErrTenantNotFound
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeManual
	}
	return s.dispatch(tenantID, opts)
}

// TriggerWait starts a manual run and blocks until it finishes or ctx ends.
func (s *Scheduler) TriggerWait(ctx context.Context, tenantID string, opts TriggerOptions) (*models.Run, error) {
	runID, err := s.Trigger(ctx, tenantID, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	h := s.runs[runID]
	s.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("run %s is no longer tracked", runID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	st := h.status()
	if h.err != nil {
		return st.Run, h.err
	}
	return st.Run, nil
}

// Status reports a dispatched run. Only runs this process dispatched are
// known; older runs live in history.
func (s *Scheduler) Status(runID string) (*RunStatus, bool) {
	s.mu.Lock()
	h, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return h.status(), true
}

func (s *Scheduler) dispatch(tenantID string, opts TriggerOptions) (string, error) {
	s.mu.Lock()
	if _, busy := s.active[tenantID]; busy {
		s.mu.Unlock()
		return "", models.ErrRunActive
	}
	h := &handle{
		id:       uuid.NewString(),
		tenantID: tenantID,
		mode:     opts.Mode,
		queued:   true,
		done:     make(chan struct{}),
	}
	s.active[tenantID] = h.id
	s.runs[h.id] = h
	s.mu.Unlock()

	ok := s.pool.Submit(func(ctx context.Context) { s.execute(ctx, h, opts) })
	if !ok {
		s.mu.Lock()
		delete(s.active, tenantID)
		delete(s.runs, h.id)
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	return h.id, nil
}

func (s *Scheduler) execute(ctx context.Context, h *handle, opts TriggerOptions) {
	defer s.finish(h)

	t, err := s.tenants.Get(ctx, h.tenantID)
	if err == nil && t == nil {
		err = models.ErrTenantNotFound
	}
	if err != nil {
		h.mu.Lock()
		h.err = fmt.Errorf("load tenant %s: %w", h.tenantID, err)
		h.mu.Unlock()
		slog.Error("run not started", "tenant", h.tenantID, "error", err)
		return
	}

	run, err := s.runner.Run(ctx, *t, pipeline.Options{
		RunID:         h.id,
		Mode:          opts.Mode,
		Keywords:      opts.Keywords,
		TargetMinutes: opts.TargetMinutes,
		OnUpdate:      h.update,
	})
	h.mu.Lock()
	h.queued = false
	if run != nil {
		h.run = run.Clone()
	}
	h.err = err
	h.mu.Unlock()
}

func (s *Scheduler) finish(h *handle) {
	s.mu.Lock()
	if s.active[h.tenantID] == h.id {
		delete(s.active, h.tenantID)
	}
	s.finished = append(s.finished, h.id)
	if len(s.finished) > maxFinished {
		delete(s.runs, s.finished[0])
		s.finished = s.finished[1:]
	}
	s.mu.Unlock()
	close(h.done)
}
