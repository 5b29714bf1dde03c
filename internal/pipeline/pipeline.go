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

// Package pipeline drives one generation run for one tenant through fetch,
// filter, script, audio and publish. Recoverable stage problems are
// recorded on the run as degradations; script and audio failures and the
// run's time budget end it early. Every finished run is written to history
// and announced as an event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/newspod/internal/audio"
	"github.com/bcem/newspod/internal/cache"
	"github.com/bcem/newspod/internal/filter"
	"github.com/bcem/newspod/internal/lock"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/publish"
	"github.com/bcem/newspod/internal/script"
)

// Default wall-clock budgets per run.
const (
	DefaultFullBudget  = 15 * time.Minute
	DefaultQuickBudget = 3 * time.Minute
)

const (
	// lockGrace keeps the run lock alive while history is written.
	lockGrace = time.Minute

	recordTimeout = 10 * time.Second

	quickMinMinutes = 2
	quickPercent    = 25
)

// Fetcher retrieves a tenant's items for a window.
type Fetcher interface {
	Fetch(ctx context.Context, tenant models.Tenant, w models.FetchWindow) ([]models.SourceItem, []models.AccountFailure, error)
}

// Filterer produces one verdict per item.
type Filterer interface {
	Filter(ctx context.Context, items []models.SourceItem, profile models.Profile, mode string) []models.Verdict
}

// ScriptWriter writes the narration and an episode title.
type ScriptWriter interface {
	Synthesize(ctx context.Context, items []models.SourceItem, verdicts []models.Verdict, profile models.Profile, minutes int) (*script.Script, error)
	Title(ctx context.Context, items []models.SourceItem) string
}

// Publisher persists the finished episode.
type Publisher interface {
	Publish(ctx context.Context, t models.Tenant, ep publish.Episode) (*publish.Result, error)
	SaveVerdicts(tenantID string, at time.Time, verdicts []models.Verdict) (string, error)
}

// HistoryRecorder stores terminal runs. *history.Store implements it.
type HistoryRecorder interface {
	Record(ctx context.Context, run *models.Run) error
}

// EventSink announces finished runs. *events.Publisher implements it.
type EventSink interface {
	RunFinished(ctx context.Context, run *models.Run) error
}

// Options describe one requested run.
type Options struct {
	// RunID is generated when empty.
	RunID string
	Mode  models.RunMode
	// Keywords override the profile's keyword filter when set.
	Keywords []string
	// TargetMinutes overrides the profile's duration when positive.
	TargetMinutes int
	// OnUpdate receives a snapshot each time the run changes stage.
	OnUpdate func(*models.Run)
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Fetcher   Fetcher
	Cache     *cache.Cache
	Filter    Filterer
	Script    ScriptWriter
	Audio     audio.Synthesizer
	Publisher Publisher
	History   HistoryRecorder
	Events    EventSink
	Locker    lock.Locker

	FullBudget  time.Duration
	QuickBudget time.Duration
}

// Orchestrator executes runs.
type Orchestrator struct {
	fetcher   Fetcher
	cache     *cache.Cache
	filter    Filterer
	script    ScriptWriter
	audio     audio.Synthesizer
	publisher Publisher
	history   HistoryRecorder
	events    EventSink
	locker    lock.Locker

	fullBudget  time.Duration
	quickBudget time.Duration
	now         func() time.Time
}

// New creates an orchestrator. History, Events and Cache are optional.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		fetcher:     cfg.Fetcher,
		cache:       cfg.Cache,
		filter:      cfg.Filter,
		script:      cfg.Script,
		audio:       cfg.Audio,
		publisher:   cfg.Publisher,
		history:     cfg.History,
		events:      cfg.Events,
		locker:      cfg.Locker,
		fullBudget:  cfg.FullBudget,
		quickBudget: cfg.QuickBudget,
		now:         time.Now,
	}
	if o.fullBudget <= 0 {
		o.fullBudget = DefaultFullBudget
	}
	if o.quickBudget <= 0 {
		o.quickBudget = DefaultQuickBudget
	}
	if o.locker == nil {
		o.locker = lock.NewMemoryLocker()
	}
	return o
}

// QuickMinutes shrinks a target duration for quick runs.
func QuickMinutes(target int) int {
	m := target * quickPercent / 100
	if m < quickMinMinutes {
		m = quickMinMinutes
	}
	return m
}

// Budget returns the wall-clock budget for a mode.
func (o *Orchestrator) Budget(mode models.RunMode) time.Duration {
	if mode.Quick() {
		return o.quickBudget
	}
	return o.fullBudget
}

// Run executes one run for t and returns its terminal record. The error is
// models.ErrRunActive when the tenant already has a run in flight, or a
// lock backend failure; pipeline problems are reported on the run itself.
func (o *Orchestrator) Run(ctx context.Context, t models.Tenant, opts Options) (*models.Run, error) {
	t = t.WithDefaults()
	if opts.Mode == "" {
		opts.Mode = models.ModeManual
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	budget := o.Budget(opts.Mode)
	acquired, err := o.locker.Acquire(ctx, t.ID, opts.RunID, budget+lockGrace)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock for %s: %w", t.ID, err)
	}
	if !acquired {
		return nil, models.ErrRunActive
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := o.locker.Release(releaseCtx, t.ID, opts.RunID); err != nil {
			slog.Warn("failed to release run lock", "tenant", t.Alias, "run_id", opts.RunID, "error", err)
		}
	}()

	run := models.NewRun(opts.RunID, t.ID, opts.Mode, o.now())
	slog.Info("run started",
		"tenant", t.Alias,
		"run_id", run.ID,
		"mode", run.Mode,
		"budget", budget,
	)

	runCtx, cancel := context.WithTimeoutCause(ctx, budget, models.ErrRunTimeout)
	defer cancel()

	e := &execution{o: o, tenant: t, run: run, opts: opts, stage: models.StageFetch}
	e.executeRecovered(runCtx)

	o.record(ctx, run)
	e.notify()

	slog.Info("run finished",
		"tenant", t.Alias,
		"run_id", run.ID,
		"outcome", run.Outcome,
		"items", run.ItemCount,
		"degradations", strings.Join(run.Degradations, ","),
		"fatal_stage", run.FatalStage,
		"duration", run.FinishedAt.Sub(run.TriggeredAt).Round(time.Millisecond),
	)
	return run, nil
}

// record writes the terminal run to history and emits the event. Both are
// attempted even if ctx was cancelled.
func (o *Orchestrator) record(ctx context.Context, run *models.Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if o.history != nil {
		if err := o.history.Record(ctx, run); err != nil {
			slog.Error("failed to record run history", "run_id", run.ID, "error", err)
		}
	}
	if o.events != nil {
		if err := o.events.RunFinished(ctx, run); err != nil {
			slog.Warn("failed to publish run event", "run_id", run.ID, "error", err)
		}
	}
}

// execution is the state of one in-flight run.
type execution struct {
	o      *Orchestrator
	tenant models.Tenant
	run    *models.Run
	opts   Options
	stage  models.Stage

	items    []models.SourceItem
	verdicts []models.Verdict
	included []models.SourceItem
	kept     []models.Verdict
	script   *script.Script
	title    string
	artifact *audio.Artifact
}

func (e *execution) notify() {
	if e.opts.OnUpdate != nil {
		e.opts.OnUpdate(e.run.Clone())
	}
}

func (e *execution) begin(s models.Stage) {
	e.stage = s
	e.run.Begin(s, e.o.now())
	e.notify()
}

// interrupted ends the run if the budget ran out or ctx was cancelled
// before stage s could start.
func (e *execution) interrupted(ctx context.Context, s models.Stage) bool {
	if ctx.Err() == nil {
		return false
	}
	e.run.Fail(s, fmt.Sprintf("%v before %s", context.Cause(ctx), s), e.o.now())
	return true
}

// fail ends the run at stage s. A failure caused by the run context ending
// is reported with the context's cause.
func (e *execution) fail(ctx context.Context, s models.Stage, err error) {
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", context.Cause(ctx), err)
	}
	fatal := &models.StageFatalError{Stage: s, Err: err}
	slog.Error("run stage failed",
		"tenant", e.tenant.Alias,
		"run_id", e.run.ID,
		"stage", s,
		"error", err,
	)
	e.run.Fail(s, fatal.Error(), e.o.now())
}

// executeRecovered runs the stages and turns a panic into a fatal failure
// of the stage in progress, so the run is still recorded and notified.
func (e *execution) executeRecovered(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("run stage panicked",
				"tenant", e.tenant.Alias,
				"run_id", e.run.ID,
				"stage", e.stage,
				"panic", r,
			)
			e.run.Fail(e.stage, fmt.Sprintf("panic: %v", r), e.o.now())
		}
	}()
	e.execute(ctx)
}

func (e *execution) execute(ctx context.Context) {
	steps := []struct {
		stage models.Stage
		fn    func(context.Context) bool
	}{
		{models.StageFetch, e.fetch},
		{models.StageFilter, e.filterItems},
		{models.StageScript, e.writeScript},
		{models.StageAudio, e.synthesize},
		{models.StagePublish, e.publish},
	}

	for _, step := range steps {
		if e.interrupted(ctx, step.stage) {
			return
		}
		e.begin(step.stage)
		if !step.fn(ctx) {
			return
		}
	}
	e.run.Complete(e.o.now())
}

func (e *execution) fetch(ctx context.Context) bool {
	profile := e.tenant.Profile
	keywords := profile.Keywords
	if len(e.opts.Keywords) > 0 {
		keywords = e.opts.Keywords
	}
	w := models.NewFetchWindow(e.tenant.ID, e.run.TriggeredAt, time.Duration(profile.LookbackHours)*time.Hour, keywords)

	policy := cache.Full
	if e.run.Mode.Quick() {
		policy = cache.Quick
	}
	if e.o.cache != nil {
		if hit, ok := e.o.cache.Get(ctx, e.tenant.ID, w, policy); ok {
			e.items = hit.Items
			e.run.CacheHit = true
			e.run.FetchedCount = len(e.items)
			slog.Info("using cached items",
				"tenant", e.tenant.Alias,
				"items", len(e.items),
				"partial", hit.Partial,
				"age", e.o.now().Sub(hit.FetchedAt).Round(time.Second),
			)
			e.run.Succeed(models.StageFetch, e.o.now())
			return true
		}
	}

	items, failures, err := e.o.fetcher.Fetch(ctx, e.tenant, w)
	if errors.Is(err, models.ErrNoSourceAccounts) {
		e.run.Succeed(models.StageFetch, e.o.now())
		e.run.EndEarly(err.Error(), e.o.now())
		return false
	}
	if err != nil {
		e.fail(ctx, models.StageFetch, err)
		return false
	}

	e.items = items
	e.run.FetchedCount = len(items)
	e.run.AccountFailures = failures

	if len(failures) > 0 {
		reasons := make([]string, len(failures))
		for i, f := range failures {
			reasons[i] = f.Error()
		}
		e.run.Recover(models.StageFetch, models.DegradedAccountCoverage,
			fmt.Sprintf("%d of %d accounts failed: %s", len(failures), len(e.tenant.Accounts), strings.Join(reasons, "; ")),
			e.o.now())
		return true
	}

	// Only complete fetches are cached so a later full run never reuses a
	// result with accounts missing.
	if e.o.cache != nil {
		if err := e.o.cache.Put(ctx, e.tenant.ID, w, items, e.run.TriggeredAt); err != nil {
			slog.Warn("cache put failed", "tenant", e.tenant.Alias, "error", err)
		}
	}
	e.run.Succeed(models.StageFetch, e.o.now())
	return true
}

func (e *execution) filterItems(ctx context.Context) bool {
	e.verdicts = e.o.filter.Filter(ctx, e.items, e.tenant.Profile, e.tenant.Profile.FilterMode)
	e.run.Verdicts = e.verdicts
	e.included, e.kept = filter.Included(e.items, e.verdicts)
	e.run.ItemCount = len(e.included)

	if path, err := e.o.publisher.SaveVerdicts(e.tenant.ID, e.run.TriggeredAt, e.verdicts); err != nil {
		slog.Warn("failed to save filter results", "tenant", e.tenant.Alias, "error", err)
	} else {
		slog.Debug("filter results saved", "path", path)
	}

	if n := filter.Degraded(e.verdicts); n > 0 {
		e.run.Recover(models.StageFilter, models.DegradedFilteringPrecision,
			fmt.Sprintf("%d of %d verdicts: %v", n, len(e.verdicts), models.ErrFilterDegraded),
			e.o.now())
	} else {
		e.run.Succeed(models.StageFilter, e.o.now())
	}

	slog.Info("items filtered",
		"tenant", e.tenant.Alias,
		"fetched", len(e.items),
		"included", len(e.included),
	)

	if len(e.included) == 0 {
		e.run.EndEarly(models.ErrNoItemsAfterFilter.Error(), e.o.now())
		return false
	}
	return true
}

func (e *execution) writeScript(ctx context.Context) bool {
	minutes := e.tenant.Profile.TargetMinutes
	if e.opts.TargetMinutes > 0 {
		minutes = e.opts.TargetMinutes
	}
	if e.run.Mode.Quick() {
		minutes = QuickMinutes(minutes)
	}

	sc, err := e.o.script.Synthesize(ctx, e.included, e.kept, e.tenant.Profile, minutes)
	if err != nil {
		e.fail(ctx, models.StageScript, err)
		return false
	}
	e.script = sc
	e.run.Script = sc.Text
	e.title = e.o.script.Title(ctx, e.included)
	e.run.Title = e.title
	e.run.Succeed(models.StageScript, e.o.now())
	return true
}

func (e *execution) synthesize(ctx context.Context) bool {
	art, err := e.o.audio.Synthesize(ctx, e.script.Text, e.tenant.Profile.VoiceID)
	if err != nil {
		e.fail(ctx, models.StageAudio, err)
		return false
	}
	e.artifact = art
	e.run.Succeed(models.StageAudio, e.o.now())
	return true
}

func (e *execution) publish(ctx context.Context) bool {
	res, err := e.o.publisher.Publish(ctx, e.tenant, publish.Episode{
		RunID:       e.run.ID,
		Title:       e.title,
		Script:      e.script,
		Audio:       e.artifact,
		Items:       e.included,
		GeneratedAt: e.run.TriggeredAt,
	})
	if res != nil {
		e.run.AudioPath = res.AudioPath
		e.run.ScriptPath = res.ScriptPath
		e.run.MetadataPath = res.MetadataPath
		e.run.UploadURL = res.UploadURL
	}

	switch {
	case errors.Is(err, models.ErrPublishPartial):
		e.run.UploadError = err.Error()
		e.run.Recover(models.StagePublish, models.DegradedUpload, err.Error(), e.o.now())
	case err != nil:
		e.fail(ctx, models.StagePublish, err)
		return false
	default:
		e.run.Succeed(models.StagePublish, e.o.now())
	}
	return true
}
