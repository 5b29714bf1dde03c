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

package models

import "time"

// RunMode is how a run was triggered.
type RunMode string

const (
	ModeScheduled RunMode = "scheduled"
	ModeManual    RunMode = "manual"
	ModeQuick     RunMode = "quick"
)

// Quick reports whether the run prefers cached content and a shorter script.
func (m RunMode) Quick() bool { return m == ModeQuick }

// Stage is one step of the pipeline.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageFilter  Stage = "filter"
	StageScript  Stage = "script"
	StageAudio   Stage = "audio"
	StagePublish Stage = "publish"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageFetch, StageFilter, StageScript, StageAudio, StagePublish}

// State is the position of a run in its state machine.
type State string

const (
	StatePending    State = "pending"
	StateFetching   State = "fetching"
	StateFiltering  State = "filtering"
	StateScripting  State = "scripting"
	StateSynthAudio State = "synthesizing-audio"
	StatePublishing State = "publishing"
	StateDone       State = "done"
)

// State returns the run state entered when the stage starts.
func (s Stage) State() State {
	switch s {
	case StageFetch:
		return StateFetching
	case StageFilter:
		return StateFiltering
	case StageScript:
		return StateScripting
	case StageAudio:
		return StateSynthAudio
	case StagePublish:
		return StatePublishing
	}
	return StatePending
}

// StageStatus only ever advances: pending -> running -> terminal.
type StageStatus string

const (
	StatusPending         StageStatus = "pending"
	StatusRunning         StageStatus = "running"
	StatusSucceeded       StageStatus = "succeeded"
	StatusFailedRecovered StageStatus = "failed-recovered"
	StatusFailedFatal     StageStatus = "failed-fatal"
)

func (s StageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	}
	return 2
}

// Outcome is the terminal classification of a run.
type Outcome string

const (
	OutcomeFullSuccess      Outcome = "full-success"
	OutcomePartialSuccess   Outcome = "partial-success"
	OutcomeFatalFailure     Outcome = "fatal-failure"
	OutcomeNothingToPublish Outcome = "nothing-to-publish"
)

// Degradations recorded on partial-success runs.
const (
	DegradedAccountCoverage    = "account-coverage"
	DegradedFilteringPrecision = "filtering-precision"
	DegradedUpload             = "upload"
)

// Verdict is the filter decision for one source item.
type Verdict struct {
	ItemID    string   `json:"item_id"`
	Subject   string   `json:"subject"`
	Source    string   `json:"source"`
	Included  bool     `json:"included"`
	Score     float64  `json:"score"`
	Rationale string   `json:"rationale"`
	Topics    []string `json:"topics,omitempty"`
	Degraded  bool     `json:"degraded,omitempty"`
}

// StageRecord tracks one stage within a run.
type StageRecord struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Run is one execution of the pipeline for one tenant. Stage records only
// move forward; the terminal record is what history stores.
type Run struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Mode        RunMode       `json:"mode"`
	TriggeredAt time.Time     `json:"triggered_at"`
	State       State         `json:"state"`
	Stages      []StageRecord `json:"stages"`

	Outcome      Outcome  `json:"outcome,omitempty"`
	Degradations []string `json:"degradations,omitempty"`
	FatalStage   Stage    `json:"fatal_stage,omitempty"`
	FatalReason  string   `json:"fatal_reason,omitempty"`

	FetchedCount    int              `json:"fetched_count"`
	ItemCount       int              `json:"item_count"`
	CacheHit        bool             `json:"cache_hit,omitempty"`
	AccountFailures []AccountFailure `json:"account_failures,omitempty"`
	Verdicts        []Verdict        `json:"verdicts,omitempty"`
	Script          string           `json:"script,omitempty"`
	Title           string           `json:"title,omitempty"`

	AudioPath    string `json:"audio_path,omitempty"`
	ScriptPath   string `json:"script_path,omitempty"`
	MetadataPath string `json:"metadata_path,omitempty"`
	UploadURL    string `json:"upload_url,omitempty"`
	UploadError  string `json:"upload_error,omitempty"`

	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a pending run with every stage pending.
func NewRun(id, tenantID string, mode RunMode, triggeredAt time.Time) *Run {
	r := &Run{
		ID:          id,
		TenantID:    tenantID,
		Mode:        mode,
		TriggeredAt: triggeredAt,
		State:       StatePending,
	}
	for _, s := range Stages {
		r.Stages = append(r.Stages, StageRecord{Stage: s, Status: StatusPending})
	}
	return r
}

// StageRecord returns the record for s.
func (r *Run) StageRecord(s Stage) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Stage == s {
			return &r.Stages[i]
		}
	}
	return nil
}

func (r *Run) advance(s Stage, to StageStatus, reason string, now time.Time) bool {
	rec := r.StageRecord(s)
	if rec == nil || r.State == StateDone || to.rank() <= rec.Status.rank() {
		return false
	}
	t := now
	if to == StatusRunning {
		rec.StartedAt = &t
	} else {
		rec.FinishedAt = &t
	}
	rec.Status = to
	rec.Reason = reason
	return true
}

// Begin marks s running and moves the run into the matching state.
func (r *Run) Begin(s Stage, now time.Time) {
	if r.advance(s, StatusRunning, "", now) {
		r.State = s.State()
	}
}

// Succeed marks s succeeded.
func (r *Run) Succeed(s Stage, now time.Time) {
	r.advance(s, StatusSucceeded, "", now)
}

// Recover marks s as failed but absorbed, and notes the degradation.
func (r *Run) Recover(s Stage, degradation, reason string, now time.Time) {
	if r.advance(s, StatusFailedRecovered, reason, now) {
		r.Degrade(degradation)
	}
}

// Degrade records a degradation once.
func (r *Run) Degrade(d string) {
	for _, existing := range r.Degradations {
		if existing == d {
			return
		}
	}
	r.Degradations = append(r.Degradations, d)
}

// Fail marks s fatally failed and terminates the run.
func (r *Run) Fail(s Stage, reason string, now time.Time) {
	if r.State == StateDone {
		return
	}
	r.advance(s, StatusFailedFatal, reason, now)
	r.FatalStage = s
	r.FatalReason = reason
	r.Outcome = OutcomeFatalFailure
	r.finish(now)
}

// EndEarly terminates the run with nothing to publish.
func (r *Run) EndEarly(reason string, now time.Time) {
	if r.State == StateDone {
		return
	}
	r.Outcome = OutcomeNothingToPublish
	r.FatalReason = reason
	r.finish(now)
}

// Complete terminates a run that reached the end of the pipeline.
func (r *Run) Complete(now time.Time) {
	if r.State == StateDone {
		return
	}
	if len(r.Degradations) > 0 {
		r.Outcome = OutcomePartialSuccess
	} else {
		r.Outcome = OutcomeFullSuccess
	}
	r.finish(now)
}

func (r *Run) finish(now time.Time) {
	if r.State == StateDone {
		return
	}
	t := now
	r.FinishedAt = &t
	r.State = StateDone
}

// Success reports whether the run published an artifact.
func (r *Run) Success() bool {
	return r.Outcome == OutcomeFullSuccess || r.Outcome == OutcomePartialSuccess
}

// Clone returns a copy that shares no mutable state with r.
func (r *Run) Clone() *Run {
	c := *r
	c.Stages = append([]StageRecord(nil), r.Stages...)
	c.Degradations = append([]string(nil), r.Degradations...)
	c.AccountFailures = append([]AccountFailure(nil), r.AccountFailures...)
	c.Verdicts = append([]Verdict(nil), r.Verdicts...)
	return &c
}
