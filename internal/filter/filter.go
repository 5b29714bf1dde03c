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

// Package filter decides which fetched items are worth narrating.
//
// In smart mode every item is judged independently by the text-evaluation
// service, in parallel. A response that does not decode strictly into a
// verdict, or a call that keeps failing, falls back to the keyword
// heuristic for that item. Filtering therefore never fails a run: every
// input item receives exactly one verdict, in input order.
package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/newspod/internal/llm"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/retry"
)

const (
	// previewLen is how much of each body the service sees.
	previewLen = 2000

	defaultConcurrency = 10
	defaultItemTimeout = 20 * time.Second
	defaultAttempts    = 2

	maxTokens = 200
)

// Config holds dependencies for the filter.
type Config struct {
	Generator   llm.Generator
	Model       string
	Concurrency int
	ItemTimeout time.Duration
	Attempts    int
}

// Filter produces relevance verdicts.
type Filter struct {
	gen         llm.Generator
	model       string
	concurrency int
	itemTimeout time.Duration
	policy      retry.Policy
}

// New creates a filter.
func New(cfg Config) *Filter {
	f := &Filter{
		gen:         cfg.Generator,
		model:       cfg.Model,
		concurrency: cfg.Concurrency,
		itemTimeout: cfg.ItemTimeout,
		policy:      retry.Policy{Attempts: cfg.Attempts, Base: time.Second, Max: 5 * time.Second},
	}
	if f.concurrency <= 0 {
		f.concurrency = defaultConcurrency
	}
	if f.itemTimeout <= 0 {
		f.itemTimeout = defaultItemTimeout
	}
	if f.policy.Attempts <= 0 {
		f.policy.Attempts = defaultAttempts
	}
	return f
}

// Filter returns one verdict per item, in input order. Mode is
// models.FilterSmart or models.FilterSimple; simple makes no external
// calls. A smart filter without a generator behaves like simple, with
// every verdict marked degraded.
func (f *Filter) Filter(ctx context.Context, items []models.SourceItem, profile models.Profile, mode string) []models.Verdict {
	verdicts := make([]models.Verdict, len(items))

	if mode == models.FilterSimple {
		for i, it := range items {
			verdicts[i] = Heuristic(it, profile)
		}
		return verdicts
	}

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, it := range items {
		g.Go(func() error {
			verdicts[i] = f.evaluate(ctx, it, profile)
			return nil
		})
	}
	_ = g.Wait()

	if n := Degraded(verdicts); n > 0 {
		slog.Warn("filter degraded to keyword heuristic",
			"items", len(items),
			"degraded", n,
		)
	}
	return verdicts
}

// Degraded counts verdicts produced by the fallback heuristic.
func Degraded(verdicts []models.Verdict) int {
	n := 0
	for _, v := range verdicts {
		if v.Degraded {
			n++
		}
	}
	return n
}

// Included returns the included items, in input order.
func Included(items []models.SourceItem, verdicts []models.Verdict) ([]models.SourceItem, []models.Verdict) {
	var outItems []models.SourceItem
	var outVerdicts []models.Verdict
	for i, v := range verdicts {
		if v.Included && i < len(items) {
			outItems = append(outItems, items[i])
			outVerdicts = append(outVerdicts, v)
		}
	}
	return outItems, outVerdicts
}

// evaluate asks the service about one item and always returns a verdict.
func (f *Filter) evaluate(ctx context.Context, item models.SourceItem, profile models.Profile) models.Verdict {
	if f.gen == nil {
		return fallback(item, profile, errors.New("no evaluation service configured"))
	}

	ictx, cancel := context.WithTimeout(ctx, f.itemTimeout)
	defer cancel()

	var decoded *decision
	err := retry.Do(ictx, f.policy, "filter "+item.ID, func(ctx context.Context) error {
		text, err := f.gen.Generate(ctx, llm.Request{
			Model:     f.model,
			Prompt:    buildPrompt(item, profile),
			MaxTokens: maxTokens,
		})
		if err != nil {
			return err
		}
		d, err := decodeDecision(text)
		if err != nil {
			// Malformed output is not retried.
			return retry.Permanent(err)
		}
		decoded = d
		return nil
	})
	if err != nil {
		return fallback(item, profile, err)
	}

	return models.Verdict{
		ItemID:    item.ID,
		Subject:   item.Subject,
		Source:    item.Source,
		Included:  *decoded.IsRelevant,
		Score:     *decoded.RelevanceScore,
		Rationale: decoded.Reason,
		Topics:    decoded.Topics,
	}
}

func fallback(item models.SourceItem, profile models.Profile, cause error) models.Verdict {
	slog.Debug("using heuristic verdict",
		"item", item.ID,
		"error", cause,
	)
	v := Heuristic(item, profile)
	v.Degraded = true
	v.Rationale = fmt.Sprintf("%s (%v)", v.Rationale, models.ErrFilterDegraded)
	return v
}

// decision is the only accepted shape of a service response.
type decision struct {
	IsRelevant     *bool    `json:"is_relevant"`
	RelevanceScore *float64 `json:"relevance_score"`
	Reason         string   `json:"reason"`
	Topics         []string `json:"topics"`
}

// decodeDecision strictly parses a response: one JSON object, optionally
// inside a code fence, with exactly the expected fields.
func decodeDecision(text string) (*decision, error) {
	body := trimFence(text)

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()

	var d decision
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode verdict: trailing data after object")
	}
	if d.IsRelevant == nil || d.RelevanceScore == nil {
		return nil, errors.New("decode verdict: is_relevant and relevance_score are required")
	}
	if *d.RelevanceScore < 0 || *d.RelevanceScore > 1 {
		return nil, fmt.Errorf("decode verdict: relevance_score %v outside [0,1]", *d.RelevanceScore)
	}
	return &d, nil
}

func trimFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func preview(body string) string {
	r := []rune(body)
	if len(r) > previewLen {
		return string(r[:previewLen])
	}
	return body
}

func buildPrompt(item models.SourceItem, p models.Profile) string {
	return fmt.Sprintf(`Evaluate if this newsletter contains relevant NEWS or UPDATES for %s, who works as %s.

User interests: %s

Newsletter details:
Subject: %s
From: %s
Source: %s
Content preview: %s

Determine if this contains:
1. Breaking news or important updates in user's field
2. New product announcements or features
3. Industry trends or insights
4. Research findings or technical developments
5. Relevant business or policy changes
6. Is relevant to their personal life or things they need to get done

DO NOT include:
- Promotional content without news value
- Pure marketing or sales pitches
- Repeated/recycled content

Respond with JSON only, exactly these fields:
{"is_relevant": true/false, "relevance_score": 0.0-1.0, "reason": "brief explanation", "topics": ["topic1", "topic2"]}`,
		p.DisplayName, p.Role, strings.Join(p.Interests, ", "),
		item.Subject, item.Sender, item.Source, preview(item.Body))
}
