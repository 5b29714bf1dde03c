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

// Package script turns the included newsletter items into a narration
// script with one text-generation call, grouping items by topic first so
// the script can cite its sources.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/bcem/newspod/internal/llm"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/retry"
)

const (
	// WordsPerMinute is the assumed narration speed.
	WordsPerMinute = 150

	bodyLimit     = 3000
	scriptTokens  = 4000
	titleTokens   = 50
	titleMaxWords = 6
	titleMaxItems = 5
	fallbackTitle = "Newsletter Podcast"
)

// ErrEmptyScript is returned when the service produced no text.
var ErrEmptyScript = errors.New("text generation returned an empty script")

// Group is a set of items covering one topic.
type Group struct {
	Topic   string   `json:"topic"`
	Items   []int    `json:"items"`
	Sources []string `json:"sources"`
}

// Script is a generated narration.
type Script struct {
	Text        string  `json:"text"`
	Groups      []Group `json:"groups"`
	TargetWords int     `json:"target_words"`
	WordCount   int     `json:"word_count"`
}

// Config holds dependencies for the synthesizer.
type Config struct {
	Generator  llm.Generator
	Model      string
	TitleModel string
	Policy     retry.Policy
}

// Synthesizer writes podcast scripts.
type Synthesizer struct {
	gen        llm.Generator
	model      string
	titleModel string
	policy     retry.Policy
}

// New creates a script synthesizer.
func New(cfg Config) *Synthesizer {
	policy := cfg.Policy
	if policy.Attempts == 0 {
		policy = retry.Default
	}
	return &Synthesizer{
		gen:        cfg.Generator,
		model:      cfg.Model,
		titleModel: cfg.TitleModel,
		policy:     policy,
	}
}

// TargetWords converts a duration target to a word budget.
func TargetWords(minutes int) int {
	if minutes < 1 {
		minutes = 1
	}
	return minutes * WordsPerMinute
}

// Synthesize writes a script for the included items. verdicts must be
// aligned with items. Service errors are retried under the policy; an
// empty result counts as a failed attempt.
func (s *Synthesizer) Synthesize(ctx context.Context, items []models.SourceItem, verdicts []models.Verdict, profile models.Profile, minutes int) (*Script, error) {
	if len(items) == 0 {
		return nil, errors.New("no items to narrate")
	}

	groups := GroupByTopic(items, verdicts)
	target := TargetWords(minutes)
	prompt := buildPrompt(items, groups, profile, minutes, target)

	var text string
	err := retry.Do(ctx, s.policy, "script synthesis", func(ctx context.Context) error {
		out, err := s.gen.Generate(ctx, llm.Request{
			Model:       s.model,
			Prompt:      prompt,
			MaxTokens:   scriptTokens,
			Temperature: 0.7,
		})
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return ErrEmptyScript
		}
		text = strings.TrimSpace(out)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sc := &Script{
		Text:        text,
		Groups:      groups,
		TargetWords: target,
		WordCount:   len(strings.Fields(text)),
	}
	slog.Info("script generated",
		"items", len(items),
		"groups", len(groups),
		"words", sc.WordCount,
		"target_words", target,
	)
	return sc, nil
}

// Title asks for a short episode title suitable for a filename. It never
// fails: any problem yields a generic title.
func (s *Synthesizer) Title(ctx context.Context, items []models.SourceItem) string {
	if len(items) == 0 || s.gen == nil {
		return fallbackTitle
	}

	var lines []string
	for i, it := range items {
		if i == titleMaxItems {
			break
		}
		lines = append(lines, fmt.Sprintf("- %s (from %s)", it.Subject, sourceName(it)))
	}

	prompt := fmt.Sprintf(`Generate a concise, descriptive title (max %d words) summarizing these newsletters:

%s

The title should:
- Capture the most important/common theme
- Be specific and informative
- Use clear, simple language
- Be suitable for a filename (no special characters)

Return ONLY the title, nothing else.`, titleMaxWords, strings.Join(lines, "\n"))

	out, err := s.gen.Generate(ctx, llm.Request{Model: s.titleModel, Prompt: prompt, MaxTokens: titleTokens})
	if err != nil {
		slog.Warn("title generation failed", "error", err)
		return fallbackTitle
	}
	if title := CleanTitle(out, titleMaxWords); title != "" {
		return title
	}
	return fallbackTitle
}

// CleanTitle keeps letters, digits, spaces, '-' and '_' and truncates to
// maxWords words.
func CleanTitle(s string, maxWords int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			return r
		}
		if unicode.IsSpace(r) {
			return ' '
		}
		return -1
	}, s)
	words := strings.Fields(cleaned)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

func sourceName(it models.SourceItem) string {
	if it.Source != "" {
		return it.Source
	}
	return it.Sender
}

func buildPrompt(items []models.SourceItem, groups []Group, p models.Profile, minutes, target int) string {
	var topics strings.Builder
	for i, g := range groups {
		fmt.Fprintf(&topics, "Topic %d: %s (newsletters %s; sources: %s)\n",
			i+1, g.Topic, joinInts(g.Items), strings.Join(g.Sources, ", "))
	}

	var content strings.Builder
	for i, it := range items {
		body := it.Body
		if r := []rune(body); len(r) > bodyLimit {
			body = string(r[:bodyLimit])
		}
		fmt.Fprintf(&content, "\nNewsletter %d:\nSource: %s\nSubject: %s\nDate: %s\n---\n%s\n---\n",
			i+1, sourceName(it), it.Subject, it.ReceivedAt.Format("2006-01-02 15:04"), body)
	}

	role := p.Role
	if role == "" {
		role = "professional"
	}

	return fmt.Sprintf(`You are creating a personalized podcast script for %[1]s, a %[2]s, summarizing today's newsletters.

Here are %[3]d newsletters:
%[4]s
They have been grouped into these topics:
%[5]s
Please create an engaging, personalized podcast script that:

PERSONALIZATION:
- Address %[1]s directly in a conversational way
- Tailor insights specifically for a %[2]s
- Emphasize these interests where relevant: %[6]s

CONTENT STRUCTURE:
1. Start with "Hey %[1]s," or a similar personal greeting
2. Prioritize the most important and breaking news first
3. Cover the topics above, keeping related items together even when they come from different newsletters
4. ALWAYS mention which newsletter(s) each topic comes from
5. When multiple sources cover the same topic, cite all sources briefly

DELIVERY:
- Natural, conversational tone, like a knowledgeable colleague briefing %[1]s
- Approximately %[7]d words (%[8]d minutes at %[9]d WPM)
- Smooth transitions between topics
- End with a personalized closing and a preview of what to watch for
- Clear, simple language that is easy to understand when spoken
- Spell out abbreviations on first use

Format the script with clear paragraph breaks for natural speech pauses. Output only the script.`,
		p.DisplayName, role, len(items), content.String(), topics.String(),
		strings.Join(p.Interests, ", "), target, minutes, WordsPerMinute)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x + 1)
	}
	return strings.Join(parts, ", ")
}
