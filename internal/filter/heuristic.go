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

package filter

import (
	"fmt"
	"math"
	"strings"

	"github.com/bcem/newspod/internal/models"
)

// newsletterIndicators are always part of the keyword set.
var newsletterIndicators = []string{"newsletter", "weekly", "daily", "digest", "update", "news"}

const (
	// includeThreshold is the minimum heuristic score to include an item.
	includeThreshold = 0.2

	// scoreDenominatorCap keeps a long keyword list from diluting scores.
	scoreDenominatorCap = 5

	// minRoleWordLen drops filler such as "of" from role titles.
	minRoleWordLen = 3
)

// Keywords builds the heuristic keyword set for a profile, lowercased and
// deduplicated: role words first, then interests, explicit keywords and
// the newsletter indicators.
func Keywords(p models.Profile) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(k string, minLen int) {
		k = strings.ToLower(strings.TrimSpace(k))
		if len(k) < minLen || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, k)
	}

	for _, w := range strings.Fields(p.Role) {
		add(strings.Trim(w, ",.;:()"), minRoleWordLen)
	}
	for _, i := range p.Interests {
		add(i, 1)
	}
	for _, k := range p.Keywords {
		add(k, 1)
	}
	for _, k := range newsletterIndicators {
		add(k, 1)
	}
	return out
}

// Heuristic scores an item by keyword overlap. It is deterministic and
// makes no external calls.
func Heuristic(item models.SourceItem, p models.Profile) models.Verdict {
	keywords := Keywords(p)
	text := strings.ToLower(item.Subject + "\n" + item.Sender + "\n" + preview(item.Body))

	var matched []string
	for _, k := range keywords {
		if strings.Contains(text, k) {
			matched = append(matched, k)
		}
	}

	var topics []string
	for _, interest := range p.Interests {
		k := strings.ToLower(strings.TrimSpace(interest))
		if k != "" && strings.Contains(text, k) {
			topics = append(topics, interest)
		}
	}

	denom := len(keywords)
	if denom > scoreDenominatorCap {
		denom = scoreDenominatorCap
	}
	score := 0.0
	if denom > 0 {
		score = math.Min(1, float64(len(matched))/float64(denom))
	}

	rationale := "no profile keywords matched"
	if len(matched) > 0 {
		rationale = fmt.Sprintf("matched keywords: %s", strings.Join(matched, ", "))
	}

	return models.Verdict{
		ItemID:    item.ID,
		Subject:   item.Subject,
		Source:    item.Source,
		Included:  score >= includeThreshold,
		Score:     score,
		Rationale: rationale,
		Topics:    topics,
	}
}
