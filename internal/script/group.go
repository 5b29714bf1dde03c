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

package script

import (
	"strings"

	"github.com/bcem/newspod/internal/models"
)

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "your": true,
	"what": true, "have": true, "will": true, "about": true, "into": true,
	"week": true, "weekly": true, "daily": true, "today": true, "news": true,
	"newsletter": true, "digest": true, "issue": true, "edition": true, "update": true,
}

// GroupByTopic greedily clusters items. Items sharing a verdict topic, or
// failing that a significant subject word, land in the same group. Groups
// appear in the order of their first item.
func GroupByTopic(items []models.SourceItem, verdicts []models.Verdict) []Group {
	type cluster struct {
		group Group
		keys  map[string]bool
		seen  map[string]bool
	}
	var clusters []*cluster

	for i, it := range items {
		var topics []string
		if i < len(verdicts) {
			topics = verdicts[i].Topics
		}
		keys := topicKeys(topics)
		if len(keys) == 0 {
			keys = subjectKeys(it.Subject)
		}

		var target *cluster
	search:
		for _, c := range clusters {
			for k := range keys {
				if c.keys[k] {
					target = c
					break search
				}
			}
		}

		if target == nil {
			label := it.Subject
			if len(topics) > 0 && strings.TrimSpace(topics[0]) != "" {
				label = strings.TrimSpace(topics[0])
			}
			target = &cluster{
				group: Group{Topic: label},
				keys:  make(map[string]bool),
				seen:  make(map[string]bool),
			}
			clusters = append(clusters, target)
		}

		for k := range keys {
			target.keys[k] = true
		}
		target.group.Items = append(target.group.Items, i)
		if src := sourceName(it); !target.seen[src] {
			target.seen[src] = true
			target.group.Sources = append(target.group.Sources, src)
		}
	}

	groups := make([]Group, len(clusters))
	for i, c := range clusters {
		groups[i] = c.group
	}
	return groups
}

func topicKeys(topics []string) map[string]bool {
	keys := make(map[string]bool)
	for _, t := range topics {
		if k := strings.ToLower(strings.TrimSpace(t)); k != "" {
			keys[k] = true
		}
	}
	return keys
}

func subjectKeys(subject string) map[string]bool {
	keys := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(subject)) {
		w = strings.Trim(w, ".,:;!?\"'()[]#|-")
		if len(w) >= 4 && !stopwords[w] {
			keys[w] = true
		}
	}
	return keys
}
