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

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceItem is one fetched newsletter message. Immutable once fetched.
type SourceItem struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	ReceivedAt time.Time `json:"received_at"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	Source     string    `json:"source"`
	Body       string    `json:"body"`
}

// MatchesKeywords reports whether the item's subject or sender mentions
// any keyword. No keywords matches everything.
func (it SourceItem) MatchesKeywords(keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(it.Subject + " " + it.Sender)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}

// FetchWindow is the time range of messages a run considers.
type FetchWindow struct {
	TenantID string        `json:"tenant_id"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Keywords []string      `json:"keywords,omitempty"`
	Lookback time.Duration `json:"lookback"`
}

// NewFetchWindow builds the window ending at end and reaching back lookback.
func NewFetchWindow(tenantID string, end time.Time, lookback time.Duration, keywords []string) FetchWindow {
	return FetchWindow{
		TenantID: tenantID,
		Start:    end.Add(-lookback),
		End:      end,
		Keywords: keywords,
		Lookback: lookback,
	}
}

// Key identifies windows that ask for the same material: same lookback and
// same keyword set. Start and End are deliberately excluded so a later run
// can find an entry and judge its coverage.
func (w FetchWindow) Key() string {
	kw := make([]string, 0, len(w.Keywords))
	for _, k := range w.Keywords {
		kw = append(kw, strings.ToLower(strings.TrimSpace(k)))
	}
	sort.Strings(kw)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", int64(w.Lookback/time.Second), strings.Join(kw, ","))))
	return hex.EncodeToString(sum[:])[:12]
}

// Covers reports whether w spans all of other.
func (w FetchWindow) Covers(other FetchWindow) bool {
	return !w.Start.After(other.Start) && !w.End.Before(other.End)
}

// Contains reports whether t falls inside the window.
func (w FetchWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// SourceFromSender derives a display name for a newsletter from its sender
// address, e.g. "News <digest@axios.com>" -> "Axios".
func SourceFromSender(sender string) string {
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return "Unknown"
	}
	domain := strings.TrimRight(sender[at+1:], "> ")
	label := strings.SplitN(domain, ".", 2)[0]
	if label == "" {
		return "Unknown"
	}
	return strings.ToUpper(label[:1]) + strings.ToLower(label[1:])
}
