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

package scheduler

import (
	"container/heap"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/newspod/internal/models"
)

// ParseTimeOfDay reads "HH:MM" in 24-hour form.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time of day %q: bad hour", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q: bad minute", s)
	}
	return hour, minute, nil
}

// NextFire returns the first occurrence of the schedule's time of day in
// its timezone strictly after now. It depends only on the schedule and
// now, so a restarted process computes the same instant without replaying
// fires it missed. On a DST gap day the wall time is normalized forward.
func NextFire(s models.Schedule, now time.Time) (time.Time, error) {
	tz := s.Timezone
	if tz == "" {
		tz = models.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	tod := s.TimeOfDay
	if tod == "" {
		tod = models.DefaultTimeOfDay
	}
	hour, minute, err := ParseTimeOfDay(tod)
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	for day := 0; day < 3; day++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day()+day, hour, minute, 0, 0, loc)
		if candidate.After(now) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("no fire time found after %s", now)
}

// job is one tenant's recurring trigger.
type job struct {
	tenantID string
	schedule models.Schedule
	next     time.Time
	index    int
}

// jobHeap orders jobs by next fire time.
type jobHeap []*job

var _ heap.Interface = (*jobHeap)(nil)

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].tenantID < h[j].tenantID
	}
	return h[i].next.Before(h[j].next)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
