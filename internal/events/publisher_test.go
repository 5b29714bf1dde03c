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

package events

import (
	"testing"
	"time"

	"github.com/bcem/newspod/internal/models"
)

// TestNewRunCompleted verifies the event carries the run's terminal fields.
func TestNewRunCompleted(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	run := models.NewRun("run-1", "t1", models.ModeScheduled, now)
	run.ItemCount = 3
	run.AudioPath = "/out/t1/podcast.mp3"
	run.Degrade(models.DegradedUpload)
	run.Complete(now.Add(time.Minute))

	ev := NewRunCompleted(run)

	if ev.EventID == "" {
		t.Error("event ID should be generated")
	}
	if ev.RunID != "run-1" || ev.TenantID != "t1" {
		t.Errorf("ids = %q/%q, want run-1/t1", ev.RunID, ev.TenantID)
	}
	if ev.Outcome != models.OutcomePartialSuccess {
		t.Errorf("outcome = %q, want partial-success", ev.Outcome)
	}
	if ev.ItemCount != 3 {
		t.Errorf("item count = %d, want 3", ev.ItemCount)
	}
	if !ev.FinishedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("finished at = %v, want %v", ev.FinishedAt, now.Add(time.Minute))
	}
}
