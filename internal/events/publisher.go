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

// Package events publishes run-completed notifications to a Redis list so
// downstream consumers (feed builders, notifiers) can pick up new episodes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/newspod/internal/models"
)

// RunCompleted is the message pushed for every terminal run.
type RunCompleted struct {
	EventID      string         `json:"event_id"`
	RunID        string         `json:"run_id"`
	TenantID     string         `json:"tenant_id"`
	Mode         models.RunMode `json:"mode"`
	Outcome      models.Outcome `json:"outcome"`
	Degradations []string       `json:"degradations,omitempty"`
	ItemCount    int            `json:"item_count"`
	AudioPath    string         `json:"audio_path,omitempty"`
	UploadURL    string         `json:"upload_url,omitempty"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// Publisher pushes run events onto a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a run event publisher for the given list.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// NewRunCompleted builds the event for a finished run.
func NewRunCompleted(run *models.Run) RunCompleted {
	ev := RunCompleted{
		EventID:      uuid.New().String(),
		RunID:        run.ID,
		TenantID:     run.TenantID,
		Mode:         run.Mode,
		Outcome:      run.Outcome,
		Degradations: run.Degradations,
		ItemCount:    run.ItemCount,
		AudioPath:    run.AudioPath,
		UploadURL:    run.UploadURL,
	}
	if run.FinishedAt != nil {
		ev.FinishedAt = *run.FinishedAt
	}
	return ev
}

// RunFinished publishes the completion event for run.
func (p *Publisher) RunFinished(ctx context.Context, run *models.Run) error {
	ev := NewRunCompleted(run)
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	// Consumers BRPOP from the other end.
	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published run event",
		"event_id", ev.EventID,
		"run_id", run.ID,
		"tenant", run.TenantID,
		"outcome", run.Outcome,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks Redis connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
