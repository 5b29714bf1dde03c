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

// Package history persists terminal generation runs in PostgreSQL.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/newspod/internal/models"
)

// DefaultLimit caps history listings when the caller sets no limit.
const DefaultLimit = 50

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Query selects history records.
type Query struct {
	TenantID string
	Outcome  models.Outcome
	Since    time.Time
	Limit    uint64
}

// Store records and lists generation runs.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a history store and ensures the schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	slog.Info("history store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS generation_runs (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			mode         TEXT NOT NULL,
			triggered_at TIMESTAMPTZ NOT NULL,
			finished_at  TIMESTAMPTZ,
			outcome      TEXT NOT NULL,
			success      BOOLEAN NOT NULL,
			item_count   INT NOT NULL DEFAULT 0,
			summary      TEXT DEFAULT '',
			result       JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_tenant_time ON generation_runs(tenant_id, triggered_at DESC);
	`)
	return err
}

// Record stores a terminal run. Recording the same run twice overwrites it.
func (s *Store) Record(ctx context.Context, run *models.Run) error {
	result, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO generation_runs
			(id, tenant_id, mode, triggered_at, finished_at, outcome, success, item_count, summary, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			outcome     = EXCLUDED.outcome,
			success     = EXCLUDED.success,
			item_count  = EXCLUDED.item_count,
			summary     = EXCLUDED.summary,
			result      = EXCLUDED.result
	`, run.ID, run.TenantID, string(run.Mode), run.TriggeredAt, run.FinishedAt,
		string(run.Outcome), run.Success(), run.ItemCount, Summary(run), result)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns a recorded run, or nil if unknown.
func (s *Store) Get(ctx context.Context, runID string) (*models.Run, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM generation_runs WHERE id = $1`, runID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var run models.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// List returns runs matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]models.Run, error) {
	query, args, err := buildListQuery(q)
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var run models.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func buildListQuery(q Query) (string, []any, error) {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	b := psql.Select("result").From("generation_runs")
	if q.TenantID != "" {
		b = b.Where(sq.Eq{"tenant_id": q.TenantID})
	}
	if q.Outcome != "" {
		b = b.Where(sq.Eq{"outcome": string(q.Outcome)})
	}
	if !q.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"triggered_at": q.Since})
	}
	return b.OrderBy("triggered_at DESC").Limit(limit).ToSql()
}

// Summary is the one-line description stored alongside a run.
func Summary(run *models.Run) string {
	switch run.Outcome {
	case models.OutcomeFatalFailure:
		return fmt.Sprintf("failed at %s: %s", run.FatalStage, run.FatalReason)
	case models.OutcomeNothingToPublish:
		return "nothing to publish: " + run.FatalReason
	case models.OutcomePartialSuccess:
		return fmt.Sprintf("published %d items (degraded: %v)", run.ItemCount, run.Degradations)
	case models.OutcomeFullSuccess:
		return fmt.Sprintf("published %d items", run.ItemCount)
	}
	return string(run.State)
}
