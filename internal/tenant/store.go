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

// Package tenant persists tenant records (source accounts, profile,
// schedule, upload target) and the OAuth tokens they reference in
// PostgreSQL. The store is the authoritative source for schedules: the
// scheduler rebuilds its state from it on every start.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"github.com/bcem/newspod/internal/models"
)

// Store provides CRUD operations for tenants in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a tenant store and ensures the schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure tenant schema: %w", err)
	}
	slog.Info("tenant store initialised")
	return s, nil
}

// ensureSchema creates the tables if they don't exist.
func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id                TEXT PRIMARY KEY,
			alias             TEXT DEFAULT '',
			profile           JSONB NOT NULL DEFAULT '{}',
			schedule_time     TEXT NOT NULL DEFAULT '08:00',
			schedule_timezone TEXT NOT NULL DEFAULT 'UTC',
			schedule_enabled  BOOLEAN NOT NULL DEFAULT TRUE,
			upload            JSONB,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS source_accounts (
			tenant_id      TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			id             TEXT NOT NULL,
			provider       TEXT NOT NULL,
			address        TEXT NOT NULL,
			credential_ref TEXT DEFAULT '',
			directory_id   TEXT DEFAULT '',
			position       INT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, id)
		);
		CREATE TABLE IF NOT EXISTS oauth_tokens (
			ref           TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type    TEXT NOT NULL DEFAULT 'Bearer',
			expiry        TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tenants_enabled ON tenants(schedule_enabled);
	`)
	return err
}

// Upsert inserts or replaces a tenant and its source accounts.
func (s *Store) Upsert(ctx context.Context, t models.Tenant) error {
	profile, err := json.Marshal(t.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	var upload []byte
	if t.Upload != nil {
		if upload, err = json.Marshal(t.Upload); err != nil {
			return fmt.Errorf("marshal upload target: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tenant upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO tenants
			(id, alias, profile, schedule_time, schedule_timezone, schedule_enabled, upload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			alias             = EXCLUDED.alias,
			profile           = EXCLUDED.profile,
			schedule_time     = EXCLUDED.schedule_time,
			schedule_timezone = EXCLUDED.schedule_timezone,
			schedule_enabled  = EXCLUDED.schedule_enabled,
			upload            = EXCLUDED.upload,
			updated_at        = NOW()
	`, t.ID, t.Alias, profile, t.Schedule.TimeOfDay, t.Schedule.Timezone, t.Schedule.Enabled, upload); err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM source_accounts WHERE tenant_id = $1`, t.ID); err != nil {
		return fmt.Errorf("clear source accounts: %w", err)
	}
	for i, a := range t.Accounts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO source_accounts
				(tenant_id, id, provider, address, credential_ref, directory_id, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.ID, a.ID, a.Provider, a.Address, a.CredentialRef, a.DirectoryID, i); err != nil {
			return fmt.Errorf("insert source account %s: %w", a.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Get returns a tenant by ID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, alias, profile, schedule_time, schedule_timezone,
		       schedule_enabled, upload
		FROM tenants
		WHERE id = $1
	`, id)
	t, err := scanTenant(row)
	if err != nil || t == nil {
		return nil, err
	}

	accounts, err := s.accounts(ctx, `WHERE tenant_id = $1`, id)
	if err != nil {
		return nil, err
	}
	t.Accounts = accounts[t.ID]
	return t, nil
}

// List returns every tenant ordered by ID.
func (s *Store) List(ctx context.Context) ([]models.Tenant, error) {
	return s.list(ctx, "")
}

// ListScheduled returns the tenants whose schedule is enabled.
func (s *Store) ListScheduled(ctx context.Context) ([]models.Tenant, error) {
	return s.list(ctx, "WHERE schedule_enabled")
}

func (s *Store) list(ctx context.Context, where string) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, alias, profile, schedule_time, schedule_timezone,
		       schedule_enabled, upload
		FROM tenants `+where+`
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	accounts, err := s.accounts(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range tenants {
		tenants[i].Accounts = accounts[tenants[i].ID]
	}
	return tenants, nil
}

// UpdateSchedule replaces a tenant's schedule.
func (s *Store) UpdateSchedule(ctx context.Context, id string, sched models.Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants
		SET schedule_time = $1, schedule_timezone = $2, schedule_enabled = $3, updated_at = NOW()
		WHERE id = $4
	`, sched.TimeOfDay, sched.Timezone, sched.Enabled, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTenantNotFound
	}
	return nil
}

// Delete removes a tenant and its accounts.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return err
}

// Token returns the stored OAuth token for a credential reference, or nil.
func (s *Store) Token(ctx context.Context, ref string) (*oauth2.Token, error) {
	var tok oauth2.Token
	var expiry *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, token_type, expiry
		FROM oauth_tokens
		WHERE ref = $1
	`, ref).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiry != nil {
		tok.Expiry = *expiry
	}
	return &tok, nil
}

// SaveToken stores a token, keeping the existing refresh token when the
// new one omits it (providers often return only an access token on refresh).
func (s *Store) SaveToken(ctx context.Context, ref string, tok *oauth2.Token) error {
	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		expiry = &tok.Expiry
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_tokens (ref, access_token, refresh_token, token_type, expiry)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ref) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), oauth_tokens.refresh_token),
			token_type    = EXCLUDED.token_type,
			expiry        = EXCLUDED.expiry,
			updated_at    = NOW()
	`, ref, tok.AccessToken, tok.RefreshToken, tok.Type(), expiry)
	return err
}

func (s *Store) accounts(ctx context.Context, where string, args ...any) (map[string][]models.SourceAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, id, provider, address, credential_ref, directory_id
		FROM source_accounts `+where+`
		ORDER BY tenant_id, position
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]models.SourceAccount)
	for rows.Next() {
		var tenantID string
		var a models.SourceAccount
		if err := rows.Scan(&tenantID, &a.ID, &a.Provider, &a.Address, &a.CredentialRef, &a.DirectoryID); err != nil {
			return nil, err
		}
		out[tenantID] = append(out[tenantID], a)
	}
	return out, rows.Err()
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	var profile, upload []byte
	err := row.Scan(
		&t.ID, &t.Alias, &profile, &t.Schedule.TimeOfDay, &t.Schedule.Timezone,
		&t.Schedule.Enabled, &upload,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeTenantJSON(&t, profile, upload); err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeTenantJSON(t *models.Tenant, profile, upload []byte) error {
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &t.Profile); err != nil {
			return fmt.Errorf("decode profile for tenant %s: %w", t.ID, err)
		}
	}
	if len(upload) > 0 && string(upload) != "null" {
		t.Upload = &models.UploadTarget{}
		if err := json.Unmarshal(upload, t.Upload); err != nil {
			return fmt.Errorf("decode upload target for tenant %s: %w", t.ID, err)
		}
	}
	*t = t.WithDefaults()
	return nil
}
