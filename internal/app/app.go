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

// Package app wires the generation service from configuration. Both the
// long-running server and the CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/newspod/internal/audio"
	"github.com/bcem/newspod/internal/cache"
	"github.com/bcem/newspod/internal/config"
	"github.com/bcem/newspod/internal/events"
	"github.com/bcem/newspod/internal/filter"
	"github.com/bcem/newspod/internal/gmail"
	"github.com/bcem/newspod/internal/graph"
	"github.com/bcem/newspod/internal/history"
	"github.com/bcem/newspod/internal/llm"
	"github.com/bcem/newspod/internal/lock"
	"github.com/bcem/newspod/internal/mail"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/pipeline"
	"github.com/bcem/newspod/internal/publish"
	"github.com/bcem/newspod/internal/scheduler"
	"github.com/bcem/newspod/internal/script"
	"github.com/bcem/newspod/internal/tenant"
)

// App holds the connected service components.
type App struct {
	Config *config.Config

	Postgres *pgxpool.Pool
	Redis    *redis.Client

	Tenants      *tenant.Store
	History      *history.Store
	Events       *events.Publisher
	Cache        *cache.Cache
	Locker       lock.Locker
	Orchestrator *pipeline.Orchestrator
	Scheduler    *scheduler.Scheduler
}

// New connects to Postgres and Redis and builds every component. The
// scheduler is created but not started.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create Postgres pool: %w", err)
	}
	a.Postgres = pgPool
	if err := pgPool.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	a.Redis = redis.NewClient(opt)

	a.Events = events.NewPublisher(a.Redis, cfg.EventsQueue)
	if err := a.Events.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	slog.Info("connected to Redis")

	// --- Stores ---
	if a.Tenants, err = tenant.NewStore(ctx, pgPool); err != nil {
		a.Close()
		return nil, err
	}
	if a.History, err = history.NewStore(ctx, pgPool); err != nil {
		a.Close()
		return nil, err
	}

	// --- Content cache ---
	var backend cache.Backend
	switch cfg.CacheBackend {
	case "memory":
		backend = cache.NewMemoryBackend(cfg.CacheMaxEntries)
	default:
		backend = cache.NewRedisBackend(a.Redis)
	}
	if a.Cache, err = cache.New(backend, cfg.CacheTTL); err != nil {
		a.Close()
		return nil, err
	}

	// --- Mail providers ---
	msClients := graph.NewClients(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.AuthorityURL)
	fetcher := mail.NewFetcher(mail.Config{
		Providers: map[string]mail.Provider{
			models.ProviderM365: graph.NewFetcher(graph.FetcherConfig{
				GraphBaseURL: cfg.GraphBaseURL,
				Clients:      msClients.For,
			}),
			models.ProviderGmail: gmail.New(gmail.Config{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				Tokens:       a.Tenants,
			}),
		},
		AccountTimeout: cfg.AccountTimeout,
		Concurrency:    cfg.FetchConcurrency,
	})

	// --- Generation services ---
	gen := llm.NewClient(llm.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
	if cfg.LLM.APIKey == "" {
		slog.Warn("no LLM API key configured; smart filtering will degrade and scripts will fail")
	}

	speech := audio.NewClient(audio.Config{
		BaseURL:           cfg.TTS.BaseURL,
		APIKey:            cfg.TTS.APIKey,
		DefaultVoice:      cfg.TTS.DefaultVoice,
		ModelID:           cfg.TTS.ModelID,
		RequestsPerMinute: cfg.TTS.RequestsPerMinute,
	})

	publisher := publish.New(publish.Config{
		OutputDir: cfg.OutputDir,
		Uploader: publish.NewDriveUploader(publish.DriveConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Tokens:       a.Tenants,
		}),
	})

	a.Locker = lock.NewRedisLocker(a.Redis)

	a.Orchestrator = pipeline.New(pipeline.Config{
		Fetcher: fetcher,
		Cache:   a.Cache,
		Filter: filter.New(filter.Config{
			Generator:   gen,
			Model:       cfg.LLM.FilterModel,
			Concurrency: cfg.FilterConcurrency,
			ItemTimeout: cfg.FilterItemTimeout,
			Attempts:    cfg.FilterAttempts,
		}),
		Script: script.New(script.Config{
			Generator:  gen,
			Model:      cfg.LLM.Model,
			TitleModel: cfg.LLM.FilterModel,
		}),
		Audio:       speech,
		Publisher:   publisher,
		History:     a.History,
		Events:      a.Events,
		Locker:      a.Locker,
		FullBudget:  cfg.FullBudget,
		QuickBudget: cfg.QuickBudget,
	})

	a.Scheduler = scheduler.New(scheduler.Config{
		Tenants:   a.Tenants,
		Runner:    a.Orchestrator,
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.QueueSize,
	})

	return a, nil
}

// SeedTenants upserts tenants from the config file into the store. When
// reschedule is set, each seeded tenant's job is re-planned and its cached
// content dropped, since its accounts or profile may have changed.
func (a *App) SeedTenants(ctx context.Context, seeds []models.Tenant, reschedule bool) {
	applySeeds(ctx, seeds, a.Tenants, a.Scheduler, a.Cache, reschedule)
}

type seedStore interface {
	Upsert(ctx context.Context, t models.Tenant) error
	Get(ctx context.Context, id string) (*models.Tenant, error)
}

type seedScheduler interface {
	Reschedule(t models.Tenant) error
}

type seedCache interface {
	Invalidate(ctx context.Context, tenantID string) error
}

func applySeeds(ctx context.Context, seeds []models.Tenant, store seedStore, sched seedScheduler, c seedCache, reschedule bool) {
	for _, t := range seeds {
		if err := store.Upsert(ctx, t); err != nil {
			slog.Error("failed to upsert tenant seed", "tenant", t.ID, "error", err)
			continue
		}
		if !reschedule {
			continue
		}
		if err := c.Invalidate(ctx, t.ID); err != nil {
			slog.Warn("failed to invalidate cached content", "tenant", t.ID, "error", err)
		}
		stored, err := store.Get(ctx, t.ID)
		if err != nil || stored == nil {
			slog.Error("failed to reload seeded tenant", "tenant", t.ID, "error", err)
			continue
		}
		if err := sched.Reschedule(*stored); err != nil {
			slog.Error("failed to reschedule tenant", "tenant", t.ID, "error", err)
		}
	}
	slog.Info("tenant seeds applied", "count", len(seeds))
}

// Close releases the connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
