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

// newspod server
//
// Entry point for the podcast generation service. It:
//  1. Loads configuration from .env, config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Upserts tenant seeds from config.yaml into the tenant store
//  4. Starts the tenant scheduler and its worker pool
//  5. Watches config.yaml and reschedules tenants when it changes
//  6. Serves the manual trigger API and health check
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bcem/newspod/internal/api"
	"github.com/bcem/newspod/internal/app"
	"github.com/bcem/newspod/internal/config"
	"github.com/bcem/newspod/internal/logging"
	"github.com/bcem/newspod/internal/models"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(os.Stdout, "info", "json")
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting newspod service",
		"tenant_seeds", len(cfg.Tenants),
		"workers", cfg.WorkerCount,
		"cache_backend", cfg.CacheBackend,
		"output_dir", cfg.OutputDir,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Tenant seeds (before the scheduler loads its jobs) ---
	a.SeedTenants(ctx, cfg.Tenants, false)

	// --- Scheduler ---
	if err := a.Scheduler.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	for _, j := range a.Scheduler.Jobs() {
		slog.Info("tenant scheduled", "tenant", j.TenantID, "next_fire", j.NextFire)
	}

	// --- Config hot reload ---
	go func() {
		err := config.Watch(ctx, cfg.ConfigPath, func(ctx context.Context, seeds []models.Tenant) {
			a.SeedTenants(ctx, seeds, true)
		})
		if err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	// --- API Server ---
	e := api.NewServer(api.NewHandler(a.Scheduler, a.Tenants, a.History))
	e.GET("/ready", readyHandler([]dependency{
		{name: "redis", ping: a.Events.Ping},
		{name: "postgres", ping: a.Postgres.Ping},
	}, a.Cache.Stats))

	addr := fmt.Sprintf(":%d", cfg.Port)
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 10 * time.Second

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		// Cancels in-flight runs; each still records its terminal state.
		a.Scheduler.Stop()
		cancel()
	}()

	slog.Info("newspod service listening", "addr", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("newspod service stopped")
}
