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

// newspodctl
//
// Operator CLI for the podcast service. It shares the server's
// configuration and stores, so runs started here take the same per-tenant
// lock as scheduled ones.
//
// Usage:
//
//	newspodctl run --tenant <id> [--quick] [--keywords ai,chips] [--minutes 5]
//	newspodctl tenants
//	newspodctl history --tenant <id> [--limit 20]
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bcem/newspod/internal/app"
	"github.com/bcem/newspod/internal/config"
	"github.com/bcem/newspod/internal/logging"
)

var (
	runTenant   string
	runQuick    bool
	runKeywords []string
	runMinutes  int

	historyTenant  string
	historyLimit   uint64
	historyOutcome string

	rootCmd = &cobra.Command{
		Use:           "newspodctl",
		Short:         "Operate the newsletter podcast service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Generate an episode for one tenant now and print the run",
		Args:  cobra.NoArgs,
		RunE:  executeRun,
	}

	tenantsCmd = &cobra.Command{
		Use:   "tenants",
		Short: "List tenants and their next scheduled run",
		Args:  cobra.NoArgs,
		RunE:  executeTenants,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show recent runs for a tenant",
		Args:  cobra.NoArgs,
		RunE:  executeHistory,
	}
)

func init() {
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "tenant ID (required)")
	runCmd.Flags().BoolVarP(&runQuick, "quick", "q", false, "quick mode: reuse cached content and a shorter script")
	runCmd.Flags().StringSliceVar(&runKeywords, "keywords", nil, "comma-separated keywords overriding the profile")
	runCmd.Flags().IntVar(&runMinutes, "minutes", 0, "target duration in minutes (0 = profile default)")
	_ = runCmd.MarkFlagRequired("tenant")

	historyCmd.Flags().StringVar(&historyTenant, "tenant", "", "tenant ID (required)")
	historyCmd.Flags().Uint64Var(&historyLimit, "limit", 20, "maximum runs to show")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "only runs with this outcome")
	_ = historyCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(runCmd, tenantsCmd, historyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// connect loads configuration and builds the service components. Logs go
// to stderr so stdout carries only command output.
func connect(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	format := cfg.LogFormat
	if format == "" || format == "json" {
		format = "text"
	}
	logging.Setup(os.Stderr, cfg.LogLevel, format)

	return app.New(ctx, cfg)
}
