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

// Package mail retrieves newsletter items for a tenant from every
// configured mail account. Accounts are fetched independently: one
// account failing is recorded and never aborts the others.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/newspod/internal/models"
)

// DefaultAccountTimeout bounds a single account's fetch.
const DefaultAccountTimeout = 60 * time.Second

// Provider lists the messages of one mail account inside a window.
type Provider interface {
	FetchMessages(ctx context.Context, account models.SourceAccount, w models.FetchWindow) ([]models.SourceItem, error)
}

// Config holds dependencies for the fetcher.
type Config struct {
	// Providers maps models.Provider* names to implementations.
	Providers      map[string]Provider
	AccountTimeout time.Duration
	Concurrency    int
}

// Fetcher fans out over a tenant's accounts.
type Fetcher struct {
	providers      map[string]Provider
	accountTimeout time.Duration
	concurrency    int
}

// NewFetcher creates a mail fetcher.
func NewFetcher(cfg Config) *Fetcher {
	timeout := cfg.AccountTimeout
	if timeout <= 0 {
		timeout = DefaultAccountTimeout
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 4
	}
	return &Fetcher{
		providers:      cfg.Providers,
		accountTimeout: timeout,
		concurrency:    conc,
	}
}

// Fetch retrieves items from every account of the tenant. Items come back
// in account order, then oldest first. Account-level problems are
// returned as failures; the error is non-nil only when the tenant has no
// accounts or ctx itself ended.
func (f *Fetcher) Fetch(ctx context.Context, tenant models.Tenant, w models.FetchWindow) ([]models.SourceItem, []models.AccountFailure, error) {
	if len(tenant.Accounts) == 0 {
		return nil, nil, models.ErrNoSourceAccounts
	}

	perAccount := make([][]models.SourceItem, len(tenant.Accounts))
	failures := make([]*models.AccountFailure, len(tenant.Accounts))

	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for i, account := range tenant.Accounts {
		g.Go(func() error {
			items, err := f.fetchAccount(ctx, account, w)
			if err != nil {
				failure := models.AccountFailure{
					AccountID: account.ID,
					Address:   account.Address,
					Kind:      classify(err),
					Reason:    err.Error(),
				}
				slog.Warn("mail account fetch failed",
					"tenant", tenant.Alias,
					"account", account.Address,
					"kind", failure.Kind,
					"error", err,
				)
				failures[i] = &failure
				return nil
			}
			perAccount[i] = items
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("mail fetch: %w", err)
	}

	var items []models.SourceItem
	var failed []models.AccountFailure
	for i := range tenant.Accounts {
		if failures[i] != nil {
			failed = append(failed, *failures[i])
			continue
		}
		items = append(items, perAccount[i]...)
	}

	slog.Info("mail fetch complete",
		"tenant", tenant.Alias,
		"accounts", len(tenant.Accounts),
		"items", len(items),
		"failures", len(failed),
	)

	return items, failed, nil
}

func (f *Fetcher) fetchAccount(ctx context.Context, account models.SourceAccount, w models.FetchWindow) ([]models.SourceItem, error) {
	provider, ok := f.providers[account.Provider]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", account.Provider)
	}

	actx, cancel := context.WithTimeout(ctx, f.accountTimeout)
	defer cancel()

	raw, err := provider.FetchMessages(actx, account, w)
	if err != nil {
		return nil, err
	}

	items := make([]models.SourceItem, 0, len(raw))
	for _, it := range raw {
		if !it.ReceivedAt.IsZero() && !w.Contains(it.ReceivedAt) {
			continue
		}
		if !it.MatchesKeywords(w.Keywords) {
			continue
		}
		it.AccountID = account.ID
		if it.Source == "" {
			it.Source = models.SourceFromSender(it.Sender)
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].ReceivedAt.Before(items[b].ReceivedAt)
	})
	return items, nil
}

// classify maps a provider error onto an account failure kind.
func classify(err error) string {
	var authErr *models.AuthError
	if errors.As(err, &authErr) {
		return models.FailureAuth
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.FailureTimeout
	}
	return models.FailureProtocol
}
