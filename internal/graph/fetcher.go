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

// Package graph lists newsletter messages from Microsoft 365 mailboxes
// through the Microsoft Graph REST API.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bcem/newspod/internal/models"
)

const (
	pageSize   = 50
	errBodyMax = 1024
)

// ClientFunc returns an authenticated HTTP client for a directory.
type ClientFunc func(ctx context.Context, directoryID string) (*http.Client, error)

// Fetcher lists messages for M365 source accounts.
type Fetcher struct {
	graphBaseURL string
	clientFor    ClientFunc
	pageDelay    time.Duration // delay between pages to avoid throttling
}

// FetcherConfig holds dependencies for the Graph fetcher.
type FetcherConfig struct {
	GraphBaseURL string
	Clients      ClientFunc
	PageDelay    time.Duration
}

// NewFetcher creates a Graph API message fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	delay := cfg.PageDelay
	if delay == 0 {
		delay = 250 * time.Millisecond
	}
	return &Fetcher{
		graphBaseURL: cfg.GraphBaseURL,
		clientFor:    cfg.Clients,
		pageDelay:    delay,
	}
}

// messagesResponse represents a page of the /messages list response.
type messagesResponse struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// FetchMessages lists every message the account received inside w,
// oldest first, following @odata.nextLink.
func (f *Fetcher) FetchMessages(ctx context.Context, account models.SourceAccount, w models.FetchWindow) ([]models.SourceItem, error) {
	client, err := f.clientFor(ctx, account.DirectoryID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s and receivedDateTime le %s",
		w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339)))
	params.Set("$select", "id,subject,from,body,receivedDateTime")
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", fmt.Sprint(pageSize))

	listURL := fmt.Sprintf("%s/users/%s/messages?%s", f.graphBaseURL, url.PathEscape(account.Address), params.Encode())

	var items []models.SourceItem
	pageCount := 0
	for nextURL := listURL; nextURL != ""; {
		// Rate limit between pages
		if pageCount > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.pageDelay):
			}
		}

		page, err := f.fetchPage(ctx, client, nextURL)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", pageCount, err)
		}
		pageCount++

		for _, raw := range page.Value {
			item, err := parseGraphMessage(raw)
			if err != nil {
				slog.Warn("skipping unparseable graph message",
					"account", account.Address,
					"error", err,
				)
				continue
			}
			items = append(items, item)
		}

		nextURL = page.NextLink
	}

	slog.Debug("graph mailbox listed",
		"account", account.Address,
		"messages", len(items),
		"pages", pageCount,
	)
	return items, nil
}

// fetchPage retrieves a single page of messages from the list endpoint.
func (f *Fetcher) fetchPage(ctx context.Context, client *http.Client, pageURL string) (*messagesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", fmt.Sprintf("odata.maxpagesize=%d", pageSize))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages page: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &models.AuthError{Err: fmt.Errorf("graph API returned HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyMax))
		return nil, fmt.Errorf("messages list returned HTTP %d: %s", resp.StatusCode, body)
	}

	var page messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}
	return &page, nil
}
