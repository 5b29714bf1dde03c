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

// Package gmail lists newsletter messages from Gmail accounts with the
// Gmail API, authenticating with the account's stored OAuth token.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bcem/newspod/internal/mail"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/tenant"
)

const user = "me"

// Config holds dependencies for the Gmail provider.
type Config struct {
	ClientID     string
	ClientSecret string
	Tokens       tenant.TokenStore

	// Endpoint overrides the API base URL (tests).
	Endpoint string
}

// Provider implements mail.Provider for Gmail accounts.
type Provider struct {
	oauth    *oauth2.Config
	tokens   tenant.TokenStore
	endpoint string
}

var _ mail.Provider = (*Provider)(nil)

// New creates a Gmail provider.
func New(cfg Config) *Provider {
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope},
		},
		tokens:   cfg.Tokens,
		endpoint: cfg.Endpoint,
	}
}

// FetchMessages lists the account's messages received inside w.
func (p *Provider) FetchMessages(ctx context.Context, account models.SourceAccount, w models.FetchWindow) ([]models.SourceItem, error) {
	ts, err := tenant.TokenSource(ctx, p.tokens, p.oauth, account.CredentialRef)
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	srv, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	query := fmt.Sprintf("after:%d before:%d", w.Start.Unix(), w.End.Unix())

	var ids []string
	err = srv.Users.Messages.List(user).Q(query).MaxResults(100).Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, classify(fmt.Errorf("list messages: %w", err))
	}

	items := make([]models.SourceItem, 0, len(ids))
	for _, id := range ids {
		msg, err := srv.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
				// Deleted between list and get
				continue
			}
			return nil, classify(fmt.Errorf("get message %s: %w", id, err))
		}
		items = append(items, toItem(msg))
	}

	slog.Debug("gmail mailbox listed",
		"account", account.Address,
		"messages", len(items),
	)
	return items, nil
}

// classify marks credential rejections so the fetcher can report them.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return &models.AuthError{Err: err}
	}
	return err
}

func toItem(msg *gmailapi.Message) models.SourceItem {
	var subject, from string
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				subject = h.Value
			case "From":
				from = h.Value
			}
		}
	}
	if subject == "" {
		subject = msg.Snippet
	}

	return models.SourceItem{
		ID:         msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		Subject:    subject,
		Sender:     from,
		Source:     models.SourceFromSender(from),
		Body:       extractBody(msg.Payload),
	}
}

// extractBody prefers the text/plain part and falls back to converting
// the text/html part.
func extractBody(part *gmailapi.MessagePart) string {
	if part == nil {
		return ""
	}
	plain, html := findParts(part)
	if plain != "" {
		return mail.CollapseWhitespace(plain)
	}
	if html != "" {
		return mail.HTMLToText(html)
	}
	return ""
}

func findParts(part *gmailapi.MessagePart) (plain, html string) {
	if part.Body != nil && part.Body.Data != "" {
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain"):
			plain = decode(part.Body.Data)
		case strings.HasPrefix(part.MimeType, "text/html"):
			html = decode(part.Body.Data)
		}
	}
	for _, child := range part.Parts {
		p, h := findParts(child)
		if plain == "" {
			plain = p
		}
		if html == "" {
			html = h
		}
	}
	return plain, html
}

func decode(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}
