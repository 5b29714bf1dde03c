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

package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/bcem/newspod/internal/models"
)

// TokenStore reads and writes OAuth tokens by credential reference.
// *Store implements it.
type TokenStore interface {
	Token(ctx context.Context, ref string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, ref string, tok *oauth2.Token) error
}

var _ TokenStore = (*Store)(nil)

// TokenSource returns a source for the stored token behind ref. An
// expired access token is refreshed once through conf; the refreshed
// token is written back so the next run starts from it. A missing token
// or a rejected refresh is reported as *models.AuthError.
func TokenSource(ctx context.Context, store TokenStore, conf *oauth2.Config, ref string) (oauth2.TokenSource, error) {
	tok, err := store.Token(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", ref, err)
	}
	if tok == nil {
		return nil, &models.AuthError{Err: fmt.Errorf("no stored token for credential %q", ref)}
	}

	return &persistingSource{
		ctx:   ctx,
		store: store,
		ref:   ref,
		base:  conf.TokenSource(ctx, tok),
		last:  tok.AccessToken,
	}, nil
}

// persistingSource saves every newly minted access token.
type persistingSource struct {
	ctx   context.Context
	store TokenStore
	ref   string
	base  oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.base.Token()
	if err != nil {
		return nil, &models.AuthError{Err: fmt.Errorf("refresh token %s: %w", p.ref, err)}
	}

	if tok.AccessToken != p.last {
		if err := p.store.SaveToken(p.ctx, p.ref, tok); err != nil {
			// The refreshed token is still usable for this run.
			slog.Warn("failed to persist refreshed token", "ref", p.ref, "error", err)
		} else {
			slog.Info("oauth token refreshed", "ref", p.ref, "expiry", tok.Expiry)
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}
