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

package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/newspod/internal/models"
)

const graphScope = "https://graph.microsoft.com/.default"

// Clients hands out one client-credentials HTTP client per directory.
// Each client caches and renews its own app token.
type Clients struct {
	clientID     string
	clientSecret string
	authorityURL string

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClients creates a per-directory client cache for the app registration.
func NewClients(clientID, clientSecret, authorityURL string) *Clients {
	return &Clients{
		clientID:     clientID,
		clientSecret: clientSecret,
		authorityURL: authorityURL,
		clients:      make(map[string]*http.Client),
	}
}

// For returns the HTTP client for directoryID.
func (c *Clients) For(ctx context.Context, directoryID string) (*http.Client, error) {
	if directoryID == "" {
		return nil, &models.AuthError{Err: fmt.Errorf("m365 account has no directory id")}
	}
	if c.clientID == "" || c.clientSecret == "" {
		return nil, &models.AuthError{Err: fmt.Errorf("microsoft app credentials are not configured")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[directoryID]; ok {
		return hc, nil
	}

	creds := &clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.authorityURL, directoryID),
		Scopes:       []string{graphScope},
	}
	// Detach from the run's context: the client outlives it.
	hc := oauth2.NewClient(context.WithoutCancel(ctx), authErrorSource{creds.TokenSource(context.WithoutCancel(ctx))})
	c.clients[directoryID] = hc
	return hc, nil
}

// authErrorSource reports token endpoint failures as auth rejections.
type authErrorSource struct {
	base oauth2.TokenSource
}

func (s authErrorSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, &models.AuthError{Err: err}
	}
	return tok, nil
}
