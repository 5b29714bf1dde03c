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

package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/bcem/newspod/internal/models"
)

type staticTokens struct{ tok *oauth2.Token }

func (s staticTokens) Token(context.Context, string) (*oauth2.Token, error) { return s.tok, nil }
func (s staticTokens) SaveToken(context.Context, string, *oauth2.Token) error {
	return nil
}

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

var window = models.NewFetchWindow("t1", time.Date(2026, 7, 2, 8, 0, 0, 0, time.UTC), 24*time.Hour, nil)

func newProvider(endpoint string) *Provider {
	return New(Config{
		Tokens:   staticTokens{tok: &oauth2.Token{AccessToken: "live", Expiry: time.Now().Add(time.Hour)}},
		Endpoint: endpoint,
	})
}

func TestFetchMessages_ListsAndParses(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			gotQuery = r.URL.Query().Get("q")
			gotAuth = r.Header.Get("Authorization")
			w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"gone"}]}`))
		case "/gmail/v1/users/me/messages/m1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":           "m1",
				"internalDate": "1782900000000",
				"payload": map[string]interface{}{
					"mimeType": "multipart/alternative",
					"headers": []map[string]string{
						{"name": "Subject", "value": "Morning Brief"},
						{"name": "From", "value": "Axios <news@axios.com>"},
					},
					"parts": []map[string]interface{}{
						{"mimeType": "text/html", "body": map[string]string{"data": b64("<p>ignored html</p>")}},
						{"mimeType": "text/plain", "body": map[string]string{"data": b64("Top   story\r\nsecond line")}},
					},
				},
			})
		case "/gmail/v1/users/me/messages/gone":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	items, err := newProvider(srv.URL+"/").FetchMessages(context.Background(), models.SourceAccount{Address: "me@gmail.com", CredentialRef: "gmail-a1"}, window)
	require.NoError(t, err)

	assert.Equal(t, "after:1782892800 before:1782979200", gotQuery)
	assert.Equal(t, "Bearer live", gotAuth)
	require.Len(t, items, 1)
	assert.Equal(t, "Morning Brief", items[0].Subject)
	assert.Equal(t, "Axios", items[0].Source)
	assert.Equal(t, "Top story\nsecond line", items[0].Body)
	assert.Equal(t, time.UnixMilli(1782900000000).UTC(), items[0].ReceivedAt)
}

func TestFetchMessages_UnauthorizedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	}))
	defer srv.Close()

	_, err := newProvider(srv.URL+"/").FetchMessages(context.Background(), models.SourceAccount{CredentialRef: "gmail-a1"}, window)
	var authErr *models.AuthError
	assert.True(t, errors.As(err, &authErr), "got %v", err)
}

func TestFetchMessages_MissingToken(t *testing.T) {
	p := New(Config{Tokens: staticTokens{}})
	_, err := p.FetchMessages(context.Background(), models.SourceAccount{CredentialRef: "none"}, window)
	var authErr *models.AuthError
	assert.True(t, errors.As(err, &authErr), "got %v", err)
}

func TestExtractBody_HTMLOnly(t *testing.T) {
	part := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{{
			MimeType: "multipart/alternative",
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/html; charset=utf-8", Body: &gmailapi.MessagePartBody{Data: b64("<div>Deep <i>nested</i></div>")}},
			},
		}},
	}
	assert.Equal(t, "Deep nested", extractBody(part))
	assert.Empty(t, extractBody(nil))
}
