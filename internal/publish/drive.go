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

package publish

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/tenant"
)

// DriveConfig holds settings for the Google Drive uploader.
type DriveConfig struct {
	ClientID     string
	ClientSecret string
	Tokens       tenant.TokenStore

	// Endpoint overrides the API base URL (tests).
	Endpoint string
}

// DriveUploader uploads audio with the tenant's own Drive credential.
type DriveUploader struct {
	oauth    *oauth2.Config
	tokens   tenant.TokenStore
	endpoint string
}

var _ Uploader = (*DriveUploader)(nil)

// NewDriveUploader creates a Drive uploader.
func NewDriveUploader(cfg DriveConfig) *DriveUploader {
	return &DriveUploader{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{drive.DriveFileScope},
		},
		tokens:   cfg.Tokens,
		endpoint: cfg.Endpoint,
	}
}

// Upload creates a file in the target folder (or the Drive root) and
// returns its web link. An expired access token is refreshed once and the
// new token is persisted by the token source.
func (d *DriveUploader) Upload(ctx context.Context, target models.UploadTarget, name, contentType string, data []byte) (string, error) {
	if target.Provider != "" && target.Provider != "gdrive" {
		return "", fmt.Errorf("unsupported upload provider %q", target.Provider)
	}

	ts, err := tenant.TokenSource(ctx, d.tokens, d.oauth, target.CredentialRef)
	if err != nil {
		return "", err
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if d.endpoint != "" {
		opts = append(opts, option.WithEndpoint(d.endpoint))
	}
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("create drive service: %w", err)
	}

	file := &drive.File{Name: name, MimeType: contentType}
	if target.FolderID != "" {
		file.Parents = []string{target.FolderID}
	}

	created, err := srv.Files.Create(file).
		Media(bytes.NewReader(data), googleapi.ContentType(contentType)).
		Fields("id", "name", "webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("drive upload %s: %w", name, err)
	}

	link := created.WebViewLink
	if link == "" {
		link = "https://drive.google.com/file/d/" + created.Id + "/view"
	}
	slog.Info("uploaded to drive",
		"file_id", created.Id,
		"name", created.Name,
		"folder", target.FolderID,
	)
	return link, nil
}
