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

// Package publish persists a finished episode: the audio, the script and
// a metadata record go to the tenant's output directory, and the audio is
// optionally uploaded to the tenant's remote folder.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bcem/newspod/internal/audio"
	"github.com/bcem/newspod/internal/models"
	"github.com/bcem/newspod/internal/script"
)

const (
	stampLayout   = "20060102_150405"
	previewLength = 200
	nameMaxWords  = 6
)

// Uploader sends a file to a tenant's remote destination and returns a
// link to it.
type Uploader interface {
	Upload(ctx context.Context, target models.UploadTarget, name, contentType string, data []byte) (string, error)
}

// Episode is everything the publisher needs from a run.
type Episode struct {
	RunID       string
	Title       string
	Script      *script.Script
	Audio       *audio.Artifact
	Items       []models.SourceItem
	GeneratedAt time.Time
}

// Metadata describes a published episode. It is written next to the audio.
type Metadata struct {
	Title            string    `json:"title"`
	EpisodeTitle     string    `json:"episode_title"`
	Date             string    `json:"date"`
	GeneratedAt      time.Time `json:"generated_at"`
	RunID            string    `json:"run_id"`
	TenantID         string    `json:"tenant_id"`
	NewsletterCount  int       `json:"newsletter_count"`
	Sources          []string  `json:"sources"`
	WordCount        int       `json:"word_count"`
	EstimatedMinutes float64   `json:"estimated_duration_minutes"`
	FileSizeBytes    int       `json:"file_size_bytes"`
	FileSize         string    `json:"file_size"`
	SHA256           string    `json:"sha256"`
	Voice            string    `json:"voice,omitempty"`
	ScriptPreview    string    `json:"script_preview"`
	UploadName       string    `json:"upload_name,omitempty"`
	UploadURL        string    `json:"upload_url,omitempty"`
	UploadError      string    `json:"upload_error,omitempty"`
}

// Result lists what was written. UploadErr is set when the local files
// were written but the upload did not happen.
type Result struct {
	AudioPath    string
	ScriptPath   string
	MetadataPath string
	UploadURL    string
	UploadErr    error
	Metadata     Metadata
}

// Config holds publisher settings.
type Config struct {
	OutputDir string
	Uploader  Uploader
}

// Publisher writes episode artifacts.
type Publisher struct {
	outputDir string
	uploader  Uploader
}

// New creates a publisher.
func New(cfg Config) *Publisher {
	dir := cfg.OutputDir
	if dir == "" {
		dir = "output"
	}
	return &Publisher{outputDir: dir, uploader: cfg.Uploader}
}

// Publish writes the audio, script and metadata files for t. If t has an
// upload target the audio is uploaded too; an upload failure returns the
// full Result together with an error wrapping models.ErrPublishPartial.
// Failing to write local files is returned as a plain error.
func (p *Publisher) Publish(ctx context.Context, t models.Tenant, ep Episode) (*Result, error) {
	if ep.Audio == nil || ep.Script == nil {
		return nil, fmt.Errorf("publish: episode is missing audio or script")
	}
	generated := ep.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	dir, err := p.tenantDir(t.ID)
	if err != nil {
		return nil, err
	}
	stamp := generated.Format(stampLayout)
	res := &Result{
		AudioPath:    filepath.Join(dir, "podcast_"+stamp+".mp3"),
		ScriptPath:   filepath.Join(dir, "podcast_script_"+stamp+".txt"),
		MetadataPath: filepath.Join(dir, "podcast_metadata_"+stamp+".json"),
	}

	if err := os.WriteFile(res.AudioPath, ep.Audio.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write audio: %w", err)
	}
	if err := os.WriteFile(res.ScriptPath, []byte(ep.Script.Text), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	res.Metadata = buildMetadata(t, ep, generated)

	if t.Upload != nil {
		name := UploadName(generated, ep.Title)
		res.Metadata.UploadName = name
		if p.uploader == nil {
			res.UploadErr = fmt.Errorf("%w: no uploader configured for %s", models.ErrPublishPartial, t.Upload.Provider)
		} else if link, err := p.uploader.Upload(ctx, *t.Upload, name, ep.Audio.ContentType, ep.Audio.Data); err != nil {
			res.UploadErr = fmt.Errorf("%w: %v", models.ErrPublishPartial, err)
		} else {
			res.UploadURL = link
			res.Metadata.UploadURL = link
		}
		if res.UploadErr != nil {
			res.Metadata.UploadError = res.UploadErr.Error()
			slog.Warn("upload failed, keeping local artifacts",
				"tenant", t.Alias,
				"error", res.UploadErr,
			)
		}
	}

	data, err := json.MarshalIndent(res.Metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(res.MetadataPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	slog.Info("episode published",
		"tenant", t.Alias,
		"audio", res.AudioPath,
		"size", res.Metadata.FileSize,
		"uploaded", res.UploadURL != "",
	)
	return res, res.UploadErr
}

// SaveVerdicts writes the filter decisions of a run for later inspection
// and returns the file path.
func (p *Publisher) SaveVerdicts(tenantID string, at time.Time, verdicts []models.Verdict) (string, error) {
	dir, err := p.tenantDir(tenantID)
	if err != nil {
		return "", err
	}
	if verdicts == nil {
		verdicts = []models.Verdict{}
	}
	data, err := json.MarshalIndent(verdicts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal verdicts: %w", err)
	}
	path := filepath.Join(dir, "filter_results_"+at.Format(stampLayout)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write verdicts: %w", err)
	}
	return path, nil
}

func (p *Publisher) tenantDir(tenantID string) (string, error) {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, tenantID)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	dir := filepath.Join(p.outputDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// UploadName is the remote filename for an episode:
// "YYYY-MM-DD - <title words>.mp3".
func UploadName(at time.Time, title string) string {
	title = script.CleanTitle(title, nameMaxWords)
	if title == "" {
		title = "Newsletter Podcast"
	}
	return fmt.Sprintf("%s - %s.mp3", at.Format("2006-01-02"), title)
}

func buildMetadata(t models.Tenant, ep Episode, generated time.Time) Metadata {
	sum := sha256.Sum256(ep.Audio.Data)

	var sources []string
	seen := make(map[string]bool)
	for _, it := range ep.Items {
		src := it.Source
		if src == "" {
			src = it.Sender
		}
		if src != "" && !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}

	preview := ep.Script.Text
	if r := []rune(preview); len(r) > previewLength {
		preview = string(r[:previewLength]) + "..."
	}

	return Metadata{
		Title:            "Newsletter Roundup - " + generated.Format("January 02, 2006"),
		EpisodeTitle:     ep.Title,
		Date:             generated.Format(time.RFC3339),
		GeneratedAt:      generated,
		RunID:            ep.RunID,
		TenantID:         t.ID,
		NewsletterCount:  len(ep.Items),
		Sources:          sources,
		WordCount:        ep.Script.WordCount,
		EstimatedMinutes: float64(ep.Script.WordCount) / script.WordsPerMinute,
		FileSizeBytes:    len(ep.Audio.Data),
		FileSize:         humanize.Bytes(uint64(len(ep.Audio.Data))),
		SHA256:           hex.EncodeToString(sum[:]),
		Voice:            ep.Audio.Voice,
		ScriptPreview:    preview,
	}
}
