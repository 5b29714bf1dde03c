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

// Package audio converts a finished script into narration through an
// ElevenLabs-compatible text-to-speech API.
package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/bcem/newspod/internal/retry"
)

const (
	contentTypeMPEG = "audio/mpeg"
	errBodyLimit    = 2048
	defaultModelID  = "eleven_monolingual_v1"
)

// ErrNoVoice is returned when neither the tenant nor the config names a voice.
var ErrNoVoice = errors.New("no voice configured")

// ErrEmptyAudio is returned when the service answers 200 with no bytes.
var ErrEmptyAudio = errors.New("speech service returned no audio")

// Artifact is synthesized narration.
type Artifact struct {
	Data        []byte
	ContentType string
	Voice       string
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (*Artifact, error)
}

// StatusError is a non-2xx response from the speech service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("speech API returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Config holds client settings.
type Config struct {
	BaseURL           string
	APIKey            string
	DefaultVoice      string
	ModelID           string
	RequestsPerMinute int
	Policy            retry.Policy
	HTTPClient        *http.Client
}

// Client calls the text-to-speech endpoint.
type Client struct {
	baseURL      string
	apiKey       string
	defaultVoice string
	modelID      string
	policy       retry.Policy
	httpClient   *http.Client
	limiter      *rate.Limiter
}

var _ Synthesizer = (*Client)(nil)

// NewClient creates a speech client.
func NewClient(cfg Config) *Client {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}
	policy := cfg.Policy
	if policy.Attempts == 0 {
		policy = retry.Default
	}
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = defaultModelID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultVoice: cfg.DefaultVoice,
		modelID:      modelID,
		policy:       policy,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize renders text with the given voice, falling back to the
// configured default. Transient failures are retried under the client's
// policy.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (*Artifact, error) {
	if voice == "" {
		voice = c.defaultVoice
	}
	if voice == "" {
		return nil, ErrNoVoice
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("no text to synthesize")
	}

	payload, err := json.Marshal(speechRequest{
		Text:          text,
		ModelID:       c.modelID,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.5},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var data []byte
	err = retry.Do(ctx, c.policy, "speech synthesis", func(ctx context.Context) error {
		var err error
		data, err = c.post(ctx, voice, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("audio synthesized",
		"voice", voice,
		"chars", len(text),
		"size", humanize.Bytes(uint64(len(data))),
	)
	return &Artifact{Data: data, ContentType: contentTypeMPEG, Voice: voice}, nil
}

func (c *Client) post(ctx context.Context, voice string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	endpoint := c.baseURL + "/text-to-speech/" + url.PathEscape(voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", contentTypeMPEG)
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if !retry.Retryable(resp.StatusCode) {
			return nil, retry.Permanent(statusErr)
		}
		if d := retry.ParseRetryAfter(resp.Header, time.Now()); d > 0 {
			return nil, retry.After(d, statusErr)
		}
		return nil, statusErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}
	return data, nil
}
