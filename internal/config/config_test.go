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

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/newspod/internal/models"
)

const sampleYAML = `
redis:
  url: redis://cache:6379/1
llm:
  api_key: ${TEST_LLM_KEY}
tenants:
  - id: alice
    accounts:
      - provider: gmail
        address: alice@example.com
        credential_ref: alice-gmail
      - id: work
        provider: m365
        address: alice@corp.example
        directory_id: dir-1
    profile:
      display_name: Alice
      role: platform engineer
      interests: [kubernetes, go]
      filter_mode: SMART
    schedule:
      time: "07:30"
      timezone: Europe/Berlin
    upload:
      folder_id: folder-9
      credential_ref: alice-drive
  - id: ""
  - id: bob
    schedule:
      enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// clearSettingEnv blanks variables that override config.yaml so the
// developer's shell cannot leak into a test.
func clearSettingEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "REDIS_URL", "EVENTS_QUEUE",
		"LLM_BASE_URL", "ANTHROPIC_API_KEY", "LLM_MODEL",
		"TTS_BASE_URL", "ELEVENLABS_API_KEY", "ELEVENLABS_VOICE_ID",
		"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET",
		"MS_CLIENT_ID", "MS_CLIENT_SECRET",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("TEST_LLM_KEY", "sk-test")
	t.Setenv("WORKER_COUNT", "7")
	t.Setenv("CACHE_TTL", "30m")
	t.Setenv("CACHE_BACKEND", "memory")
	clearSettingEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, defaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, defaultEventsQueue, cfg.EventsQueue)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 7, cfg.WorkerCount)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.Equal(t, 15*time.Minute, cfg.FullBudget)
	assert.Equal(t, 3*time.Minute, cfg.QuickBudget)

	require.Len(t, cfg.Tenants, 2)

	alice := cfg.Tenants[0]
	assert.Equal(t, "alice", alice.Alias)
	require.Len(t, alice.Accounts, 2)
	assert.Equal(t, "alice-1", alice.Accounts[0].ID)
	assert.Equal(t, "work", alice.Accounts[1].ID)
	assert.Equal(t, models.ProviderM365, alice.Accounts[1].Provider)
	assert.Equal(t, models.FilterSmart, alice.Profile.FilterMode)
	assert.Equal(t, models.DefaultTargetMinutes, alice.Profile.TargetMinutes)
	assert.Equal(t, "07:30", alice.Schedule.TimeOfDay)
	assert.True(t, alice.Schedule.Enabled)
	require.NotNil(t, alice.Upload)
	assert.Equal(t, "gdrive", alice.Upload.Provider)

	bob := cfg.Tenants[1]
	assert.False(t, bob.Schedule.Enabled)
	assert.Equal(t, models.DefaultTimeOfDay, bob.Schedule.TimeOfDay)
	assert.Equal(t, models.DefaultTimezone, bob.Schedule.Timezone)
	assert.Equal(t, models.FilterSimple, bob.Profile.FilterMode)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://yaml/db
redis:
  url: redis://yaml:6379/1
  queues:
    events: yaml:runs
llm:
  api_key: yaml-key
tts:
  api_key: yaml-tts
`)
	t.Setenv("CONFIG_PATH", path)
	clearSettingEnv(t)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://env:6379/0", cfg.RedisURL)
	assert.Equal(t, "env-key", cfg.LLM.APIKey)
	assert.Equal(t, "yaml:runs", cfg.EventsQueue)
	assert.Equal(t, "yaml-tts", cfg.TTS.APIKey)
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("REDIS_URL", "redis://env:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://env:6379/0", cfg.RedisURL)
	assert.Empty(t, cfg.Tenants)
}

func TestLoad_RejectsUnknownCacheBackend(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("CACHE_BACKEND", "memcached")

	_, err := Load()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), "level %q", in)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []models.Tenant, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(_ context.Context, tenants []models.Tenant) {
			select {
			case got <- tenants:
			default:
			}
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  - id: carol\n"), 0o600))

	select {
	case tenants := <-got:
		require.Len(t, tenants, 1)
		assert.Equal(t, "carol", tenants[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
