package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexproxy/internal/indexer/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.Server, cfg.Server)
	assert.Equal(t, "./data/indexproxy.db", cfg.Database.Path)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.CapsTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefinitionTTL)
	assert.Equal(t, 2*time.Second, cfg.Indexer.RateLimitInterval)
	assert.Equal(t, d.Health, cfg.Health)
	assert.Empty(t, cfg.Indexers)
	assert.Equal(t, "0.0.0.0:9696", cfg.Server.Address())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8181
indexer:
  request_timeout: 30s
  host_intervals:
    - host: Tracker.example
      interval: 5s
health:
  initial_backoff: 1m
  max_backoff: 1h
  rate_limit_cooldown: 30m
indexers:
  - id: 1
    name: Alpha
    implementation: newznab
    base_url: https://alpha.example
    api_key: secret
    categories: [2000, 5000]
    priority: 10
    enabled: true
  - id: 2
    name: Beta
    implementation: cardigann
    definition: beta
    settings:
      username: user
    enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Indexer.Transport().Timeout)
	assert.Equal(t, 5*time.Second, cfg.Indexer.RateLimit().HostIntervals["tracker.example"])
	assert.Equal(t, time.Minute, cfg.Health.InitialBackoff)
	assert.Equal(t, time.Hour, cfg.Health.MaxBackoff)
	assert.Equal(t, 30*time.Minute, cfg.Health.RateLimitCooldown)
	assert.Equal(t, 2.0, cfg.Health.Multiplier)

	require.Len(t, cfg.Indexers, 2)
	alpha := cfg.Indexers[0]
	assert.Equal(t, types.ImplementationNewznab, alpha.Implementation)
	assert.Equal(t, "secret", alpha.APIKey)
	assert.Equal(t, []int{2000, 5000}, alpha.Categories)
	assert.Equal(t, 10, alpha.Priority)
	assert.Equal(t, "beta", cfg.Indexers[1].DefinitionID)
	assert.Equal(t, "user", cfg.Indexers[1].Settings["username"])
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INDEXPROXY_SERVER_PORT", "7000")
	t.Setenv("INDEXPROXY_CACHE_CAPS_TTL", "1h")
	t.Setenv("INDEXPROXY_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Cache.CapsTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INDEXPROXY_SEARCH_MAX_CONCURRENCY=3\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("INDEXPROXY_SEARCH_MAX_CONCURRENCY") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Search.MaxConcurrency)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "server: [unterminated"},
		{"bad port", "server:\n  port: 70000\n"},
		{"duplicate ids", "indexers:\n  - id: 1\n    name: a\n  - id: 1\n    name: b\n"},
		{"backoff inverted", "health:\n  initial_backoff: 2h\n  max_backoff: 1h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Definitions.CustomDir = "/custom"

	store := cfg.Store()
	assert.Equal(t, "./data/definitions", store.DefinitionsDir)
	assert.Equal(t, "/custom", store.CustomDir)
	assert.Equal(t, cfg.Cache.DefinitionTTL, store.TTL)

	repo := cfg.Repository()
	assert.Equal(t, "https://indexers.prowlarr.com", repo.BaseURL)
	assert.Equal(t, cfg.Indexer.UserAgent, repo.UserAgent)

	orch := cfg.Orchestration()
	assert.Equal(t, cfg.Indexer.CookieValidity, orch.CookieValidity)
	assert.Equal(t, cfg.Indexer.MaxRedirects, orch.MaxRedirects)
	assert.Equal(t, time.Hour, orch.RateLimitCooldown)
}
