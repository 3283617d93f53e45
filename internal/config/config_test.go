package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Crawler.Workers)
	assert.Equal(t, 2, cfg.Crawler.PerDomainConcurrency)
	assert.Equal(t, 0.001, cfg.Crawler.DedupFPRate)
	assert.Equal(t, "log", cfg.Sink.Provider)
	assert.Equal(t, 500*time.Millisecond, cfg.Crawler.MinDelay())
	assert.Equal(t, time.Minute, cfg.Crawler.Cooldown())
	assert.Equal(t, 2*time.Minute, cfg.Crawler.DeferredAging())
	assert.Equal(t, time.Hour, cfg.Robots.TTL())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
crawler:
  workers: 2
  user_agent: test-bot/1.0
journal:
  path: /tmp/journal.db
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Crawler.Workers)
	assert.Equal(t, "test-bot/1.0", cfg.Crawler.UserAgent)
	assert.Equal(t, "/tmp/journal.db", cfg.Journal.Path)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero workers", func(c *Config) { c.Crawler.Workers = 0 }},
		{"zero domain concurrency", func(c *Config) { c.Crawler.PerDomainConcurrency = 0 }},
		{"bad fp rate", func(c *Config) { c.Crawler.DedupFPRate = 1.5 }},
		{"missing journal path", func(c *Config) { c.Journal.Path = "" }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
		{"pubsub without project", func(c *Config) { c.Sink.Provider = "pubsub" }},
		{"unknown sink", func(c *Config) { c.Sink.Provider = "carrier-pigeon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
