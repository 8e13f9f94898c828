// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/token"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("", "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, coord.Tenant{ProjectID: "local", TargetEnv: "dev"}, cfg.Tenant)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, ProvisionerStatic, cfg.Relay.Provisioner)
	assert.Equal(t, 9000, cfg.Relay.Port)
	assert.Equal(t, 4, cfg.Relay.VCPUs)
	assert.Equal(t, token.DefaultTTL, cfg.Token.TTL)
	assert.Equal(t, 60*time.Second, cfg.API.EventsWindow)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logLevel: debug
tenant:
  projectId: prj_123
  targetEnv: preview
store:
  url: redis://cache:6379/2
  prefix: chans
durable:
  idleWindow: 30s
relay:
  provisioner: local
  source: ./relay
  install: [pnpm, install]
  start: [pnpm, start]
  lease:
    duration: 5m
chat:
  history: sqlite
  sqlitePath: /var/lib/durachan/chat.db
`)
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, coord.Tenant{ProjectID: "prj_123", TargetEnv: "preview"}, cfg.Tenant)
	assert.Equal(t, StoreRedis, cfg.Store.Driver)
	assert.Equal(t, "chans", cfg.Store.Prefix)
	assert.Equal(t, 30*time.Second, cfg.Durable.IdleWindow)
	assert.Equal(t, 5*time.Minute, cfg.Relay.Lease.Duration)
	if diff := cmp.Diff([]string{"pnpm", "start"}, cfg.Relay.Start); diff != "" {
		t.Errorf("start command mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, HistorySQLite, cfg.Chat.History)
	// untouched sections keep their defaults
	assert.Equal(t, 500, cfg.Chat.MaxMessages)
	assert.Equal(t, 9000, cfg.Relay.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
tenant:
  projectId: from-file
store:
  url: redis://file:6379
token:
  issuer: file-issuer
`)
	t.Setenv("DURACHAN_PROJECT_ID", "from-env")
	t.Setenv("DURACHAN_REDIS_URL", "redis://env:6379")
	t.Setenv("DURACHAN_IDLE_WINDOW", "45s")
	t.Setenv("DURACHAN_RELAY_START", "node relay.js")
	t.Setenv("DURACHAN_TOKEN_SECRET", "0123456789abcdef0123")
	t.Setenv("DURACHAN_TOKEN_TTL", "10m")

	loader := NewLoader(path, "")
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Tenant.ProjectID)
	assert.Equal(t, "redis://env:6379", cfg.Store.URL)
	assert.Equal(t, 45*time.Second, cfg.Durable.IdleWindow)
	assert.Equal(t, []string{"node", "relay.js"}, cfg.Relay.Start)
	assert.Equal(t, "0123456789abcdef0123", cfg.Token.Secret)
	assert.Equal(t, "file-issuer", cfg.Token.Issuer)
	assert.Equal(t, 10*time.Minute, cfg.Token.TTL)
	assert.Contains(t, loader.ConsumedEnvKeys, "DURACHAN_IDLE_WINDOW")
}

func TestLoadPlatformAliases(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://platform:6379")
	t.Setenv("VERCEL_PROJECT_ID", "prj_platform")
	t.Setenv("VERCEL_TARGET_ENV", "production")

	cfg, err := NewLoader("", "").Load()
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Store.Driver)
	assert.Equal(t, "redis://platform:6379", cfg.Store.URL)
	assert.Equal(t, coord.Tenant{ProjectID: "prj_platform", TargetEnv: "production"}, cfg.Tenant)

	t.Setenv("DURACHAN_TARGET_ENV", "preview")
	cfg, err = NewLoader("", "").Load()
	require.NoError(t, err)
	assert.Equal(t, "preview", cfg.Tenant.TargetEnv)
}

func TestLoadStrictUnknownField(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: memory
  unknownField: should_fail
`)
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownConfigField)
	assert.Contains(t, err.Error(), "unknownField")
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "logLevel: info\n---\nlogLevel: debug\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoadRejectsNonYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err := NewLoader(path, "").Load()
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		field  string
	}{
		{"bad log level", func(c *AppConfig) { c.LogLevel = "loud" }, "logLevel"},
		{"unknown driver", func(c *AppConfig) { c.Store.Driver = "etcd" }, "store.driver"},
		{"redis without address", func(c *AppConfig) { c.Store.Driver = StoreRedis }, "store"},
		{"redis bad scheme", func(c *AppConfig) {
			c.Store.Driver = StoreRedis
			c.Store.URL = "http://cache:6379"
		}, "store.url"},
		{"ownership ttl too short", func(c *AppConfig) {
			c.Durable.IdleWindow = time.Minute
			c.Durable.OwnershipTTL = time.Minute
		}, "durable"},
		{"window above cap", func(c *AppConfig) { c.API.EventsWindow = time.Hour }, "api.eventsWindow"},
		{"static without address", func(c *AppConfig) { c.Relay.Address = "relay:9000" }, "relay.address"},
		{"local without start", func(c *AppConfig) { c.Relay.Provisioner = ProvisionerLocal }, "relay.start"},
		{"short secret", func(c *AppConfig) { c.Token.Secret = "short" }, "token.secret"},
		{"sqlite without path", func(c *AppConfig) { c.Chat.History = HistorySQLite }, "chat.sqlitePath"},
		{"tenant with colon", func(c *AppConfig) { c.Tenant.ProjectID = "a:b" }, "tenant"},
		{"bad exporter", func(c *AppConfig) {
			c.Telemetry.Enabled = true
			c.Telemetry.ExporterType = "zipkin"
		}, "telemetry.exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Store.Driver = StoreMemory
			tt.mutate(&cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, IsInvalid(err))
			assert.Contains(t, err.Error(), "validation failed for "+tt.field+":")
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = StoreMemory
	require.NoError(t, Validate(cfg))
}
