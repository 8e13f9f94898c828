// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// platformEnv carries the variables a hosting platform injects into the relay
// workload. DURACHAN_* variables take precedence over them.
type platformEnv struct {
	RedisURL  string `env:"REDIS_URL"`
	ProjectID string `env:"VERCEL_PROJECT_ID"`
	TargetEnv string `env:"VERCEL_TARGET_ENV"`
}

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, empty for environment-only configuration.
func (l *Loader) Path() string {
	return l.configPath
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envFields(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFields(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults
// It enforces Strict Validated Order: Parse File (Strict) -> Apply Env -> Validate
func (l *Loader) Load() (AppConfig, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.mergeEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("merge environment: %w", err)
	}

	l.finalize(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes the YAML file over cfg with STRICT parsing.
// Unknown fields will cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("%w: %s (only YAML supported)", ErrUnsupportedFormat, ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnv overlays the environment. Platform aliases apply first so the
// DURACHAN_* names can still override them.
func (l *Loader) mergeEnv(cfg *AppConfig) error {
	platform, err := env.ParseAs[platformEnv]()
	if err != nil {
		return fmt.Errorf("parse platform env: %w", err)
	}
	if platform.RedisURL != "" {
		cfg.Store.URL = platform.RedisURL
	}
	if platform.ProjectID != "" {
		cfg.Tenant.ProjectID = platform.ProjectID
	}
	if platform.TargetEnv != "" {
		cfg.Tenant.TargetEnv = platform.TargetEnv
	}

	cfg.LogLevel = l.envString("DURACHAN_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = l.envString("DURACHAN_LOG_SERVICE", cfg.LogService)

	cfg.Tenant.ProjectID = l.envString("DURACHAN_PROJECT_ID", cfg.Tenant.ProjectID)
	cfg.Tenant.TargetEnv = l.envString("DURACHAN_TARGET_ENV", cfg.Tenant.TargetEnv)

	cfg.Server.ListenAddr = l.envString("DURACHAN_LISTEN", cfg.Server.ListenAddr)
	cfg.Server.MetricsAddr = l.envString("DURACHAN_METRICS_LISTEN", cfg.Server.MetricsAddr)
	cfg.Server.ReadTimeout = l.envDuration("DURACHAN_SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = l.envDuration("DURACHAN_SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = l.envDuration("DURACHAN_SERVER_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.MaxHeaderBytes = l.envInt("DURACHAN_SERVER_MAX_HEADER_BYTES", cfg.Server.MaxHeaderBytes)
	cfg.Server.ShutdownTimeout = l.envDuration("DURACHAN_SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Store.Driver = l.envString("DURACHAN_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.URL = l.envString("DURACHAN_REDIS_URL", cfg.Store.URL)
	cfg.Store.Addr = l.envString("DURACHAN_REDIS_ADDR", cfg.Store.Addr)
	cfg.Store.Password = l.envString("DURACHAN_REDIS_PASSWORD", cfg.Store.Password)
	cfg.Store.DB = l.envInt("DURACHAN_REDIS_DB", cfg.Store.DB)
	cfg.Store.PoolSize = l.envInt("DURACHAN_REDIS_POOL_SIZE", cfg.Store.PoolSize)
	cfg.Store.OpTimeout = l.envDuration("DURACHAN_STORE_OP_TIMEOUT", cfg.Store.OpTimeout)
	cfg.Store.Prefix = l.envString("DURACHAN_KEY_PREFIX", cfg.Store.Prefix)

	cfg.Durable.IdleWindow = l.envDuration("DURACHAN_IDLE_WINDOW", cfg.Durable.IdleWindow)
	cfg.Durable.RPCTimeout = l.envDuration("DURACHAN_RPC_TIMEOUT", cfg.Durable.RPCTimeout)
	cfg.Durable.OwnershipTTL = l.envDuration("DURACHAN_OWNERSHIP_TTL", cfg.Durable.OwnershipTTL)
	cfg.Durable.CleanupTimeout = l.envDuration("DURACHAN_CLEANUP_TIMEOUT", cfg.Durable.CleanupTimeout)
	cfg.Durable.MailboxSize = l.envInt("DURACHAN_MAILBOX_SIZE", cfg.Durable.MailboxSize)

	cfg.API.EventsWindow = l.envDuration("DURACHAN_EVENTS_WINDOW", cfg.API.EventsWindow)
	cfg.API.MaxEventsWindow = l.envDuration("DURACHAN_EVENTS_MAX_WINDOW", cfg.API.MaxEventsWindow)
	cfg.API.RateLimit = l.envInt("DURACHAN_RATE_LIMIT", cfg.API.RateLimit)
	cfg.API.MaxBodyBytes = int64(l.envInt("DURACHAN_MAX_BODY_BYTES", int(cfg.API.MaxBodyBytes)))
	cfg.API.AllowedOrigins = l.envFields("DURACHAN_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)

	cfg.Relay.ListenAddr = l.envString("DURACHAN_RELAY_LISTEN", cfg.Relay.ListenAddr)
	cfg.Relay.Provisioner = l.envString("DURACHAN_RELAY_PROVISIONER", cfg.Relay.Provisioner)
	cfg.Relay.Address = l.envString("DURACHAN_RELAY_ADDRESS", cfg.Relay.Address)
	cfg.Relay.Source = l.envString("DURACHAN_RELAY_SOURCE", cfg.Relay.Source)
	cfg.Relay.Install = l.envFields("DURACHAN_RELAY_INSTALL", cfg.Relay.Install)
	cfg.Relay.Start = l.envFields("DURACHAN_RELAY_START", cfg.Relay.Start)
	cfg.Relay.Port = l.envInt("DURACHAN_RELAY_PORT", cfg.Relay.Port)
	cfg.Relay.VCPUs = l.envInt("DURACHAN_RELAY_VCPUS", cfg.Relay.VCPUs)
	cfg.Relay.Lease.Version = l.envString("DURACHAN_RELAY_VERSION", cfg.Relay.Lease.Version)
	cfg.Relay.Lease.Duration = l.envDuration("DURACHAN_RELAY_LEASE", cfg.Relay.Lease.Duration)
	cfg.Relay.Lease.ProvisionTimeout = l.envDuration("DURACHAN_RELAY_PROVISION_TIMEOUT", cfg.Relay.Lease.ProvisionTimeout)
	cfg.Relay.Server.MaxPayloadBytes = l.envInt("DURACHAN_RELAY_MAX_PAYLOAD_BYTES", cfg.Relay.Server.MaxPayloadBytes)
	cfg.Relay.Server.FrameRate = l.envFloat("DURACHAN_RELAY_FRAME_RATE", cfg.Relay.Server.FrameRate)

	if err := env.Parse(&cfg.Token); err != nil {
		return fmt.Errorf("parse token env: %w", err)
	}

	cfg.Chat.History = l.envString("DURACHAN_CHAT_HISTORY", cfg.Chat.History)
	cfg.Chat.SQLitePath = l.envString("DURACHAN_CHAT_SQLITE_PATH", cfg.Chat.SQLitePath)
	cfg.Chat.MaxMessages = l.envInt("DURACHAN_CHAT_MAX_MESSAGES", cfg.Chat.MaxMessages)

	cfg.Telemetry.Enabled = l.envBool("DURACHAN_TRACING_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = l.envString("DURACHAN_TRACING_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = l.envString("DURACHAN_TRACING_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat("DURACHAN_TRACING_SAMPLE_RATE", cfg.Telemetry.SamplingRate)

	bind := l.envString("DURACHAN_BIND", "")
	listen, err := BindListenAddr(cfg.Server.ListenAddr, bind)
	if err != nil {
		return fmt.Errorf("bind listen address: %w", err)
	}
	cfg.Server.ListenAddr = listen
	relayListen, err := BindListenAddr(cfg.Relay.ListenAddr, bind)
	if err != nil {
		return fmt.Errorf("bind relay listen address: %w", err)
	}
	cfg.Relay.ListenAddr = relayListen
	return nil
}

// finalize derives values that depend on other settings.
func (l *Loader) finalize(cfg *AppConfig) {
	cfg.Tenant = cfg.Tenant.Normalize()
	cfg.Server = cfg.Server.normalize()
	cfg.Token = cfg.Token.WithDefaults()
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
		if cfg.Store.URL != "" || cfg.Store.Addr != "" {
			cfg.Store.Driver = StoreRedis
		}
	}
}
