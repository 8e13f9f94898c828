// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config resolves the daemon and relay configuration from defaults,
// an optional YAML file and the environment.
package config

import (
	"time"

	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/durable"
	"github.com/ManuGH/durachan/internal/relay"
	"github.com/ManuGH/durachan/internal/telemetry"
	"github.com/ManuGH/durachan/internal/token"
)

// Store drivers.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Relay provisioners.
const (
	ProvisionerLocal  = "local"
	ProvisionerStatic = "static"
)

// Chat history backends.
const (
	HistoryKV     = "kv"
	HistorySQLite = "sqlite"
)

// AppConfig is the resolved configuration shared by the daemon and the relay.
type AppConfig struct {
	Version string `yaml:"-"`

	LogLevel   string `yaml:"logLevel"`
	LogService string `yaml:"logService"`

	Tenant    coord.Tenant    `yaml:"tenant"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Durable   durable.Config  `yaml:"durable"`
	API       APIConfig       `yaml:"api"`
	Relay     RelayConfig     `yaml:"relay"`
	Token     token.Config    `yaml:"token"`
	Chat      ChatConfig      `yaml:"chat"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the coordination store.
type StoreConfig struct {
	// Driver is "redis" or "memory". Empty picks redis when a URL or address is set.
	Driver    string        `yaml:"driver"`
	URL       string        `yaml:"url"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	OpTimeout time.Duration `yaml:"opTimeout"`
	Prefix    string        `yaml:"prefix"`
}

// Redis maps the store section onto the redis client config.
func (s StoreConfig) Redis() coord.RedisConfig {
	return coord.RedisConfig{
		URL:       s.URL,
		Addr:      s.Addr,
		Password:  s.Password,
		DB:        s.DB,
		PoolSize:  s.PoolSize,
		OpTimeout: s.OpTimeout,
	}
}

// APIConfig tunes the public channel routes.
type APIConfig struct {
	// EventsWindow is the default lifetime of one event stream.
	EventsWindow time.Duration `yaml:"eventsWindow"`
	// MaxEventsWindow caps the ?window= override.
	MaxEventsWindow time.Duration `yaml:"maxEventsWindow"`
	// RateLimit is requests per minute per client address; 0 disables limiting.
	RateLimit int `yaml:"rateLimit"`
	// MaxBodyBytes caps command payloads.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
	// AllowedOrigins enables CORS for browser clients on other origins.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// RelayConfig covers both the relay process and how the daemon obtains one.
type RelayConfig struct {
	// ListenAddr is where cmd/relay serves sockets.
	ListenAddr string `yaml:"listenAddr"`

	Provisioner string   `yaml:"provisioner"`
	Address     string   `yaml:"address"`
	Source      string   `yaml:"source"`
	Install     []string `yaml:"install"`
	Start       []string `yaml:"start"`
	Port        int      `yaml:"port"`
	VCPUs       int      `yaml:"vcpus"`

	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`

	Lease  relay.LeaseConfig  `yaml:"lease"`
	Server relay.ServerConfig `yaml:"server"`
}

// ChatConfig configures the example chat channel type.
type ChatConfig struct {
	History     string        `yaml:"history"`
	SQLitePath  string        `yaml:"sqlitePath"`
	KeyPrefix   string        `yaml:"keyPrefix"`
	HistoryTTL  time.Duration `yaml:"historyTTL"`
	MaxMessages int           `yaml:"maxMessages"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

// Provider converts the section into the tracer provider config.
func (t TelemetryConfig) Provider(service, version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        t.Enabled,
		ServiceName:    service,
		ServiceVersion: version,
		Environment:    t.Environment,
		ExporterType:   t.ExporterType,
		Endpoint:       t.Endpoint,
		SamplingRate:   t.SamplingRate,
	}
}

// Default returns the built-in configuration before file and environment overrides.
// Durable, lease and relay server settings stay zero here; their
// packages derive dependent defaults from whatever the operator sets.
func Default() AppConfig {
	return AppConfig{
		LogLevel:   "info",
		LogService: "durachan",
		Tenant:     coord.Tenant{}.Normalize(),
		Server:     defaultServerConfig(),
		Store: StoreConfig{
			OpTimeout: 3 * time.Second,
			Prefix:    coord.DefaultPrefix,
		},
		API: APIConfig{
			EventsWindow:    60 * time.Second,
			MaxEventsWindow: 5 * time.Minute,
			RateLimit:       600,
			MaxBodyBytes:    64 << 10,
		},
		Relay: RelayConfig{
			ListenAddr:       ":9000",
			Provisioner:      ProvisionerStatic,
			Address:          "http://127.0.0.1:9000",
			Port:             relay.DefaultPort,
			VCPUs:            relay.DefaultVCPUs,
			BreakerThreshold: 3,
			BreakerReset:     30 * time.Second,
		},
		Chat: ChatConfig{
			History:     HistoryKV,
			KeyPrefix:   "demo:whatsapp",
			HistoryTTL:  7 * 24 * time.Hour,
			MaxMessages: 500,
		},
		Telemetry: TelemetryConfig{
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "development",
		},
	}
}
