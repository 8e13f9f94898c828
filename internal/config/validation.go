// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"strings"

	xnet "github.com/ManuGH/durachan/internal/platform/net"
	"github.com/ManuGH/durachan/internal/validate"
)

// Validate reports every invalid setting in cfg. The error matches validate.ErrInvalid.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.LogLevel("logLevel", cfg.LogLevel)
	v.NotEmpty("tenant.projectId", cfg.Tenant.ProjectID)
	v.NotEmpty("tenant.targetEnv", cfg.Tenant.TargetEnv)
	if strings.ContainsAny(cfg.Tenant.ProjectID+cfg.Tenant.TargetEnv, ": ") {
		v.AddError("tenant", "must not contain ':' or spaces", cfg.Tenant.String())
	}

	v.NotEmpty("server.listenAddr", cfg.Server.ListenAddr)

	v.OneOf("store.driver", cfg.Store.Driver, []string{StoreRedis, StoreMemory})
	if cfg.Store.Driver == StoreRedis {
		switch {
		case cfg.Store.URL != "":
			v.URL("store.url", cfg.Store.URL, []string{"redis", "rediss", "unix"})
		case cfg.Store.Addr == "":
			v.AddError("store", "redis driver requires url or addr", "")
		}
	}
	v.Duration("store.opTimeout", cfg.Store.OpTimeout)
	v.Custom("durable", cfg.Durable, cfg.Durable.Validate())

	v.Duration("api.eventsWindow", cfg.API.EventsWindow)
	v.Duration("api.maxEventsWindow", cfg.API.MaxEventsWindow)
	if cfg.API.EventsWindow > cfg.API.MaxEventsWindow {
		v.AddError("api.eventsWindow", "must not exceed api.maxEventsWindow", cfg.API.EventsWindow)
	}
	v.NonNegative("api.rateLimit", cfg.API.RateLimit)
	if cfg.API.MaxBodyBytes <= 0 {
		v.AddError("api.maxBodyBytes", "must be positive", cfg.API.MaxBodyBytes)
	}

	validateRelay(v, cfg.Relay)

	if secret := cfg.Token.Secret; secret != "" && len(secret) < 16 {
		v.AddError("token.secret", "must be at least 16 bytes", "***")
	}

	v.OneOf("chat.history", cfg.Chat.History, []string{HistoryKV, HistorySQLite})
	if cfg.Chat.History == HistorySQLite {
		v.NotEmpty("chat.sqlitePath", cfg.Chat.SQLitePath)
	}
	v.NonNegative("chat.maxMessages", cfg.Chat.MaxMessages)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.ExporterType, []string{"grpc", "http", "noop"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.Fraction("telemetry.samplingRate", cfg.Telemetry.SamplingRate)
	}

	return v.Err()
}

func validateRelay(v *validate.Validator, r RelayConfig) {
	v.NotEmpty("relay.listenAddr", r.ListenAddr)
	v.OneOf("relay.provisioner", r.Provisioner, []string{ProvisionerLocal, ProvisionerStatic})
	switch r.Provisioner {
	case ProvisionerStatic:
		if _, ok := xnet.ParseDirectHTTPURL(r.Address); !ok {
			v.AddError("relay.address", "must be an absolute http(s) URL", r.Address)
		}
	case ProvisionerLocal:
		if len(r.Start) == 0 {
			v.AddError("relay.start", "local provisioner requires a start command", "")
		}
	}
	v.Port("relay.port", r.Port)
	v.Range("relay.vcpus", r.VCPUs, 1, 64)
	v.Positive("relay.breakerThreshold", r.BreakerThreshold)
	v.Duration("relay.breakerReset", r.BreakerReset)
	if r.Lease.Duration < 0 || r.Lease.ProvisionTimeout < 0 || r.Lease.PendingTTL < 0 {
		v.AddError("relay.lease", "durations must not be negative", r.Lease)
	}
	if r.Server.MaxPayloadBytes < 0 {
		v.AddError("relay.server.maxPayloadBytes", "must not be negative", r.Server.MaxPayloadBytes)
	}
}

// IsInvalid reports whether err came from Validate.
func IsInvalid(err error) bool {
	return errors.Is(err, validate.ErrInvalid)
}
