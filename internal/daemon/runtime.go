// SPDX-License-Identifier: MIT

// Package daemon wires the channel runtime together and manages its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/api"
	"github.com/ManuGH/durachan/internal/broadcast"
	"github.com/ManuGH/durachan/internal/chat"
	"github.com/ManuGH/durachan/internal/config"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/durable"
	"github.com/ManuGH/durachan/internal/health"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/provision"
	"github.com/ManuGH/durachan/internal/relay"
	"github.com/ManuGH/durachan/internal/resilience"
	"github.com/ManuGH/durachan/internal/telemetry"
	"github.com/ManuGH/durachan/internal/token"
)

const staticProbeTimeout = 2 * time.Second

// Runtime is the assembled process: coordination store, channel resolver,
// relay leases and the API in front of them.
type Runtime struct {
	Config   config.AppConfig
	Store    coord.Store
	Resolver *durable.Resolver
	Relays   *relay.LeaseManager
	Health   *health.Manager
	API      *api.Server

	logger zerolog.Logger
	hooks  []namedHook
}

// NewRuntime builds every component from cfg. On error, whatever was already
// opened is closed again.
func NewRuntime(ctx context.Context, cfg config.AppConfig) (rt *Runtime, err error) {
	rt = &Runtime{
		Config: cfg,
		Health: health.NewManager(cfg.Version),
		logger: log.WithComponent("daemon"),
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, rt.closeAll(context.WithoutCancel(ctx)))
			rt = nil
		}
	}()

	rt.initTelemetry(ctx)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return rt, err
	}
	rt.Store = store
	rt.addHook("coord-store", func(context.Context) error { return store.Close() })
	rt.Health.RegisterChecker(health.NewPingChecker("coord_store", store.Ping))

	keys := coord.NewKeyspace(cfg.Store.Prefix, cfg.Tenant)

	history, err := rt.openHistory(ctx, store)
	if err != nil {
		return rt, err
	}
	registry := actor.NewRegistry()
	chat.Register(registry, history, chat.Options{MaxMessages: cfg.Chat.MaxMessages})

	bridge := broadcast.NewBridge(store, keys)

	prov, err := newProvisioner(cfg.Relay)
	if err != nil {
		return rt, err
	}
	rt.Relays = relay.NewLeaseManager(store, keys, prov, relaySpec(cfg), cfg.Relay.Lease)
	rt.addHook("relay-leases", rt.Relays.Close)

	rt.Resolver, err = durable.NewResolver(durable.Deps{
		Store:       store,
		Keys:        keys,
		Registry:    registry,
		Broadcaster: bridge,
	}, cfg.Durable)
	if err != nil {
		return rt, err
	}
	// Registered last so it runs first: hibernation still needs the store.
	rt.addHook("channel-resolver", rt.Resolver.Shutdown)
	rt.Health.RegisterChecker(health.NewGaugeChecker("channels", "owned", rt.Resolver.OwnedCount))

	codec, err := token.New(cfg.Token, time.Now)
	if err != nil {
		return rt, fmt.Errorf("relay tokens: %w", err)
	}

	tracing := ""
	if cfg.Telemetry.Enabled {
		tracing = cfg.LogService
	}
	rt.API, err = api.New(api.Config{
		Tenant:          cfg.Tenant,
		EventsWindow:    cfg.API.EventsWindow,
		MaxEventsWindow: cfg.API.MaxEventsWindow,
		MaxBodyBytes:    cfg.API.MaxBodyBytes,
		RateLimit:       cfg.API.RateLimit,
		TracingService:  tracing,
		AllowedOrigins:  cfg.API.AllowedOrigins,
	}, api.Deps{
		Channels: rt.Resolver,
		Events:   bridge,
		Relays:   rt.Relays,
		Tokens:   codec,
		Health:   rt.Health,
	})
	if err != nil {
		return rt, err
	}

	rt.logger.Info().
		Str(log.FieldEvent, "runtime.ready").
		Str(log.FieldTenant, cfg.Tenant.String()).
		Str("store", cfg.Store.Driver).
		Str("relay_provisioner", cfg.Relay.Provisioner).
		Str("chat_history", cfg.Chat.History).
		Msg("runtime assembled")
	return rt, nil
}

func (rt *Runtime) addHook(name string, hook ShutdownHook) {
	rt.hooks = append(rt.hooks, namedHook{name: name, hook: hook})
}

// initTelemetry installs the tracer provider. Failures leave tracing off.
func (rt *Runtime) initTelemetry(ctx context.Context) {
	if !rt.Config.Telemetry.Enabled {
		return
	}
	provider, err := telemetry.NewProvider(ctx, rt.Config.Telemetry.Provider(rt.Config.LogService, rt.Config.Version))
	if err != nil {
		rt.logger.Warn().Err(err).Msg("telemetry initialization failed, continuing without tracing")
		return
	}
	rt.addHook("telemetry", provider.Shutdown)
	rt.logger.Info().
		Str("endpoint", rt.Config.Telemetry.Endpoint).
		Float64("sampling_rate", rt.Config.Telemetry.SamplingRate).
		Msg("telemetry initialized")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (coord.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return coord.NewMemoryStore(), nil
	case config.StoreRedis:
		store, err := coord.NewRedisStore(ctx, cfg.Redis(), log.WithComponent("coord"))
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (rt *Runtime) openHistory(ctx context.Context, store coord.KV) (chat.History, error) {
	cfg := rt.Config.Chat
	if cfg.History != config.HistorySQLite {
		return chat.NewKVHistory(store, cfg.KeyPrefix, cfg.HistoryTTL), nil
	}
	h, err := chat.OpenSQLiteHistory(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open chat history: %w", err)
	}
	rt.addHook("chat-history", func(context.Context) error { return h.Close() })
	rt.Health.RegisterChecker(health.NewOptionalChecker("chat_history", h.Check))
	return h, nil
}

func newProvisioner(cfg config.RelayConfig) (provision.Provisioner, error) {
	var next provision.Provisioner
	switch cfg.Provisioner {
	case config.ProvisionerStatic:
		p, err := provision.NewStaticProvisioner(cfg.Address, staticProbeTimeout)
		if err != nil {
			return nil, err
		}
		next = p
	case config.ProvisionerLocal:
		next = provision.NewLocalProvisioner(provision.LocalConfig{
			ReadyTimeout: cfg.Lease.WithDefaults().ProvisionTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown relay provisioner %q", cfg.Provisioner)
	}
	breaker := resilience.NewCircuitBreaker("relay-provision", cfg.BreakerThreshold, cfg.BreakerReset,
		resilience.WithIgnored(provision.InvalidSpec))
	return provision.NewGuarded(next, breaker), nil
}

// relaySpec describes the relay workload; the tenant variables are added by
// the lease manager.
func relaySpec(cfg config.AppConfig) provision.Spec {
	spec := provision.Spec{
		Source: cfg.Relay.Source,
		Port:   cfg.Relay.Port,
		VCPUs:  cfg.Relay.VCPUs,
		Env:    map[string]string{},
	}
	if cfg.Store.URL != "" {
		spec.Env[relay.EnvRedisURL] = cfg.Store.URL
	}
	if len(cfg.Relay.Start) > 0 {
		spec.Start = provision.Command{Name: cfg.Relay.Start[0], Args: cfg.Relay.Start[1:]}
	}
	if len(cfg.Relay.Install) > 0 {
		spec.Install = &provision.Command{Name: cfg.Relay.Install[0], Args: cfg.Relay.Install[1:]}
	}
	return spec
}

// Deps returns the manager dependencies serving this runtime.
func (rt *Runtime) Deps() Deps {
	return Deps{
		Logger:         rt.logger,
		APIHandler:     rt.API.Handler(),
		MetricsHandler: promhttp.Handler(),
		MetricsAddr:    rt.Config.Server.MetricsAddr,
	}
}

// RegisterShutdownHooks hands the runtime's cleanup to m in build order, so
// the resolver hibernates its channels before the store closes.
func (rt *Runtime) RegisterShutdownHooks(m Manager) {
	for _, h := range rt.hooks {
		m.RegisterShutdownHook(h.name, h.hook)
	}
}

// closeAll runs the hooks in reverse order; used when assembly fails or no
// manager takes ownership.
func (rt *Runtime) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(rt.hooks) - 1; i >= 0; i-- {
		if err := rt.hooks[i].hook(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt.hooks[i].name, err))
		}
	}
	rt.hooks = nil
	return errors.Join(errs...)
}

// Close releases everything without a manager.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.closeAll(ctx)
}
