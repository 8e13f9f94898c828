// SPDX-License-Identifier: MIT

// Command relay bridges websocket clients onto channel topics. It is started
// per tenant by the daemon's relay provisioner, or run as a sidecar.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/durachan/internal/config"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/daemon"
	xglog "github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/relay"
	"github.com/ManuGH/durachan/internal/token"
	"github.com/ManuGH/durachan/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML); defaults to $DURACHAN_CONFIG")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "durachan-relay", Version: version.Version})
	logger := xglog.WithComponent("relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(config.ParseString("DURACHAN_CONFIG", ""))
	}
	cfg, err := config.NewLoader(path, version.Version).Load()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "durachan-relay", Version: cfg.Version})
	logger = xglog.WithComponent("relay")

	if cfg.Store.Driver == config.StoreMemory {
		logger.Warn().
			Str("event", "relay.memory_store").
			Msg("in-memory store: the relay will not see channels served by other processes")
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "relay.store_failed").Msg("failed to open coordination store")
	}
	codec, err := token.New(cfg.Token, time.Now)
	if err != nil {
		_ = store.Close()
		logger.Fatal().Err(err).Msg("invalid token configuration")
	}

	keys := coord.NewKeyspace(cfg.Store.Prefix, cfg.Tenant)
	srv := relay.NewServer(store, keys, codec, cfg.Relay.Server)

	serverCfg := cfg.Server
	serverCfg.ListenAddr = relayListenAddr(cfg.Relay.ListenAddr)
	// Sockets are long-lived; per-frame deadlines live in the relay itself.
	serverCfg.WriteTimeout = 0

	mgr, err := daemon.NewManager(serverCfg, daemon.Deps{
		Logger:         logger,
		APIHandler:     srv.Handler(),
		MetricsHandler: promhttp.Handler(),
		MetricsAddr:    cfg.Server.MetricsAddr,
	})
	if err != nil {
		_ = store.Close()
		logger.Fatal().Err(err).Msg("failed to create relay manager")
	}
	// LIFO: closing the store ends every subscription, which ends the sockets.
	mgr.RegisterShutdownHook("relay-connections", func(context.Context) error {
		srv.Wait()
		return nil
	})
	mgr.RegisterShutdownHook("coord-store", func(context.Context) error { return store.Close() })

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("addr", serverCfg.ListenAddr).
		Str("tenant", cfg.Tenant.String()).
		Msg("starting relay")

	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "relay.failed").Msg("relay failed")
	}
	logger.Info().Msg("relay exiting")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (coord.Store, error) {
	if cfg.Driver == config.StoreMemory {
		return coord.NewMemoryStore(), nil
	}
	return coord.NewRedisStore(ctx, cfg.Redis(), xglog.WithComponent("coord"))
}

// relayListenAddr honors $PORT, which provisioned instances receive.
func relayListenAddr(configured string) string {
	port := config.ParseInt("PORT", 0)
	if port <= 0 || port > 65535 {
		return configured
	}
	host := ""
	if h, _, err := net.SplitHostPort(configured); err == nil {
		host = h
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
