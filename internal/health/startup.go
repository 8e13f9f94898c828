// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ManuGH/durachan/internal/config"
	"github.com/ManuGH/durachan/internal/log"
)

// PerformStartupChecks validates the environment and dependencies before starting the server.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Str("event", "startup.checks_begin").Msg("running pre-flight startup checks")

	if err := checkListenAddr("listen", cfg.Server.ListenAddr); err != nil {
		return err
	}
	if cfg.Server.MetricsAddr != "" {
		if err := checkListenAddr("metrics listen", cfg.Server.MetricsAddr); err != nil {
			return err
		}
	}

	if cfg.Chat.History == config.HistorySQLite {
		if err := checkWritableDir(filepath.Dir(cfg.Chat.SQLitePath)); err != nil {
			return fmt.Errorf("chat history directory check failed: %w", err)
		}
	}

	if cfg.Relay.Provisioner == config.ProvisionerLocal {
		if err := checkRelayCommands(logger, cfg.Relay); err != nil {
			return fmt.Errorf("relay provisioning check failed: %w", err)
		}
	}

	if cfg.Store.Driver == config.StoreMemory {
		logger.Warn().
			Str("event", "startup.memory_store").
			Msg("in-memory coordination store: channel ownership is not shared with other processes")
	}

	logger.Info().Str("event", "startup.checks_passed").Msg("all startup checks passed")
	return nil
}

func checkListenAddr(label, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s address %q: %w", label, addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid %s port %q in %q", label, port, addr)
	}
	return nil
}

func checkWritableDir(path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("ensure directory %s: %w", path, err)
	}
	f, err := os.CreateTemp(path, ".write_test")
	if err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

func checkRelayCommands(logger zerolog.Logger, r config.RelayConfig) error {
	if r.Source != "" {
		info, err := os.Stat(r.Source)
		if err != nil {
			return fmt.Errorf("relay source: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("relay source %s is not a directory", r.Source)
		}
	}
	for _, cmd := range [][]string{r.Install, r.Start} {
		if len(cmd) == 0 {
			continue
		}
		if _, err := exec.LookPath(cmd[0]); err != nil {
			return fmt.Errorf("relay command %q not found: %w", cmd[0], err)
		}
	}
	logger.Info().Str("event", "startup.relay_commands").Strs("start", r.Start).Msg("relay commands available")
	return nil
}
