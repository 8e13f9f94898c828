// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigHolderReload(t *testing.T) {
	path := writeConfig(t, "logLevel: info\n")
	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	require.NoError(t, err)

	holder := NewConfigHolder(initial, loader)
	updates := make(chan AppConfig, 1)
	holder.RegisterListener(updates)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\n"), 0o600))
	require.NoError(t, holder.Reload(context.Background()))

	assert.Equal(t, "debug", holder.Get().LogLevel)
	select {
	case got := <-updates:
		assert.Equal(t, "debug", got.LogLevel)
	default:
		t.Fatal("listener was not notified")
	}
}

func TestConfigHolderReloadKeepsOldConfigOnError(t *testing.T) {
	path := writeConfig(t, "logLevel: info\n")
	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	require.NoError(t, err)
	holder := NewConfigHolder(initial, loader)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: loud\n"), 0o600))
	require.Error(t, holder.Reload(context.Background()))
	assert.Equal(t, "info", holder.Get().LogLevel)
}

func TestConfigHolderListenerFullDoesNotBlock(t *testing.T) {
	path := writeConfig(t, "logLevel: info\n")
	loader := NewLoader(path, "test")
	holder := NewConfigHolder(Default(), loader)
	full := make(chan AppConfig)
	holder.RegisterListener(full)

	done := make(chan error, 1)
	go func() { done <- holder.Reload(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reload blocked on a listener")
	}
}

func TestConfigHolderWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "logLevel: info\n")
	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	require.NoError(t, err)
	holder := NewConfigHolder(initial, loader)

	updates := make(chan AppConfig, 4)
	holder.RegisterListener(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, holder.StartWatcher(ctx))
	defer holder.Stop()

	require.NoError(t, os.WriteFile(path, []byte("logLevel: warn\n"), 0o600))

	select {
	case got := <-updates:
		assert.Equal(t, "warn", got.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the config")
	}
	assert.Equal(t, "warn", holder.Get().LogLevel)
}

func TestConfigHolderWatcherDisabledWithoutFile(t *testing.T) {
	holder := NewConfigHolder(Default(), NewLoader("", "test"))
	require.NoError(t, holder.StartWatcher(context.Background()))
	holder.Stop()
}
