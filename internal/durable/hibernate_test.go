// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package durable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/durachan/internal/coord"
)

func TestDebouncedHibernation(t *testing.T) {
	const window = 150 * time.Millisecond
	store := coord.NewMemoryStore()
	cfg := testConfig()
	cfg.IdleWindow = window
	p := newProcess(t, store, cfg)
	ctx := context.Background()

	var lastAccess time.Time
	for i := 0; i < 6; i++ {
		lastAccess = time.Now()
		_, err := p.HandleCommand(ctx, "chat-abc", "tick")
		require.NoError(t, err)
		time.Sleep(window / 3)
	}

	require.Eventually(t, func() bool { return p.life.hibernates.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give a stale timer every chance to fire a second time.
	time.Sleep(2 * window)

	assert.Equal(t, int32(1), p.life.hibernates.Load(), "accesses inside the window collapse into one hibernation")
	assert.False(t, p.life.lastHibernation().Before(lastAccess.Add(window)), "hibernated before the window elapsed")
	assert.False(t, p.Owned("chat-abc"))
	_, ok := storedCounter(t, store, "chat-abc")
	assert.False(t, ok, "hibernation releases the ownership record")
}

func TestHibernatedChannelCanBeClaimedElsewhere(t *testing.T) {
	store := coord.NewMemoryStore()
	cfg := testConfig()
	cfg.IdleWindow = 50 * time.Millisecond
	a := newProcess(t, store, cfg)
	b := newProcess(t, store, testConfig())
	ctx := context.Background()

	h, err := a.Resolve(ctx, "chat-abc")
	require.NoError(t, err)
	require.True(t, h.Owner())

	require.Eventually(t, func() bool { return !a.Owned("chat-abc") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := storedCounter(t, store, "chat-abc")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	hb, err := b.Resolve(ctx, "chat-abc")
	require.NoError(t, err)
	assert.True(t, hb.Owner())
	assert.Equal(t, 1, store.Subscribers(testKeys.Inbound("chat-abc")), "only the new owner listens")
}

func TestCleanupRunsOnce(t *testing.T) {
	store := coord.NewMemoryStore()
	p := newProcess(t, store, testConfig())
	ctx := context.Background()

	h, err := p.Resolve(ctx, "chat-abc")
	require.NoError(t, err)

	// Timer firing racing a termination signal.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = p.hibernate(h.host, "idle")
		}()
		go func() {
			defer wg.Done()
			_ = p.Shutdown(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.life.hibernates.Load())
	require.NoError(t, p.hibernate(h.host, "idle"))
	assert.Equal(t, int32(1), p.life.hibernates.Load())
}

func TestTouchSupersedesPendingTimer(t *testing.T) {
	store := coord.NewMemoryStore()
	p := newProcess(t, store, testConfig())

	h, err := p.Resolve(context.Background(), "chat-abc")
	require.NoError(t, err)
	host := h.host

	host.timerMu.Lock()
	stale := host.waiter
	host.timerMu.Unlock()
	require.NotNil(t, stale)

	host.touch()

	select {
	case <-stale:
	default:
		t.Fatal("re-arming must satisfy the previous waiter")
	}

	// A firing that lost the race to touch does nothing.
	host.expire(stale)
	assert.True(t, p.Owned("chat-abc"))
	assert.Equal(t, int32(0), p.life.hibernates.Load())
}
