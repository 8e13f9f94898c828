// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/durachan/internal/coord"
)

func newBridge(t *testing.T) (*Bridge, *coord.MemoryStore) {
	t.Helper()
	store := coord.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return NewBridge(store, coord.NewKeyspace("", coord.Tenant{})), store
}

func TestBroadcastReachesOpenSubscribers(t *testing.T) {
	b, _ := newBridge(t)
	ctx := context.Background()

	first, err := b.Open(ctx, "chat-abc")
	require.NoError(t, err)
	defer first.Close()
	second, err := b.Open(ctx, "chat-abc")
	require.NoError(t, err)
	defer second.Close()
	other, err := b.Open(ctx, "chat-xyz")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, b.Broadcast(ctx, "chat-abc", `{"text":"hi"}`))

	for _, sub := range []coord.Subscription{first, second} {
		select {
		case msg := <-sub.C():
			assert.Equal(t, `{"text":"hi"}`, msg, "payload is delivered verbatim")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}
	select {
	case msg := <-other.C():
		t.Fatalf("unrelated channel received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastWithoutSubscribersIsDropped(t *testing.T) {
	b, _ := newBridge(t)
	ctx := context.Background()

	require.NoError(t, b.Broadcast(ctx, "chat-abc", "lost"))

	sub, err := b.Open(ctx, "chat-abc")
	require.NoError(t, err)
	defer sub.Close()
	select {
	case msg := <-sub.C():
		t.Fatalf("late subscriber received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeWindow(t *testing.T) {
	b, store := newBridge(t)
	topic := coord.NewKeyspace("", coord.Tenant{}).Outbound("chat-abc")

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- b.Subscribe(context.Background(), "chat-abc", func(msg string) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		}, 200*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return store.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Broadcast(context.Background(), "chat-abc", "one"))
	require.NoError(t, b.Broadcast(context.Background(), "chat-abc", "two"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe window did not end")
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 0, store.Subscribers(topic), "window end must unsubscribe")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestSubscribeEndsWithContext(t *testing.T) {
	b, store := newBridge(t)
	topic := coord.NewKeyspace("", coord.Tenant{}).Outbound("chat-abc")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "chat-abc", func(string) {}, time.Minute)
	}()
	require.Eventually(t, func() bool { return store.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "a departed subscriber is not an error")
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return after cancellation")
	}
	assert.Equal(t, 0, store.Subscribers(topic))

	// An already expired context cannot subscribe at all.
	_, err := b.Open(ctx, "chat-abc")
	require.ErrorIs(t, err, coord.ErrStore)
}

func TestForTenantIsolation(t *testing.T) {
	b, _ := newBridge(t)
	ctx := context.Background()
	prod := b.ForTenant(coord.Tenant{ProjectID: "proj", TargetEnv: "production"})

	sub, err := prod.Open(ctx, "chat-abc")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Broadcast(ctx, "chat-abc", "dev only"))
	require.NoError(t, prod.Broadcast(ctx, "chat-abc", "prod"))

	select {
	case msg := <-sub.C():
		assert.Equal(t, "prod", msg)
	case <-time.After(time.Second):
		t.Fatal("tenant subscriber did not receive broadcast")
	}
}
