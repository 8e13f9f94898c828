// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/broadcast"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/durable"
	"github.com/ManuGH/durachan/internal/metrics"
	"github.com/ManuGH/durachan/internal/token"
)

type relayFixture struct {
	store  *coord.MemoryStore
	server *Server
	http   *httptest.Server
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	store := coord.NewMemoryStore()
	srv := NewServer(store, testKeys, token.PlainCodec{}, ServerConfig{MaxPayloadBytes: 1024})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Wait()
		_ = store.Close()
	})
	return &relayFixture{store: store, server: srv, http: hs}
}

func (f *relayFixture) dial(t *testing.T, query url.Values) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/?" + query.Encode()
	conn, err := websocket.Dial(wsURL, "", f.http.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receive(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg string
	require.NoError(t, websocket.Message.Receive(conn, &msg))
	return msg
}

func waitSubscribed(t *testing.T, store *coord.MemoryStore, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return store.Subscribers(topic) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := f.http.Client().Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOutboundBroadcastsAreForwardedVerbatim(t *testing.T) {
	f := newRelayFixture(t)
	conn := f.dial(t, url.Values{"channelId": {"chat-abc"}})
	waitSubscribed(t, f.store, testKeys.Outbound("chat-abc"), 1)

	bridge := broadcast.NewBridge(f.store, testKeys)
	require.NoError(t, bridge.Broadcast(context.Background(), "chat-abc", `{"text":"hi"}`))
	require.NoError(t, bridge.Broadcast(context.Background(), "chat-abc", "second"))

	assert.Equal(t, `{"text":"hi"}`, receive(t, conn))
	assert.Equal(t, "second", receive(t, conn))
}

func TestInboundFramesBecomeOnewayCommands(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	sub, err := f.store.Subscribe(ctx, testKeys.Inbound("chat-abc"))
	require.NoError(t, err)
	defer sub.Close()

	conn := f.dial(t, url.Values{"channelId": {"chat-abc"}})
	require.NoError(t, websocket.Message.Send(conn, "hello"))

	select {
	case raw := <-sub.C():
		var req durable.Request
		require.NoError(t, json.Unmarshal([]byte(raw), &req))
		assert.Equal(t, durable.KindCommand, req.Kind)
		assert.Equal(t, "hello", req.Payload)
		assert.True(t, req.Oneway)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame was not published")
	}
}

func TestTokenSelectsTenant(t *testing.T) {
	f := newRelayFixture(t)
	other := coord.Tenant{ProjectID: "other", TargetEnv: "production"}
	tok, err := token.PlainCodec{}.Encode(token.NewClaims("chat-xyz", other))
	require.NoError(t, err)

	conn := f.dial(t, url.Values{"token": {tok}})
	otherKeys := testKeys.WithTenant(other)
	waitSubscribed(t, f.store, otherKeys.Outbound("chat-xyz"), 1)
	assert.Zero(t, f.store.Subscribers(testKeys.Outbound("chat-xyz")))

	require.NoError(t, broadcast.NewBridge(f.store, otherKeys).Broadcast(context.Background(), "chat-xyz", "scoped"))
	assert.Equal(t, "scoped", receive(t, conn))
}

func TestMissingChannelClosesWithDiagnostic(t *testing.T) {
	for name, query := range map[string]url.Values{
		"no channel":    {},
		"malformed id":  {"channelId": {"nodash"}},
		"invalid token": {"token": {"%%%"}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newRelayFixture(t)
			before := testutil.ToFloat64(metrics.RelayRejectsTotal.WithLabelValues("4000"))

			conn := f.dial(t, query)
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var msg string
			assert.Error(t, websocket.Message.Receive(conn, &msg))
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.RelayRejectsTotal.WithLabelValues("4000")))
		})
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	f := newRelayFixture(t)
	topic := testKeys.Outbound("chat-abc")
	first := f.dial(t, url.Values{"channelId": {"chat-abc"}})
	second := f.dial(t, url.Values{"channelId": {"chat-abc"}})
	waitSubscribed(t, f.store, topic, 2)

	require.NoError(t, first.Close())
	waitSubscribed(t, f.store, topic, 1)

	// The other connection is unaffected.
	require.NoError(t, broadcast.NewBridge(f.store, testKeys).Broadcast(context.Background(), "chat-abc", "still here"))
	assert.Equal(t, "still here", receive(t, second))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	f := newRelayFixture(t)
	topic := testKeys.Outbound("chat-abc")
	conn := f.dial(t, url.Values{"channelId": {"chat-abc"}})
	waitSubscribed(t, f.store, topic, 1)

	require.NoError(t, websocket.Message.Send(conn, strings.Repeat("x", 4096)))
	waitSubscribed(t, f.store, topic, 0)
}

// chatRoom broadcasts every command it receives.
type chatRoom struct {
	actor.Base
}

func (c *chatRoom) HandleCommand(ctx context.Context, payload string) (string, error) {
	return "", c.Broadcast(ctx, "echo:"+payload)
}

func TestRelayFrameRoundTripsThroughOwner(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	reg := actor.NewRegistry()
	reg.Register("chat", func(id actor.ChannelID, b actor.Broadcaster) (actor.Actor, error) {
		return &chatRoom{Base: actor.NewBase(id, b)}, nil
	})
	resolver, err := durable.NewResolver(durable.Deps{
		Store:       f.store,
		Keys:        testKeys,
		Registry:    reg,
		Broadcaster: broadcast.NewBridge(f.store, testKeys),
	}, durable.Config{IdleWindow: time.Minute})
	require.NoError(t, err)
	defer resolver.Shutdown(ctx)

	h, err := resolver.Resolve(ctx, "chat-abc")
	require.NoError(t, err)
	require.True(t, h.Owner())

	conn := f.dial(t, url.Values{"channelId": {"chat-abc"}})
	waitSubscribed(t, f.store, testKeys.Outbound("chat-abc"), 1)

	require.NoError(t, websocket.Message.Send(conn, "hello"))
	assert.Equal(t, "echo:hello", receive(t, conn))
}
