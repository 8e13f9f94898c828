// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package actor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoActor struct {
	Base
}

func (a *echoActor) HandleCommand(ctx context.Context, payload string) (string, error) {
	return payload, a.Broadcast(ctx, payload)
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register("chat", func(id ChannelID, b Broadcaster) (Actor, error) {
		return &echoActor{Base: NewBase(id, b)}, nil
	})
	r.Register("counter", func(id ChannelID, b Broadcaster) (Actor, error) {
		return &echoActor{Base: NewBase(id, b)}, nil
	})
	return r
}

func TestParseChannelID(t *testing.T) {
	tests := []struct {
		id       string
		wantType string
		wantErr  bool
	}{
		{id: "chat-abc", wantType: "chat"},
		{id: "chat-abc-def", wantType: "chat"},
		{id: "chat-", wantType: "chat"},
		{id: "chatabc", wantErr: true},
		{id: "", wantErr: true},
		{id: "-abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := ParseChannelID(tt.id)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedChannelID)
				require.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.id, got.String())
		})
	}
}

func TestRegistryRejectsIDsWithoutSeparatorForEveryType(t *testing.T) {
	r := newTestRegistry()
	for _, typ := range r.Types() {
		_, err := r.New(typ, nil)
		require.ErrorIs(t, err, ErrConfiguration, "type %s", typ)
		_, err = r.New(typ+"abc", nil)
		require.ErrorIs(t, err, ErrMalformedChannelID, "type %s", typ)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Validate("video-1")
	require.ErrorIs(t, err, ErrUnknownChannelType)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = r.New("video-1", nil)
	require.ErrorIs(t, err, ErrUnknownChannelType)

	cid, err := r.Validate("chat-1")
	require.NoError(t, err)
	assert.Equal(t, "chat", cid.Type)
	assert.Equal(t, []string{"chat", "counter"}, r.Types())
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("bad", func(ChannelID, Broadcaster) (Actor, error) { return nil, boom })

	_, err := r.New("bad-1", nil)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrConfiguration)
}

func TestBaseBroadcastAndDefaults(t *testing.T) {
	var gotChannel, gotMsg string
	b := BroadcasterFunc(func(_ context.Context, channelID, msg string) error {
		gotChannel, gotMsg = channelID, msg
		return nil
	})

	a, err := newTestRegistry().New("chat-abc", b)
	require.NoError(t, err)

	res, err := a.HandleCommand(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res)
	assert.Equal(t, "chat-abc", gotChannel)
	assert.Equal(t, "hello", gotMsg)

	_, err = a.HandleQuery(context.Background(), "")
	require.ErrorIs(t, err, ErrNotImplemented)
	require.NoError(t, a.OnStart(context.Background()))
	require.NoError(t, a.OnHibernate(context.Background()))

	orphan := NewBase(ChannelID{Raw: "chat-x", Type: "chat"}, nil)
	require.ErrorIs(t, orphan.Broadcast(context.Background(), "x"), ErrNoBroadcaster)
}
