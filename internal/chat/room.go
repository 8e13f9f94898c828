// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package chat is the example channel actor: a room that keeps an ordered
// message log, broadcasts each new message and persists the log across
// hibernation.
package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/log"
)

// ChannelType is the channel id prefix served by Room, as in "chat-lobby".
const ChannelType = "chat"

// Options configure rooms created by Factory.
type Options struct {
	// MaxMessages caps the retained log; 0 keeps everything.
	MaxMessages int
}

// Room is one chat channel.
type Room struct {
	actor.Base
	history  History
	opts     Options
	messages []string
	logger   zerolog.Logger
}

// Factory returns an actor factory for chat rooms backed by history.
func Factory(history History, opts Options) actor.Factory {
	return func(id actor.ChannelID, b actor.Broadcaster) (actor.Actor, error) {
		return &Room{
			Base:     actor.NewBase(id, b),
			history:  history,
			opts:     opts,
			messages: []string{},
			logger:   log.WithComponent("chat").With().Str(log.FieldChannelID, id.Raw).Logger(),
		}, nil
	}
}

// Register installs the chat factory on reg.
func Register(reg *actor.Registry, history History, opts Options) {
	reg.Register(ChannelType, Factory(history, opts))
}

// HandleCommand appends the message and broadcasts it. Commands produce no result.
func (r *Room) HandleCommand(ctx context.Context, payload string) (string, error) {
	r.messages = append(r.messages, payload)
	if r.opts.MaxMessages > 0 && len(r.messages) > r.opts.MaxMessages {
		r.messages = append([]string(nil), r.messages[len(r.messages)-r.opts.MaxMessages:]...)
	}
	r.logger.Debug().Str(log.FieldEvent, "chat.message").Int("messages", len(r.messages)).Msg("broadcasting message")
	if err := r.Broadcast(ctx, payload); err != nil {
		return "", err
	}
	return "", nil
}

type state struct {
	Messages []string `json:"messages"`
}

// HandleQuery returns {"messages": [...]}.
func (r *Room) HandleQuery(context.Context, string) (string, error) {
	b, err := json.Marshal(state{Messages: r.messages})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Room) OnStart(ctx context.Context) error {
	msgs, err := r.history.Load(ctx, r.ChannelID().Raw)
	if err != nil {
		return fmt.Errorf("load chat history: %w", err)
	}
	if msgs != nil {
		r.messages = msgs
	}
	r.logger.Info().Str(log.FieldEvent, "chat.start").Int("messages", len(r.messages)).Msg("starting chat")
	return nil
}

func (r *Room) OnHibernate(ctx context.Context) error {
	r.logger.Info().Str(log.FieldEvent, "chat.hibernate").Int("messages", len(r.messages)).Msg("hibernating chat")
	if err := r.history.Save(ctx, r.ChannelID().Raw, r.messages); err != nil {
		return fmt.Errorf("save chat history: %w", err)
	}
	return nil
}
