// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package actor defines the contract implemented by every channel actor.
package actor

import "context"

// Actor is a stateful channel implementation. A host never calls its methods
// concurrently: OnStart runs once before the first handler, handlers run one
// at a time in arrival order, and OnHibernate runs once before the instance
// is dropped.
type Actor interface {
	// HandleCommand applies a mutation. An empty result means there is nothing
	// to return to the caller.
	HandleCommand(ctx context.Context, payload string) (string, error)
	HandleQuery(ctx context.Context, payload string) (string, error)
	OnStart(ctx context.Context) error
	OnHibernate(ctx context.Context) error
}

// Broadcaster publishes actor output to a channel's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, channelID, message string) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, channelID, message string) error

func (f BroadcasterFunc) Broadcast(ctx context.Context, channelID, message string) error {
	return f(ctx, channelID, message)
}

// Base carries the channel identity and broadcast helper. Embedding actors
// override the handlers they support.
type Base struct {
	id          ChannelID
	broadcaster Broadcaster
}

func NewBase(id ChannelID, b Broadcaster) Base {
	return Base{id: id, broadcaster: b}
}

// ChannelID returns the channel this actor is bound to.
func (b Base) ChannelID() ChannelID {
	return b.id
}

// Broadcast publishes message verbatim to the channel's outbound topic.
func (b Base) Broadcast(ctx context.Context, message string) error {
	if b.broadcaster == nil {
		return ErrNoBroadcaster
	}
	return b.broadcaster.Broadcast(ctx, b.id.Raw, message)
}

func (Base) HandleCommand(context.Context, string) (string, error) {
	return "", ErrNotImplemented
}

func (Base) HandleQuery(context.Context, string) (string, error) {
	return "", ErrNotImplemented
}

func (Base) OnStart(context.Context) error     { return nil }
func (Base) OnHibernate(context.Context) error { return nil }

var _ Actor = Base{}
