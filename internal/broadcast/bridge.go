// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package broadcast fans actor output out to passive subscribers through the
// channel's outbound topic. Delivery is at-most-once and nothing is persisted:
// only subscribers present at publish time receive a message.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
)

// Bridge publishes to and subscribes from outbound channel topics.
type Bridge struct {
	ps     coord.PubSub
	keys   coord.Keyspace
	logger zerolog.Logger
}

func NewBridge(ps coord.PubSub, keys coord.Keyspace) *Bridge {
	return &Bridge{
		ps:     ps,
		keys:   keys,
		logger: log.WithComponent("broadcast"),
	}
}

// ForTenant returns a bridge over the same store scoped to another tenant.
func (b *Bridge) ForTenant(t coord.Tenant) *Bridge {
	return &Bridge{ps: b.ps, keys: b.keys.WithTenant(t), logger: b.logger}
}

// Broadcast publishes message verbatim to channelID's outbound topic.
func (b *Bridge) Broadcast(ctx context.Context, channelID, message string) error {
	err := b.ps.Publish(ctx, b.keys.Outbound(channelID), message)
	metrics.IncBroadcast(err)
	if err != nil {
		return fmt.Errorf("broadcast to %s: %w", channelID, err)
	}
	return nil
}

// Open starts a long-lived subscription to channelID's outbound topic. The
// caller closes it.
func (b *Bridge) Open(ctx context.Context, channelID string) (coord.Subscription, error) {
	sub, err := b.ps.Subscribe(ctx, b.keys.Outbound(channelID))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", channelID, err)
	}
	return sub, nil
}

// Subscribe calls onMessage for every broadcast on channelID until duration
// elapses or ctx ends, then unsubscribes. onMessage runs on the calling goroutine.
func (b *Bridge) Subscribe(ctx context.Context, channelID string, onMessage func(string), duration time.Duration) error {
	sub, err := b.Open(ctx, channelID)
	if err != nil {
		return err
	}
	untrack := metrics.TrackSubscription("window")
	defer untrack()
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			b.logger.Debug().Err(cerr).Str(log.FieldChannelID, channelID).Msg("failed to close broadcast subscription")
		}
	}()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("subscription to %s: %w", channelID, coord.ErrClosed)
			}
			onMessage(msg)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}
