// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package coord is the client side of the shared coordination store: keys with
// expiry, atomic counters and topic publish/subscribe, all namespaced per tenant.
package coord

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStore classifies every failure returned by a coordination store round trip.
	ErrStore = errors.New("coordination store error")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("coordination store closed")
)

// Subscription is a live topic subscription.
type Subscription interface {
	// C delivers message payloads in publish order. It is closed by Close.
	C() <-chan string
	// Close unsubscribes. It is safe to call more than once.
	Close() error
}

// PubSub is the messaging half of the store.
type PubSub interface {
	Publish(ctx context.Context, topic, message string) error
	// Subscribe returns once the subscription is confirmed, so a message
	// published by the caller afterwards is guaranteed to be observed.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// KV is the key/value half of the store.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Store is the full set of primitives the coordination layer relies on.
type Store interface {
	PubSub
	KV

	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Expire sets a ttl on an existing key; missing keys are ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}
