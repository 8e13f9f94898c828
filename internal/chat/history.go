// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/durachan/internal/coord"
)

// History persists a room's message log between owners.
type History interface {
	Load(ctx context.Context, channelID string) ([]string, error)
	Save(ctx context.Context, channelID string, messages []string) error
}

// DefaultKeyPrefix namespaces history records in the coordination store.
const DefaultKeyPrefix = "demo:whatsapp"

// KVHistory stores each log as a JSON array under {prefix}:{channel}:messages.
type KVHistory struct {
	kv     coord.KV
	prefix string
	ttl    time.Duration
}

// NewKVHistory stores logs in kv. A zero ttl keeps them forever.
func NewKVHistory(kv coord.KV, prefix string, ttl time.Duration) *KVHistory {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KVHistory{kv: kv, prefix: prefix, ttl: ttl}
}

func (h *KVHistory) key(channelID string) string {
	return h.prefix + ":" + channelID + ":messages"
}

func (h *KVHistory) Load(ctx context.Context, channelID string) ([]string, error) {
	raw, found, err := h.kv.Get(ctx, h.key(channelID))
	if err != nil {
		return nil, err
	}
	if !found {
		return []string{}, nil
	}
	var msgs []string
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode history of %s: %w", channelID, err)
	}
	return msgs, nil
}

func (h *KVHistory) Save(ctx context.Context, channelID string, messages []string) error {
	if messages == nil {
		messages = []string{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	return h.kv.Set(ctx, h.key(channelID), string(b), h.ttl)
}
