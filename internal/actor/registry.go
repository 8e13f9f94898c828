// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package actor

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs the actor for one channel.
type Factory func(id ChannelID, b Broadcaster) (Actor, error)

// Registry maps channel types to actor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds channelType to f, replacing any previous binding.
func (r *Registry) Register(channelType string, f Factory) {
	if channelType == "" || f == nil {
		panic("actor: Register requires a channel type and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[channelType] = f
}

// Types lists the registered channel types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate parses id and checks that its type is registered.
func (r *Registry) Validate(id string) (ChannelID, error) {
	cid, err := ParseChannelID(id)
	if err != nil {
		return ChannelID{}, err
	}
	r.mu.RLock()
	_, ok := r.factories[cid.Type]
	r.mu.RUnlock()
	if !ok {
		return ChannelID{}, fmt.Errorf("%w: %q", ErrUnknownChannelType, cid.Type)
	}
	return cid, nil
}

// New constructs the actor for id.
func (r *Registry) New(id string, b Broadcaster) (Actor, error) {
	cid, err := ParseChannelID(id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[cid.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannelType, cid.Type)
	}
	a, err := f(cid, b)
	if err != nil {
		return nil, fmt.Errorf("construct %s actor: %w", cid.Type, err)
	}
	return a, nil
}
