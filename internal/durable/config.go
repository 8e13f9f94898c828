// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package durable

import (
	"fmt"
	"time"
)

const (
	DefaultIdleWindow     = 60 * time.Second
	DefaultRPCTimeout     = 30 * time.Second
	DefaultCleanupTimeout = 10 * time.Second
	DefaultMailboxSize    = 64
)

// Config tunes ownership, hibernation and forwarding.
type Config struct {
	// IdleWindow is how long an owned actor may go without access before it hibernates.
	IdleWindow time.Duration `yaml:"idleWindow"`
	// RPCTimeout bounds how long a proxy waits for the owner's response.
	RPCTimeout time.Duration `yaml:"rpcTimeout"`
	// OwnershipTTL expires the ownership record if the owner disappears without
	// cleaning up. Zero derives 3x IdleWindow; negative disables expiry.
	OwnershipTTL time.Duration `yaml:"ownershipTTL"`
	// CleanupTimeout bounds the store round trips and OnHibernate during cleanup.
	CleanupTimeout time.Duration `yaml:"cleanupTimeout"`
	MailboxSize    int           `yaml:"mailboxSize"`
}

// WithDefaults returns a copy with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.IdleWindow <= 0 {
		c.IdleWindow = DefaultIdleWindow
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.OwnershipTTL == 0 {
		c.OwnershipTTL = 3 * c.IdleWindow
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = DefaultCleanupTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	return c
}

// Validate rejects combinations that would let the ownership record expire
// under a live owner.
func (c Config) Validate() error {
	c = c.WithDefaults()
	if c.OwnershipTTL > 0 && c.OwnershipTTL < 2*c.IdleWindow {
		return fmt.Errorf("ownership ttl %s must be at least twice the idle window %s", c.OwnershipTTL, c.IdleWindow)
	}
	return nil
}
