// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import "strings"

const (
	// DefaultPrefix namespaces every key and topic written by this module.
	DefaultPrefix = "durable-channel"

	defaultProjectID = "local"
	defaultTargetEnv = "dev"
)

// Tenant isolates deployments that share one coordination store.
type Tenant struct {
	ProjectID string `json:"projectId" yaml:"projectId"`
	TargetEnv string `json:"targetEnv" yaml:"targetEnv"`
}

// Normalize fills empty fields with the local development defaults.
func (t Tenant) Normalize() Tenant {
	t.ProjectID = strings.TrimSpace(t.ProjectID)
	t.TargetEnv = strings.TrimSpace(t.TargetEnv)
	if t.ProjectID == "" {
		t.ProjectID = defaultProjectID
	}
	if t.TargetEnv == "" {
		t.TargetEnv = defaultTargetEnv
	}
	return t
}

func (t Tenant) String() string {
	n := t.Normalize()
	return n.ProjectID + ":" + n.TargetEnv
}

// Keyspace derives tenant-scoped key and topic names.
type Keyspace struct {
	prefix string
	tenant Tenant
}

// NewKeyspace returns a keyspace for tenant; an empty prefix uses DefaultPrefix.
func NewKeyspace(prefix string, tenant Tenant) Keyspace {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keyspace{prefix: prefix, tenant: tenant.Normalize()}
}

// Tenant returns the normalized tenant of the keyspace.
func (k Keyspace) Tenant() Tenant {
	return k.tenant
}

// WithTenant returns the same keyspace scoped to another tenant.
func (k Keyspace) WithTenant(t Tenant) Keyspace {
	return NewKeyspace(k.prefix, t)
}

func (k Keyspace) scope() string {
	prefix := k.prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":" + k.tenant.String()
}

func (k Keyspace) channel(channelID, purpose string) string {
	return k.scope() + ":" + channelID + ":" + purpose
}

// Inbound is the topic the owner listens on for forwarded calls.
func (k Keyspace) Inbound(channelID string) string {
	return k.channel(channelID, "publish")
}

// Outbound is the broadcast topic consumed by passive subscribers.
func (k Keyspace) Outbound(channelID string) string {
	return k.channel(channelID, "subscribe")
}

// Instance is the ownership counter key.
func (k Keyspace) Instance(channelID string) string {
	return k.channel(channelID, "instance")
}

// Response is the one-shot topic carrying the reply to messageID.
func (k Keyspace) Response(channelID, messageID string) string {
	return k.channel(channelID, "message:"+messageID)
}

// RelayLease is the tenant's relay lease record for a relay workload version.
func (k Keyspace) RelayLease(version string) string {
	return k.scope() + ":sandbox:" + version + ":" + k.tenant.String()
}
