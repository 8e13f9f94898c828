// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldChannelID     = "channel_id"
	FieldChannelType   = "channel_type"
	FieldMessageID     = "message_id"
	FieldTenant        = "tenant"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldRole      = "role"
	FieldKind      = "kind"

	// Coordination fields
	FieldTopic   = "topic"
	FieldKey     = "key"
	FieldCounter = "counter"

	// Relay fields
	FieldAddress    = "address"
	FieldRemoteAddr = "remote_addr"
	FieldLeaseState = "lease_state"
)
