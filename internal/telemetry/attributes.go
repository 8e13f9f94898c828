// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for durachan.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Channel attributes
	ChannelIDKey   = "channel.id"
	ChannelTypeKey = "channel.type"
	ChannelRoleKey = "channel.role"
	TenantKey      = "channel.tenant"

	// RPC attributes
	RPCKindKey      = "rpc.kind"
	RPCMessageIDKey = "rpc.message_id"
	RPCSourceKey    = "rpc.source"

	// Relay attributes
	LeaseStateKey   = "relay.lease_state"
	RelayAddressKey = "relay.address"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// ChannelAttributes identifies the channel a span operates on. Empty values are skipped.
func ChannelAttributes(channelID, channelType, tenant string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if channelID != "" {
		attrs = append(attrs, attribute.String(ChannelIDKey, channelID))
	}
	if channelType != "" {
		attrs = append(attrs, attribute.String(ChannelTypeKey, channelType))
	}
	if tenant != "" {
		attrs = append(attrs, attribute.String(TenantKey, tenant))
	}
	return attrs
}

// RPCAttributes describes one forwarded or dispatched call.
func RPCAttributes(kind, messageID, source string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(RPCKindKey, kind)}
	if messageID != "" {
		attrs = append(attrs, attribute.String(RPCMessageIDKey, messageID))
	}
	if source != "" {
		attrs = append(attrs, attribute.String(RPCSourceKey, source))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}

// RecordError marks span as failed. Nil errors are ignored.
func RecordError(span trace.Span, err error, errorType string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(ErrorAttributes(err, errorType)...)
}
