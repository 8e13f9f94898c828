// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT
package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestContextWithRequestID(t *testing.T) {
	tests := []struct {
		name      string
		ctx       context.Context
		requestID string
		want      string
	}{
		{
			name:      "nil context",
			ctx:       nil,
			requestID: "test-id-123",
			want:      "test-id-123",
		},
		{
			name:      "background context",
			ctx:       context.Background(),
			requestID: "req-456",
			want:      "req-456",
		},
		{
			name:      "empty request ID",
			ctx:       context.Background(),
			requestID: "",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.requestID)
			got := RequestIDFromContext(ctx)
			if got != tt.want {
				t.Errorf("RequestIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContextWithChannelID(t *testing.T) {
	ctx := ContextWithChannelID(nil, "chat-abc")
	if got := ChannelIDFromContext(ctx); got != "chat-abc" {
		t.Errorf("ChannelIDFromContext() = %q, want %q", got, "chat-abc")
	}
	if got := ChannelIDFromContext(nil); got != "" {
		t.Errorf("ChannelIDFromContext(nil) = %q, want empty", got)
	}
	if got := CorrelationIDFromContext(context.Background()); got != "" {
		t.Errorf("CorrelationIDFromContext() = %q, want empty", got)
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return out
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	baseLogger := zerolog.New(&buf)

	ctx := ContextWithRequestID(context.Background(), "req-123")
	ctx = ContextWithChannelID(ctx, "chat-abc")
	logger := WithContext(ctx, baseLogger)
	logger.Info().Msg("hello")

	line := decodeLine(t, &buf)
	if line[FieldRequestID] != "req-123" {
		t.Errorf("expected request_id req-123, got %v", line[FieldRequestID])
	}
	if line[FieldChannelID] != "chat-abc" {
		t.Errorf("expected channel_id chat-abc, got %v", line[FieldChannelID])
	}

	// Empty context should return original logger
	buf.Reset()
	plain := WithContext(context.Background(), baseLogger)
	plain.Info().Msg("plain")
	line = decodeLine(t, &buf)
	if _, ok := line[FieldRequestID]; ok {
		t.Error("expected no request_id for empty context")
	}
}

func TestWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	baseLogger := zerolog.New(&buf)

	// noop spans carry an invalid span context
	noopTracer := noop.NewTracerProvider().Tracer("test")
	ctx, span := noopTracer.Start(context.Background(), "test-span")
	defer span.End()
	logger := WithContext(ctx, baseLogger)
	logger.Info().Msg("noop")
	if line := decodeLine(t, &buf); line["trace_id"] != nil {
		t.Errorf("expected no trace_id for noop span, got %v", line["trace_id"])
	}

	buf.Reset()
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	logger = WithContext(trace.ContextWithSpanContext(context.Background(), spanCtx), baseLogger)
	logger.Info().Msg("traced")
	if line := decodeLine(t, &buf); line["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace_id %v", line["trace_id"])
	}
}
