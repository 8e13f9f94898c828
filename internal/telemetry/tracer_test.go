// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{ServiceName: "durachan", ExporterType: "grpc"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if provider.tp != nil {
		t.Error("Expected noop provider")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "noop-check")
	defer span.End()
	if span.IsRecording() {
		t.Error("Expected noop tracer span to be non-recording")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error on noop shutdown, got: %v", err)
	}
}

func TestNewProvider_InvalidExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, ServiceName: "durachan", ExporterType: "zipkin"})
	if err == nil {
		t.Fatal("Expected error for unsupported exporter type")
	}
	if !strings.Contains(err.Error(), "unsupported exporter type: zipkin") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil provider shutdown to succeed, got: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 2, want: "AlwaysOnSampler"},
		{rate: 0, want: "AlwaysOffSampler"},
		{rate: -1, want: "AlwaysOffSampler"},
		{rate: 0.25, want: "TraceIDRatioBased"},
	}
	for _, tt := range tests {
		desc := sampler(tt.rate).Description()
		if !strings.HasPrefix(desc, "ParentBased{root:") {
			t.Errorf("rate %v: expected parent based sampler, got %s", tt.rate, desc)
		}
		if !strings.Contains(desc, tt.want) {
			t.Errorf("rate %v: expected root %s, got %s", tt.rate, tt.want, desc)
		}
	}
}

// A forwarded request sampled by its caller stays sampled on the owner even
// when the owner would never sample a root span.
func TestSamplerFollowsForwardedParent(t *testing.T) {
	caller := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	owner := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler(0)))
	t.Cleanup(func() {
		_ = caller.Shutdown(context.Background())
		_ = owner.Shutdown(context.Background())
	})

	ctx, forward := caller.Tracer("caller").Start(context.Background(), "durable.forward")
	defer forward.End()
	carrier := InjectMap(ctx)

	_, handled := owner.Tracer("owner").Start(ExtractMap(context.Background(), carrier), "durable.handle")
	defer handled.End()
	if !handled.SpanContext().IsSampled() {
		t.Error("Expected owner span to inherit the sampled flag")
	}

	_, root := owner.Tracer("owner").Start(context.Background(), "durable.handle")
	defer root.End()
	if root.SpanContext().IsSampled() {
		t.Error("Expected root span to be dropped at rate 0")
	}
}

func TestInjectExtractMap(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "forward")
	defer span.End()

	carrier := InjectMap(ctx)
	if carrier["traceparent"] == "" {
		t.Fatalf("Expected traceparent in carrier, got %v", carrier)
	}

	restored := trace.SpanContextFromContext(ExtractMap(context.Background(), carrier))
	if restored.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("Expected trace id %s, got %s", span.SpanContext().TraceID(), restored.TraceID())
	}
	if !restored.IsRemote() {
		t.Error("Expected extracted span context to be remote")
	}

	if InjectMap(context.Background()) != nil {
		t.Error("Expected nil carrier without a span")
	}
	if got := ExtractMap(ctx, nil); got != ctx {
		t.Error("Expected ExtractMap to return ctx unchanged for empty carrier")
	}
}
