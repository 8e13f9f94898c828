// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
	"github.com/ManuGH/durachan/internal/telemetry"
)

// forward runs one call through the channel's owner. The response topic is
// subscribed before the request is published so the reply cannot be missed.
func (r *Resolver) forward(ctx context.Context, cid actor.ChannelID, kind Kind, payload string) (value string, err error) {
	messageID := uuid.NewString()
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "durable.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.ChannelAttributes(cid.Raw, cid.Type, "")...),
		trace.WithAttributes(telemetry.RPCAttributes(string(kind), messageID, sourceForwarded)...),
	)
	logger := log.WithContext(log.ContextWithChannelID(ctx, cid.Raw), r.logger).With().
		Str(log.FieldMessageID, messageID).
		Str(log.FieldKind, string(kind)).
		Logger()
	defer func() {
		outcome := rpcOutcome(err)
		metrics.ObserveRPC(string(kind), outcome, time.Since(start))
		telemetry.RecordError(span, err, outcome)
		span.End()
		logger.Debug().
			Str(log.FieldEvent, "rpc.completed").
			Str("outcome", outcome).
			Dur("elapsed", time.Since(start)).
			Msg("forwarded call completed")
	}()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
	defer cancel()

	sub, err := r.deps.Store.Subscribe(ctx, r.deps.Keys.Response(cid.Raw, messageID))
	if err != nil {
		return "", fmt.Errorf("subscribe response topic: %w", err)
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("failed to close response subscription")
		}
	}()

	env, err := EncodeRequest(Request{
		MessageID: messageID,
		Kind:      kind,
		Payload:   payload,
		Trace:     telemetry.InjectMap(ctx),
	})
	if err != nil {
		return "", err
	}
	if err := r.deps.Store.Publish(ctx, r.deps.Keys.Inbound(cid.Raw), env); err != nil {
		return "", fmt.Errorf("publish request: %w", err)
	}

	for {
		select {
		case raw, ok := <-sub.C():
			if !ok {
				return "", fmt.Errorf("%w: response subscription closed", coord.ErrStore)
			}
			resp, derr := decodeResponse(raw)
			if derr != nil || resp.MessageID != messageID {
				logger.Warn().Err(derr).Str(log.FieldEvent, "response.ignored").Msg("ignoring unexpected message on response topic")
				continue
			}
			switch {
			case resp.Closed:
				return "", ErrHostClosed
			case resp.Error != "":
				return "", &RemoteError{ChannelID: cid.Raw, MessageID: messageID, Message: resp.Error, Code: resp.Code}
			case resp.Result != nil:
				return *resp.Result, nil
			default:
				return "", nil
			}
		case <-ctx.Done():
			if perr := parent.Err(); perr != nil {
				return "", perr
			}
			logger.Warn().
				Str(log.FieldEvent, "rpc.timeout").
				Dur("timeout", r.cfg.RPCTimeout).
				Msg("owner did not respond to forwarded call")
			return "", fmt.Errorf("%w: channel %s after %s", ErrRPCTimeout, cid.Raw, r.cfg.RPCTimeout)
		}
	}
}

func rpcOutcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrRPCTimeout):
		return "timeout"
	case errors.Is(err, ErrHostClosed):
		return "closed"
	default:
		return "error"
	}
}
