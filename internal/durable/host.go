// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package durable

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
	"github.com/ManuGH/durachan/internal/telemetry"
)

const (
	sourceLocal     = "local"
	sourceForwarded = "forwarded"
)

type result struct {
	value string
	err   error
}

type call struct {
	ctx     context.Context
	kind    Kind
	payload string
	source  string
	reply   chan result
}

// host owns one live actor. A single mailbox goroutine runs every handler so
// the actor never sees concurrent calls.
type host struct {
	r       *Resolver
	id      actor.ChannelID
	actor   actor.Actor
	inbound coord.Subscription
	logger  zerolog.Logger

	mailbox  chan *call
	stop     chan struct{}
	done     chan struct{}
	pumpDone chan struct{}

	timerMu     sync.Mutex
	timer       *time.Timer
	waiter      chan struct{}
	closing     bool
	refreshedAt time.Time

	once   sync.Once
	result error
}

func newHost(r *Resolver, id actor.ChannelID, a actor.Actor, inbound coord.Subscription) *host {
	return &host{
		r:           r,
		id:          id,
		actor:       a,
		inbound:     inbound,
		logger:      r.logger.With().Str(log.FieldChannelID, id.Raw).Str(log.FieldChannelType, id.Type).Logger(),
		mailbox:     make(chan *call, r.cfg.MailboxSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
		refreshedAt: time.Now(), // the claim has just set the ttl
	}
}

// start runs OnStart and, only if it succeeds, begins serving calls.
func (h *host) start(ctx context.Context) error {
	if err := h.guard(func() error { return h.actor.OnStart(ctx) }); err != nil {
		return fmt.Errorf("start %s: %w", h.id.Raw, err)
	}
	go h.run()
	go h.pump()
	metrics.OwnedChannels.Inc()
	return nil
}

func (h *host) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			h.drain()
			return
		case c := <-h.mailbox:
			h.execute(c)
		}
	}
}

// drain fails calls that were queued after the host began closing.
func (h *host) drain() {
	for {
		select {
		case c := <-h.mailbox:
			c.reply <- result{err: ErrHostClosed}
		default:
			return
		}
	}
}

// dispatch queues a call on the mailbox and waits for its result.
func (h *host) dispatch(ctx context.Context, kind Kind, payload, source string) (string, error) {
	select {
	case <-h.stop:
		return "", ErrHostClosed
	default:
	}

	c := &call{ctx: ctx, kind: kind, payload: payload, source: source, reply: make(chan result, 1)}
	select {
	case h.mailbox <- c:
	case <-h.stop:
		return "", ErrHostClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	h.access(ctx)

	select {
	case res := <-c.reply:
		return res.value, res.err
	case <-h.done:
		select {
		case res := <-c.reply:
			return res.value, res.err
		default:
			return "", ErrHostClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *host) execute(c *call) {
	ctx, span := h.r.tracer.Start(c.ctx, "durable.dispatch",
		trace.WithAttributes(telemetry.ChannelAttributes(h.id.Raw, h.id.Type, "")...),
		trace.WithAttributes(telemetry.RPCAttributes(string(c.kind), "", c.source)...),
	)
	defer span.End()

	var value string
	err := h.guard(func() error {
		var err error
		switch c.kind {
		case KindCommand:
			value, err = h.actor.HandleCommand(ctx, c.payload)
		case KindQuery:
			value, err = h.actor.HandleQuery(ctx, c.payload)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownKind, c.kind)
		}
		return err
	})

	metrics.IncDispatch(string(c.kind), c.source, err)
	if err != nil {
		telemetry.RecordError(span, err, "actor")
		// the host logger already carries the channel id
		logger := log.WithContext(log.ContextWithChannelID(ctx, ""), h.logger)
		logger.Warn().
			Err(err).
			Str(log.FieldEvent, "dispatch.failed").
			Str(log.FieldKind, string(c.kind)).
			Str("source", c.source).
			Msg("actor handler failed")
	}
	c.reply <- result{value: value, err: err}
}

// guard runs an actor callback, converting errors and panics into actor errors.
func (h *host) guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error().
				Str(log.FieldEvent, "actor.panic").
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in actor")
			err = wrapActorError(fmt.Errorf("panic: %v", p))
		}
	}()
	if err := fn(); err != nil {
		if errors.Is(err, ErrUnknownKind) {
			return err
		}
		return wrapActorError(err)
	}
	return nil
}

// pump serves forwarded calls arriving on the inbound topic until the
// subscription is closed.
func (h *host) pump() {
	defer close(h.pumpDone)
	for raw := range h.inbound.C() {
		req, err := decodeRequest(raw)
		if err != nil {
			h.logger.Warn().Err(err).Str(log.FieldEvent, "envelope.dropped").Msg("dropping malformed inbound envelope")
			metrics.IncPubSubDrop("malformed")
			continue
		}
		h.serve(req)
	}
}

func (h *host) serve(req Request) {
	ctx := telemetry.ExtractMap(context.Background(), req.Trace)
	ctx = log.ContextWithChannelID(ctx, h.id.Raw)
	ctx, cancel := context.WithTimeout(ctx, h.r.cfg.RPCTimeout)
	defer cancel()

	value, err := h.dispatch(ctx, req.Kind, req.Payload, sourceForwarded)
	if req.Oneway {
		return
	}

	resp, encErr := encodeResponse(newResponse(req.MessageID, value, err))
	if encErr != nil {
		h.logger.Error().Err(encErr).Str(log.FieldMessageID, req.MessageID).Msg("failed to encode response")
		return
	}
	// Fire-and-forget: the proxy either receives it or times out.
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), h.r.cfg.CleanupTimeout)
	defer pcancel()
	if perr := h.r.deps.Store.Publish(pctx, h.r.deps.Keys.Response(h.id.Raw, req.MessageID), resp); perr != nil {
		h.logger.Warn().
			Err(perr).
			Str(log.FieldEvent, "response.publish_failed").
			Str(log.FieldMessageID, req.MessageID).
			Msg("failed to publish forwarded call response")
	}
}

// refreshOwnership extends the ownership record ttl at most once per half idle window.
func (h *host) refreshOwnership(ctx context.Context) {
	ttl := h.r.cfg.OwnershipTTL
	if ttl <= 0 {
		return
	}
	h.timerMu.Lock()
	due := !h.closing && time.Since(h.refreshedAt) >= h.r.cfg.IdleWindow/2
	if due {
		h.refreshedAt = time.Now()
	}
	h.timerMu.Unlock()
	if !due {
		return
	}
	if err := h.r.deps.Store.Expire(ctx, h.r.deps.Keys.Instance(h.id.Raw), ttl); err != nil {
		h.logger.Warn().Err(err).Str(log.FieldEvent, "ownership.refresh_failed").Msg("failed to refresh ownership ttl")
	}
}
