// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package durable runs channel actors on stateless processes: it decides which
// process owns a channel, forwards calls from every other process to that
// owner, and reclaims idle actors.
package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
	"github.com/ManuGH/durachan/internal/telemetry"
)

const tracerName = "durachan.durable"

// Deps are the collaborators a Resolver coordinates through.
type Deps struct {
	Store       coord.Store
	Keys        coord.Keyspace
	Registry    *actor.Registry
	Broadcaster actor.Broadcaster
}

func (d Deps) validate() error {
	if d.Store == nil {
		return errors.New("durable: store is required")
	}
	if d.Registry == nil {
		return errors.New("durable: actor registry is required")
	}
	if d.Broadcaster == nil {
		return errors.New("durable: broadcaster is required")
	}
	return nil
}

// Resolver is the process-local registry of owned channels. There is one per
// process; it is safe for concurrent use.
type Resolver struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	tracer trace.Tracer

	claims singleflight.Group

	mu       sync.Mutex
	hosts    map[string]*host
	draining map[string]chan struct{}
	closed   bool
	inflight sync.WaitGroup
}

// NewResolver validates deps and cfg and returns an empty registry.
func NewResolver(deps Deps, cfg Config) (*Resolver, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("durable: %w", err)
	}
	return &Resolver{
		deps:     deps,
		cfg:      cfg.WithDefaults(),
		logger:   log.WithComponent("durable").With().Str(log.FieldTenant, deps.Keys.Tenant().String()).Logger(),
		tracer:   telemetry.Tracer(tracerName),
		hosts:    make(map[string]*host),
		draining: make(map[string]chan struct{}),
	}, nil
}

// Handle is the result of resolving a channel: bound either to the local host
// (owner) or to the forwarding protocol (proxy).
type Handle struct {
	r       *Resolver
	channel actor.ChannelID
	host    *host
}

// ChannelID returns the resolved channel.
func (h *Handle) ChannelID() string {
	return h.channel.Raw
}

// Owner reports whether this process hosts the channel's actor.
func (h *Handle) Owner() bool {
	return h.host != nil
}

// Call dispatches kind with payload to the channel's actor, locally or
// through the owner.
func (h *Handle) Call(ctx context.Context, kind Kind, payload string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if h.host != nil {
		return h.host.dispatch(ctx, kind, payload, sourceLocal)
	}
	return h.r.forward(ctx, h.channel, kind, payload)
}

// Resolve returns a handle for channelID, claiming ownership when no process
// holds it. Malformed ids and unknown channel types fail before any store
// round trip.
func (r *Resolver) Resolve(ctx context.Context, channelID string) (*Handle, error) {
	ctx, span := r.tracer.Start(ctx, "durable.resolve", trace.WithAttributes(telemetry.ChannelAttributes(channelID, "", "")...))
	defer span.End()

	cid, err := r.deps.Registry.Validate(channelID)
	if err != nil {
		metrics.IncResolve("error")
		telemetry.RecordError(span, err, "configuration")
		return nil, err
	}

	if h := r.live(cid.Raw); h != nil {
		h.access(ctx)
		metrics.IncResolve("local")
		span.SetAttributes(attribute.String(telemetry.ChannelRoleKey, "owner"))
		return &Handle{r: r, channel: cid, host: h}, nil
	}

	// Concurrent first access from this process shares one claim; the claim
	// outlives any single caller's cancellation because all of them use it.
	v, err, _ := r.claims.Do(cid.Raw, func() (any, error) {
		return r.claim(context.WithoutCancel(ctx), cid)
	})
	if err != nil {
		metrics.IncResolve("error")
		telemetry.RecordError(span, err, "claim")
		return nil, err
	}
	handle := v.(*Handle)
	role := "proxy"
	if handle.Owner() {
		role = "owner"
	}
	span.SetAttributes(attribute.String(telemetry.ChannelRoleKey, role))
	return handle, nil
}

func (r *Resolver) live(channelID string) *host {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hosts[channelID]
}

// claim runs the ownership decision for one channel. Callers are serialized
// per channel by the singleflight group.
func (r *Resolver) claim(ctx context.Context, cid actor.ChannelID) (*Handle, error) {
	if err := r.awaitDrain(ctx, cid.Raw); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrResolverClosed
	}
	if h := r.hosts[cid.Raw]; h != nil {
		r.mu.Unlock()
		h.access(ctx)
		metrics.IncResolve("local")
		return &Handle{r: r, channel: cid, host: h}, nil
	}
	r.mu.Unlock()

	key := r.deps.Keys.Instance(cid.Raw)
	n, err := r.deps.Store.Incr(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("claim ownership of %s: %w", cid.Raw, err)
	}

	logger := r.logger.With().Str(log.FieldChannelID, cid.Raw).Int64(log.FieldCounter, n).Logger()
	if n > 1 {
		metrics.IncResolve("proxy")
		logger.Debug().Str(log.FieldEvent, "ownership.proxy").Msg("channel owned elsewhere, acting as proxy")
		return &Handle{r: r, channel: cid}, nil
	}

	h, err := r.becomeOwner(ctx, cid)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "ownership.rollback").Msg("failed to start owned channel")
		return nil, err
	}
	metrics.IncResolve("owner")
	logger.Info().Str(log.FieldEvent, "ownership.claimed").Msg("channel owned by this process")
	return &Handle{r: r, channel: cid, host: h}, nil
}

// awaitDrain blocks while a local cleanup of channelID is still releasing the
// ownership record, so the next claim sees a fresh counter.
func (r *Resolver) awaitDrain(ctx context.Context, channelID string) error {
	r.mu.Lock()
	ch := r.draining[channelID]
	r.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// becomeOwner performs the owner path after winning the counter. Any failure
// rolls back the subscription and the ownership record.
func (r *Resolver) becomeOwner(ctx context.Context, cid actor.ChannelID) (*host, error) {
	key := r.deps.Keys.Instance(cid.Raw)

	rollback := func(sub coord.Subscription, cause error) error {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CleanupTimeout)
		defer cancel()
		errs := []error{cause}
		if sub != nil {
			if err := sub.Close(); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe inbound: %w", err))
			}
		}
		if err := r.deps.Store.Del(rctx, key); err != nil {
			errs = append(errs, fmt.Errorf("release ownership: %w", err))
		}
		metrics.IncHibernation("rollback")
		return errors.Join(errs...)
	}

	if r.cfg.OwnershipTTL > 0 {
		if err := r.deps.Store.Expire(ctx, key, r.cfg.OwnershipTTL); err != nil {
			return nil, rollback(nil, fmt.Errorf("set ownership ttl: %w", err))
		}
	}

	sub, err := r.deps.Store.Subscribe(ctx, r.deps.Keys.Inbound(cid.Raw))
	if err != nil {
		return nil, rollback(nil, fmt.Errorf("subscribe inbound: %w", err))
	}

	a, err := r.deps.Registry.New(cid.Raw, r.deps.Broadcaster)
	if err != nil {
		return nil, rollback(sub, err)
	}

	h := newHost(r, cid, a, sub)
	if err := h.start(ctx); err != nil {
		return nil, rollback(sub, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		// Shutdown began while the actor was starting; reclaim it right away.
		return nil, errors.Join(ErrResolverClosed, h.close("shutdown"))
	}
	r.hosts[cid.Raw] = h
	r.mu.Unlock()

	h.access(ctx)
	return h, nil
}

// HandleCommand resolves channelID and dispatches a command. An empty result
// means the actor returned nothing.
func (r *Resolver) HandleCommand(ctx context.Context, channelID, payload string) (string, error) {
	return r.call(ctx, channelID, KindCommand, payload)
}

// HandleQuery resolves channelID and dispatches a query.
func (r *Resolver) HandleQuery(ctx context.Context, channelID, payload string) (string, error) {
	return r.call(ctx, channelID, KindQuery, payload)
}

func (r *Resolver) call(ctx context.Context, channelID string, kind Kind, payload string) (string, error) {
	ctx = log.ContextWithChannelID(ctx, channelID)
	for attempt := 0; ; attempt++ {
		h, err := r.Resolve(ctx, channelID)
		if err != nil {
			return "", err
		}
		res, err := h.Call(ctx, kind, payload)
		if errors.Is(err, ErrHostClosed) && attempt == 0 {
			logger := log.WithContext(ctx, r.logger)
			logger.Debug().
				Str(log.FieldEvent, "call.retry").
				Msg("host hibernated during call, resolving again")
			continue
		}
		return res, err
	}
}

// Owned reports whether this process currently hosts channelID.
func (r *Resolver) Owned(channelID string) bool {
	return r.live(channelID) != nil
}

// OwnedCount returns the number of hosted channels.
func (r *Resolver) OwnedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

// Shutdown hibernates every hosted actor immediately and waits for all
// cleanups, including ones already started by idle timers. The resolver
// refuses new claims afterwards.
func (r *Resolver) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	hosts := make([]*host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.mu.Unlock()

	r.logger.Info().
		Str(log.FieldEvent, "resolver.shutdown").
		Int("owned", len(hosts)).
		Msg("hibernating owned channels")

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, h := range hosts {
		wg.Add(1)
		go func(h *host) {
			defer wg.Done()
			if err := r.hibernate(h, "shutdown"); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.id.Raw, err))
				emu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for in-flight cleanups: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
