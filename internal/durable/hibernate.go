// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
)

// access records a use of the host: it re-arms the idle timer and keeps the
// ownership record alive.
func (h *host) access(ctx context.Context) {
	h.touch()
	h.refreshOwnership(ctx)
}

// touch replaces the idle timer with a fresh one. The waiter of the replaced
// timer is closed so a firing that already started observes it was superseded.
func (h *host) touch() {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	if h.closing {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.waiter != nil {
		close(h.waiter)
	}
	w := make(chan struct{})
	h.waiter = w
	h.timer = time.AfterFunc(h.r.cfg.IdleWindow, func() { h.expire(w) })
}

func (h *host) expire(w chan struct{}) {
	h.timerMu.Lock()
	if h.waiter != w || h.closing {
		h.timerMu.Unlock()
		return
	}
	h.waiter = nil
	h.timerMu.Unlock()

	if err := h.r.hibernate(h, "idle"); err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, "hibernate.failed").Msg("idle cleanup finished with errors")
	}
}

// hibernate deregisters h and runs its cleanup once. Concurrent and repeated
// calls wait for the first one and return its result.
func (r *Resolver) hibernate(h *host, trigger string) error {
	h.once.Do(func() {
		r.mu.Lock()
		if r.hosts[h.id.Raw] == h {
			delete(r.hosts, h.id.Raw)
		}
		drained := make(chan struct{})
		r.draining[h.id.Raw] = drained
		r.inflight.Add(1)
		r.mu.Unlock()

		defer func() {
			r.mu.Lock()
			if r.draining[h.id.Raw] == drained {
				delete(r.draining, h.id.Raw)
			}
			r.mu.Unlock()
			close(drained)
			r.inflight.Done()
		}()

		h.result = h.cleanup(trigger)
	})
	return h.result
}

// close reclaims a host that was never registered with the resolver.
func (h *host) close(trigger string) error {
	h.once.Do(func() {
		h.result = h.cleanup(trigger)
	})
	return h.result
}

// cleanup stops the mailbox, unsubscribes, runs OnHibernate and releases the
// ownership record, in that order. Every step runs even if an earlier one fails.
func (h *host) cleanup(trigger string) error {
	start := time.Now()

	h.timerMu.Lock()
	h.closing = true
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.waiter != nil {
		close(h.waiter)
		h.waiter = nil
	}
	h.timerMu.Unlock()

	close(h.stop)
	<-h.done

	ctx, cancel := context.WithTimeout(context.Background(), h.r.cfg.CleanupTimeout)
	defer cancel()

	var errs []error
	if err := h.inbound.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe inbound: %w", err))
	}
	<-h.pumpDone

	if err := h.guard(func() error { return h.actor.OnHibernate(ctx) }); err != nil {
		errs = append(errs, fmt.Errorf("on hibernate: %w", err))
	}
	if err := h.r.deps.Store.Del(ctx, h.r.deps.Keys.Instance(h.id.Raw)); err != nil {
		errs = append(errs, fmt.Errorf("release ownership: %w", err))
	}

	metrics.OwnedChannels.Dec()
	metrics.IncHibernation(trigger)

	err := errors.Join(errs...)
	evt := h.logger.Info()
	if err != nil {
		evt = h.logger.Warn().Err(err)
	}
	evt.
		Str(log.FieldEvent, "channel.hibernated").
		Str("trigger", trigger).
		Dur("cleanup_duration", time.Since(start)).
		Msg("channel hibernated")
	return err
}
