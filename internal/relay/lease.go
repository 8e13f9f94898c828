// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package relay provisions and serves the socket relay that bridges
// persistent client connections onto channel topics.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
	"github.com/ManuGH/durachan/internal/provision"
	"github.com/ManuGH/durachan/internal/telemetry"
)

// ErrLeaseClosed is returned by EnsureRelay after Close.
var ErrLeaseClosed = errors.New("relay lease manager closed")

type LeaseState string

const (
	LeasePending LeaseState = "pending"
	LeaseActive  LeaseState = "active"
)

// Lease is the record stored under the tenant's relay lease key.
type Lease struct {
	State     LeaseState `json:"state"`
	Address   string     `json:"address,omitempty"`
	ExpiresAt time.Time  `json:"expiresAt,omitzero"`
	// Claim identifies the process attempt that wrote the record.
	Claim string `json:"claim,omitempty"`
}

// LeaseConfig tunes the lease manager.
type LeaseConfig struct {
	Version          string        `yaml:"version"`
	Duration         time.Duration `yaml:"duration"`
	PendingTTL       time.Duration `yaml:"pendingTTL"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	ProvisionTimeout time.Duration `yaml:"provisionTimeout"`
}

const (
	DefaultVersion          = "v1"
	DefaultLeaseDuration    = 2 * time.Minute
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultProvisionTimeout = 90 * time.Second
)

func (c LeaseConfig) WithDefaults() LeaseConfig {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Duration <= 0 {
		c.Duration = DefaultLeaseDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = DefaultProvisionTimeout
	}
	if c.PendingTTL <= 0 {
		// A pending record must outlive a slow but healthy provisioning.
		c.PendingTTL = c.ProvisionTimeout + 10*time.Second
	}
	return c
}

// LeaseManager ensures one relay per tenant exists and hands out its address.
type LeaseManager struct {
	store coord.Store
	keys  coord.Keyspace
	prov  provision.Provisioner
	spec  provision.Spec
	cfg   LeaseConfig
	now   func() time.Time

	logger zerolog.Logger
	group  singleflight.Group

	mu        sync.Mutex
	closed    bool
	instances map[provision.Instance]string // instance -> active record
	watchers  sync.WaitGroup
}

type LeaseOption func(*LeaseManager)

// WithNow injects the clock used for lease expiry.
func WithNow(now func() time.Time) LeaseOption {
	return func(m *LeaseManager) { m.now = now }
}

// NewLeaseManager binds the tenant in keys to prov. spec describes the relay
// workload; tenant variables are added to its environment.
func NewLeaseManager(store coord.Store, keys coord.Keyspace, prov provision.Provisioner, spec provision.Spec, cfg LeaseConfig, opts ...LeaseOption) *LeaseManager {
	cfg = cfg.WithDefaults()
	tenant := keys.Tenant()

	env := make(map[string]string, len(spec.Env)+2)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[EnvProjectID] = tenant.ProjectID
	env[EnvTargetEnv] = tenant.TargetEnv
	spec.Env = env
	spec.Lease = cfg.Duration

	m := &LeaseManager{
		store:     store,
		keys:      keys,
		prov:      prov,
		spec:      spec,
		cfg:       cfg,
		now:       time.Now,
		logger:    log.WithComponent("relay.lease").With().Str(log.FieldTenant, tenant.String()).Logger(),
		instances: make(map[provision.Instance]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureRelay returns the address of the tenant's relay, provisioning one if
// no unexpired lease exists. Concurrent callers in this process share one
// attempt; callers in other processes wait on the pending record.
func (m *LeaseManager) EnsureRelay(ctx context.Context) (string, error) {
	key := m.keys.RelayLease(m.cfg.Version)
	ch := m.group.DoChan(key, func() (any, error) {
		// The attempt outlives any single caller; the pending ttl bounds it.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PendingTTL+m.cfg.ProvisionTimeout)
		defer cancel()
		actx, span := telemetry.Tracer("durachan.relay").Start(actx, "relay.ensure",
			trace.WithAttributes(attribute.String(telemetry.TenantKey, m.keys.Tenant().String())))
		defer span.End()
		addr, err := m.ensure(actx, key)
		if err != nil {
			telemetry.RecordError(span, err, "lease")
			return "", err
		}
		span.SetAttributes(
			attribute.String(telemetry.LeaseStateKey, string(LeaseActive)),
			attribute.String(telemetry.RelayAddressKey, addr),
		)
		return addr, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *LeaseManager) ensure(ctx context.Context, key string) (string, error) {
	waited := false
	for {
		if m.isClosed() {
			return "", ErrLeaseClosed
		}

		raw, found, err := m.store.Get(ctx, key)
		if err != nil {
			metrics.IncLease("failed")
			return "", fmt.Errorf("read relay lease: %w", err)
		}

		if !found {
			addr, claimed, err := m.claim(ctx, key)
			if err != nil || claimed {
				return addr, err
			}
			continue
		}

		lease, derr := decodeLease(raw)
		switch {
		case derr != nil:
			m.logger.Warn().Err(derr).Str(log.FieldEvent, "lease.malformed").Msg("discarding malformed relay lease")
			if err := m.discard(ctx, key, raw); err != nil {
				return "", err
			}
		case lease.State == LeaseActive && m.now().Before(lease.ExpiresAt):
			outcome := "reused"
			if waited {
				outcome = "waited"
			}
			metrics.IncLease(outcome)
			return lease.Address, nil
		case lease.State == LeaseActive:
			m.logger.Debug().Str(log.FieldEvent, "lease.expired").Time("expires_at", lease.ExpiresAt).Msg("relay lease expired")
			if err := m.discard(ctx, key, raw); err != nil {
				return "", err
			}
		default:
			waited = true
			if err := m.sleep(ctx); err != nil {
				metrics.IncLease("failed")
				return "", fmt.Errorf("waiting for pending relay lease: %w", err)
			}
		}
	}
}

// discard removes a stale record unless another process replaced it meanwhile.
func (m *LeaseManager) discard(ctx context.Context, key, raw string) error {
	if _, err := m.store.CompareAndDelete(ctx, key, raw); err != nil {
		metrics.IncLease("failed")
		return fmt.Errorf("discard relay lease: %w", err)
	}
	return nil
}

func (m *LeaseManager) sleep(ctx context.Context) error {
	t := time.NewTimer(m.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim writes the pending record and, if this process won it, provisions
// the relay. claimed is false when another process got there first.
func (m *LeaseManager) claim(ctx context.Context, key string) (addr string, claimed bool, err error) {
	pending, err := encodeLease(Lease{State: LeasePending, Claim: uuid.NewString()})
	if err != nil {
		return "", false, err
	}
	ok, err := m.store.SetNX(ctx, key, pending, m.cfg.PendingTTL)
	if err != nil {
		metrics.IncLease("failed")
		return "", false, fmt.Errorf("claim relay lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	addr, err = m.provision(ctx, key, pending)
	return addr, true, err
}

func (m *LeaseManager) provision(ctx context.Context, key, pending string) (addr string, err error) {
	logger := m.logger.With().Str(log.FieldKey, key).Logger()
	start := m.now()

	defer func() {
		if err == nil {
			return
		}
		metrics.IncLease("failed")
		// The record must not stay pending after a failed attempt.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, derr := m.store.CompareAndDelete(cctx, key, pending); derr != nil {
			logger.Error().Err(derr).Str(log.FieldEvent, "lease.release_failed").Msg("failed to delete pending relay lease")
			err = errors.Join(err, derr)
		}
	}()

	logger.Info().Str(log.FieldEvent, "lease.provision").Int("port", m.spec.Port).Msg("provisioning relay")
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	defer cancel()
	inst, err := m.prov.Provision(pctx, m.spec)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "lease.provision_failed").Msg("relay provisioning failed")
		return "", fmt.Errorf("provision relay: %w", err)
	}

	active, err := encodeLease(Lease{
		State:     LeaseActive,
		Address:   inst.Address(),
		ExpiresAt: m.now().Add(m.cfg.Duration),
	})
	if err == nil {
		err = m.store.Set(ctx, key, active, m.cfg.Duration)
	}
	if err != nil {
		if serr := inst.Stop(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn().Err(serr).Msg("failed to stop orphaned relay")
		}
		return "", fmt.Errorf("activate relay lease: %w", err)
	}

	if !m.track(key, inst, active) {
		_ = inst.Stop(context.WithoutCancel(ctx))
		return "", ErrLeaseClosed
	}
	metrics.ObserveProvision(m.now().Sub(start))
	metrics.IncLease("provisioned")
	logger.Info().
		Str(log.FieldEvent, "lease.active").
		Str(log.FieldAddress, inst.Address()).
		Dur("lease", m.cfg.Duration).
		Msg("relay ready")
	return inst.Address(), nil
}

// track remembers a provisioned instance and releases its record once the
// instance stops, so the next caller provisions a fresh relay.
func (m *LeaseManager) track(key string, inst provision.Instance, active string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.instances[inst] = active
	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		<-inst.Done()
		m.mu.Lock()
		delete(m.instances, inst)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.store.CompareAndDelete(ctx, key, active); err != nil && !errors.Is(err, coord.ErrClosed) {
			m.logger.Warn().Err(err).Str(log.FieldEvent, "lease.release_failed").Msg("failed to release relay lease")
		}
	}()
	return true
}

func (m *LeaseManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops every relay this process provisioned and releases their leases.
func (m *LeaseManager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	instances := make([]provision.Instance, 0, len(m.instances))
	for inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := inst.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func encodeLease(l Lease) (string, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("encode relay lease: %w", err)
	}
	return string(b), nil
}

func decodeLease(raw string) (Lease, error) {
	var l Lease
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return Lease{}, err
	}
	if l.State != LeasePending && l.State != LeaseActive {
		return Lease{}, fmt.Errorf("unknown lease state %q", l.State)
	}
	return l, nil
}
