// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/provision"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeInstance struct {
	address string
	once    sync.Once
	done    chan struct{}
}

func (i *fakeInstance) Address() string       { return i.address }
func (i *fakeInstance) Done() <-chan struct{} { return i.done }
func (i *fakeInstance) Stop(context.Context) error {
	i.once.Do(func() { close(i.done) })
	return nil
}

// fakeProvisioner hands out numbered addresses. When gate is set, each
// Provision blocks until it is closed.
type fakeProvisioner struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error

	mu    sync.Mutex
	specs []provision.Spec
	insts []*fakeInstance
}

func (p *fakeProvisioner) Provision(ctx context.Context, spec provision.Spec) (provision.Instance, error) {
	n := p.calls.Add(1)
	p.mu.Lock()
	p.specs = append(p.specs, spec)
	p.mu.Unlock()
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	inst := &fakeInstance{address: fmt.Sprintf("https://relay-%d.example.dev", n), done: make(chan struct{})}
	p.mu.Lock()
	p.insts = append(p.insts, inst)
	p.mu.Unlock()
	return inst, nil
}

var testKeys = coord.NewKeyspace("", coord.Tenant{ProjectID: "prj", TargetEnv: "preview"})

func testLeaseConfig() LeaseConfig {
	return LeaseConfig{
		Duration:         time.Minute,
		PollInterval:     10 * time.Millisecond,
		ProvisionTimeout: 5 * time.Second,
	}
}

func newManager(t *testing.T, store coord.Store, prov provision.Provisioner, opts ...LeaseOption) *LeaseManager {
	t.Helper()
	spec := provision.Spec{Port: DefaultPort, VCPUs: DefaultVCPUs, Env: map[string]string{EnvRedisURL: "redis://cache:6379"}, Start: provision.Command{Name: "relay"}}
	m := NewLeaseManager(store, testKeys, prov, spec, testLeaseConfig(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func leaseKey() string {
	return testKeys.RelayLease(DefaultVersion)
}

func TestEnsureRelayProvisionsOnceAcrossProcesses(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(t *testing.T) coord.Store
	}{
		{"memory", func(t *testing.T) coord.Store {
			s := coord.NewMemoryStore()
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"redis", func(t *testing.T) coord.Store {
			mr := miniredis.RunT(t)
			s := coord.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 2*time.Second, zerolog.Nop())
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store(t)
			prov := &fakeProvisioner{gate: make(chan struct{})}
			// Two processes, three callers each.
			managers := []*LeaseManager{newManager(t, store, prov), newManager(t, store, prov)}

			var wg sync.WaitGroup
			addrs := make(chan string, 6)
			errs := make(chan error, 6)
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func(m *LeaseManager) {
					defer wg.Done()
					addr, err := m.EnsureRelay(context.Background())
					if err != nil {
						errs <- err
						return
					}
					addrs <- addr
				}(managers[i%2])
			}

			require.Eventually(t, func() bool { return prov.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
			close(prov.gate)
			wg.Wait()
			close(addrs)
			close(errs)

			for err := range errs {
				t.Fatalf("EnsureRelay failed: %v", err)
			}
			seen := map[string]int{}
			for a := range addrs {
				seen[a]++
			}
			assert.Equal(t, map[string]int{"https://relay-1.example.dev": 6}, seen)
			assert.Equal(t, int32(1), prov.calls.Load(), "exactly one provisioning action")
		})
	}
}

func TestEnsureRelayWaitsOnPendingLease(t *testing.T) {
	store := coord.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	m := newManager(t, store, prov)

	pending, err := encodeLease(Lease{State: LeasePending, Claim: "other-process"})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, leaseKey(), pending, time.Minute))

	result := make(chan string, 1)
	go func() {
		addr, err := m.EnsureRelay(ctx)
		assert.NoError(t, err)
		result <- addr
	}()

	// The waiter keeps polling without provisioning.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-result:
		t.Fatal("EnsureRelay returned while the lease was pending")
	default:
	}
	assert.Zero(t, prov.calls.Load())

	active, err := encodeLease(Lease{State: LeaseActive, Address: "https://other.example.dev", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, leaseKey(), active, time.Minute))

	select {
	case addr := <-result:
		assert.Equal(t, "https://other.example.dev", addr)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe the active lease")
	}
	assert.Zero(t, prov.calls.Load(), "a waiter must not re-provision")
}

func TestEnsureRelayFailureReleasesLease(t *testing.T) {
	store := coord.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	prov := &fakeProvisioner{err: fmt.Errorf("%w: exit status 1", provision.ErrStartFailed)}
	m := newManager(t, store, prov)

	_, err := m.EnsureRelay(ctx)
	require.ErrorIs(t, err, provision.ErrStartFailed)

	_, found, err := store.Get(ctx, leaseKey())
	require.NoError(t, err)
	assert.False(t, found, "failed attempt must not leave the lease pending")

	prov.err = nil
	addr, err := m.EnsureRelay(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://relay-2.example.dev", addr)
}

func TestEnsureRelayReusesActiveLease(t *testing.T) {
	store := coord.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	m := newManager(t, store, prov)

	first, err := m.EnsureRelay(ctx)
	require.NoError(t, err)
	second, err := m.EnsureRelay(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), prov.calls.Load())

	raw, found, err := store.Get(ctx, leaseKey())
	require.NoError(t, err)
	require.True(t, found)
	lease, err := decodeLease(raw)
	require.NoError(t, err)
	assert.Equal(t, LeaseActive, lease.State)
	assert.Equal(t, first, lease.Address)
}

func TestEnsureRelayReplacesExpiredLease(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	store := coord.NewMemoryStore(coord.WithClock(clk.Now))
	defer store.Close()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	m := newManager(t, store, prov, WithNow(clk.Now))

	stale, err := encodeLease(Lease{State: LeaseActive, Address: "https://stale.example.dev", ExpiresAt: clk.Now().Add(-time.Second)})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, leaseKey(), stale, 0))

	addr, err := m.EnsureRelay(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://relay-1.example.dev", addr)
}

func TestPendingLeaseExpires(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	store := coord.NewMemoryStore(coord.WithClock(clk.Now))
	defer store.Close()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	m := newManager(t, store, prov, WithNow(clk.Now))

	// A process died while provisioning.
	ok, err := store.SetNX(ctx, leaseKey(), `{"state":"pending","claim":"dead"}`, m.cfg.PendingTTL)
	require.NoError(t, err)
	require.True(t, ok)

	result := make(chan error, 1)
	go func() {
		_, err := m.EnsureRelay(ctx)
		result <- err
	}()
	time.Sleep(30 * time.Millisecond)
	clk.Advance(m.cfg.PendingTTL + time.Second)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending lease never expired")
	}
	assert.Equal(t, int32(1), prov.calls.Load())
}

func TestStoppedRelayReleasesLease(t *testing.T) {
	store := coord.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	m := newManager(t, store, prov)

	_, err := m.EnsureRelay(ctx)
	require.NoError(t, err)
	require.NoError(t, prov.insts[0].Stop(ctx))

	require.Eventually(t, func() bool {
		_, found, err := store.Get(ctx, leaseKey())
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaseSpecCarriesTenantEnvironment(t *testing.T) {
	store := coord.NewMemoryStore()
	defer store.Close()
	prov := &fakeProvisioner{}
	m := newManager(t, store, prov)

	_, err := m.EnsureRelay(context.Background())
	require.NoError(t, err)

	require.Len(t, prov.specs, 1)
	spec := prov.specs[0]
	assert.Equal(t, "prj", spec.Env[EnvProjectID])
	assert.Equal(t, "preview", spec.Env[EnvTargetEnv])
	assert.Equal(t, "redis://cache:6379", spec.Env[EnvRedisURL])
	assert.Equal(t, time.Minute, spec.Lease)
	assert.Equal(t, DefaultPort, spec.Port)
}

func TestEnsureRelayHonorsCallerContext(t *testing.T) {
	store := coord.NewMemoryStore()
	defer store.Close()
	prov := &fakeProvisioner{gate: make(chan struct{})}
	m := newManager(t, store, prov)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.EnsureRelay(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared attempt keeps going for the next caller.
	close(prov.gate)
	addr, err := m.EnsureRelay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://relay-1.example.dev", addr)
}

func TestClosedManager(t *testing.T) {
	store := coord.NewMemoryStore()
	defer store.Close()
	prov := &fakeProvisioner{}
	m := newManager(t, store, prov)

	_, err := m.EnsureRelay(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))

	_, err = m.EnsureRelay(context.Background())
	assert.True(t, errors.Is(err, ErrLeaseClosed))
	select {
	case <-prov.insts[0].Done():
	default:
		t.Fatal("Close should stop provisioned relays")
	}
}
