// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package provision

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/durachan/internal/platform/httpx"
	"github.com/ManuGH/durachan/internal/resilience"
)

const helperEnv = "DURACHAN_PROVISION_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "serve" {
		serveHelper()
		return
	}
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"))
}

// serveHelper is the workload started by the local provisioner tests.
func serveHelper() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_ = http.ListenAndServe(net.JoinHostPort("127.0.0.1", os.Getenv("PORT")), mux)
	os.Exit(1)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func helperSpec(t *testing.T) Spec {
	return Spec{
		Port:  freePort(t),
		VCPUs: 1,
		Env:   map[string]string{helperEnv: "serve"},
		Start: Command{Name: os.Args[0]},
	}
}

func testProvisioner() *LocalProvisioner {
	return NewLocalProvisioner(LocalConfig{
		ReadyTimeout: 10 * time.Second,
		PollInterval: 20 * time.Millisecond,
		StopGrace:    time.Second,
	})
}

func stop(t *testing.T, inst Instance) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, inst.Stop(ctx))
}

func TestLocalProvisionerStartsHealthyInstance(t *testing.T) {
	spec := helperSpec(t)
	spec.Install = &Command{Name: "sh", Args: []string{"-c", "test \"$CI\" = 1"}}

	inst, err := testProvisioner().Provision(context.Background(), spec)
	require.NoError(t, err)
	defer stop(t, inst)

	require.NoError(t, httpx.Probe(context.Background(), httpx.NewClient(time.Second), inst.Address()+"/healthz"))

	stop(t, inst)
	select {
	case <-inst.Done():
	default:
		t.Fatal("instance should be done after Stop")
	}
}

func TestLocalProvisionerInstallFailure(t *testing.T) {
	spec := helperSpec(t)
	spec.Install = &Command{Name: "sh", Args: []string{"-c", "echo nope >&2; exit 3"}}

	_, err := testProvisioner().Provision(context.Background(), spec)
	assert.ErrorIs(t, err, ErrInstallFailed)
}

func TestLocalProvisionerProcessExitsEarly(t *testing.T) {
	spec := helperSpec(t)
	spec.Start = Command{Name: "sh", Args: []string{"-c", "exit 1"}}

	_, err := testProvisioner().Provision(context.Background(), spec)
	assert.ErrorIs(t, err, ErrStartFailed)
}

func TestLocalProvisionerReadyTimeout(t *testing.T) {
	spec := helperSpec(t)
	spec.Start = Command{Name: "sleep", Args: []string{"30"}}

	p := NewLocalProvisioner(LocalConfig{
		ReadyTimeout: 200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		StopGrace:    200 * time.Millisecond,
	})
	start := time.Now()
	_, err := p.Provision(context.Background(), spec)
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.Less(t, time.Since(start), 5*time.Second, "unready instance must be stopped promptly")
}

func TestLocalProvisionerLeaseElapses(t *testing.T) {
	spec := helperSpec(t)
	spec.Lease = 300 * time.Millisecond

	inst, err := testProvisioner().Provision(context.Background(), spec)
	require.NoError(t, err)

	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		stop(t, inst)
		t.Fatal("instance outlived its lease")
	}
}

func TestSpecValidation(t *testing.T) {
	p := testProvisioner()
	_, err := p.Provision(context.Background(), Spec{Port: 0, Start: Command{Name: "x"}})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = p.Provision(context.Background(), Spec{Port: 9000})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.True(t, InvalidSpec(err))
}

func TestStaticProvisioner(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewStaticProvisioner(srv.URL+"/", time.Second)
	require.NoError(t, err)

	inst, err := p.Provision(context.Background(), Spec{})
	require.NoError(t, err)
	assert.Equal(t, srv.URL, inst.Address())
	require.NoError(t, inst.Stop(context.Background()))
	<-inst.Done()

	healthy.Store(false)
	_, err = p.Provision(context.Background(), Spec{})
	assert.ErrorIs(t, err, ErrStartFailed)

	_, err = NewStaticProvisioner("relay:9000", time.Second)
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

type flakyProvisioner struct {
	calls atomic.Int32
	err   error
}

func (f *flakyProvisioner) Provision(context.Context, Spec) (Instance, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &staticInstance{address: "http://relay", done: make(chan struct{})}, nil
}

func TestGuardedOpensAfterFailures(t *testing.T) {
	next := &flakyProvisioner{err: errors.New("quota exceeded")}
	g := NewGuarded(next, resilience.NewCircuitBreaker("provision_test", 2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Provision(ctx, Spec{})
		require.Error(t, err)
	}
	_, err := g.Provision(ctx, Spec{})
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), next.calls.Load(), "open breaker must not reach the provisioner")
}

func TestGuardedPassesThrough(t *testing.T) {
	next := &flakyProvisioner{}
	g := NewGuarded(next, resilience.NewCircuitBreaker("provision_ok", 2, time.Minute))

	inst, err := g.Provision(context.Background(), Spec{})
	require.NoError(t, err)
	assert.Equal(t, "http://relay", inst.Address())
}
