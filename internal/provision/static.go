// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package provision

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/durachan/internal/platform/httpx"
	xnet "github.com/ManuGH/durachan/internal/platform/net"
)

// StaticProvisioner hands out an already running relay, e.g. a sidecar.
// Each Provision only checks that the relay is healthy.
type StaticProvisioner struct {
	address string
	client  *http.Client
}

func NewStaticProvisioner(address string, probeTimeout time.Duration) (*StaticProvisioner, error) {
	u, ok := xnet.ParseDirectHTTPURL(address)
	if !ok {
		return nil, fmt.Errorf("%w: static address %q", ErrInvalidSpec, xnet.SanitizeURL(address))
	}
	return &StaticProvisioner{
		address: strings.TrimRight(u.String(), "/"),
		client:  httpx.NewClient(probeTimeout),
	}, nil
}

func (p *StaticProvisioner) Provision(ctx context.Context, _ Spec) (Instance, error) {
	if err := httpx.Probe(ctx, p.client, p.address+"/healthz"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	return &staticInstance{address: p.address, done: make(chan struct{})}, nil
}

type staticInstance struct {
	address string
	once    sync.Once
	done    chan struct{}
}

func (i *staticInstance) Address() string       { return i.address }
func (i *staticInstance) Done() <-chan struct{} { return i.done }

// Stop only marks the handle done; the relay itself is not ours to stop.
func (i *staticInstance) Stop(context.Context) error {
	i.once.Do(func() { close(i.done) })
	return nil
}
