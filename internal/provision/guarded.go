// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/durachan/internal/resilience"
)

// Guarded fails fast while the wrapped provisioner keeps failing.
type Guarded struct {
	next    Provisioner
	breaker *resilience.CircuitBreaker
}

func NewGuarded(next Provisioner, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

func (g *Guarded) Provision(ctx context.Context, spec Spec) (Instance, error) {
	var inst Instance
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		inst, err = g.next.Provision(ctx, spec)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// InvalidSpec reports errors that are the caller's fault rather than the
// provider's; breakers should not count them.
func InvalidSpec(err error) bool {
	return errors.Is(err, ErrInvalidSpec)
}
