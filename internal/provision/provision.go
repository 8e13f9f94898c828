// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package provision starts the compute instances that run relay processes.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

var (
	ErrInstallFailed = errors.New("provision: install failed")
	ErrStartFailed   = errors.New("provision: start failed")
	ErrInvalidSpec   = errors.New("provision: invalid spec")
)

// Command is one program invocation inside an instance.
type Command struct {
	Name string
	Args []string
	Env  map[string]string
}

// Spec describes the instance to provision.
type Spec struct {
	// Source is the code location: a working directory for local instances.
	Source string
	Port   int
	VCPUs  int
	// Lease bounds the instance lifetime. Zero means until Stop.
	Lease time.Duration
	// Env is passed to both Install and Start.
	Env     map[string]string
	Install *Command
	Start   Command
}

func (s Spec) validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidSpec, s.Port)
	}
	if s.Start.Name == "" {
		return fmt.Errorf("%w: start command is required", ErrInvalidSpec)
	}
	if s.Lease < 0 {
		return fmt.Errorf("%w: negative lease", ErrInvalidSpec)
	}
	return nil
}

// Instance is a running, reachable workload.
type Instance interface {
	// Address is the externally reachable base URL, e.g. https://host:port.
	Address() string
	// Done is closed once the instance stops serving.
	Done() <-chan struct{}
	Stop(ctx context.Context) error
}

// Provisioner creates instances. Provision returns only once the workload
// answers its health probe.
type Provisioner interface {
	Provision(ctx context.Context, spec Spec) (Instance, error)
}

// environ merges the process environment with overrides, later maps winning.
func environ(overrides ...map[string]string) []string {
	merged := make(map[string]string)
	for _, m := range overrides {
		for k, v := range m {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
