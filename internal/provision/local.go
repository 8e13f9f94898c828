// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package provision

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/platform/httpx"
	"github.com/ManuGH/durachan/internal/procgroup"
)

const (
	defaultHost           = "127.0.0.1"
	defaultReadyTimeout   = 30 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	defaultStopGrace      = 5 * time.Second
	defaultInstallTimeout = 5 * time.Minute
	outputTailBytes       = 2 << 10
)

// LocalConfig tunes LocalProvisioner.
type LocalConfig struct {
	Host           string
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
	StopGrace      time.Duration
	InstallTimeout time.Duration
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = defaultInstallTimeout
	}
	return c
}

// LocalProvisioner runs the workload as a child process group on this host.
type LocalProvisioner struct {
	cfg    LocalConfig
	client *http.Client
	logger zerolog.Logger
}

func NewLocalProvisioner(cfg LocalConfig) *LocalProvisioner {
	cfg = cfg.withDefaults()
	return &LocalProvisioner{
		cfg:    cfg,
		client: httpx.NewClient(cfg.PollInterval * 10),
		logger: log.WithComponent("provision"),
	}
}

func (p *LocalProvisioner) Provision(ctx context.Context, spec Spec) (Instance, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	logger := p.logger.With().Int("port", spec.Port).Str("source", spec.Source).Logger()

	if spec.Install != nil {
		if err := p.install(ctx, spec, logger); err != nil {
			return nil, err
		}
	}

	cmd := exec.Command(spec.Start.Name, spec.Start.Args...)
	cmd.Dir = spec.Source
	cmd.Env = environ(spec.Env, spec.Start.Env, map[string]string{"PORT": strconv.Itoa(spec.Port)})
	cmd.Stdout = logger.With().Str("stream", "stdout").Logger()
	cmd.Stderr = logger.With().Str("stream", "stderr").Logger()

	waitCh, err := procgroup.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStartFailed, spec.Start.Name, err)
	}

	inst := &localInstance{
		address: "http://" + net.JoinHostPort(p.cfg.Host, strconv.Itoa(spec.Port)),
		cmd:     cmd,
		grace:   p.cfg.StopGrace,
		exited:  make(chan struct{}),
		logger:  logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	go inst.watch(waitCh)

	if err := p.awaitReady(ctx, inst); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StopGrace*2)
		defer cancel()
		if serr := inst.Stop(stopCtx); serr != nil {
			logger.Warn().Err(serr).Msg("failed to stop unready instance")
		}
		return nil, err
	}

	if spec.Lease > 0 {
		inst.armLease(spec.Lease)
	}
	inst.logger.Info().
		Str(log.FieldEvent, "provision.ready").
		Str(log.FieldAddress, inst.address).
		Dur("lease", spec.Lease).
		Msg("instance ready")
	return inst, nil
}

func (p *LocalProvisioner) install(ctx context.Context, spec Spec, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.InstallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Install.Name, spec.Install.Args...)
	cmd.Dir = spec.Source
	cmd.Env = environ(map[string]string{"CI": "1"}, spec.Env, spec.Install.Env)
	procgroup.Set(cmd)
	cmd.Cancel = func() error { return procgroup.Kill(cmd, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Info().Str(log.FieldEvent, "provision.install").Str("cmd", spec.Install.Name).Msg("installing dependencies")
	if err := cmd.Run(); err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "provision.install_failed").
			Str("output", tail(out.Bytes())).
			Msg("install command failed")
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, spec.Install.Name, err)
	}
	return nil
}

func (p *LocalProvisioner) awaitReady(ctx context.Context, inst *localInstance) error {
	deadline := time.NewTimer(p.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	probe := inst.address + "/healthz"
	var last error
	for {
		if last = httpx.Probe(ctx, p.client, probe); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inst.exited:
			return fmt.Errorf("%w: process exited before ready: %w", ErrStartFailed, inst.exitErr)
		case <-deadline.C:
			return fmt.Errorf("%w: not ready after %s: %w", ErrStartFailed, p.cfg.ReadyTimeout, last)
		case <-ticker.C:
		}
	}
}

func tail(b []byte) string {
	if len(b) > outputTailBytes {
		b = b[len(b)-outputTailBytes:]
	}
	return string(b)
}

type localInstance struct {
	address string
	cmd     *exec.Cmd
	grace   time.Duration
	logger  zerolog.Logger

	exited  chan struct{}
	exitErr error

	mu    sync.Mutex
	lease *time.Timer
	once  sync.Once
}

func (i *localInstance) Address() string       { return i.address }
func (i *localInstance) Done() <-chan struct{} { return i.exited }

func (i *localInstance) watch(waitCh <-chan error) {
	i.exitErr = <-waitCh
	close(i.exited)
}

// exitCh replays the exit result for procgroup.Terminate.
func (i *localInstance) exitCh() <-chan error {
	ch := make(chan error, 1)
	go func() {
		<-i.exited
		ch <- i.exitErr
	}()
	return ch
}

func (i *localInstance) armLease(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lease = time.AfterFunc(d, func() {
		i.logger.Info().Str(log.FieldEvent, "provision.lease_elapsed").Msg("instance lease elapsed, terminating")
		ctx, cancel := context.WithTimeout(context.Background(), i.grace*2)
		defer cancel()
		if err := i.Stop(ctx); err != nil {
			i.logger.Warn().Err(err).Msg("failed to stop instance after lease")
		}
	})
}

// Stop terminates the process group and waits for it to exit.
func (i *localInstance) Stop(ctx context.Context) error {
	i.once.Do(func() {
		i.mu.Lock()
		if i.lease != nil {
			i.lease.Stop()
		}
		i.mu.Unlock()

		i.logger.Debug().Str(log.FieldEvent, "provision.stop").Msg("terminating instance")
		go func() {
			_ = procgroup.Terminate(i.cmd, i.exitCh(), i.grace)
		}()
	})

	select {
	case <-i.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop instance %s: %w", i.address, ctx.Err())
	}
}
