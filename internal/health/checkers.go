// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
)

// PingChecker reports a dependency unhealthy when its ping fails.
type PingChecker struct {
	name     string
	ping     func(context.Context) error
	optional bool
}

// NewPingChecker creates a checker for a required dependency.
func NewPingChecker(name string, ping func(context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// NewOptionalChecker creates a checker whose failures only degrade readiness.
func NewOptionalChecker(name string, ping func(context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping, optional: true}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if err := c.ping(ctx); err != nil {
		status := StatusUnhealthy
		if c.optional {
			status = StatusDegraded
		}
		return CheckResult{Status: status, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// GaugeChecker reports an informational count; it never fails readiness.
type GaugeChecker struct {
	name  string
	label string
	value func() int
}

// NewGaugeChecker creates a checker that reports value() as "<n> <label>".
func NewGaugeChecker(name, label string, value func() int) *GaugeChecker {
	return &GaugeChecker{name: name, label: label, value: value}
}

func (c *GaugeChecker) Name() string {
	return c.name
}

func (c *GaugeChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d %s", c.value(), c.label)}
}
