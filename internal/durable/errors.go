// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package durable

import (
	"errors"
	"fmt"

	"github.com/ManuGH/durachan/internal/actor"
)

var (
	// ErrActor wraps every failure raised by an actor handler or lifecycle hook.
	ErrActor = errors.New("actor error")

	// ErrRPCTimeout is returned when a forwarded call gets no response in time.
	ErrRPCTimeout = errors.New("forwarded call timed out")

	// ErrHostClosed is returned by calls that raced with hibernation of the
	// local host. Resolving again reaches the next owner.
	ErrHostClosed = errors.New("channel host closed")

	ErrResolverClosed = errors.New("resolver is shut down")
	ErrUnknownKind    = errors.New("unknown call kind")
)

// Error codes carried in responses so proxies keep the identity of
// well-known failures.
const (
	codeNotImplemented = "not_implemented"
	codeConfiguration  = "configuration"
	codeUnknownKind    = "unknown_kind"
)

var codeErrors = map[string]error{
	codeNotImplemented: actor.ErrNotImplemented,
	codeConfiguration:  actor.ErrConfiguration,
	codeUnknownKind:    ErrUnknownKind,
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, actor.ErrNotImplemented):
		return codeNotImplemented
	case errors.Is(err, actor.ErrConfiguration):
		return codeConfiguration
	case errors.Is(err, ErrUnknownKind):
		return codeUnknownKind
	}
	return ""
}

// RemoteError is an actor failure reported by the owning process of a channel.
type RemoteError struct {
	ChannelID string
	MessageID string
	Message   string
	// Code names a well-known failure; see errorCode.
	Code string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("channel %s: remote actor failed: %s", e.ChannelID, e.Message)
}

// Unwrap classifies remote failures as actor errors plus the sentinel named
// by Code, matching what a local dispatch of the same call returns.
func (e *RemoteError) Unwrap() []error {
	errs := []error{ErrActor}
	if sentinel, ok := codeErrors[e.Code]; ok {
		errs = append(errs, sentinel)
	}
	return errs
}
