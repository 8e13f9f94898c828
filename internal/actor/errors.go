// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package actor

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks failures that retrying the same call cannot fix.
	ErrConfiguration = errors.New("channel configuration error")

	ErrMalformedChannelID = fmt.Errorf("%w: malformed channel id", ErrConfiguration)
	ErrUnknownChannelType = fmt.Errorf("%w: unknown channel type", ErrConfiguration)

	// ErrNotImplemented is returned by Base for handlers an actor does not provide.
	ErrNotImplemented = errors.New("handler not implemented")

	ErrNoBroadcaster = errors.New("actor has no broadcaster")
)
