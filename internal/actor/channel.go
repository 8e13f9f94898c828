// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package actor

import (
	"fmt"
	"strings"
)

// ChannelID is a parsed channel identifier. Type is the prefix before the
// first '-' and selects the actor implementation.
type ChannelID struct {
	Raw  string
	Type string
}

func (c ChannelID) String() string {
	return c.Raw
}

// ParseChannelID splits id into its type prefix. Ids without a '-' or with an
// empty prefix are rejected.
func ParseChannelID(id string) (ChannelID, error) {
	idx := strings.IndexByte(id, '-')
	if idx < 0 {
		return ChannelID{}, fmt.Errorf("%w: %q has no type prefix", ErrMalformedChannelID, id)
	}
	if idx == 0 {
		return ChannelID{}, fmt.Errorf("%w: %q has an empty type prefix", ErrMalformedChannelID, id)
	}
	return ChannelID{Raw: id, Type: id[:idx]}, nil
}
