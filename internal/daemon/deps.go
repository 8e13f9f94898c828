// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Deps contains dependencies required by the daemon Manager.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// APIHandler serves the channel API.
	APIHandler http.Handler

	// MetricsHandler serves /metrics on MetricsAddr; nil disables the metrics server.
	MetricsHandler http.Handler
	MetricsAddr    string
}

// Validate checks that all required dependencies are present.
func (d Deps) Validate() error {
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	return nil
}
