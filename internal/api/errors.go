// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/api/problem"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/durable"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/provision"
	"github.com/ManuGH/durachan/internal/relay"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	problem.Write(w, r, status, "channel/"+strings.ToLower(code), http.StatusText(status), code, detail)
}

// classify maps a dispatch failure to a status and problem code.
func classify(err error) (int, string) {
	var remote *durable.RemoteError
	switch {
	case errors.Is(err, actor.ErrConfiguration):
		return http.StatusBadRequest, "INVALID_CHANNEL"
	case errors.Is(err, actor.ErrNotImplemented):
		return http.StatusMethodNotAllowed, "NOT_SUPPORTED"
	case errors.Is(err, durable.ErrRPCTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.As(err, &remote):
		return http.StatusBadGateway, "REMOTE_ACTOR_ERROR"
	case errors.Is(err, durable.ErrActor):
		return http.StatusInternalServerError, "ACTOR_ERROR"
	case errors.Is(err, durable.ErrResolverClosed),
		errors.Is(err, durable.ErrHostClosed),
		errors.Is(err, coord.ErrStore),
		errors.Is(err, coord.ErrClosed),
		errors.Is(err, relay.ErrLeaseClosed),
		errors.Is(err, provision.ErrStartFailed),
		errors.Is(err, provision.ErrInstallFailed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// writeChannelError logs err and writes the matching problem response.
func (s *Server) writeChannelError(w http.ResponseWriter, r *http.Request, channelID string, err error) {
	status, code := classify(err)
	logger := log.WithComponentFromContext(log.ContextWithChannelID(r.Context(), channelID), "api")
	ev := logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).
		Str(log.FieldEvent, "api.channel_error").
		Int("status", status).
		Msg("channel request failed")

	detail := err.Error()
	if status == http.StatusInternalServerError && code == "INTERNAL" {
		detail = "internal error"
	}
	writeProblem(w, r, status, code, detail)
}
