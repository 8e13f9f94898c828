// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/log"
	xnet "github.com/ManuGH/durachan/internal/platform/net"
	"github.com/ManuGH/durachan/internal/token"
)

// resultResponse carries a call result; commands without one encode null.
type resultResponse struct {
	Result *string `json:"result"`
}

type socketResponse struct {
	URL string `json:"url"`
}

func newResult(v string) resultResponse {
	if v == "" {
		return resultResponse{}
	}
	return resultResponse{Result: &v}
}

// channelID reads the route id and scopes the request context to it.
func channelID(r *http.Request) (string, *http.Request) {
	id := chi.URLParam(r, "id")
	return id, r.WithContext(log.ContextWithChannelID(r.Context(), id))
}

// handleCommand dispatches the raw request body as a command.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, r := channelID(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body")
		return
	}

	result, err := s.deps.Channels.HandleCommand(r.Context(), id, string(body))
	if err != nil {
		s.writeChannelError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, newResult(result))
}

// handleQuery returns the channel's query result.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, r := channelID(r)

	result, err := s.deps.Channels.HandleQuery(r.Context(), id, r.URL.Query().Get("q"))
	if err != nil {
		s.writeChannelError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, newResult(result))
}

// eventsWindow parses ?window= as a Go duration or whole seconds.
func (s *Server) eventsWindow(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("window"))
	if raw == "" {
		return s.cfg.EventsWindow, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return 0, fmt.Errorf("invalid window %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %q", raw)
	}
	return min(d, s.cfg.MaxEventsWindow), nil
}

// handleEvents streams broadcasts as server-sent events for one window, then
// ends the response. Clients reconnect to keep listening.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, r := channelID(r)

	if _, err := actor.ParseChannelID(id); err != nil {
		s.writeChannelError(w, r, id, err)
		return
	}
	window, err := s.eventsWindow(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
		return
	}

	rc := http.NewResponseController(w)
	// Only ErrNotSupported can come back here; the server timeout stays in force.
	_ = rc.SetWriteDeadline(time.Now().Add(window + 5*time.Second))

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Debug().Err(err).Str(log.FieldChannelID, id).Msg("event stream cannot flush")
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	var writeErr error
	sent := 0
	err = s.deps.Events.Subscribe(r.Context(), id, func(msg string) {
		if writeErr != nil {
			return
		}
		if writeErr = writeEvent(w, msg); writeErr == nil {
			writeErr = rc.Flush()
			sent++
		}
	}, window)
	if err == nil {
		err = writeErr
	}

	ev := logger.Debug()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Str(log.FieldEvent, "api.events_closed").
		Dur("window", window).
		Int("sent", sent).
		Msg("event stream closed")
}

// writeEvent frames msg as one event; embedded newlines become extra data lines.
func writeEvent(w io.Writer, msg string) error {
	var b strings.Builder
	for _, line := range strings.Split(msg, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// handleSocket makes sure the channel's owner and the tenant's relay are up
// and returns the socket URL a client dials. The channel is resolved first so
// an unknown channel never provisions a relay.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id, r := channelID(r)

	if s.deps.Relays == nil || s.deps.Tokens == nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "RELAY_DISABLED", "socket relay is not configured")
		return
	}
	if _, err := s.deps.Channels.Resolve(r.Context(), id); err != nil {
		s.writeChannelError(w, r, id, err)
		return
	}
	address, err := s.deps.Relays.EnsureRelay(r.Context())
	if err != nil {
		s.writeChannelError(w, r, id, err)
		return
	}
	tok, err := s.deps.Tokens.Encode(token.NewClaims(id, s.cfg.Tenant))
	if err != nil {
		s.writeChannelError(w, r, id, err)
		return
	}
	socketURL, err := xnet.SocketURL(address, tok)
	if err != nil {
		s.writeChannelError(w, r, id, err)
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Debug().
		Str(log.FieldEvent, "api.socket_issued").
		Str(log.FieldAddress, xnet.SanitizeURL(address)).
		Msg("issued socket address")
	writeJSON(w, http.StatusOK, socketResponse{URL: socketURL})
}
