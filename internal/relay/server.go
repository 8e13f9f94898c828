// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/ManuGH/durachan/internal/actor"
	"github.com/ManuGH/durachan/internal/broadcast"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/durable"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
	"github.com/ManuGH/durachan/internal/token"
)

// Environment understood by relay workloads.
const (
	EnvProjectID = "VERCEL_PROJECT_ID"
	EnvTargetEnv = "VERCEL_TARGET_ENV"
	EnvRedisURL  = "REDIS_URL"
)

const (
	DefaultPort  = 9000
	DefaultVCPUs = 4
)

// Close codes sent to clients.
const (
	CloseNormal      = 1000
	CloseInternal    = 1011
	CloseBadChannel  = 4000
	CloseFrameTooBig = 1009
)

// ServerConfig tunes per-connection limits.
type ServerConfig struct {
	MaxPayloadBytes int           `yaml:"maxPayloadBytes"`
	FrameRate       float64       `yaml:"frameRate"`
	FrameBurst      int           `yaml:"frameBurst"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
}

func (c ServerConfig) WithDefaults() ServerConfig {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 64 << 10
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 20
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 40
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Server bridges websocket connections onto channel topics. Inbound frames
// become commands on the channel's inbound topic; broadcasts on the outbound
// topic are written back verbatim, one frame per message.
type Server struct {
	ps     coord.PubSub
	keys   coord.Keyspace
	bridge *broadcast.Bridge
	codec  token.Codec
	cfg    ServerConfig
	logger zerolog.Logger

	wg sync.WaitGroup
}

// NewServer serves the tenant in keys for plain channel ids; tokens may name
// any tenant.
func NewServer(ps coord.PubSub, keys coord.Keyspace, codec token.Codec, cfg ServerConfig) *Server {
	return &Server{
		ps:     ps,
		keys:   keys,
		bridge: broadcast.NewBridge(ps, keys),
		codec:  codec,
		cfg:    cfg.WithDefaults(),
		logger: log.WithComponent("relay"),
	}
}

// Handler returns the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	ws := websocket.Server{
		// Clients are not browsers on our origin; the token is the credential.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serveConn,
	}

	r := chi.NewRouter()
	r.Use(log.Middleware())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/", ws)
	r.Handle("/ws", ws)
	return r
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

type target struct {
	channel string
	tenant  coord.Tenant
}

// resolveTarget reads ?token= (or the legacy ?jwe=) and falls back to
// ?channelId= scoped to the relay's own tenant.
func (s *Server) resolveTarget(r *http.Request) (target, error) {
	q := r.URL.Query()
	raw := q.Get("token")
	if raw == "" {
		raw = q.Get("jwe")
	}
	var t target
	if raw != "" {
		claims, err := s.codec.Decode(raw)
		if err != nil {
			return target{}, err
		}
		t = target{channel: claims.ChannelID, tenant: claims.Tenant()}
	} else {
		t = target{channel: strings.TrimSpace(q.Get("channelId")), tenant: s.keys.Tenant()}
	}
	if t.channel == "" {
		return target{}, errors.New("missing channelId query parameter")
	}
	if _, err := actor.ParseChannelID(t.channel); err != nil {
		return target{}, err
	}
	return t, nil
}

func (s *Server) serveConn(conn *websocket.Conn) {
	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()

	req := conn.Request()
	logger := s.logger.With().Str(log.FieldRemoteAddr, req.RemoteAddr).Logger()

	t, err := s.resolveTarget(req)
	if err != nil {
		logger.Info().Err(err).Str(log.FieldEvent, "relay.rejected").Msg("rejecting relay connection")
		s.reject(conn, CloseBadChannel, err.Error())
		return
	}
	logger = logger.With().Str(log.FieldChannelID, t.channel).Str(log.FieldTenant, t.tenant.String()).Logger()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	sub, err := s.bridge.ForTenant(t.tenant).Open(ctx, t.channel)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "relay.subscribe_failed").Msg("failed to subscribe to channel")
		s.reject(conn, CloseInternal, "coordination store unavailable")
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Debug().Err(err).Msg("failed to close outbound subscription")
		}
	}()

	release := metrics.TrackRelayConnection()
	defer release()
	logger.Info().Str(log.FieldEvent, "relay.connected").Msg("relay socket connected")

	conn.MaxPayloadBytes = s.cfg.MaxPayloadBytes
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpOutbound(ctx, conn, sub, logger)
		// A dead writer must also end the reader.
		cancel()
		_ = conn.Close()
	}()

	code := s.readInbound(ctx, conn, t, logger)
	cancel()
	if code != 0 {
		s.reject(conn, code, "")
	}
	_ = conn.Close()
	<-pumpDone
	logger.Info().Str(log.FieldEvent, "relay.disconnected").Msg("relay socket disconnected")
}

func (s *Server) pumpOutbound(ctx context.Context, conn *websocket.Conn, sub coord.Subscription, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := websocket.Message.Send(conn, msg); err != nil {
				metrics.IncRelayFrame("outbound", "error")
				logger.Debug().Err(err).Msg("failed to write outbound frame")
				return
			}
			metrics.IncRelayFrame("outbound", "ok")
		}
	}
}

// readInbound publishes every client frame as a oneway command. It returns a
// close code to send, or 0 when the client went away.
func (s *Server) readInbound(ctx context.Context, conn *websocket.Conn, t target, logger zerolog.Logger) int {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst)
	inbound := s.keys.WithTenant(t.tenant).Inbound(t.channel)

	for {
		var frame string
		if err := websocket.Message.Receive(conn, &frame); err != nil {
			switch {
			case errors.Is(err, websocket.ErrFrameTooLarge):
				metrics.IncRelayFrame("inbound", "too_large")
				return CloseFrameTooBig
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				return 0
			default:
				logger.Debug().Err(err).Msg("relay socket read failed")
				return 0
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return 0
		}

		env, err := durable.EncodeRequest(durable.Request{
			Kind:    durable.KindCommand,
			Payload: frame,
			Oneway:  true,
		})
		if err == nil {
			err = s.ps.Publish(ctx, inbound, env)
		}
		if err != nil {
			metrics.IncRelayFrame("inbound", "error")
			logger.Error().Err(err).Str(log.FieldEvent, "relay.publish_failed").Msg("failed to forward inbound frame")
			return CloseInternal
		}
		metrics.IncRelayFrame("inbound", "ok")
	}
}

// reject sends a close frame carrying code and reason.
func (s *Server) reject(conn *websocket.Conn, code int, reason string) {
	metrics.IncRelayReject(strconv.Itoa(code))
	if len(reason) > 123 {
		reason = reason[:123]
	}
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	payload = append(payload, reason...)

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	conn.PayloadType = websocket.CloseFrame
	_, _ = conn.Write(payload)
}
