// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/ManuGH/durachan/internal/api/problem"
)

// RateLimitConfig holds configuration for rate limiting middleware.
type RateLimitConfig struct {
	// RequestLimit is the maximum number of requests per client and channel in the window.
	RequestLimit int
	WindowSize   time.Duration
	// KeyFuncs override the default client address plus channel key.
	KeyFuncs []httprate.KeyFunc
}

// RateLimit limits requests with a sliding window counter. By default every
// client address gets a separate budget per channel, so a busy channel does
// not lock the same client out of the others.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keys := cfg.KeyFuncs
	if len(keys) == 0 {
		keys = []httprate.KeyFunc{httprate.KeyByIP, KeyByChannel}
	}

	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(keys...),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(cfg.WindowSize.Seconds()))))
			problem.Write(w, r, http.StatusTooManyRequests, "system/rate_limited", "Too Many Requests", "RATE_LIMITED", "Too many requests. Please try again later.")
		}),
	)
}

// KeyByChannel keys on the channel id of /channel/{id}/... paths. The limiter
// runs before routing, so the id is read from the path itself.
func KeyByChannel(r *http.Request) (string, error) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/channel/")
	if !ok {
		return "", nil
	}
	id, _, _ := strings.Cut(rest, "/")
	return id, nil
}
