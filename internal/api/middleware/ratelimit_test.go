// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/httprate"
	"github.com/stretchr/testify/assert"

	"github.com/ManuGH/durachan/internal/api/problem"
)

func limited(cfg RateLimitConfig) func(method, path, addr string) *httptest.ResponseRecorder {
	h := RateLimit(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return func(method, path, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}
}

func TestRateLimit_EnforcesLimit(t *testing.T) {
	do := limited(RateLimitConfig{RequestLimit: 3, WindowSize: time.Second})

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(http.MethodPost, "/channel/chat-a", "192.168.1.1:12345").Code, "request %d", i+1)
	}

	w := do(http.MethodPost, "/channel/chat-a", "192.168.1.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, problem.ContentType, w.Header().Get("Content-Type"))
}

func TestRateLimit_BudgetPerClientAndChannel(t *testing.T) {
	do := limited(RateLimitConfig{RequestLimit: 2, WindowSize: time.Minute})

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/channel/chat-a", "192.168.1.1:1").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/channel/chat-a/state", "192.168.1.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodGet, "/channel/chat-a/events", "192.168.1.1:1").Code)

	// another channel and another client keep their own budgets
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/channel/chat-b", "192.168.1.1:1").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/channel/chat-a", "192.168.1.2:1").Code)
}

func TestRateLimit_CustomKeys(t *testing.T) {
	do := limited(RateLimitConfig{RequestLimit: 1, WindowSize: time.Minute, KeyFuncs: []httprate.KeyFunc{httprate.KeyByIP}})

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/channel/chat-a", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost, "/channel/chat-b", "10.0.0.1:1").Code)
}

func TestKeyByChannel(t *testing.T) {
	tests := map[string]string{
		"/channel/chat-a":        "chat-a",
		"/channel/chat-a/":       "chat-a",
		"/channel/chat-a/events": "chat-a",
		"/healthz":               "",
	}
	for path, want := range tests {
		got, err := KeyByChannel(httptest.NewRequest(http.MethodGet, path, nil))
		assert.NoError(t, err)
		assert.Equal(t, want, got, path)
	}
}
