// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureAttachesServiceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "relay", Version: "v1.2.3"})
	t.Cleanup(func() { Configure(Config{Level: "info"}) })

	logger := WithComponent("lease")
	logger.Debug().Str(FieldEvent, "test.configure").Msg("configured")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "relay" {
		t.Errorf("expected service relay, got %v", line["service"])
	}
	if line["version"] != "v1.2.3" {
		t.Errorf("expected version v1.2.3, got %v", line["version"])
	}
	if line[FieldComponent] != "lease" {
		t.Errorf("expected component lease, got %v", line[FieldComponent])
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel(warn): %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %v", zerolog.GlobalLevel())
	}
	if err := SetLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDerive(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	t.Cleanup(func() { Configure(Config{Level: "info"}) })

	l := Derive(func(c *zerolog.Context) {
		*c = c.Str(FieldTenant, "proj:dev")
	})
	l.Info().Msg("derived")
	if !strings.Contains(buf.String(), `"tenant":"proj:dev"`) {
		t.Errorf("expected tenant field in %q", buf.String())
	}
}

func TestMiddlewareLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	t.Cleanup(func() { Configure(Config{Level: "info"}) })

	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/channel/chat-abc", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := buf.String()
	for _, want := range []string{`"event":"request.handled"`, `"status":418`, `"request_id":"req-1"`, `"path":"/channel/chat-abc"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %q", want, out)
		}
	}
}
