package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{name: "no components", components: nil, wantStatus: "healthy"},
		{name: "all healthy", components: map[string]bool{"redis": true, "snapshots": true}, wantStatus: "healthy"},
		{name: "one unhealthy", components: map[string]bool{"redis": false, "snapshots": true}, wantStatus: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("1.0.0")
			for name, healthy := range tt.components {
				h.Set(name, healthy, "connection refused")
			}

			health := h.Health()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestHealthComponentMessage(t *testing.T) {
	h := NewHealthChecker("")
	h.Set("redis", false, "not connected")
	assert.Equal(t, "unhealthy: not connected", h.Health().Components["redis"])

	h.Set("redis", true, "")
	assert.Equal(t, "healthy", h.Health().Components["redis"])
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name        string
		components  map[string]bool
		wantStatus  string
		wantMessage string
	}{
		{
			name:       "all critical ready",
			components: map[string]bool{"snapshots": true, "ratelimit": true},
			wantStatus: "ready",
		},
		{
			name:        "critical missing",
			components:  map[string]bool{"snapshots": true},
			wantStatus:  "not_ready",
			wantMessage: "waiting for ratelimit initialization",
		},
		{
			name:        "critical unhealthy",
			components:  map[string]bool{"snapshots": true, "ratelimit": false},
			wantStatus:  "not_ready",
			wantMessage: "waiting for ratelimit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("dev", "snapshots", "ratelimit")
			for name, healthy := range tt.components {
				h.Set(name, healthy, "down")
			}

			readiness := h.Readiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			assert.Equal(t, tt.wantMessage, readiness.Message)
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	h := NewHealthChecker("dev", "snapshots")

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		prepare  func()
		wantCode int
		wantBody string
	}{
		{name: "health ok", handler: h.HealthHandler(), wantCode: http.StatusOK, wantBody: "healthy"},
		{name: "ready before registration", handler: h.ReadyHandler(), wantCode: http.StatusServiceUnavailable, wantBody: "not_ready"},
		{
			name:     "ready after registration",
			handler:  h.ReadyHandler(),
			prepare:  func() { h.Set("snapshots", true, "") },
			wantCode: http.StatusOK,
			wantBody: "ready",
		},
		{
			name:     "health unhealthy",
			handler:  h.HealthHandler(),
			prepare:  func() { h.Set("snapshots", false, "disk full") },
			wantCode: http.StatusServiceUnavailable,
			wantBody: "unhealthy",
		},
		{name: "liveness", handler: h.LivenessHandler(), wantCode: http.StatusOK, wantBody: "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.prepare != nil {
				tt.prepare()
			}
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}
