package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		token   string
		healthy bool
	}{
		{name: "ok", status: http.StatusOK, healthy: true},
		{name: "redirect", status: http.StatusFound, healthy: true},
		{name: "server error", status: http.StatusServiceUnavailable},
		{name: "authorized", status: http.StatusOK, token: "tok", healthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.token != "" && r.Header.Get("Authorization") != "Bearer "+tt.token {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			res := NewHTTPChecker(srv.URL).WithBearer(tt.token).Check(context.Background())
			assert.Equal(t, tt.healthy, res.Healthy, res.Message)
			assert.False(t, res.CheckedAt.IsZero())
		})
	}
}

func TestHTTPCheckerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).WithTimeout(20 * time.Millisecond).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker(srv.URL).Type())
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	assert.True(t, NewTCPChecker(addr).Check(context.Background()).Healthy)

	require.NoError(t, ln.Close())
	assert.False(t, NewTCPChecker(addr).Check(context.Background()).Healthy)
}

func TestStatusUpdate(t *testing.T) {
	cfg := Config{Retries: 2}
	s := NewStatus()

	s.Update(Result{Healthy: false}, cfg)
	assert.True(t, s.Healthy, "one failure is tolerated")
	s.Update(Result{Healthy: false}, cfg)
	assert.False(t, s.Healthy)
	assert.Equal(t, 2, s.ConsecutiveFailures)

	s.Update(Result{Healthy: true}, cfg)
	assert.True(t, s.Healthy)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Equal(t, 1, s.ConsecutiveSuccesses)
}

type recorder struct {
	mu  sync.Mutex
	got map[string]bool
}

func (r *recorder) Set(name string, healthy bool, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = map[string]bool{}
	}
	r.got[name] = healthy
}

func (r *recorder) healthy(name string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.got[name]
	return v, ok
}

func TestMonitor(t *testing.T) {
	var mu sync.Mutex
	var pingErr error
	rec := &recorder{}

	m := NewMonitor(rec, Config{Retries: 1})
	m.Add("redis", NewPingChecker("redis", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return pingErr
	}))
	m.Add("api", NewPingChecker("api", func(context.Context) error { return nil }))

	m.RunOnce(context.Background())
	healthy, ok := rec.healthy("redis")
	require.True(t, ok)
	assert.True(t, healthy)

	mu.Lock()
	pingErr = errors.New("connection refused")
	mu.Unlock()
	m.RunOnce(context.Background())
	healthy, _ = rec.healthy("redis")
	assert.False(t, healthy)
	assert.Contains(t, m.Statuses()["redis"].LastResult.Message, "connection refused")

	healthy, _ = rec.healthy("api")
	assert.True(t, healthy)
	assert.Equal(t, []string{"api", "redis"}, m.Names())
}

func TestMonitorStartStop(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(rec, Config{Interval: time.Hour})
	m.Add("redis", NewPingChecker("redis", func(context.Context) error { return nil }))

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := rec.healthy("redis")
		return ok
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}
