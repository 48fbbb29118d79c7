package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportWebSocket, cfg.Transport.Kind)
	assert.Equal(t, 1500*time.Millisecond, cfg.Snapshot.Debounce)
	assert.Equal(t, 3, cfg.RateLimit.Limit)
	assert.Equal(t, log.InfoLevel, cfg.Log.Level)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeFile(t, `
room:
  id: demo
  seed: "print('hi')\n"
transport:
  kind: redis
  redisAddr: localhost:6379
snapshot:
  backend: bolt
  debounce: 250ms
rateLimit:
  window: 2m
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Room.ID)
	assert.Equal(t, "print('hi')\n", cfg.Room.Seed)
	assert.Equal(t, 700*time.Millisecond, cfg.Room.Grace, "untouched defaults survive")
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, SnapshotBolt, cfg.Snapshot.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Snapshot.Debounce)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, log.DebugLevel, cfg.Log.Level)
	assert.True(t, cfg.Log.JSONOutput)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "room: [unclosed"))
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PAIRPILOT_TOKEN", "tok")
	t.Setenv("PAIRPILOT_JWT_SECRET", "s3cret")
	t.Setenv("PAIRPILOT_POSTGRES_DSN", "postgres://x")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Identity.Token)
	assert.Equal(t, "s3cret", cfg.Identity.Secret)
	assert.Equal(t, "postgres://x", cfg.Snapshot.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing room", mutate: func(c *Config) { c.Room.ID = " " }, wantErr: "room.id"},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, wantErr: "transport.kind"},
		{name: "redis without addr", mutate: func(c *Config) { c.Transport.Kind = TransportRedis }, wantErr: "redisAddr"},
		{name: "http snapshot without url", mutate: func(c *Config) { c.Snapshot.Backend = SnapshotHTTP }, wantErr: "snapshot.url"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Snapshot.Backend = SnapshotPostgres }, wantErr: "snapshot.dsn"},
		{name: "unknown sandbox", mutate: func(c *Config) { c.Sandbox.Kind = "vm" }, wantErr: "sandbox.kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Room.ID = "demo"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
