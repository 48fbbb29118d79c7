package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/pairpilot/pkg/log"
	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportMemory    = "memory"
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
)

// Snapshot backends
const (
	SnapshotNone     = "none"
	SnapshotHTTP     = "http"
	SnapshotBolt     = "bolt"
	SnapshotPostgres = "postgres"
	SnapshotPebble   = "pebble"
)

// Sandbox kinds
const (
	SandboxProcess    = "process"
	SandboxContainerd = "containerd"
)

// Config is the file layout shared by every pairpilot command
type Config struct {
	Room      RoomConfig      `yaml:"room"`
	Identity  IdentityConfig  `yaml:"identity"`
	Transport TransportConfig `yaml:"transport"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Relay     RelayConfig     `yaml:"relay"`
	API       APIConfig       `yaml:"api"`
	Log       log.Config      `yaml:"log"`
}

type RoomConfig struct {
	ID string `yaml:"id"`
	// Seed is written to an empty document once the peer is synced
	Seed  string        `yaml:"seed"`
	Grace time.Duration `yaml:"grace"`
}

type IdentityConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
	// Token is presented to the relay, snapshot API and rate-limit gate
	Token string `yaml:"token"`
	// Secret and Issuer verify tokens on the relay and API side
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type TransportConfig struct {
	Kind      string `yaml:"kind"`
	URL       string `yaml:"url"`
	RedisAddr string `yaml:"redisAddr"`
}

type SnapshotConfig struct {
	Backend  string        `yaml:"backend"`
	URL      string        `yaml:"url"`
	DataDir  string        `yaml:"dataDir"`
	DSN      string        `yaml:"dsn"`
	Debounce time.Duration `yaml:"debounce"`
}

type RateLimitConfig struct {
	// URL of the run gate; empty disables the check on peers
	URL string `yaml:"url"`
	// Limit and Window bound runs per room and user on the API side
	Limit     int           `yaml:"limit"`
	Window    time.Duration `yaml:"window"`
	RedisAddr string        `yaml:"redisAddr"`
}

type SandboxConfig struct {
	Kind        string `yaml:"kind"`
	Python      string `yaml:"python"`
	Node        string `yaml:"node"`
	TempDir     string `yaml:"tempDir"`
	Socket      string `yaml:"socket"`
	Namespace   string `yaml:"namespace"`
	MemoryMiB   uint64 `yaml:"memoryMiB"`
	PythonImage string `yaml:"pythonImage"`
	NodeImage   string `yaml:"nodeImage"`
}

type RelayConfig struct {
	Addr      string `yaml:"addr"`
	RedisAddr string `yaml:"redisAddr"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns built-in defaults
func Default() Config {
	return Config{
		Room: RoomConfig{
			Grace: 700 * time.Millisecond,
		},
		Transport: TransportConfig{
			Kind: TransportWebSocket,
			URL:  "ws://127.0.0.1:1234",
		},
		Snapshot: SnapshotConfig{
			Backend:  SnapshotNone,
			DataDir:  "./data",
			Debounce: 1500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Limit:  3,
			Window: 60 * time.Second,
		},
		Sandbox: SandboxConfig{
			Kind:        SandboxProcess,
			Python:      "python3",
			Node:        "node",
			Socket:      "/run/containerd/containerd.sock",
			Namespace:   "pairpilot",
			MemoryMiB:   256,
			PythonImage: "docker.io/library/python:3.12-alpine",
			NodeImage:   "docker.io/library/node:20-alpine",
		},
		Relay: RelayConfig{Addr: ":1234"},
		API:   APIConfig{Addr: ":8080"},
		Log:   log.Config{Level: log.InfoLevel},
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	FromEnv(&cfg)
	return cfg, nil
}

// FromEnv overlays secrets from PAIRPILOT_* environment variables
func FromEnv(cfg *Config) {
	if v := os.Getenv("PAIRPILOT_TOKEN"); v != "" {
		cfg.Identity.Token = v
	}
	if v := os.Getenv("PAIRPILOT_JWT_SECRET"); v != "" {
		cfg.Identity.Secret = v
	}
	if v := os.Getenv("PAIRPILOT_POSTGRES_DSN"); v != "" {
		cfg.Snapshot.DSN = v
	}
}

// Validate checks the fields a peer needs to join a room
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Room.ID) == "" {
		errs = append(errs, errors.New("room.id is required"))
	}
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportWebSocket:
		if c.Transport.URL == "" {
			errs = append(errs, errors.New("transport.url is required for websocket"))
		}
	case TransportRedis:
		if c.Transport.RedisAddr == "" {
			errs = append(errs, errors.New("transport.redisAddr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}
	switch c.Snapshot.Backend {
	case "", SnapshotNone, SnapshotBolt, SnapshotPebble:
	case SnapshotHTTP:
		if c.Snapshot.URL == "" {
			errs = append(errs, errors.New("snapshot.url is required for http"))
		}
	case SnapshotPostgres:
		if c.Snapshot.DSN == "" {
			errs = append(errs, errors.New("snapshot.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot.backend %q", c.Snapshot.Backend))
	}
	switch c.Sandbox.Kind {
	case SandboxProcess, SandboxContainerd:
	default:
		errs = append(errs, fmt.Errorf("unknown sandbox.kind %q", c.Sandbox.Kind))
	}
	return errors.Join(errs...)
}
