package main

import (
	"context"
	"fmt"

	"github.com/cuemby/pairpilot/pkg/config"
	"github.com/cuemby/pairpilot/pkg/events"
	"github.com/cuemby/pairpilot/pkg/identity"
	"github.com/cuemby/pairpilot/pkg/ratelimit"
	"github.com/cuemby/pairpilot/pkg/sandbox"
	"github.com/cuemby/pairpilot/pkg/snapshot"
	"github.com/cuemby/pairpilot/pkg/transport"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/redis/go-redis/v9"
)

// closer collects cleanup funcs and runs them in reverse order
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func newRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// newAuth returns a JWT verifier, or nil when no secret is configured
func newAuth(cfg config.IdentityConfig) identity.Resolver {
	if cfg.Secret == "" {
		return nil
	}
	return identity.NewToken(cfg.Secret, cfg.Issuer)
}

func newTransport(ctx context.Context, cfg config.Config, cl *closer) (transport.Adapter, error) {
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		return transport.NewWebSocket(cfg.Transport.URL, cfg.Room.ID, cfg.Identity.Token), nil
	case config.TransportRedis:
		client, err := newRedis(ctx, cfg.Transport.RedisAddr)
		if err != nil {
			return nil, err
		}
		cl.add(func() { _ = client.Close() })
		return transport.NewRedis(client, cfg.Room.ID), nil
	case config.TransportMemory:
		return transport.NewMemory(events.NewHub(), cfg.Room.ID), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// newSnapshotStore opens the configured backend. It returns nil for "none".
func newSnapshotStore(ctx context.Context, cfg config.Config, cl *closer) (snapshot.Store, error) {
	sc := cfg.Snapshot
	switch sc.Backend {
	case config.SnapshotNone, "":
		return nil, nil
	case config.SnapshotHTTP:
		return snapshot.NewHTTPStore(sc.URL, cfg.Identity.Token), nil
	case config.SnapshotBolt:
		s, err := snapshot.NewBoltStore(sc.DataDir)
		if err != nil {
			return nil, err
		}
		cl.add(func() { _ = s.Close() })
		return s, nil
	case config.SnapshotPebble:
		s, err := snapshot.NewPebbleStore(sc.DataDir)
		if err != nil {
			return nil, err
		}
		cl.add(func() { _ = s.Close() })
		return s, nil
	case config.SnapshotPostgres:
		s, err := snapshot.NewPostgresStore(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		cl.add(s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", sc.Backend)
	}
}

func newSandbox(cfg config.SandboxConfig, cl *closer) (sandbox.Runner, error) {
	switch cfg.Kind {
	case config.SandboxContainerd:
		images := map[types.Language]string{}
		if cfg.PythonImage != "" {
			images[types.LanguagePython] = cfg.PythonImage
		}
		if cfg.NodeImage != "" {
			images[types.LanguageJavaScript] = cfg.NodeImage
		}
		r, err := sandbox.NewContainerdRunner(sandbox.ContainerdConfig{
			SocketPath:  cfg.Socket,
			Namespace:   cfg.Namespace,
			Images:      images,
			MemoryLimit: cfg.MemoryMiB << 20,
			TempDir:     cfg.TempDir,
		})
		if err != nil {
			return nil, err
		}
		cl.add(func() { _ = r.Close() })
		return r, nil
	default:
		cmds := sandbox.DefaultCommands()
		if cfg.Python != "" {
			c := cmds[types.LanguagePython]
			c.Path = cfg.Python
			cmds[types.LanguagePython] = c
		}
		if cfg.Node != "" {
			c := cmds[types.LanguageJavaScript]
			c.Path = cfg.Node
			cmds[types.LanguageJavaScript] = c
		}
		return sandbox.NewProcessRunner(sandbox.ProcessConfig{Commands: cmds, TempDir: cfg.TempDir}), nil
	}
}

// newGate returns the run gate, or nil when no URL is configured
func newGate(cfg config.Config) ratelimit.Gate {
	if cfg.RateLimit.URL == "" {
		return nil
	}
	return ratelimit.NewHTTPGate(cfg.RateLimit.URL, cfg.Identity.Token)
}
