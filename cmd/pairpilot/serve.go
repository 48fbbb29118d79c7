package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/pairpilot/pkg/api"
	"github.com/cuemby/pairpilot/pkg/health"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/ratelimit"
	"github.com/cuemby/pairpilot/pkg/relay"
	"github.com/cuemby/pairpilot/pkg/snapshot"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay peers meet on",
	Long: `Run the stateless websocket relay. Peers connect to /rooms/{room} and
every frame is forwarded to the other peers of the room.

With --redis the relay fans out through Redis so several relay instances
can serve the same rooms.`,
	RunE: runRelay,
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the snapshot and rate-limit API",
	RunE:  runAPI,
}

func init() {
	relayCmd.Flags().String("addr", "", "Listen address (overrides relay.addr)")
	relayCmd.Flags().String("redis", "", "Redis address for cross-instance fan-out (overrides relay.redisAddr)")
	relayCmd.Flags().StringSlice("allowed-origin", nil, "Allowed browser origins (default all)")

	apiCmd.Flags().String("addr", "", "Listen address (overrides api.addr)")
	apiCmd.Flags().String("backend", "", "Snapshot backend: bolt, pebble or postgres (overrides snapshot.backend)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Relay.Addr = v
	}
	if v, _ := cmd.Flags().GetString("redis"); v != "" {
		cfg.Relay.RedisAddr = v
	}
	origins, _ := cmd.Flags().GetStringSlice("allowed-origin")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closer
	defer cl.run()

	var rdb redis.UniversalClient
	if cfg.Relay.RedisAddr != "" {
		client, err := newRedis(ctx, cfg.Relay.RedisAddr)
		if err != nil {
			return err
		}
		cl.add(func() { _ = client.Close() })
		rdb = client
	}

	checker := metrics.NewHealthChecker(Version, "fanout")
	srv := relay.NewServer(relay.Config{
		Auth:           newAuth(cfg.Identity),
		Redis:          rdb,
		Health:         checker,
		AllowedOrigins: origins,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	collector := metrics.NewCollector(srv, 0)
	collector.Start()
	defer collector.Stop()

	monitor := health.NewMonitor(checker, health.DefaultConfig())
	if rdb != nil {
		monitor.Add("redis", pingRedis(rdb))
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	return serveUntilDone(ctx, func() error { return srv.ListenAndServe(cfg.Relay.Addr) }, srv.Shutdown)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.API.Addr = v
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Snapshot.Backend = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closer
	defer cl.run()

	checker := metrics.NewHealthChecker(Version, "snapshots")
	snapshots, err := newSnapshotStore(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	if snapshots == nil {
		return errors.New("the api needs a snapshot backend (bolt, pebble or postgres)")
	}
	checker.Set("snapshots", true, cfg.Snapshot.Backend)

	var limiter ratelimit.Limiter
	var limiterClient redis.UniversalClient
	if cfg.RateLimit.RedisAddr != "" {
		client, err := newRedis(ctx, cfg.RateLimit.RedisAddr)
		if err != nil {
			return err
		}
		cl.add(func() { _ = client.Close() })
		limiterClient = client
		limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window)
		checker.Set("limiter", true, "redis")
	} else {
		checker.Set("limiter", true, "disabled")
	}

	monitor := health.NewMonitor(checker, health.DefaultConfig())
	if limiterClient != nil {
		monitor.Add("limiter", pingRedis(limiterClient))
	}
	if pg, ok := snapshots.(*snapshot.PostgresStore); ok {
		monitor.Add("snapshots", health.NewPingChecker("postgres", pg.Ping))
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	srv := api.NewServer(api.Config{
		Snapshots: snapshots,
		Limiter:   limiter,
		Auth:      newAuth(cfg.Identity),
		Health:    checker,
	})

	log.Logger.Info().
		Str("backend", cfg.Snapshot.Backend).
		Bool("rate_limit", limiter != nil).
		Msg("Starting API")
	return serveUntilDone(ctx, func() error { return srv.Start(cfg.API.Addr) }, srv.Shutdown)
}

func pingRedis(client redis.UniversalClient) health.Checker {
	return health.NewPingChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// serveUntilDone runs serve until it fails or ctx is canceled, then shuts
// the server down
func serveUntilDone(ctx context.Context, serve func() error, shutdown func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Logger.Info().Msg("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(sctx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	return nil
}
