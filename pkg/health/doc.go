/*
Package health probes the external dependencies of the relay and API
servers: Redis, Postgres and upstream HTTP services.

A Checker performs one probe. HTTPChecker expects a 2xx or 3xx answer,
TCPChecker opens a connection and PingChecker wraps a client's own ping.
A Monitor runs its checkers every Interval and reports each dependency to
a Reporter, normally the metrics.HealthChecker behind /health and /ready.

A dependency turns unhealthy only after Retries consecutive failures and
recovers on the first success, so a single slow probe does not flip
readiness.

	monitor := health.NewMonitor(checker, health.DefaultConfig())
	monitor.Add("redis", health.NewPingChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	monitor.Start(ctx)
	defer monitor.Stop()
*/
package health
