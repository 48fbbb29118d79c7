/*
Package metrics defines and registers PairPilot's Prometheus metrics and the
health endpoints shared by the relay and API processes.

Metrics are package-level collectors registered with the default registry in
init, so any package can record without plumbing a registry around:

	Sync:      pairpilot_handshakes_total{outcome}
	           pairpilot_updates_sent_total{event}
	           pairpilot_updates_applied_total{event}
	           pairpilot_updates_rejected_total
	           pairpilot_update_bytes{direction}
	Presence:  pairpilot_presence_peers
	Runs:      pairpilot_runs_total{state}
	           pairpilot_run_duration_seconds{language}
	           pairpilot_run_admission_denied_total{reason}
	           pairpilot_ratelimit_checks_total{result}
	Snapshots: pairpilot_snapshot_saves_total{result}
	           pairpilot_snapshot_loads_total{result}
	           pairpilot_snapshot_save_duration_seconds
	Relay:     pairpilot_relay_connections, pairpilot_relay_rooms
	           pairpilot_relay_messages_total{event}
	API:       pairpilot_api_requests_total{route,status}
	           pairpilot_api_request_duration_seconds{route}

Handler exposes them for scraping.

# Timer

	timer := metrics.NewTimer()
	err := store.Save(ctx, roomID, b64, userID)
	timer.ObserveDuration(metrics.SnapshotSaveDuration)

# Health

HealthChecker tracks named dependencies (redis, snapshot store, ...). /health
turns unhealthy when any component is unhealthy; /ready waits until every
critical component has been registered healthy.

	hc := metrics.NewHealthChecker(version, "snapshots")
	hc.Set("snapshots", true, "")
	router.Handle("/ready", hc.ReadyHandler())

Collector samples a StatsSource (the relay) into the relay gauges on an
interval.
*/
package metrics
