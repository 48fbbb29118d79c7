/*
Package api serves the HTTP endpoints peers use outside the broadcast
channel: durable room snapshots and the per-user run rate limit.

Routes:

	GET  /api/rooms/{roomId}/snapshot   {"snapshotB64": string|null, "updatedAt": time|null}
	POST /api/rooms/{roomId}/snapshot   {"snapshotB64": string} -> {"ok": true}
	POST /api/ratelimit/run             {"roomId": string} -> ratelimit.Response
	GET  /health, /ready, /metrics

Every /api route requires a bearer token when the server has an
identity.Resolver. The rate-limit endpoint answers 429 when the caller is
over the limit and fails open when the limiter itself errors, so a flaky
Redis never blocks runs.
*/
package api
