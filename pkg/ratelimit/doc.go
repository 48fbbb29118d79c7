// Package ratelimit throttles how often a room may start runs.
//
// Peers consult a Gate before admitting a run; HTTPGate calls the API's
// rate-limit endpoint. Server side, a Limiter keeps a Redis sliding window
// of recent runs per room and user. Both sides fail open: a broken limiter
// never blocks a run.
package ratelimit
