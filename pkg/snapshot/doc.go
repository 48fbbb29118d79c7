// Package snapshot persists room documents between sessions.
//
// The live session never depends on it: a Bridge loads the latest snapshot
// once before joining (hydration) and, once the peer is synced, saves the
// full store state a short while after edits settle. Hydrated state is
// merged with its own origin so loading never triggers a save.
//
// Backends implement Store: HTTPStore talks to the snapshot API, while
// BoltStore, PebbleStore and PostgresStore back that API or a headless peer
// directly.
package snapshot
