/*
Package syncer implements the join handshake and steady-state replication of
a room store over a broadcast transport.

	disconnected ──Start──▶ connecting ──connected──▶ awaiting-peers
	                             │                         │
	                             ▼                         ▼ sync reply or grace timer
	                           error                     synced

On connect a peer broadcasts hello{from, nonce}. Every other peer answers with
sync{to, from, update} carrying its full state. The first sync addressed to
this peer (or untargeted) is merged and completes the handshake; if nobody
answers within the grace period (700ms by default) the peer assumes it is
alone and becomes synced anyway. Later syncs are still merged.

Afterwards every locally originated store update is broadcast as doc-update
and every received doc-update is merged. Merging is idempotent, so duplicate
or crossing replies are harmless.

OnSynced callbacks run exactly once, synchronously and in registration order,
at the synced transition. The session registers ownership establishment
first so the room has an owner before anything else reacts.
*/
package syncer
