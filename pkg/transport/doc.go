/*
Package transport connects a peer to the broadcast channel of a room.

An Adapter is deliberately weak: no history, no ordering, no delivery
guarantee and no self-delivery. Everything above it (the sync handshake,
CRDT merging, presence) is written to tolerate loss, duplication and
reordering.

Four events travel on the channel, each wrapped in an envelope
{event, from, payload} where from is the sender's connection id:

	hello            {from, nonce}          a peer joined
	sync             {to?, from, update}    full state reply to a hello
	doc-update       {update}               incremental store update
	presence-update  {update}               presence diff

Update fields are base64 encoded.

Implementations:

  - Memory: in-process, over an events.Hub; used by tests and single-binary
    demos.
  - Redis: one pub/sub channel per room, "pairpilot:<room>".
  - WebSocket: client of the pairpilot relay, authenticated with a bearer
    token passed as the token query parameter.

Serialize wraps any adapter so handlers run on a caller-provided dispatcher,
which is how a session funnels inbound traffic into its event loop.
*/
package transport
