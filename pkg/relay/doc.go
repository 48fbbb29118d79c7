/*
Package relay implements the broadcast relay peers connect to with
transport.WebSocket.

A connection to /rooms/{room} joins that room's events.Broker. Every text
frame the relay reads is decoded only far enough to check it is an
envelope, then fanned out to the room's other connections. The relay keeps
no document state; convergence is the peers' business.

With a Redis client configured, envelopes are published on the room's
pub/sub channel instead and delivered back to local connections through a
pattern subscription, so several relay instances behind a load balancer
serve the same rooms. The channels are the ones transport.Redis uses, which
lets Redis-connected peers share a room with websocket peers.

Slow connections lose messages when their broker queue fills; the sync
protocol tolerates loss.
*/
package relay
