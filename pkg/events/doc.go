/*
Package events provides the in-memory broadcast relay used between peers of a
room.

A Broker fans every published Envelope out to all of its subscribers. A Hub
keeps one Broker per room, starting it on the first Join and stopping it when
the last subscriber leaves.

	┌─────────── HUB ───────────┐
	│  room "abc" → Broker      │
	│     Publish → eventCh(100)│
	│     run loop → broadcast  │
	│       ├─ sub (256)        │
	│       └─ sub (256)        │
	└───────────────────────────┘

Delivery is best effort, matching the relay contract peers are written
against: there is no history, no ordering across publishers, and a subscriber
whose buffer is full simply misses the message. Publishers receive their own
envelopes back; filtering self-originated traffic is the subscriber's job.

	hub := events.NewHub()
	_, sub := hub.Join("room-1")
	defer hub.Leave("room-1", sub)

	hub.Publish("room-1", &events.Envelope{Event: "hello", From: "conn-1"})
	env := <-sub
*/
package events
