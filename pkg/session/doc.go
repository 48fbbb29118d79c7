/*
Package session runs one peer in one room.

A Session owns the replicated room store and wires the components that
operate on it: the join handshake (syncer), awareness (presence), ownership
and roles (roles), shared execution (runner) and snapshot persistence
(snapshot). Inbound transport messages, timer callbacks and sandbox events
are all funneled through a single mailbox goroutine, so component state is
only ever touched from one goroutine at a time.

Typical use:

	s, err := session.New(session.Config{
		RoomID:    "room-1",
		Identity:  types.Identity{ID: "alice", DisplayName: "Alice"},
		Transport: transport.NewWebSocket("ws://127.0.0.1:1234", "room-1", token),
	})
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-s.Synced()
	defer s.Close(ctx)

Edits are refused until the session is synced, while the local peer is a
viewer, and while a run is in progress.
*/
package session
