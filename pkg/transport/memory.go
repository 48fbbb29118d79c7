package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/pairpilot/pkg/events"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/google/uuid"
)

// Memory is an in-process adapter on top of an events.Hub. Peers sharing a
// hub and room name see each other.
type Memory struct {
	router
	hub  *events.Hub
	room string

	mu   sync.Mutex
	sub  events.Subscriber
	done chan struct{}
}

// NewMemory creates an adapter for room on hub
func NewMemory(hub *events.Hub, room string) *Memory {
	connID := uuid.NewString()
	logger := log.WithComponent("transport").With().
		Str("transport", "memory").
		Str("room_id", room).
		Str("conn_id", connID).
		Logger()
	return &Memory{
		router: newRouter(connID, logger),
		hub:    hub,
		room:   room,
	}
}

// Connect joins the room
func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return nil
	}
	_, sub := m.hub.Join(m.room)
	m.sub = sub
	m.done = make(chan struct{})
	go m.readLoop(sub, m.done)
	return nil
}

func (m *Memory) readLoop(sub events.Subscriber, done chan struct{}) {
	defer close(done)
	for env := range sub {
		m.dispatch(env)
	}
}

// Send publishes payload to every other connection in the room
func (m *Memory) Send(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	connected := m.sub != nil
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	m.hub.Publish(m.room, &events.Envelope{Event: event, From: m.connID, Payload: p})
	return nil
}

// Close leaves the room. Envelopes already queued for this connection may
// still be dispatched while the read loop drains.
func (m *Memory) Close() error {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub == nil {
		return nil
	}
	m.hub.Leave(m.room, sub)
	return nil
}

// Done is closed once the read loop has exited
func (m *Memory) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}
