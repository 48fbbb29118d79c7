package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/pairpilot/pkg/events"
	"github.com/rs/zerolog"
)

// Event names exchanged on a room channel
const (
	EventHello          = "hello"
	EventSync           = "sync"
	EventDocUpdate      = "doc-update"
	EventPresenceUpdate = "presence-update"
)

var (
	// ErrUnauthorized means the relay rejected the peer's credentials
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrNotConnected is returned by Send before Connect or after Close
	ErrNotConnected = errors.New("transport: not connected")
)

// Hello announces a joining peer
type Hello struct {
	From  string `json:"from"`
	Nonce string `json:"nonce"`
}

// Sync carries a full state. To is empty for untargeted replies.
type Sync struct {
	To     string `json:"to,omitempty"`
	From   string `json:"from"`
	Update string `json:"update"`
}

// UpdatePayload carries an incremental update for doc-update and
// presence-update.
type UpdatePayload struct {
	Update string `json:"update"`
}

// EncodeBytes encodes update bytes for a payload field
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBytes decodes a payload update field
func DecodeBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 update: %w", err)
	}
	return b, nil
}

// Message is an inbound envelope handed to handlers
type Message struct {
	Event   string
	From    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Event, err)
	}
	return nil
}

// Handler processes one inbound message
type Handler func(Message)

// Adapter is a best-effort broadcast channel scoped to one room. Messages may
// be lost, duplicated or reordered, and a peer never receives its own.
type Adapter interface {
	// ConnID identifies this connection on the channel
	ConnID() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, event string, payload any) error
	// On registers a handler; several handlers may share an event
	On(event string, h Handler)
	Close() error
}

// router keeps handler registrations and dispatches inbound envelopes
type router struct {
	connID   string
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

func newRouter(connID string, logger zerolog.Logger) router {
	return router{
		connID:   connID,
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

func (r *router) ConnID() string { return r.connID }

func (r *router) On(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], h)
}

func (r *router) dispatch(env *events.Envelope) {
	if env.From == r.connID {
		return
	}
	r.mu.RLock()
	hs := append([]Handler(nil), r.handlers[env.Event]...)
	r.mu.RUnlock()

	if len(hs) == 0 {
		r.logger.Debug().Str("event", env.Event).Msg("No handler for event")
		return
	}
	msg := Message{Event: env.Event, From: env.From, Payload: env.Payload}
	for _, h := range hs {
		h(msg)
	}
}

func (r *router) envelope(event string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return json.Marshal(&events.Envelope{Event: event, From: r.connID, Payload: p})
}

func decodeEnvelope(b []byte) (*events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("envelope without event")
	}
	return &env, nil
}

// Serialize wraps a so that every handler runs through dispatch, typically a
// session's event loop.
func Serialize(a Adapter, dispatch func(func())) Adapter {
	return &serialized{Adapter: a, dispatch: dispatch}
}

type serialized struct {
	Adapter
	dispatch func(func())
}

func (s *serialized) On(event string, h Handler) {
	s.Adapter.On(event, func(m Message) {
		s.dispatch(func() { h(m) })
	})
}
