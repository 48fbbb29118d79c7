package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Envelope is one message broadcast on a room channel
type Envelope struct {
	Event     string          `json:"event"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"-"`
}

// Subscriber is a channel that receives envelopes
type Subscriber chan *Envelope

// SubscriberBuffer is the per-subscriber queue length. A subscriber that falls
// further behind misses messages.
const SubscriberBuffer = 256

// Broker fans envelopes out to every subscriber of one room
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Envelope
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Envelope, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, SubscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an envelope for every subscriber
func (b *Broker) Publish(env *Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- env:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case env := <-b.eventCh:
			b.broadcast(env)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(env *Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- env:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Hub owns one broker per room and tears it down when the last subscriber
// leaves.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Broker
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Broker)}
}

// Join subscribes to a room, starting its broker on first use
func (h *Hub) Join(room string) (*Broker, Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.rooms[room]
	if !ok {
		b = NewBroker()
		b.Start()
		h.rooms[room] = b
	}
	return b, b.Subscribe()
}

// Leave drops a subscription and stops the room broker once it is empty
func (h *Hub) Leave(room string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.rooms[room]
	if !ok {
		return
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() == 0 {
		b.Stop()
		delete(h.rooms, room)
	}
}

// Publish sends env to every subscriber of room. Rooms nobody joined drop it.
func (h *Hub) Publish(room string, env *Envelope) {
	h.mu.Lock()
	b, ok := h.rooms[room]
	h.mu.Unlock()
	if ok {
		b.Publish(env)
	}
}

// Rooms returns the number of rooms with at least one subscriber
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
