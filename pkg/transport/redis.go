package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChannelName is the Redis pub/sub channel of a room
func ChannelName(room string) string {
	return "pairpilot:" + room
}

// Redis is an adapter over a Redis pub/sub channel per room
type Redis struct {
	router
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedis creates an adapter for room using client
func NewRedis(client redis.UniversalClient, room string) *Redis {
	connID := uuid.NewString()
	logger := log.WithComponent("transport").With().
		Str("transport", "redis").
		Str("room_id", room).
		Str("conn_id", connID).
		Logger()
	return &Redis{
		router:  newRouter(connID, logger),
		client:  client,
		channel: ChannelName(room),
	}
}

// Connect subscribes to the room channel and waits for Redis to confirm
func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return nil
	}

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.pubsub = ps

	go func(ch <-chan *redis.Message) {
		for msg := range ch {
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.logger.Debug().Err(err).Msg("Dropping malformed envelope")
				continue
			}
			r.dispatch(env)
		}
	}(ps.Channel())

	r.logger.Debug().Str("channel", r.channel).Msg("Subscribed")
	return nil
}

// Send publishes payload on the room channel
func (r *Redis) Send(ctx context.Context, event string, payload any) error {
	r.mu.Lock()
	connected := r.pubsub != nil
	r.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	b, err := r.envelope(event, payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}

// Close unsubscribes. The shared client stays open.
func (r *Redis) Close() error {
	r.mu.Lock()
	ps := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}
