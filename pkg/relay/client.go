package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/events"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// client is one websocket connection. The peer's own connection id is
// learned from the first envelope it sends and used to avoid echoing its
// messages back.
type client struct {
	server *Server
	conn   *websocket.Conn
	room   string
	logger zerolog.Logger

	mu     sync.Mutex
	peerID string
}

func (c *client) self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := decode(message)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping malformed envelope")
			continue
		}

		c.mu.Lock()
		if c.peerID == "" {
			c.peerID = env.From
		}
		c.mu.Unlock()

		c.server.publish(context.Background(), c.room, message, env)
	}
}

// writePump owns all writes to the connection. It exits when the hub closes
// the subscription or a write fails.
func (c *client) writePump(sub events.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-sub:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if self := c.self(); self != "" && env.From == self {
				continue
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
