package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// WebSocket is an adapter connected to a pairpilot relay
type WebSocket struct {
	router
	endpoint string
	dialer   *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	stopCh  chan struct{}
}

// NewWebSocket creates an adapter for room on the relay at baseURL
// (ws:// or wss://). token is sent as the token query parameter.
func NewWebSocket(baseURL, room, token string) *WebSocket {
	connID := uuid.NewString()
	u := strings.TrimRight(baseURL, "/") + "/rooms/" + url.PathEscape(room)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	logger := log.WithComponent("transport").With().
		Str("transport", "websocket").
		Str("room_id", room).
		Str("conn_id", connID).
		Logger()
	return &WebSocket{
		router:   newRouter(connID, logger),
		endpoint: u,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect dials the relay. A 401 or 403 handshake response is reported as
// ErrUnauthorized.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: relay answered %d", ErrUnauthorized, resp.StatusCode)
		}
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	w.conn = conn
	w.stopCh = make(chan struct{})

	go w.readLoop(conn)
	go w.pingLoop(conn, w.stopCh)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Debug().Err(err).Msg("Relay read ended")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := decodeEnvelope(message)
		if err != nil {
			w.logger.Debug().Err(err).Msg("Dropping malformed envelope")
			continue
		}
		w.dispatch(env)
	}
}

func (w *WebSocket) pingLoop(conn *websocket.Conn, stopCh chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stopCh:
			return
		}
	}
}

// Send writes an envelope to the relay
func (w *WebSocket) Send(ctx context.Context, event string, payload any) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	b, err := w.envelope(event, payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Close sends a close frame and drops the connection
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	if w.stopCh != nil {
		close(w.stopCh)
		w.stopCh = nil
	}
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return conn.Close()
}
