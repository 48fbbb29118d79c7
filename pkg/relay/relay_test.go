package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/pairpilot/pkg/identity"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/transport"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (i *inbox) handle(m transport.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func startRelay(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s := NewServer(cfg)
	require.NoError(t, s.Start(context.Background()))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Shutdown(context.Background())
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, room, token string) (*transport.WebSocket, *inbox) {
	t.Helper()
	ws := transport.NewWebSocket(url, room, token)
	in := &inbox{}
	ws.On(transport.EventDocUpdate, in.handle)
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() { _ = ws.Close() })
	return ws, in
}

func send(t *testing.T, ws *transport.WebSocket, update string) {
	t.Helper()
	require.NoError(t, ws.Send(context.Background(), transport.EventDocUpdate, transport.UpdatePayload{Update: update}))
}

func TestRelayFansOutWithinRoom(t *testing.T) {
	s, url := startRelay(t, Config{})

	a, inA := dial(t, url, "room-1", "")
	_, inB := dial(t, url, "room-1", "")
	_, inOther := dial(t, url, "room-2", "")

	require.Eventually(t, func() bool { return s.Stats().Connections == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.Stats().Rooms)

	send(t, a, "AA==")
	require.Eventually(t, func() bool { return inB.len() == 1 }, time.Second, 5*time.Millisecond)

	inB.mu.Lock()
	got := inB.msgs[0]
	inB.mu.Unlock()
	assert.Equal(t, a.ConnID(), got.From)
	var p transport.UpdatePayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "AA==", p.Update)

	// give stray deliveries a chance to show up
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, inA.len(), "sender does not receive its own message")
	assert.Zero(t, inOther.len(), "rooms are isolated")
}

func TestRelayTracksConnections(t *testing.T) {
	s, url := startRelay(t, Config{})

	ws, _ := dial(t, url, "room-1", "")
	require.Eventually(t, func() bool { return s.Stats().Connections == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Connections == 0 && st.Rooms == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRelayAuthentication(t *testing.T) {
	verifier := identity.NewToken("secret", "pairpilot")
	_, url := startRelay(t, Config{Auth: verifier})

	token, err := verifier.Issue(types.Identity{ID: "u-1", DisplayName: "alice"}, "", time.Minute)
	require.NoError(t, err)
	expired, err := verifier.Issue(types.Identity{ID: "u-1"}, "", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "missing token", wantErr: true},
		{name: "garbage token", token: "nope", wantErr: true},
		{name: "expired token", token: expired, wantErr: true},
		{name: "valid token", token: token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := transport.NewWebSocket(url, "room-1", tt.token)
			err := ws.Connect(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, transport.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			_ = ws.Close()
		})
	}
}

func TestRelayDropsMalformedFrames(t *testing.T) {
	s, url := startRelay(t, Config{})

	raw, _, err := websocket.DefaultDialer.Dial(url+"/rooms/room-1", nil)
	require.NoError(t, err)
	defer raw.Close()
	_, inB := dial(t, url, "room-1", "")
	require.Eventually(t, func() bool { return s.Stats().Connections == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"from":"x"}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"doc-update","from":"raw","payload":{"update":"AQ=="}}`)))

	require.Eventually(t, func() bool { return inB.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelayHealth(t *testing.T) {
	health := metrics.NewHealthChecker("test", "fanout")
	s := NewServer(Config{Health: health})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, s.Start(context.Background()))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no restriction", origin: "https://evil.example", want: true},
		{name: "allowed", allowed: []string{"https://app.example"}, origin: "https://APP.example", want: true},
		{name: "rejected", allowed: []string{"https://app.example"}, origin: "https://evil.example", want: false},
		{name: "non-browser client", allowed: []string{"https://app.example"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/rooms/r", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(req))
		})
	}
}

func TestRelayRedisFanout(t *testing.T) {
	addr := os.Getenv("PAIRPILOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PAIRPILOT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	_, url1 := startRelay(t, Config{Redis: client})
	s2, url2 := startRelay(t, Config{Redis: client})
	room := "fanout-" + t.Name()

	a, _ := dial(t, url1, room, "")
	_, inB := dial(t, url2, room, "")
	require.Eventually(t, func() bool { return s2.Stats().Connections == 1 }, time.Second, 5*time.Millisecond)

	send(t, a, "AA==")
	require.Eventually(t, func() bool { return inB.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// a Redis-connected peer shares the room with websocket peers
	rp := transport.NewRedis(client, room)
	inR := &inbox{}
	rp.On(transport.EventDocUpdate, inR.handle)
	require.NoError(t, rp.Connect(context.Background()))
	defer rp.Close()

	send(t, a, "AQ==")
	require.Eventually(t, func() bool { return inR.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}
