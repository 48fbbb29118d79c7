package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/pairpilot/pkg/events"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (i *inbox) handle(m Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) snapshot() []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Message(nil), i.msgs...)
}

func TestMemoryBroadcastWithoutSelfDelivery(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub()
	a := NewMemory(hub, "room")
	b := NewMemory(hub, "room")
	other := NewMemory(hub, "elsewhere")

	var aIn, bIn, otherIn inbox
	a.On(EventHello, aIn.handle)
	b.On(EventHello, bIn.handle)
	other.On(EventHello, otherIn.handle)

	for _, adapter := range []*Memory{a, b, other} {
		require.NoError(t, adapter.Connect(ctx))
		defer adapter.Close()
	}

	require.NoError(t, a.Send(ctx, EventHello, Hello{From: "alice", Nonce: "n1"}))

	assert.Eventually(t, func() bool { return len(bIn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, aIn.snapshot())
	assert.Empty(t, otherIn.snapshot())

	msg := bIn.snapshot()[0]
	assert.Equal(t, a.ConnID(), msg.From)
	var hello Hello
	require.NoError(t, msg.Decode(&hello))
	assert.Equal(t, Hello{From: "alice", Nonce: "n1"}, hello)
}

func TestMemoryMultipleHandlers(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub()
	a := NewMemory(hub, "room")
	b := NewMemory(hub, "room")

	var first, second inbox
	b.On(EventDocUpdate, first.handle)
	b.On(EventDocUpdate, second.handle)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(ctx, EventDocUpdate, UpdatePayload{Update: EncodeBytes([]byte("x"))}))
	assert.Eventually(t, func() bool {
		return len(first.snapshot()) == 1 && len(second.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSendBeforeConnect(t *testing.T) {
	m := NewMemory(events.NewHub(), "room")
	err := m.Send(context.Background(), EventHello, Hello{})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Send(context.Background(), EventHello, Hello{}), ErrNotConnected)
}

func TestSerializeRoutesThroughDispatcher(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub()
	a := NewMemory(hub, "room")

	queued := make(chan func(), 4)
	b := Serialize(NewMemory(hub, "room"), func(f func()) { queued <- f })

	var in inbox
	b.On(EventHello, in.handle)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(ctx, EventHello, Hello{From: "alice"}))

	var f func()
	select {
	case f = <-queued:
	case <-time.After(time.Second):
		t.Fatal("handler was not dispatched")
	}
	assert.Empty(t, in.snapshot())
	f()
	assert.Len(t, in.snapshot(), 1)
}

func TestBytesRoundTrip(t *testing.T) {
	b, err := DecodeBytes(EncodeBytes([]byte{0, 1, 2, 255}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 255}, b)

	_, err = DecodeBytes("%%%")
	assert.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"event":"hello","from":"c1","payload":{"from":"alice","nonce":"n"}}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", env.Event)
	assert.Equal(t, "c1", env.From)

	_, err = decodeEnvelope([]byte(`{"from":"c1"}`))
	assert.Error(t, err)
	_, err = decodeEnvelope([]byte(`nope`))
	assert.Error(t, err)
}

func TestWebSocketUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ws := NewWebSocket("ws"+strings.TrimPrefix(srv.URL, "http"), "room", "bad-token")
	err := ws.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWebSocketEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// answer as a different connection
		reply := strings.Replace(string(msg), `"from":"`, `"from":"other-`, 1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ws := NewWebSocket("ws"+strings.TrimPrefix(srv.URL, "http"), "room 1", "tok")
	var in inbox
	ws.On(EventPresenceUpdate, in.handle)
	require.NoError(t, ws.Connect(context.Background()))
	defer ws.Close()

	require.NoError(t, ws.Send(context.Background(), EventPresenceUpdate, UpdatePayload{Update: "AA=="}))
	assert.Eventually(t, func() bool { return len(in.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tok", <-tokens)
	assert.Equal(t, "other-"+ws.ConnID(), in.snapshot()[0].From)
}
