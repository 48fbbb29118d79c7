package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/pairpilot/pkg/clock"
	"github.com/cuemby/pairpilot/pkg/events"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/cuemby/pairpilot/pkg/transport"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

type peer struct {
	store *store.Store
	tr    *transport.Memory
	coord *Coordinator
}

func newPeer(hub *events.Hub, clk clock.Clock, id string) *peer {
	st := store.New(id + "-client")
	tr := transport.NewMemory(hub, "room")
	return &peer{
		store: st,
		tr:    tr,
		coord: New(Config{Store: st, Transport: tr, Identity: types.Identity{ID: id}, Clock: clk}),
	}
}

type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, s)
}

func (l *statusLog) get() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seen...)
}

func TestLonePeerSyncsAfterGrace(t *testing.T) {
	fake := clock.NewFake(epoch)
	p := newPeer(events.NewHub(), fake, "alice")

	var statuses statusLog
	p.coord.OnStatus(statuses.record)
	var order []string
	p.coord.OnSynced(func() { order = append(order, "first") })
	p.coord.OnSynced(func() { order = append(order, "second") })

	require.NoError(t, p.coord.Start(context.Background()))
	defer p.coord.Stop()
	assert.Equal(t, StatusAwaitingPeers, p.coord.Status())
	assert.False(t, p.coord.IsSynced())

	fake.Advance(DefaultGrace - time.Millisecond)
	assert.False(t, p.coord.IsSynced())

	fake.Advance(time.Millisecond)
	assert.True(t, p.coord.IsSynced())
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []Status{StatusConnecting, StatusAwaitingPeers, StatusSynced}, statuses.get())

	late := false
	p.coord.OnSynced(func() { late = true })
	assert.True(t, late)
}

func TestJoinerReceivesExistingState(t *testing.T) {
	hub := events.NewHub()
	fake := clock.NewFake(epoch)

	a := newPeer(hub, fake, "alice")
	require.NoError(t, a.coord.Start(context.Background()))
	defer a.coord.Stop()
	fake.Advance(DefaultGrace)
	require.True(t, a.coord.IsSynced())

	require.NoError(t, a.store.Mutate(func(txn *store.Txn) error {
		txn.Insert(store.RegionDoc, 0, "print('hi')\n")
		txn.SetOwner("alice")
		return nil
	}))

	b := newPeer(hub, fake, "bob")
	synced := make(chan struct{})
	b.coord.OnSynced(func() { close(synced) })
	require.NoError(t, b.coord.Start(context.Background()))
	defer b.coord.Stop()

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("joiner never synced from peer")
	}
	assert.Equal(t, "print('hi')\n", b.store.Text(store.RegionDoc))
	assert.Equal(t, "alice", b.store.Owner())

	// steady state: local edits flow both ways
	require.NoError(t, b.store.Mutate(func(txn *store.Txn) error {
		txn.Append(store.RegionDoc, "x = 1\n")
		return nil
	}))
	assert.Eventually(t, func() bool {
		return a.store.Text(store.RegionDoc) == "print('hi')\nx = 1\n"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSyncAddressedElsewhereIsIgnored(t *testing.T) {
	hub := events.NewHub()
	fake := clock.NewFake(epoch)
	p := newPeer(hub, fake, "alice")
	require.NoError(t, p.coord.Start(context.Background()))
	defer p.coord.Stop()

	src := store.New("src")
	require.NoError(t, src.Mutate(func(txn *store.Txn) error {
		txn.Insert(store.RegionDoc, 0, "abc")
		return nil
	}))
	state, err := src.EncodeFullState()
	require.NoError(t, err)

	raw := transport.NewMemory(hub, "room")
	require.NoError(t, raw.Connect(context.Background()))
	defer raw.Close()

	require.NoError(t, raw.Send(context.Background(), transport.EventSync,
		transport.Sync{To: "carol", From: "bob", Update: transport.EncodeBytes(state)}))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.coord.IsSynced())
	assert.Equal(t, "", p.store.Text(store.RegionDoc))

	require.NoError(t, raw.Send(context.Background(), transport.EventSync,
		transport.Sync{From: "bob", Update: transport.EncodeBytes(state)}))
	assert.Eventually(t, p.coord.IsSynced, time.Second, 5*time.Millisecond)
	assert.Equal(t, "abc", p.store.Text(store.RegionDoc))
	assert.Equal(t, 0, fake.Pending(), "grace timer must be cancelled once synced")
}

func TestMalformedSyncDoesNotCompleteHandshake(t *testing.T) {
	hub := events.NewHub()
	p := newPeer(hub, clock.NewFake(epoch), "alice")
	require.NoError(t, p.coord.Start(context.Background()))
	defer p.coord.Stop()

	raw := transport.NewMemory(hub, "room")
	require.NoError(t, raw.Connect(context.Background()))
	defer raw.Close()

	require.NoError(t, raw.Send(context.Background(), transport.EventSync,
		transport.Sync{From: "bob", Update: transport.EncodeBytes([]byte("not an update"))}))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.coord.IsSynced())
}

func TestOwnHelloIsNotAnswered(t *testing.T) {
	hub := events.NewHub()
	p := newPeer(hub, clock.NewFake(epoch), "alice")

	listener := transport.NewMemory(hub, "room")
	var mu sync.Mutex
	var syncs int
	listener.On(transport.EventSync, func(transport.Message) {
		mu.Lock()
		syncs++
		mu.Unlock()
	})
	require.NoError(t, listener.Connect(context.Background()))
	defer listener.Close()
	require.NoError(t, p.coord.Start(context.Background()))
	defer p.coord.Stop()

	// a hello from the same identity (another tab) gets no reply
	require.NoError(t, listener.Send(context.Background(), transport.EventHello, transport.Hello{From: "alice", Nonce: "other"}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, syncs)
	mu.Unlock()

	require.NoError(t, listener.Send(context.Background(), transport.EventHello, transport.Hello{From: "bob", Nonce: "n"}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return syncs == 1
	}, time.Second, 5*time.Millisecond)
}

type failingTransport struct{ transport.Adapter }

func (failingTransport) ConnID() string                          { return "failing" }
func (failingTransport) On(string, transport.Handler)            {}
func (failingTransport) Connect(context.Context) error           { return errors.New("relay down") }
func (failingTransport) Send(context.Context, string, any) error { return transport.ErrNotConnected }
func (failingTransport) Close() error                            { return nil }

func TestConnectFailureIsTerminal(t *testing.T) {
	fake := clock.NewFake(epoch)
	c := New(Config{Store: store.New("a"), Transport: failingTransport{}, Identity: types.Identity{ID: "alice"}, Clock: fake})

	err := c.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusError, c.Status())

	fake.Advance(time.Minute)
	assert.False(t, c.IsSynced())
}

func TestHydratedJoinerAnnouncesState(t *testing.T) {
	hub := events.NewHub()
	fake := clock.NewFake(epoch)

	a := newPeer(hub, fake, "alice")
	require.NoError(t, a.coord.Start(context.Background()))
	defer a.coord.Stop()
	fake.Advance(DefaultGrace)

	b := newPeer(hub, fake, "bob")
	require.NoError(t, b.store.Mutate(func(txn *store.Txn) error {
		txn.Insert(store.RegionDoc, 0, "restored")
		return nil
	}))
	require.NoError(t, b.coord.Start(context.Background()))
	defer b.coord.Stop()

	assert.Eventually(t, func() bool {
		return a.store.Text(store.RegionDoc) == "restored"
	}, 2*time.Second, 5*time.Millisecond)
}
