package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/clock"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/cuemby/pairpilot/pkg/transport"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the connection state of a coordinator
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusAwaitingPeers Status = "awaiting-peers"
	StatusSynced        Status = "synced"
	StatusError         Status = "error"
)

// DefaultGrace is how long a joiner waits for a sync reply before assuming
// it is alone in the room.
const DefaultGrace = 700 * time.Millisecond

// Config configures a Coordinator
type Config struct {
	Store     *store.Store
	Transport transport.Adapter
	Identity  types.Identity
	// Clock drives the grace timer; defaults to the real clock
	Clock clock.Clock
	Grace time.Duration
}

// Coordinator runs the join handshake and keeps the store replicated over
// the transport.
type Coordinator struct {
	store     *store.Store
	transport transport.Adapter
	identity  types.Identity
	clock     clock.Clock
	grace     time.Duration
	logger    zerolog.Logger

	mu         sync.Mutex
	status     Status
	nonce      string
	synced     bool
	announce   bool
	graceTimer clock.Timer
	ctx        context.Context
	cancel     context.CancelFunc
	onSynced   []func()
	onStatus   []func(Status)
	unsubStore func()
}

// New creates a coordinator and registers its transport handlers
func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	c := &Coordinator{
		store:     cfg.Store,
		transport: cfg.Transport,
		identity:  cfg.Identity,
		clock:     cfg.Clock,
		grace:     cfg.Grace,
		status:    StatusDisconnected,
		logger: log.WithComponent("sync").With().
			Str("user_id", cfg.Identity.ID).
			Str("conn_id", cfg.Transport.ConnID()).
			Logger(),
	}
	c.transport.On(transport.EventHello, c.handleHello)
	c.transport.On(transport.EventSync, c.handleSync)
	c.transport.On(transport.EventDocUpdate, c.handleDocUpdate)
	return c
}

// OnSynced registers fn to run once, in registration order, when the
// coordinator first becomes synced. Registered after that point, fn runs
// immediately.
func (c *Coordinator) OnSynced(fn func()) {
	c.mu.Lock()
	if c.synced {
		c.mu.Unlock()
		fn()
		return
	}
	c.onSynced = append(c.onSynced, fn)
	c.mu.Unlock()
}

// OnStatus registers fn for every status transition
func (c *Coordinator) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// Status returns the current status
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsSynced reports whether the initial handshake completed
func (c *Coordinator) IsSynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Start connects the transport, announces the peer and arms the grace timer.
// A connection failure leaves the coordinator in StatusError; there is no
// retry.
func (c *Coordinator) Start(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	if err := c.transport.Connect(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to connect transport")
		metrics.HandshakesTotal.WithLabelValues("error").Inc()
		c.setStatus(StatusError)
		return fmt.Errorf("failed to connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ctx = runCtx
	c.cancel = cancel
	c.nonce = uuid.NewString()
	c.announce = !c.store.Empty()
	nonce := c.nonce
	c.mu.Unlock()

	c.unsubStore = c.store.OnUpdate(c.forwardLocal)

	if err := c.transport.Send(ctx, transport.EventHello, transport.Hello{From: c.identity.ID, Nonce: nonce}); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send hello")
	}
	c.setStatus(StatusAwaitingPeers)

	timer := c.clock.AfterFunc(c.grace, c.graceExpired)
	c.mu.Lock()
	c.graceTimer = timer
	c.mu.Unlock()

	c.logger.Info().Str("nonce", nonce).Msg("Joined room, awaiting peers")
	return nil
}

// Stop cancels the grace timer, stops forwarding and closes the transport
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	unsub := c.unsubStore
	c.unsubStore = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Transport close failed")
	}
	c.setStatus(StatusDisconnected)
}

func (c *Coordinator) graceExpired() {
	c.mu.Lock()
	already := c.synced
	c.mu.Unlock()
	if already {
		return
	}
	c.logger.Info().Msg("No peer answered within the grace period, assuming empty room")
	metrics.HandshakesTotal.WithLabelValues("grace").Inc()
	c.markSynced()
}

func (c *Coordinator) handleHello(msg transport.Message) {
	var hello transport.Hello
	if err := msg.Decode(&hello); err != nil {
		c.logger.Debug().Err(err).Msg("Dropping hello")
		return
	}
	c.mu.Lock()
	own := hello.Nonce == c.nonce
	c.mu.Unlock()
	if hello.From == "" || hello.From == c.identity.ID || own {
		return
	}

	state, err := c.store.EncodeFullState()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode full state")
		return
	}
	reply := transport.Sync{To: hello.From, From: c.identity.ID, Update: transport.EncodeBytes(state)}
	if err := c.transport.Send(c.sendContext(), transport.EventSync, reply); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to answer hello")
		return
	}
	metrics.UpdatesSentTotal.WithLabelValues(transport.EventSync).Inc()
	metrics.UpdateBytes.WithLabelValues("out").Observe(float64(len(state)))
	c.logger.Debug().Str("to", hello.From).Int("bytes", len(state)).Msg("Answered hello with full state")
}

func (c *Coordinator) handleSync(msg transport.Message) {
	var s transport.Sync
	if err := msg.Decode(&s); err != nil {
		c.logger.Debug().Err(err).Msg("Dropping sync")
		return
	}
	if s.To != "" && s.To != c.identity.ID {
		return
	}
	if !c.apply(transport.EventSync, s.Update) {
		return
	}

	c.mu.Lock()
	first := !c.synced
	c.mu.Unlock()
	if first {
		c.logger.Info().Str("from", s.From).Msg("Received initial state from peer")
		metrics.HandshakesTotal.WithLabelValues("peer").Inc()
		c.markSynced()
	}
}

func (c *Coordinator) handleDocUpdate(msg transport.Message) {
	var p transport.UpdatePayload
	if err := msg.Decode(&p); err != nil {
		c.logger.Debug().Err(err).Msg("Dropping doc-update")
		return
	}
	c.apply(transport.EventDocUpdate, p.Update)
}

func (c *Coordinator) apply(event, encoded string) bool {
	b, err := transport.DecodeBytes(encoded)
	if err == nil {
		err = c.store.ApplyRemoteUpdate(b, store.OriginRemote)
	}
	if err != nil {
		metrics.UpdatesRejectedTotal.Inc()
		c.logger.Warn().Err(err).Str("event", event).Msg("Rejected remote update")
		return false
	}
	metrics.UpdatesAppliedTotal.WithLabelValues(event).Inc()
	metrics.UpdateBytes.WithLabelValues("in").Observe(float64(len(b)))
	return true
}

// forwardLocal broadcasts locally originated store updates
func (c *Coordinator) forwardLocal(update []byte, origin store.Origin) {
	if origin != store.OriginLocal {
		return
	}
	c.broadcast(update)
}

func (c *Coordinator) broadcast(update []byte) {
	payload := transport.UpdatePayload{Update: transport.EncodeBytes(update)}
	if err := c.transport.Send(c.sendContext(), transport.EventDocUpdate, payload); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to broadcast update")
		return
	}
	metrics.UpdatesSentTotal.WithLabelValues(transport.EventDocUpdate).Inc()
	metrics.UpdateBytes.WithLabelValues("out").Observe(float64(len(update)))
}

func (c *Coordinator) sendContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Coordinator) markSynced() {
	c.mu.Lock()
	if c.synced {
		c.mu.Unlock()
		return
	}
	c.synced = true
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	callbacks := c.onSynced
	c.onSynced = nil
	announce := c.announce
	c.mu.Unlock()

	c.setStatus(StatusSynced)

	// state loaded before joining is unknown to peers that answered the hello
	if announce {
		if state, err := c.store.EncodeFullState(); err == nil {
			c.broadcast(state)
		}
	}

	for _, fn := range callbacks {
		fn()
	}
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	callbacks := append([]func(Status){}, c.onStatus...)
	c.mu.Unlock()

	c.logger.Debug().Str("status", string(s)).Msg("Status changed")
	for _, fn := range callbacks {
		fn(s)
	}
}
