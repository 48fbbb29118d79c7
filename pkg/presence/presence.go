package presence

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/clock"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/cuemby/pairpilot/pkg/transport"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// OutdatedTimeout drops remote entries that stopped renewing
	OutdatedTimeout = 30 * time.Second
	// RenewInterval re-broadcasts the local entry so peers keep it
	RenewInterval = 15 * time.Second
	checkInterval = 3 * time.Second
)

// ColorFor derives a stable cursor color pair from a user id
func ColorFor(userID string) (color, colorLight string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	hue := int32(h.Sum32()) % 360
	if hue < 0 {
		hue = -hue
	}
	return fmt.Sprintf("hsl(%d, 92%%, 62%%)", hue), fmt.Sprintf("hsla(%d, 92%%, 62%%, 0.28)", hue)
}

// Config configures a Manager
type Config struct {
	Transport transport.Adapter
	Store     *store.Store
	Identity  types.Identity
	Clock     clock.Clock
}

// Manager replicates presence over the transport. Presence never touches the
// store; the store is only read to resolve roles.
type Manager struct {
	aw        *Awareness
	transport transport.Adapter
	store     *store.Store
	identity  types.Identity
	clock     clock.Clock
	logger    zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	timer   clock.Timer
}

// NewManager creates a manager keyed by the transport connection id and
// registers its transport handlers.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	m := &Manager{
		aw:        NewAwareness(cfg.Transport.ConnID(), cfg.Clock),
		transport: cfg.Transport,
		store:     cfg.Store,
		identity:  cfg.Identity,
		clock:     cfg.Clock,
		logger: log.WithComponent("presence").With().
			Str("user_id", cfg.Identity.ID).
			Str("conn_id", cfg.Transport.ConnID()).
			Logger(),
	}
	m.transport.On(transport.EventPresenceUpdate, m.handleUpdate)
	m.transport.On(transport.EventHello, m.handleHello)
	m.aw.OnChange(m.broadcastLocal)
	m.aw.OnChange(func(Change) { metrics.PresencePeers.Set(float64(m.remoteCount())) })
	return m
}

// Awareness exposes the underlying table
func (m *Manager) Awareness() *Awareness {
	return m.aw
}

// Start publishes the local presence and begins expiry checks
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	color, light := ColorFor(m.identity.ID)
	m.aw.SetLocalState(&types.PresenceUser{
		ID:         m.identity.ID,
		Name:       m.identity.DisplayName,
		Color:      color,
		ColorLight: light,
	})
	m.schedule()
}

// SetLocalState updates the local presence fields and broadcasts the change.
// ID, Color and ColorLight default to the identity when left empty.
func (m *Manager) SetLocalState(state types.PresenceUser) {
	if state.ID == "" {
		state.ID = m.identity.ID
	}
	if state.Color == "" || state.ColorLight == "" {
		state.Color, state.ColorLight = ColorFor(state.ID)
	}
	m.aw.SetLocalState(&state)
}

// OnChange registers fn for presence changes
func (m *Manager) OnChange(fn func(Change)) {
	m.aw.OnChange(fn)
}

// Participants resolves every live presence entry against the role map,
// owner first then by name.
func (m *Manager) Participants() []types.Participant {
	owner := m.store.Owner()
	states := m.aw.States()

	out := make([]types.Participant, 0, len(states))
	for clientID, s := range states {
		out = append(out, types.Participant{
			ClientID:   clientID,
			UserID:     s.ID,
			Name:       s.Name,
			Role:       m.store.EffectiveRole(s.ID),
			Color:      s.Color,
			ColorLight: s.ColorLight,
			IsOwner:    owner != "" && s.ID == owner,
		})
	}
	SortParticipants(out)
	return out
}

// SortParticipants orders owner first, then by name, then by connection id
func SortParticipants(ps []types.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].IsOwner != ps[j].IsOwner {
			return ps[i].IsOwner
		}
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].ClientID < ps[j].ClientID
	})
}

// Stop announces departure and stops expiry checks
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.aw.SetLocalState(nil)
}

func (m *Manager) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.timer = m.clock.AfterFunc(checkInterval, m.check)
}

func (m *Manager) check() {
	if m.aw.Expire(OutdatedTimeout, RenewInterval) {
		if local := m.aw.LocalState(); local != nil {
			m.aw.SetLocalState(local)
		}
	}
	m.schedule()
}

func (m *Manager) handleUpdate(msg transport.Message) {
	var p transport.UpdatePayload
	if err := msg.Decode(&p); err != nil {
		m.logger.Debug().Err(err).Msg("Dropping presence update")
		return
	}
	b, err := transport.DecodeBytes(p.Update)
	if err == nil {
		err = m.aw.Apply(b, OriginRemote)
	}
	if err != nil {
		m.logger.Debug().Err(err).Msg("Rejected presence update")
	}
}

// handleHello re-announces the local entry so a joiner sees existing peers
func (m *Manager) handleHello(transport.Message) {
	if m.aw.LocalState() == nil {
		return
	}
	m.send([]string{m.aw.ClientID()})
}

func (m *Manager) broadcastLocal(c Change) {
	if c.Origin != OriginLocal {
		return
	}
	m.send(c.Changed())
}

func (m *Manager) send(clients []string) {
	b, err := m.aw.Encode(clients)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to encode presence")
		return
	}
	payload := transport.UpdatePayload{Update: transport.EncodeBytes(b)}
	if err := m.transport.Send(context.Background(), transport.EventPresenceUpdate, payload); err != nil {
		m.logger.Debug().Err(err).Msg("Failed to broadcast presence")
		return
	}
	metrics.UpdatesSentTotal.WithLabelValues(transport.EventPresenceUpdate).Inc()
}

func (m *Manager) remoteCount() int {
	n := 0
	for id := range m.aw.States() {
		if id != m.aw.ClientID() {
			n++
		}
	}
	return n
}
