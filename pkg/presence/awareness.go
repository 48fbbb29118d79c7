package presence

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/clock"
	"github.com/cuemby/pairpilot/pkg/types"
)

// Origins of awareness changes
const (
	OriginLocal   = "local"
	OriginRemote  = "remote"
	OriginTimeout = "timeout"
)

// Change lists the connections whose presence changed in one operation
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  string
}

// Changed returns every client id touched by the change
func (c Change) Changed() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type entry struct {
	clock       uint64
	state       *types.PresenceUser
	lastUpdated time.Time
}

type wireEntry struct {
	ClientID string              `json:"clientId"`
	Clock    uint64              `json:"clock"`
	State    *types.PresenceUser `json:"state"`
}

type wireUpdate struct {
	Entries []wireEntry `json:"entries"`
}

// Awareness is the per-connection presence table. Each connection owns its
// entry and bumps a private clock on every write; receivers keep the entry
// with the highest clock. A nil state is a removal.
type Awareness struct {
	clientID string
	clock    clock.Clock

	mu        sync.Mutex
	entries   map[string]*entry
	observers []func(Change)
}

// NewAwareness creates a table owned by clientID
func NewAwareness(clientID string, clk clock.Clock) *Awareness {
	if clk == nil {
		clk = clock.Real()
	}
	return &Awareness{
		clientID: clientID,
		clock:    clk,
		entries:  make(map[string]*entry),
	}
}

// ClientID returns the owning connection id
func (a *Awareness) ClientID() string {
	return a.clientID
}

// OnChange registers fn for every non-empty change
func (a *Awareness) OnChange(fn func(Change)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// LocalState returns the local presence, nil when unset
func (a *Awareness) LocalState() *types.PresenceUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[a.clientID]; ok && e.state != nil {
		s := *e.state
		return &s
	}
	return nil
}

// SetLocalState replaces the local presence. nil announces departure.
func (a *Awareness) SetLocalState(state *types.PresenceUser) {
	a.mu.Lock()
	e, ok := a.entries[a.clientID]
	if !ok {
		e = &entry{}
		a.entries[a.clientID] = e
	}
	prev := e.state
	e.clock++
	e.lastUpdated = a.clock.Now()
	if state != nil {
		s := *state
		e.state = &s
	} else {
		e.state = nil
	}

	change := Change{Origin: OriginLocal}
	switch {
	case state == nil && prev != nil:
		change.Removed = []string{a.clientID}
	case state != nil && prev == nil:
		change.Added = []string{a.clientID}
	case state != nil:
		// renewals count as updates so they get broadcast
		change.Updated = []string{a.clientID}
	}
	a.mu.Unlock()

	a.notify(change)
}

// States returns every live presence keyed by connection id
func (a *Awareness) States() map[string]types.PresenceUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]types.PresenceUser, len(a.entries))
	for id, e := range a.entries {
		if e.state != nil {
			out[id] = *e.state
		}
	}
	return out
}

// Encode serializes the entries of the given connections, removals included
func (a *Awareness) Encode(clients []string) ([]byte, error) {
	a.mu.Lock()
	u := wireUpdate{Entries: make([]wireEntry, 0, len(clients))}
	for _, id := range clients {
		e, ok := a.entries[id]
		if !ok {
			continue
		}
		u.Entries = append(u.Entries, wireEntry{ClientID: id, Clock: e.clock, State: e.state})
	}
	a.mu.Unlock()
	return json.Marshal(u)
}

// Apply merges a remote update. Entries about the local connection are
// ignored; the local peer is the only writer of its own entry.
func (a *Awareness) Apply(b []byte, origin string) error {
	var u wireUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return fmt.Errorf("invalid presence update: %w", err)
	}

	now := a.clock.Now()
	change := Change{Origin: origin}
	a.mu.Lock()
	for _, we := range u.Entries {
		if we.ClientID == "" || we.ClientID == a.clientID {
			continue
		}
		cur, exists := a.entries[we.ClientID]
		newer := !exists || cur.clock < we.Clock ||
			(cur.clock == we.Clock && we.State == nil && cur.state != nil)
		if !newer {
			continue
		}

		var prev *types.PresenceUser
		if exists {
			prev = cur.state
		} else {
			cur = &entry{}
			a.entries[we.ClientID] = cur
		}
		cur.clock = we.Clock
		cur.state = we.State
		cur.lastUpdated = now

		switch {
		case we.State == nil && prev != nil:
			change.Removed = append(change.Removed, we.ClientID)
		case we.State != nil && prev == nil:
			change.Added = append(change.Added, we.ClientID)
		case we.State != nil && *we.State != *prev:
			change.Updated = append(change.Updated, we.ClientID)
		}
	}
	a.mu.Unlock()

	a.notify(change)
	return nil
}

// Remove drops the given remote connections, as if they had left
func (a *Awareness) Remove(clients []string, origin string) {
	change := Change{Origin: origin}
	a.mu.Lock()
	for _, id := range clients {
		if id == a.clientID {
			continue
		}
		if e, ok := a.entries[id]; ok && e.state != nil {
			e.state = nil
			change.Removed = append(change.Removed, id)
		}
	}
	a.mu.Unlock()
	a.notify(change)
}

// Expire removes remote entries that have not been renewed within timeout
// and reports whether the local entry is older than renew.
func (a *Awareness) Expire(timeout, renew time.Duration) (needsRenew bool) {
	now := a.clock.Now()
	var stale []string
	a.mu.Lock()
	for id, e := range a.entries {
		if e.state == nil {
			continue
		}
		age := now.Sub(e.lastUpdated)
		if id == a.clientID {
			needsRenew = age >= renew
			continue
		}
		if age >= timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()

	sort.Strings(stale)
	if len(stale) > 0 {
		a.Remove(stale, OriginTimeout)
	}
	return needsRenew
}

func (a *Awareness) notify(c Change) {
	if c.empty() {
		return
	}
	a.mu.Lock()
	observers := append([]func(Change){}, a.observers...)
	a.mu.Unlock()
	for _, fn := range observers {
		fn(c)
	}
}
