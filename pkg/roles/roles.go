package roles

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotOwner is returned when a non-owner tries to change roles
	ErrNotOwner = errors.New("only the room owner can change roles")
	// ErrCannotChangeOwner is returned when the target is the owner
	ErrCannotChangeOwner = errors.New("the owner's role cannot be changed")
	// ErrInvalidRole is returned for roles other than viewer and editor
	ErrInvalidRole = errors.New("invalid role")
)

// Config configures a Controller
type Config struct {
	Store    *store.Store
	Identity types.Identity
	// Dispatch runs follow-up transactions triggered by remote merges. It
	// defaults to running them inline.
	Dispatch func(func())
}

// Controller resolves ownership and roles for the local identity
type Controller struct {
	store    *store.Store
	identity types.Identity
	dispatch func(func())
	logger   zerolog.Logger

	mu      sync.Mutex
	claimed bool
}

// New creates a Controller
func New(cfg Config) *Controller {
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(fn func()) { fn() }
	}
	return &Controller{
		store:    cfg.Store,
		identity: cfg.Identity,
		dispatch: cfg.Dispatch,
		logger:   log.WithComponent("roles").With().Str("user_id", cfg.Identity.ID).Logger(),
	}
}

// EstablishOwnership claims an unowned room and records the local role. It
// must only run once the peer is synced, otherwise a late joiner could claim
// a room whose owner it has not merged yet.
func (c *Controller) EstablishOwnership() error {
	self := c.identity.ID
	var claimed bool
	err := c.store.Mutate(func(txn *store.Txn) error {
		if txn.Owner() == "" {
			txn.SetOwner(self)
			claimed = true
		}
		if txn.Owner() == self {
			if r, _ := txn.Role(self); r != types.RoleEditor {
				txn.SetRole(self, types.RoleEditor)
			}
			return nil
		}
		if _, ok := txn.Role(self); !ok {
			txn.SetRole(self, types.RoleViewer)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to establish ownership: %w", err)
	}

	if claimed {
		c.mu.Lock()
		c.claimed = true
		c.mu.Unlock()
		c.logger.Info().Msg("Claimed room ownership")
	}
	return nil
}

// SetRole changes target's role. Only the owner may call it, and never for
// the owner identity.
func (c *Controller) SetRole(target string, role types.Role) error {
	if !types.ValidRole(role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	self := c.identity.ID
	err := c.store.Mutate(func(txn *store.Txn) error {
		owner := txn.Owner()
		if owner == "" || owner != self {
			return ErrNotOwner
		}
		if target == owner {
			return ErrCannotChangeOwner
		}
		txn.SetRole(target, role)
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info().Str("target", target).Str("role", string(role)).Msg("Role changed")
	return nil
}

// EffectiveRole resolves id's role, owner always editor
func (c *Controller) EffectiveRole(id string) types.Role {
	return c.store.EffectiveRole(id)
}

// Role returns the local identity's effective role
func (c *Controller) Role() types.Role {
	return c.store.EffectiveRole(c.identity.ID)
}

// Owner returns the owner identity, "" when unclaimed
func (c *Controller) Owner() string {
	return c.store.Owner()
}

// IsOwner reports whether the local identity owns the room
func (c *Controller) IsOwner() bool {
	return c.identity.ID != "" && c.store.Owner() == c.identity.ID
}

// Watch follows remote ownership changes. When two empty-room peers claim
// concurrently the map keeps the higher stamp; the peer whose claim lost
// demotes the editor entry it wrote for itself. The returned function stops
// watching.
func (c *Controller) Watch() func() {
	return c.store.Observe(store.RegionRoom, func(ev store.Event) {
		if ev.Origin == store.OriginLocal {
			return
		}
		c.dispatch(c.reconcile)
	})
}

func (c *Controller) reconcile() {
	self := c.identity.ID
	owner := c.store.Owner()

	c.mu.Lock()
	if !c.claimed || owner == "" || owner == self {
		c.mu.Unlock()
		return
	}
	c.claimed = false
	c.mu.Unlock()

	err := c.store.Mutate(func(txn *store.Txn) error {
		if txn.Owner() == self {
			return nil
		}
		if r, _ := txn.Role(self); r == types.RoleEditor {
			txn.SetRole(self, types.RoleViewer)
		}
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to demote after losing ownership")
		return
	}
	c.logger.Info().Str("owner", owner).Msg("Ownership claim lost, demoted to viewer")
}
