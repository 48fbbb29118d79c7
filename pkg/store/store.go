package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/pairpilot/pkg/crdt"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/rs/zerolog"
)

// Origin tags where a committed update came from
type Origin string

const (
	OriginLocal   Origin = "local"
	OriginRemote  Origin = "remote"
	OriginHydrate Origin = "snapshot-hydrate"
)

// Region names of the room document
const (
	RegionDoc    = "doc"
	RegionRoom   = "room"
	RegionRoles  = "roles"
	RegionRun    = "run"
	RegionStdout = "run:stdout"
	RegionStderr = "run:stderr"
	RegionRuns   = "runs"
)

var (
	textRegions = []string{RegionDoc, RegionStdout, RegionStderr}
	mapRegions  = []string{RegionRoom, RegionRoles, RegionRun}
	listRegions = []string{RegionRuns}
)

// Event is delivered to region observers after a commit touched the region
type Event struct {
	Region string
	Origin Origin
}

// UpdateHandler receives every committed update
type UpdateHandler func(update []byte, origin Origin)

type notification struct {
	update  []byte
	origin  Origin
	regions []string
}

// Store is the replicated room document: a fixed set of named text, map and
// list regions. All writes go through Mutate or ApplyRemoteUpdate.
type Store struct {
	mu    sync.Mutex
	clock *crdt.Clock
	maps  map[string]*crdt.Map
	texts map[string]*crdt.Text
	lists map[string]*crdt.List

	obsMu     sync.Mutex
	nextObsID int
	observers map[string]map[int]func(Event)
	handlers  map[int]UpdateHandler

	qmu      sync.Mutex
	queue    []notification
	flushing bool

	logger zerolog.Logger
}

// New creates an empty store whose writes are stamped with clientID
func New(clientID string) *Store {
	s := &Store{
		clock:     crdt.NewClock(clientID),
		maps:      make(map[string]*crdt.Map),
		texts:     make(map[string]*crdt.Text),
		lists:     make(map[string]*crdt.List),
		observers: make(map[string]map[int]func(Event)),
		handlers:  make(map[int]UpdateHandler),
		logger:    log.WithComponent("store").With().Str("client_id", clientID).Logger(),
	}
	for _, r := range textRegions {
		s.texts[r] = crdt.NewText()
	}
	for _, r := range mapRegions {
		s.maps[r] = crdt.NewMap()
	}
	for _, r := range listRegions {
		s.lists[r] = crdt.NewList()
	}
	return s
}

// ClientID returns the replica id stamped on local writes
func (s *Store) ClientID() string {
	return s.clock.Client()
}

// Mutate runs fn as one atomic local transaction. Everything fn changes is
// emitted as a single update tagged OriginLocal. Changes made before fn
// returns an error are kept and still emitted. A panic in fn is propagated
// after the store is unlocked.
func (s *Store) Mutate(fn func(*Txn) error) error {
	err := s.transact(fn)
	s.flush()
	return err
}

// transact runs fn under the store lock and queues what it changed, also
// when fn fails or panics
func (s *Store) transact(fn func(*Txn) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := &Txn{s: s, update: crdt.NewUpdate()}
	defer func() {
		txn.done = true
		if txn.update.Empty() {
			return
		}
		b, encErr := txn.update.Encode()
		if encErr != nil {
			err = fmt.Errorf("failed to encode update: %w", encErr)
			return
		}
		s.enqueue(notification{update: b, origin: OriginLocal, regions: txn.update.Regions()})
	}()
	return fn(txn)
}

// ApplyRemoteUpdate merges update bytes produced by any replica. Applying the
// same update twice is a no-op. Malformed bytes change nothing.
func (s *Store) ApplyRemoteUpdate(b []byte, origin Origin) error {
	u, err := crdt.DecodeUpdate(b)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.clock.Observe(u.MaxClock())
	var regions []string
	for region, entries := range u.Maps {
		m, ok := s.maps[region]
		if !ok {
			s.logger.Debug().Str("region", region).Msg("Ignoring unknown map region")
			continue
		}
		changed := false
		for _, e := range entries {
			if m.Apply(e) {
				changed = true
			}
		}
		if changed {
			regions = append(regions, region)
		}
	}
	for region, tu := range u.Texts {
		t, ok := s.texts[region]
		if !ok {
			s.logger.Debug().Str("region", region).Msg("Ignoring unknown text region")
			continue
		}
		changed := false
		for _, c := range tu.Chunks {
			if t.Integrate(c) {
				changed = true
			}
		}
		if t.ApplyDeletes(tu.Deleted) {
			changed = true
		}
		if changed {
			regions = append(regions, region)
		}
	}
	for region, lu := range u.Lists {
		l, ok := s.lists[region]
		if !ok {
			s.logger.Debug().Str("region", region).Msg("Ignoring unknown list region")
			continue
		}
		changed := false
		for _, c := range lu.Chunks {
			if l.Integrate(c) {
				changed = true
			}
		}
		if l.ApplyDeletes(lu.Deleted) {
			changed = true
		}
		if changed {
			regions = append(regions, region)
		}
	}
	if len(regions) > 0 {
		s.enqueue(notification{update: b, origin: origin, regions: regions})
	}
	s.mu.Unlock()

	s.flush()
	return nil
}

// EncodeFullState returns an update that rebuilds this store from empty
func (s *Store) EncodeFullState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := crdt.NewUpdate()
	for region, m := range s.maps {
		for _, e := range m.Entries() {
			u.AddEntry(region, e)
		}
	}
	for region, t := range s.texts {
		chunks, deleted := t.State()
		if len(chunks) > 0 {
			u.Text(region).Chunks = chunks
		}
		u.AddTextDeletes(region, deleted)
	}
	for region, l := range s.lists {
		chunks, deleted := l.State()
		if len(chunks) > 0 {
			u.List(region).Chunks = chunks
		}
		u.AddListDeletes(region, deleted)
	}
	return u.Encode()
}

// Empty reports whether the store holds no entries, elements or deletions
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.maps {
		if len(m.Entries()) > 0 {
			return false
		}
	}
	for _, t := range s.texts {
		if chunks, deleted := t.State(); len(chunks) > 0 || !deleted.Empty() {
			return false
		}
	}
	for _, l := range s.lists {
		if chunks, deleted := l.State(); len(chunks) > 0 || !deleted.Empty() {
			return false
		}
	}
	return true
}

// Observe registers fn for commits touching region. The returned function
// removes the observer.
func (s *Store) Observe(region string, fn func(Event)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObsID++
	id := s.nextObsID
	if s.observers[region] == nil {
		s.observers[region] = make(map[int]func(Event))
	}
	s.observers[region][id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers[region], id)
	}
}

// OnUpdate registers fn for every committed update, local or remote
func (s *Store) OnUpdate(fn UpdateHandler) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObsID++
	id := s.nextObsID
	s.handlers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.handlers, id)
	}
}

// enqueue must be called with s.mu held so the queue follows commit order
func (s *Store) enqueue(n notification) {
	s.qmu.Lock()
	s.queue = append(s.queue, n)
	s.qmu.Unlock()
}

// flush delivers queued notifications outside the store lock. Only one
// goroutine drains at a time; notifications caused by observers are appended
// and delivered by the same drain.
func (s *Store) flush() {
	s.qmu.Lock()
	if s.flushing {
		s.qmu.Unlock()
		return
	}
	s.flushing = true
	drained := false
	defer func() {
		// an observer panicked; let the next commit drain
		if !drained {
			s.qmu.Lock()
			s.flushing = false
			s.qmu.Unlock()
		}
	}()
	for len(s.queue) > 0 {
		n := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		s.deliver(n)
		s.qmu.Lock()
	}
	s.flushing = false
	drained = true
	s.qmu.Unlock()
}

func (s *Store) deliver(n notification) {
	s.obsMu.Lock()
	handlers := make([]UpdateHandler, 0, len(s.handlers))
	for _, id := range sortedKeys(s.handlers) {
		handlers = append(handlers, s.handlers[id])
	}
	var observers []func(Event)
	var events []Event
	for _, region := range n.regions {
		for _, id := range sortedKeys(s.observers[region]) {
			observers = append(observers, s.observers[region][id])
			events = append(events, Event{Region: region, Origin: n.origin})
		}
	}
	s.obsMu.Unlock()

	for _, h := range handlers {
		h(n.update, n.origin)
	}
	for i, fn := range observers {
		fn(events[i])
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
