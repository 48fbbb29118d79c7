package crdt

import (
	"fmt"
	"sync"
)

// ID stamps one sequence element or one map write. IDs are totally ordered by
// (Clock, Client).
type ID struct {
	Client string `json:"client"`
	Clock  uint64 `json:"clock"`
}

// Less reports whether id sorts before other
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// Offset returns the ID of the element k positions later in the same chunk
func (id ID) Offset(k int) ID {
	return ID{Client: id.Client, Clock: id.Clock + uint64(k)}
}

func (id ID) String() string {
	return fmt.Sprintf("%s@%d", id.Client, id.Clock)
}

// Clock is a Lamport clock owned by one replica
type Clock struct {
	mu     sync.Mutex
	client string
	next   uint64
}

// NewClock creates a clock for the given replica id
func NewClock(client string) *Clock {
	return &Clock{client: client, next: 1}
}

// Client returns the replica id stamped on every tick
func (c *Clock) Client() string {
	return c.client
}

// Tick reserves n consecutive stamps and returns the first one
func (c *Clock) Tick(n int) ID {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := ID{Client: c.client, Clock: c.next}
	c.next += uint64(n)
	return id
}

// Observe advances the clock past a stamp seen from another replica
func (c *Clock) Observe(clock uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clock >= c.next {
		c.next = clock + 1
	}
}
