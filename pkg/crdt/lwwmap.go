package crdt

import (
	"encoding/json"
	"sort"
)

// MapEntry is one last-writer-wins register. A deleted entry is a tombstone
// that still carries its stamp.
type MapEntry struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Stamp   ID              `json:"stamp"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Map is a last-writer-wins map: each key holds the entry with the greatest
// stamp.
type Map struct {
	entries map[string]MapEntry
}

// NewMap creates an empty map
func NewMap() *Map {
	return &Map{entries: make(map[string]MapEntry)}
}

// Get returns the live value for key
func (m *Map) Get(key string) (json.RawMessage, bool) {
	e, ok := m.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Has reports whether key holds a live value
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set writes value under key with the given stamp
func (m *Map) Set(key string, value json.RawMessage, stamp ID) MapEntry {
	e := MapEntry{Key: key, Value: append(json.RawMessage(nil), value...), Stamp: stamp}
	m.Apply(e)
	return e
}

// Delete tombstones key with the given stamp
func (m *Map) Delete(key string, stamp ID) MapEntry {
	e := MapEntry{Key: key, Stamp: stamp, Deleted: true}
	m.Apply(e)
	return e
}

// Apply merges an entry and reports whether it replaced the current one
func (m *Map) Apply(e MapEntry) bool {
	cur, ok := m.entries[e.Key]
	if ok && !cur.Stamp.Less(e.Stamp) {
		return false
	}
	m.entries[e.Key] = e
	return true
}

// Keys returns the live keys in sorted order
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Entry returns the raw entry for key, tombstones included
func (m *Map) Entry(key string) (MapEntry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

// Entries returns every entry including tombstones, sorted by key
func (m *Map) Entries() []MapEntry {
	out := make([]MapEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MaxClock returns the highest stamp clock seen
func (m *Map) MaxClock() uint64 {
	var c uint64
	for _, e := range m.entries {
		c = max(c, e.Stamp.Clock)
	}
	return c
}
