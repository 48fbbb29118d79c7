package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/pairpilot/pkg/crdt"
)

// Txn is a local transaction handed to Mutate. It must not be used after the
// callback returns.
type Txn struct {
	s      *Store
	update *crdt.Update
	done   bool
}

func (t *Txn) text(region string) *crdt.Text {
	t.check()
	tx, ok := t.s.texts[region]
	if !ok {
		panic(fmt.Sprintf("store: %q is not a text region", region))
	}
	return tx
}

func (t *Txn) mapRegion(region string) *crdt.Map {
	t.check()
	m, ok := t.s.maps[region]
	if !ok {
		panic(fmt.Sprintf("store: %q is not a map region", region))
	}
	return m
}

func (t *Txn) list(region string) *crdt.List {
	t.check()
	l, ok := t.s.lists[region]
	if !ok {
		panic(fmt.Sprintf("store: %q is not a list region", region))
	}
	return l
}

func (t *Txn) check() {
	if t.done {
		panic("store: transaction used after commit")
	}
}

// Text returns the current content of a text region
func (t *Txn) Text(region string) string {
	return t.text(region).String()
}

// TextLen returns the length of a text region in characters
func (t *Txn) TextLen(region string) int {
	return t.text(region).Len()
}

// Insert inserts s at character position pos
func (t *Txn) Insert(region string, pos int, s string) {
	n := len([]rune(s))
	if n == 0 {
		return
	}
	tx := t.text(region)
	chunk := tx.Insert(pos, t.s.clock.Tick(n), s)
	sec := t.update.Text(region)
	sec.Chunks = append(sec.Chunks, chunk)
}

// Delete removes n characters starting at pos
func (t *Txn) Delete(region string, pos, n int) {
	if n <= 0 {
		return
	}
	ds := t.text(region).Delete(pos, n)
	t.update.AddTextDeletes(region, ds)
}

// Append adds s to the end of a text region
func (t *Txn) Append(region, s string) {
	t.Insert(region, t.text(region).Len(), s)
}

// Clear empties a text region
func (t *Txn) Clear(region string) {
	t.Delete(region, 0, t.text(region).Len())
}

// SetText replaces the content of a text region, touching only the span that
// differs from the current content.
func (t *Txn) SetText(region, s string) {
	cur := []rune(t.text(region).String())
	next := []rune(s)

	prefix := 0
	for prefix < len(cur) && prefix < len(next) && cur[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(cur)-prefix && suffix < len(next)-prefix &&
		cur[len(cur)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}

	t.Delete(region, prefix, len(cur)-prefix-suffix)
	t.Insert(region, prefix, string(next[prefix:len(next)-suffix]))
}

// NormalizeNewlines rewrites CRLF and lone CR line endings to LF
func (t *Txn) NormalizeNewlines(region string) {
	cur := t.text(region).String()
	if !strings.Contains(cur, "\r") {
		return
	}
	next := strings.ReplaceAll(cur, "\r\n", "\n")
	next = strings.ReplaceAll(next, "\r", "\n")
	t.SetText(region, next)
}

// Get returns the raw JSON value stored under key
func (t *Txn) Get(region, key string) (json.RawMessage, bool) {
	return t.mapRegion(region).Get(key)
}

// Has reports whether key holds a live value
func (t *Txn) Has(region, key string) bool {
	return t.mapRegion(region).Has(key)
}

// Set stores value (JSON encoded) under key
func (t *Txn) Set(region, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s.%s: %w", region, key, err)
	}
	t.SetRaw(region, key, b)
	return nil
}

// SetRaw stores an already encoded value under key
func (t *Txn) SetRaw(region, key string, value json.RawMessage) {
	e := t.mapRegion(region).Set(key, value, t.s.clock.Tick(1))
	t.update.AddEntry(region, e)
}

// DeleteKey removes key from a map region
func (t *Txn) DeleteKey(region, key string) {
	m := t.mapRegion(region)
	if !m.Has(key) {
		return
	}
	e := m.Delete(key, t.s.clock.Tick(1))
	t.update.AddEntry(region, e)
}

// Push appends value (JSON encoded) to a list region
func (t *Txn) Push(region string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s item: %w", region, err)
	}
	l := t.list(region)
	chunk := l.Insert(l.Len(), t.s.clock.Tick(1), []json.RawMessage{b})
	sec := t.update.List(region)
	sec.Chunks = append(sec.Chunks, chunk)
	return nil
}

// ListLen returns the number of items in a list region
func (t *Txn) ListLen(region string) int {
	return t.list(region).Len()
}

// Items returns the raw items of a list region
func (t *Txn) Items(region string) []json.RawMessage {
	return t.list(region).Items()
}

// DeleteList removes n items starting at pos
func (t *Txn) DeleteList(region string, pos, n int) {
	if n <= 0 {
		return
	}
	ds := t.list(region).Delete(pos, n)
	t.update.AddListDeletes(region, ds)
}
