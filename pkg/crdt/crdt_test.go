package crdt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextLocalEditing(t *testing.T) {
	clock := NewClock("a")
	text := NewText()

	text.Insert(0, clock.Tick(2), "ac")
	text.Insert(1, clock.Tick(1), "b")
	assert.Equal(t, "abc", text.String())

	text.Insert(99, clock.Tick(1), "d")
	assert.Equal(t, "abcd", text.String())

	text.Delete(1, 2)
	assert.Equal(t, "ad", text.String())
	assert.Equal(t, 2, text.Len())
}

func TestTextConcurrentInsertsConverge(t *testing.T) {
	a := NewText()
	b := NewText()
	ca := a.Insert(0, NewClock("a").Tick(3), "abc")
	cb := b.Insert(0, NewClock("b").Tick(3), "xyz")

	a.Integrate(cb)
	b.Integrate(ca)

	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "xyzabc", a.String())
}

func TestTextIntegrationOrderIndependent(t *testing.T) {
	chunks := []TextChunk{
		{ID: ID{Client: "a", Clock: 1}, Text: "hello"},
		{ID: ID{Client: "b", Clock: 6}, Origin: &ID{Client: "a", Clock: 5}, Text: " world"},
		{ID: ID{Client: "c", Clock: 6}, Origin: &ID{Client: "a", Clock: 5}, Text: "!"},
		{ID: ID{Client: "a", Clock: 12}, Origin: &ID{Client: "b", Clock: 11}, Text: "?"},
	}
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
	}

	var want string
	for i, order := range orders {
		text := NewText()
		for _, idx := range order {
			text.Integrate(chunks[idx])
		}
		if i == 0 {
			want = text.String()
			continue
		}
		assert.Equal(t, want, text.String(), "order %v", order)
	}
	assert.Equal(t, "hello! world?", want)
}

func TestTextOutOfOrderDelivery(t *testing.T) {
	clock := NewClock("a")
	src := NewText()
	first := src.Insert(0, clock.Tick(5), "hello")
	second := src.Insert(5, clock.Tick(6), " world")

	dst := NewText()
	assert.True(t, dst.Integrate(second))
	assert.Equal(t, "", dst.String())

	dst.Integrate(first)
	assert.Equal(t, "hello world", dst.String())
}

func TestTextIdempotent(t *testing.T) {
	chunk := TextChunk{ID: ID{Client: "a", Clock: 1}, Text: "abc"}
	text := NewText()

	assert.True(t, text.Integrate(chunk))
	assert.False(t, text.Integrate(chunk))
	assert.Equal(t, "abc", text.String())

	ds := make(DeleteSet)
	ds.Add(ID{Client: "a", Clock: 2}, 1)
	assert.True(t, text.ApplyDeletes(ds))
	assert.False(t, text.ApplyDeletes(ds))
	assert.Equal(t, "ac", text.String())
}

func TestTextDeleteBeforeInsertArrives(t *testing.T) {
	clock := NewClock("a")
	src := NewText()
	chunk := src.Insert(0, clock.Tick(5), "hello")
	deleted := src.Delete(1, 3)
	assert.Equal(t, "ho", src.String())

	dst := NewText()
	dst.ApplyDeletes(deleted)
	dst.Integrate(chunk)
	assert.Equal(t, "ho", dst.String())
}

func TestTextWideDeleteRange(t *testing.T) {
	clock := NewClock("a")
	text := NewText()
	text.Insert(0, clock.Tick(5), "hello")

	ds := make(DeleteSet)
	ds.Add(ID{Client: "a", Clock: 0}, MaxRangeLen)
	ds.Add(ID{Client: "b", Clock: 1 << 40}, MaxRangeLen)

	start := time.Now()
	assert.True(t, text.ApplyDeletes(ds))
	assert.False(t, text.ApplyDeletes(ds))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, text.String())

	// ids inside the range stay deleted when they arrive later
	remote := NewClock("b")
	remote.Observe(1<<40 - 1)
	text.Insert(0, remote.Tick(2), "xy")
	text.Insert(0, NewClock("c").Tick(1), "z")
	assert.Equal(t, "z", text.String())
}

func TestTextStateRebuildsReplica(t *testing.T) {
	clock := NewClock("a")
	src := NewText()
	src.Insert(0, clock.Tick(11), "hello world")
	src.Insert(5, clock.Tick(1), ",")
	src.Delete(0, 1)
	src.Integrate(TextChunk{ID: ID{Client: "z", Clock: 40}, Origin: &ID{Client: "q", Clock: 1}, Text: "orphan"})

	chunks, deleted := src.State()
	dst := NewText()
	for _, c := range chunks {
		dst.Integrate(c)
	}
	dst.ApplyDeletes(deleted)

	assert.Equal(t, "ello, world", src.String())
	assert.Equal(t, src.String(), dst.String())

	// the orphan travels with the state and appears once its parent does
	parent := TextChunk{ID: ID{Client: "q", Clock: 1}, Text: "Q"}
	src.Integrate(parent)
	dst.Integrate(parent)
	assert.Equal(t, src.String(), dst.String())
	assert.Contains(t, dst.String(), "Qorphan")
}

func TestListInsertDelete(t *testing.T) {
	clock := NewClock("a")
	list := NewList()
	list.Insert(0, clock.Tick(2), []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)})
	list.Insert(list.Len(), clock.Tick(1), []json.RawMessage{json.RawMessage(`3`)})
	list.Delete(0, 1)

	items := list.Items()
	require.Len(t, items, 2)
	assert.JSONEq(t, `2`, string(items[0]))
	assert.JSONEq(t, `3`, string(items[1]))
}

func TestMapLastWriterWins(t *testing.T) {
	older := MapEntry{Key: "ownerId", Value: json.RawMessage(`"alice"`), Stamp: ID{Client: "a", Clock: 3}}
	newer := MapEntry{Key: "ownerId", Value: json.RawMessage(`"bob"`), Stamp: ID{Client: "b", Clock: 3}}

	tests := []struct {
		name  string
		order []MapEntry
	}{
		{name: "older first", order: []MapEntry{older, newer}},
		{name: "newer first", order: []MapEntry{newer, older}},
		{name: "duplicates", order: []MapEntry{newer, older, newer, older}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMap()
			for _, e := range tt.order {
				m.Apply(e)
			}
			v, ok := m.Get("ownerId")
			require.True(t, ok)
			assert.JSONEq(t, `"bob"`, string(v))
		})
	}
}

func TestMapTombstone(t *testing.T) {
	m := NewMap()
	m.Set("k", json.RawMessage(`1`), ID{Client: "a", Clock: 1})
	m.Delete("k", ID{Client: "a", Clock: 2})
	assert.False(t, m.Has("k"))
	assert.Empty(t, m.Keys())

	assert.False(t, m.Apply(MapEntry{Key: "k", Value: json.RawMessage(`5`), Stamp: ID{Client: "a", Clock: 1}}))
	assert.False(t, m.Has("k"))
	assert.Len(t, m.Entries(), 1)
}

func TestDeleteSetAdd(t *testing.T) {
	ds := make(DeleteSet)
	ds.Add(ID{Client: "a", Clock: 5}, 2)
	ds.Add(ID{Client: "a", Clock: 1}, 2)
	ds.Add(ID{Client: "a", Clock: 3}, 2)
	ds.Add(ID{Client: "a", Clock: 10}, 1)

	assert.Equal(t, []Range{{Clock: 1, Len: 6}, {Clock: 10, Len: 1}}, ds["a"])
	assert.True(t, ds.Contains(ID{Client: "a", Clock: 6}))
	assert.False(t, ds.Contains(ID{Client: "a", Clock: 7}))
	assert.False(t, ds.Contains(ID{Client: "b", Clock: 1}))
}

func TestClockObserve(t *testing.T) {
	c := NewClock("a")
	assert.Equal(t, ID{Client: "a", Clock: 1}, c.Tick(3))
	c.Observe(10)
	assert.Equal(t, ID{Client: "a", Clock: 11}, c.Tick(1))
	c.Observe(2)
	assert.Equal(t, uint64(12), c.Tick(1).Clock)
}

func TestDecodeUpdate(t *testing.T) {
	u := NewUpdate()
	u.AddEntry("room", MapEntry{Key: "ownerId", Value: json.RawMessage(`"a"`), Stamp: ID{Client: "a", Clock: 4}})
	u.Text("doc").Chunks = append(u.Text("doc").Chunks, TextChunk{ID: ID{Client: "a", Clock: 1}, Text: "abc"})
	ds := make(DeleteSet)
	ds.Add(ID{Client: "a", Clock: 2}, 1)
	u.AddTextDeletes("doc", ds)

	b, err := u.Encode()
	require.NoError(t, err)

	decoded, err := DecodeUpdate(b)
	require.NoError(t, err)
	assert.False(t, decoded.Empty())
	assert.ElementsMatch(t, []string{"room", "doc"}, decoded.Regions())
	assert.Equal(t, uint64(4), decoded.MaxClock())

	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: "garbage"},
		{name: "entry without stamp", input: `{"maps":{"room":[{"key":"ownerId","value":"1","stamp":{"client":"","clock":0}}]}}`},
		{name: "chunk without id", input: `{"texts":{"doc":{"chunks":[{"id":{"client":"","clock":1},"text":"x"}]}}}`},
		{name: "null section", input: `{"lists":{"runs":null}}`},
		{name: "range length too large", input: `{"texts":{"doc":{"deleted":{"a":[{"clock":0,"len":100000000000}]}}}}`},
		{name: "range overflows clock", input: `{"lists":{"runs":{"deleted":{"a":[{"clock":18446744073709551615,"len":2}]}}}}`},
		{name: "empty range", input: `{"texts":{"doc":{"deleted":{"a":[{"clock":3,"len":0}]}}}}`},
		{name: "range without client", input: `{"texts":{"doc":{"deleted":{"":[{"clock":1,"len":1}]}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeUpdate([]byte(tt.input))
			assert.ErrorIs(t, err, ErrMalformedUpdate)
		})
	}
}
