package crdt

import "encoding/json"

// TextChunk is the wire form of a run of inserted characters
type TextChunk struct {
	ID     ID     `json:"id"`
	Origin *ID    `json:"origin,omitempty"`
	Text   string `json:"text"`
}

// ListChunk is the wire form of a run of inserted list items
type ListChunk struct {
	ID     ID                `json:"id"`
	Origin *ID               `json:"origin,omitempty"`
	Items  []json.RawMessage `json:"items"`
}

// Text is a replicated string
type Text struct {
	seq *Sequence[rune]
}

// NewText creates an empty text
func NewText() *Text {
	return &Text{seq: NewSequence[rune]()}
}

func (t *Text) String() string {
	return string(t.seq.Values())
}

// Len returns the length in characters
func (t *Text) Len() int {
	return t.seq.Len()
}

// Insert places s at character position pos, stamping its first character
// with id. Empty strings insert nothing.
func (t *Text) Insert(pos int, id ID, s string) TextChunk {
	c := t.seq.Insert(pos, id, []rune(s))
	return TextChunk{ID: c.ID, Origin: c.Origin, Text: s}
}

// Delete removes n characters starting at pos
func (t *Text) Delete(pos, n int) DeleteSet {
	return t.seq.Delete(pos, n)
}

// Integrate merges a remote chunk
func (t *Text) Integrate(c TextChunk) bool {
	return t.seq.Integrate(Chunk[rune]{ID: c.ID, Origin: c.Origin, Content: []rune(c.Text)})
}

// ApplyDeletes merges a remote delete set
func (t *Text) ApplyDeletes(ds DeleteSet) bool {
	return t.seq.ApplyDeletes(ds)
}

// State returns every chunk and the delete set, enough to rebuild the text
func (t *Text) State() ([]TextChunk, DeleteSet) {
	chunks := t.seq.Chunks()
	out := make([]TextChunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, TextChunk{ID: c.ID, Origin: c.Origin, Text: string(c.Content)})
	}
	return out, t.seq.Deleted()
}

// MaxClock returns the highest element clock seen
func (t *Text) MaxClock() uint64 {
	return t.seq.MaxClock()
}

// List is a replicated list of JSON values
type List struct {
	seq *Sequence[json.RawMessage]
}

// NewList creates an empty list
func NewList() *List {
	return &List{seq: NewSequence[json.RawMessage]()}
}

// Len returns the number of live items
func (l *List) Len() int {
	return l.seq.Len()
}

// Items returns the live items in order
func (l *List) Items() []json.RawMessage {
	return l.seq.Values()
}

// Insert places items at position pos
func (l *List) Insert(pos int, id ID, items []json.RawMessage) ListChunk {
	c := l.seq.Insert(pos, id, items)
	return ListChunk{ID: c.ID, Origin: c.Origin, Items: c.Content}
}

// Delete removes n items starting at pos
func (l *List) Delete(pos, n int) DeleteSet {
	return l.seq.Delete(pos, n)
}

// Integrate merges a remote chunk
func (l *List) Integrate(c ListChunk) bool {
	return l.seq.Integrate(Chunk[json.RawMessage]{ID: c.ID, Origin: c.Origin, Content: c.Items})
}

// ApplyDeletes merges a remote delete set
func (l *List) ApplyDeletes(ds DeleteSet) bool {
	return l.seq.ApplyDeletes(ds)
}

// State returns every chunk and the delete set
func (l *List) State() ([]ListChunk, DeleteSet) {
	chunks := l.seq.Chunks()
	out := make([]ListChunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, ListChunk{ID: c.ID, Origin: c.Origin, Items: c.Content})
	}
	return out, l.seq.Deleted()
}

// MaxClock returns the highest element clock seen
func (l *List) MaxClock() uint64 {
	return l.seq.MaxClock()
}
