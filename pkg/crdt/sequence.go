package crdt

import "sort"

// Chunk is a run of elements inserted together by one replica. Element k has
// ID.Offset(k) and is parented by element k-1; element 0 is parented by
// Origin, or by the head of the sequence when Origin is nil.
type Chunk[E any] struct {
	ID      ID
	Origin  *ID
	Content []E
}

type element[E any] struct {
	id       ID
	parent   *ID
	value    E
	deleted  bool
	children []*element[E]
}

// Sequence is a replicated growable array. Its order is the pre-order walk of
// the insertion tree with siblings sorted by descending ID, which makes the
// result independent of the order in which chunks were integrated.
type Sequence[E any] struct {
	elements map[ID]*element[E]
	roots    []*element[E]
	pending  map[ID][]*element[E]
	orphans  map[ID]struct{}
	deleted  DeleteSet
	order    []*element[E]
	visible  int
}

// NewSequence creates an empty sequence
func NewSequence[E any]() *Sequence[E] {
	return &Sequence[E]{
		elements: make(map[ID]*element[E]),
		pending:  make(map[ID][]*element[E]),
		orphans:  make(map[ID]struct{}),
		deleted:  make(DeleteSet),
		visible:  -1,
	}
}

// Len returns the number of visible elements
func (s *Sequence[E]) Len() int {
	s.ensureOrder()
	return s.visible
}

// Values returns the visible elements in document order
func (s *Sequence[E]) Values() []E {
	s.ensureOrder()
	out := make([]E, 0, s.visible)
	for _, el := range s.order {
		if !el.deleted {
			out = append(out, el.value)
		}
	}
	return out
}

// Insert places values before the visible element at pos. pos is clamped to
// [0, Len()]. The first element takes id; the chunk is returned for
// broadcasting.
func (s *Sequence[E]) Insert(pos int, id ID, values []E) Chunk[E] {
	origin := s.visibleAt(pos - 1)
	chunk := Chunk[E]{ID: id, Content: append([]E(nil), values...)}
	if origin != nil {
		o := origin.id
		chunk.Origin = &o
	}
	s.Integrate(chunk)
	return chunk
}

// Delete tombstones n visible elements starting at pos and returns the ids it
// removed.
func (s *Sequence[E]) Delete(pos, n int) DeleteSet {
	s.ensureOrder()
	removed := make(DeleteSet)
	if pos < 0 {
		n += pos
		pos = 0
	}
	idx := 0
	for _, el := range s.order {
		if n <= 0 {
			break
		}
		if el.deleted {
			continue
		}
		if idx >= pos {
			removed.Add(el.id, 1)
			n--
		}
		idx++
	}
	s.ApplyDeletes(removed)
	return removed
}

// Integrate merges a chunk received from any replica. Elements already known
// are skipped, and elements whose parent is unknown wait until it arrives.
// It reports whether any element became known.
func (s *Sequence[E]) Integrate(chunk Chunk[E]) bool {
	changed := false
	for k, v := range chunk.Content {
		id := chunk.ID.Offset(k)
		if s.known(id) {
			continue
		}
		var parent *ID
		if k == 0 {
			if chunk.Origin != nil {
				p := *chunk.Origin
				parent = &p
			}
		} else {
			p := chunk.ID.Offset(k - 1)
			parent = &p
		}
		s.place(&element[E]{id: id, parent: parent, value: v})
		changed = true
	}
	return changed
}

// ApplyDeletes merges a delete set and reports whether anything new was
// recorded.
func (s *Sequence[E]) ApplyDeletes(ds DeleteSet) bool {
	fresh := make(DeleteSet)
	for client, ranges := range ds {
		for _, r := range ranges {
			if r.Len == 0 || s.deleted.covers(client, r) {
				continue
			}
			fresh.Add(ID{Client: client, Clock: r.Clock}, r.Len)
		}
	}
	if fresh.Empty() {
		return false
	}

	// ranges can be far wider than the sequence, so walk the elements
	for id, el := range s.elements {
		if !el.deleted && fresh.Contains(id) {
			el.deleted = true
			s.visible = -1
		}
	}
	s.deleted.Merge(fresh)
	return true
}

// Chunks returns every known element, including ones still waiting for their
// parent, grouped back into chunks.
func (s *Sequence[E]) Chunks() []Chunk[E] {
	all := make([]*element[E], 0, len(s.elements)+len(s.orphans))
	for _, el := range s.elements {
		all = append(all, el)
	}
	for _, waiting := range s.pending {
		all = append(all, waiting...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].id.Client != all[j].id.Client {
			return all[i].id.Client < all[j].id.Client
		}
		return all[i].id.Clock < all[j].id.Clock
	})

	var chunks []Chunk[E]
	for i, el := range all {
		if i > 0 {
			prev := all[i-1]
			cur := &chunks[len(chunks)-1]
			if el.parent != nil && *el.parent == prev.id && el.id == prev.id.Offset(1) {
				cur.Content = append(cur.Content, el.value)
				continue
			}
		}
		chunk := Chunk[E]{ID: el.id, Content: []E{el.value}}
		if el.parent != nil {
			p := *el.parent
			chunk.Origin = &p
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Deleted returns a copy of the delete set
func (s *Sequence[E]) Deleted() DeleteSet {
	return s.deleted.Clone()
}

// MaxClock returns the highest clock of any known element or deletion
func (s *Sequence[E]) MaxClock() uint64 {
	var m uint64
	for id := range s.elements {
		m = max(m, id.Clock)
	}
	for _, waiting := range s.pending {
		for _, el := range waiting {
			m = max(m, el.id.Clock)
		}
	}
	return m
}

func (s *Sequence[E]) known(id ID) bool {
	if _, ok := s.elements[id]; ok {
		return true
	}
	_, ok := s.orphans[id]
	return ok
}

func (s *Sequence[E]) place(el *element[E]) {
	if el.parent != nil {
		if _, ok := s.elements[*el.parent]; !ok {
			s.pending[*el.parent] = append(s.pending[*el.parent], el)
			s.orphans[el.id] = struct{}{}
			return
		}
	}

	stack := []*element[E]{el}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.parent == nil {
			s.roots = insertSibling(s.roots, cur)
		} else {
			p := s.elements[*cur.parent]
			p.children = insertSibling(p.children, cur)
		}
		cur.deleted = s.deleted.Contains(cur.id)
		s.elements[cur.id] = cur
		delete(s.orphans, cur.id)

		if waiting, ok := s.pending[cur.id]; ok {
			delete(s.pending, cur.id)
			stack = append(stack, waiting...)
		}
	}
	s.order = nil
	s.visible = -1
}

// insertSibling keeps siblings sorted by descending ID
func insertSibling[E any](list []*element[E], el *element[E]) []*element[E] {
	i := sort.Search(len(list), func(i int) bool { return list[i].id.Less(el.id) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = el
	return list
}

func (s *Sequence[E]) ensureOrder() {
	if s.order != nil && s.visible >= 0 {
		return
	}
	if s.order == nil {
		s.order = make([]*element[E], 0, len(s.elements))
		stack := make([]*element[E], 0, len(s.roots))
		for i := len(s.roots) - 1; i >= 0; i-- {
			stack = append(stack, s.roots[i])
		}
		for len(stack) > 0 {
			el := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			s.order = append(s.order, el)
			for i := len(el.children) - 1; i >= 0; i-- {
				stack = append(stack, el.children[i])
			}
		}
	}
	s.visible = 0
	for _, el := range s.order {
		if !el.deleted {
			s.visible++
		}
	}
}

// visibleAt returns the visible element at index pos, or nil when pos < 0.
// pos past the end resolves to the last visible element.
func (s *Sequence[E]) visibleAt(pos int) *element[E] {
	if pos < 0 {
		return nil
	}
	s.ensureOrder()
	var last *element[E]
	idx := 0
	for _, el := range s.order {
		if el.deleted {
			continue
		}
		last = el
		if idx == pos {
			return el
		}
		idx++
	}
	return last
}
