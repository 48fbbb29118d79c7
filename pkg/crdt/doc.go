/*
Package crdt provides the conflict-free replicated data types the room store
is built from.

  - Sequence: a replicated growable array. Each element is stamped with a
    Lamport ID and parented by the element it was inserted after; the visible
    order is a pre-order walk of that tree with siblings sorted by descending
    ID. Deletions are tombstones kept in a DeleteSet.
  - Text and List: Sequence specialisations for characters and JSON values.
  - Map: last-writer-wins registers keyed by string.
  - Update: the JSON wire form exchanged between replicas.

Integration is commutative, associative and idempotent: replica state is a
union of immutable chunks, map entries and delete ranges, and what a reader
sees is a pure function of that union. Chunks that arrive before their parent
stay invisible until the parent is integrated.

	t := crdt.NewText()
	clock := crdt.NewClock("peer-a")
	chunk := t.Insert(0, clock.Tick(5), "hello")

	other := crdt.NewText()
	other.Integrate(chunk) // other.String() == "hello"
*/
package crdt
