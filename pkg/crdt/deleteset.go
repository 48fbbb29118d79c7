package crdt

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Range is a run of deleted clocks [Clock, Clock+Len) for one client
type Range struct {
	Clock uint64 `json:"clock"`
	Len   uint64 `json:"len"`
}

// MaxRangeLen bounds the length of a single decoded delete range
const MaxRangeLen = 1 << 32

func (r Range) end() uint64 { return r.Clock + r.Len }

func (r Range) validate() error {
	if r.Len == 0 || r.Len > MaxRangeLen {
		return fmt.Errorf("length %d out of bounds", r.Len)
	}
	if r.Clock > math.MaxUint64-r.Len {
		return fmt.Errorf("range at clock %d with length %d overflows", r.Clock, r.Len)
	}
	return nil
}

func (ds DeleteSet) validate() error {
	for client, ranges := range ds {
		if client == "" {
			return errors.New("range without client")
		}
		for _, r := range ranges {
			if err := r.validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteSet records tombstoned element ids as sorted, non-overlapping ranges
// per client.
type DeleteSet map[string][]Range

// Contains reports whether id has been deleted
func (ds DeleteSet) Contains(id ID) bool {
	ranges := ds[id.Client]
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].end() > id.Clock })
	return i < len(ranges) && ranges[i].Clock <= id.Clock
}

// covers reports whether every clock of r is already deleted for client
func (ds DeleteSet) covers(client string, r Range) bool {
	ranges := ds[client]
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].end() > r.Clock })
	return i < len(ranges) && ranges[i].Clock <= r.Clock && ranges[i].end() >= r.end()
}

// Add records n deleted clocks starting at id
func (ds DeleteSet) Add(id ID, n uint64) {
	if n == 0 {
		return
	}
	in := Range{Clock: id.Clock, Len: n}
	ranges := ds[id.Client]
	out := make([]Range, 0, len(ranges)+1)
	placed := false
	for _, r := range ranges {
		switch {
		case r.end() < in.Clock:
			out = append(out, r)
		case in.end() < r.Clock:
			if !placed {
				out = append(out, in)
				placed = true
			}
			out = append(out, r)
		default:
			start := min(r.Clock, in.Clock)
			end := max(r.end(), in.end())
			in = Range{Clock: start, Len: end - start}
		}
	}
	if !placed {
		out = append(out, in)
	}
	ds[id.Client] = out
}

// Merge adds every range of other into ds
func (ds DeleteSet) Merge(other DeleteSet) {
	for client, ranges := range other {
		for _, r := range ranges {
			ds.Add(ID{Client: client, Clock: r.Clock}, r.Len)
		}
	}
}

// Clone returns a deep copy
func (ds DeleteSet) Clone() DeleteSet {
	out := make(DeleteSet, len(ds))
	for client, ranges := range ds {
		out[client] = append([]Range(nil), ranges...)
	}
	return out
}

// Empty reports whether no deletions are recorded
func (ds DeleteSet) Empty() bool {
	for _, ranges := range ds {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}
