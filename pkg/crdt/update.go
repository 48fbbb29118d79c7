package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedUpdate is returned when update bytes cannot be decoded
var ErrMalformedUpdate = errors.New("malformed update")

// TextUpdate carries inserted chunks and deletions for one text region
type TextUpdate struct {
	Chunks  []TextChunk `json:"chunks,omitempty"`
	Deleted DeleteSet   `json:"deleted,omitempty"`
}

// ListUpdate carries inserted chunks and deletions for one list region
type ListUpdate struct {
	Chunks  []ListChunk `json:"chunks,omitempty"`
	Deleted DeleteSet   `json:"deleted,omitempty"`
}

// Update is the unit of replication. It is keyed by region name and can
// describe anything from a single keystroke to a full state.
type Update struct {
	Maps  map[string][]MapEntry  `json:"maps,omitempty"`
	Texts map[string]*TextUpdate `json:"texts,omitempty"`
	Lists map[string]*ListUpdate `json:"lists,omitempty"`
}

// NewUpdate returns an empty update ready to be filled
func NewUpdate() *Update {
	return &Update{
		Maps:  make(map[string][]MapEntry),
		Texts: make(map[string]*TextUpdate),
		Lists: make(map[string]*ListUpdate),
	}
}

// Text returns the section for a text region, creating it on first use
func (u *Update) Text(region string) *TextUpdate {
	if u.Texts == nil {
		u.Texts = make(map[string]*TextUpdate)
	}
	t, ok := u.Texts[region]
	if !ok {
		t = &TextUpdate{}
		u.Texts[region] = t
	}
	return t
}

// List returns the section for a list region, creating it on first use
func (u *Update) List(region string) *ListUpdate {
	if u.Lists == nil {
		u.Lists = make(map[string]*ListUpdate)
	}
	l, ok := u.Lists[region]
	if !ok {
		l = &ListUpdate{}
		u.Lists[region] = l
	}
	return l
}

// AddEntry appends a map write for region
func (u *Update) AddEntry(region string, e MapEntry) {
	if u.Maps == nil {
		u.Maps = make(map[string][]MapEntry)
	}
	u.Maps[region] = append(u.Maps[region], e)
}

func (ds DeleteSet) mergeInto(target *DeleteSet) {
	if *target == nil {
		*target = make(DeleteSet)
	}
	(*target).Merge(ds)
}

// AddTextDeletes merges deletions into the text section for region
func (u *Update) AddTextDeletes(region string, ds DeleteSet) {
	if ds.Empty() {
		return
	}
	ds.mergeInto(&u.Text(region).Deleted)
}

// AddListDeletes merges deletions into the list section for region
func (u *Update) AddListDeletes(region string, ds DeleteSet) {
	if ds.Empty() {
		return
	}
	ds.mergeInto(&u.List(region).Deleted)
}

// Empty reports whether the update carries nothing
func (u *Update) Empty() bool {
	for _, entries := range u.Maps {
		if len(entries) > 0 {
			return false
		}
	}
	for _, t := range u.Texts {
		if len(t.Chunks) > 0 || !t.Deleted.Empty() {
			return false
		}
	}
	for _, l := range u.Lists {
		if len(l.Chunks) > 0 || !l.Deleted.Empty() {
			return false
		}
	}
	return true
}

// Regions returns the names of every region the update touches
func (u *Update) Regions() []string {
	var out []string
	for r, entries := range u.Maps {
		if len(entries) > 0 {
			out = append(out, r)
		}
	}
	for r, t := range u.Texts {
		if len(t.Chunks) > 0 || !t.Deleted.Empty() {
			out = append(out, r)
		}
	}
	for r, l := range u.Lists {
		if len(l.Chunks) > 0 || !l.Deleted.Empty() {
			out = append(out, r)
		}
	}
	return out
}

// MaxClock returns the highest clock referenced by the update
func (u *Update) MaxClock() uint64 {
	var m uint64
	for _, entries := range u.Maps {
		for _, e := range entries {
			m = max(m, e.Stamp.Clock)
		}
	}
	for _, t := range u.Texts {
		for _, c := range t.Chunks {
			if n := len([]rune(c.Text)); n > 0 {
				m = max(m, c.ID.Clock+uint64(n)-1)
			}
		}
	}
	for _, l := range u.Lists {
		for _, c := range l.Chunks {
			if n := len(c.Items); n > 0 {
				m = max(m, c.ID.Clock+uint64(n)-1)
			}
		}
	}
	return m
}

// Encode serializes the update
func (u *Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses update bytes and validates stamps
func DecodeUpdate(b []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

func (u *Update) validate() error {
	for region, entries := range u.Maps {
		for _, e := range entries {
			if e.Stamp.Client == "" || e.Key == "" {
				return fmt.Errorf("%w: map %q has an entry without key or stamp", ErrMalformedUpdate, region)
			}
		}
	}
	for region, t := range u.Texts {
		if t == nil {
			return fmt.Errorf("%w: text %q is null", ErrMalformedUpdate, region)
		}
		for _, c := range t.Chunks {
			if c.ID.Client == "" {
				return fmt.Errorf("%w: text %q has a chunk without id", ErrMalformedUpdate, region)
			}
		}
		if err := t.Deleted.validate(); err != nil {
			return fmt.Errorf("%w: text %q: %v", ErrMalformedUpdate, region, err)
		}
	}
	for region, l := range u.Lists {
		if l == nil {
			return fmt.Errorf("%w: list %q is null", ErrMalformedUpdate, region)
		}
		for _, c := range l.Chunks {
			if c.ID.Client == "" {
				return fmt.Errorf("%w: list %q has a chunk without id", ErrMalformedUpdate, region)
			}
		}
		if err := l.Deleted.validate(); err != nil {
			return fmt.Errorf("%w: list %q: %v", ErrMalformedUpdate, region, err)
		}
	}
	return nil
}
