package store

import (
	"bytes"
	"encoding/json"

	"github.com/cuemby/pairpilot/pkg/crdt"
	"github.com/cuemby/pairpilot/pkg/types"
)

// Keys of the room and run regions
const (
	KeyOwnerID = "ownerId"
	KeySchema  = "schema"
)

type runField struct {
	key    string
	encode func(*types.RunRecord) any
	decode func(*types.RunRecord, json.RawMessage) error
}

// strField stores empty strings as null
func strField(key string, p func(*types.RunRecord) *string) runField {
	return runField{
		key: key,
		encode: func(r *types.RunRecord) any {
			if v := *p(r); v != "" {
				return v
			}
			return nil
		},
		decode: func(r *types.RunRecord, raw json.RawMessage) error {
			var v *string
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if v == nil {
				*p(r) = ""
				return nil
			}
			*p(r) = *v
			return nil
		},
	}
}

func ptrField[T any](key string, p func(*types.RunRecord) **T) runField {
	return runField{
		key:    key,
		encode: func(r *types.RunRecord) any { return *p(r) },
		decode: func(r *types.RunRecord, raw json.RawMessage) error { return json.Unmarshal(raw, p(r)) },
	}
}

func valField[T any](key string, p func(*types.RunRecord) *T) runField {
	return runField{
		key:    key,
		encode: func(r *types.RunRecord) any { return *p(r) },
		decode: func(r *types.RunRecord, raw json.RawMessage) error { return json.Unmarshal(raw, p(r)) },
	}
}

var runFields = []runField{
	strField("state", func(r *types.RunRecord) *string { return (*string)(&r.State) }),
	strField("runId", func(r *types.RunRecord) *string { return &r.RunID }),
	strField("runBy", func(r *types.RunRecord) *string { return &r.RunBy }),
	strField("language", func(r *types.RunRecord) *string { return (*string)(&r.Language) }),
	strField("phase", func(r *types.RunRecord) *string { return &r.Phase }),
	strField("message", func(r *types.RunRecord) *string { return &r.Message }),
	ptrField("rateLimitLimit", func(r *types.RunRecord) **int { return &r.RateLimitLimit }),
	ptrField("rateLimitWindowSec", func(r *types.RunRecord) **int { return &r.RateLimitWindowSec }),
	ptrField("rateLimitRemaining", func(r *types.RunRecord) **int { return &r.RateLimitRemaining }),
	ptrField("rateLimitResetMs", func(r *types.RunRecord) **int64 { return &r.RateLimitResetMs }),
	ptrField("elapsedMs", func(r *types.RunRecord) **int64 { return &r.ElapsedMs }),
	valField("stdoutBytes", func(r *types.RunRecord) *int64 { return &r.StdoutBytes }),
	valField("stderrBytes", func(r *types.RunRecord) *int64 { return &r.StderrBytes }),
	strField("error", func(r *types.RunRecord) *string { return &r.Error }),
}

func decodeRun(m *crdt.Map) types.RunRecord {
	r := types.DefaultRunRecord()
	for _, f := range runFields {
		raw, ok := m.Get(f.key)
		if !ok {
			continue
		}
		// a field written by an incompatible peer keeps its default
		_ = f.decode(&r, raw)
	}
	if r.State == "" {
		r.State = types.RunStateIdle
	}
	if r.Language == "" {
		r.Language = types.DefaultLanguage
	}
	return r
}

func decodeHistory(l *crdt.List) []types.RunSummary {
	items := l.Items()
	out := make([]types.RunSummary, 0, len(items))
	for _, raw := range items {
		var s types.RunSummary
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

func stringValue(m *crdt.Map, key string) string {
	raw, ok := m.Get(key)
	if !ok {
		return ""
	}
	var v *string
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return ""
	}
	return *v
}

func decodeRoles(m *crdt.Map) map[string]types.Role {
	out := make(map[string]types.Role)
	for _, k := range m.Keys() {
		if r := types.Role(stringValue(m, k)); types.ValidRole(r) {
			out[k] = r
		}
	}
	return out
}

func effectiveRole(room, roles *crdt.Map, id string) types.Role {
	if id != "" && stringValue(room, KeyOwnerID) == id {
		return types.RoleEditor
	}
	if r := types.Role(stringValue(roles, id)); types.ValidRole(r) {
		return r
	}
	return types.RoleViewer
}

// RunRecord decodes the run region. Missing fields take their defaults.
func (t *Txn) RunRecord() types.RunRecord {
	return decodeRun(t.mapRegion(RegionRun))
}

// UpdateRun applies fn to the current run record and writes only the fields
// whose encoded value changed.
func (t *Txn) UpdateRun(fn func(*types.RunRecord)) {
	m := t.mapRegion(RegionRun)
	next := decodeRun(m)
	fn(&next)
	for _, f := range runFields {
		b, err := json.Marshal(f.encode(&next))
		if err != nil {
			continue
		}
		if cur, ok := m.Get(f.key); ok && bytes.Equal(cur, b) {
			continue
		}
		t.SetRaw(RegionRun, f.key, b)
	}
}

// InitRunRecord writes the default run record and schema version when the
// run region is still empty. It reports whether it wrote anything.
func (t *Txn) InitRunRecord() bool {
	if t.Has(RegionRun, "state") {
		return false
	}
	t.UpdateRun(func(r *types.RunRecord) { *r = types.DefaultRunRecord() })
	if !t.Has(RegionRun, KeySchema) {
		_ = t.Set(RegionRun, KeySchema, types.SchemaVersion)
	}
	return true
}

// History returns the run history, oldest first
func (t *Txn) History() []types.RunSummary {
	return decodeHistory(t.list(RegionRuns))
}

// AppendHistory pushes a summary and prunes the history to
// types.HistoryLimit entries, dropping the oldest.
func (t *Txn) AppendHistory(s types.RunSummary) error {
	if err := t.Push(RegionRuns, s); err != nil {
		return err
	}
	if n := t.ListLen(RegionRuns); n > types.HistoryLimit {
		t.DeleteList(RegionRuns, 0, n-types.HistoryLimit)
	}
	return nil
}

// Owner returns the owner identity, or "" when the room is unclaimed
func (t *Txn) Owner() string {
	return stringValue(t.mapRegion(RegionRoom), KeyOwnerID)
}

// SetOwner claims the room for id
func (t *Txn) SetOwner(id string) {
	_ = t.Set(RegionRoom, KeyOwnerID, id)
}

// Role returns the role map entry for id
func (t *Txn) Role(id string) (types.Role, bool) {
	r := types.Role(stringValue(t.mapRegion(RegionRoles), id))
	return r, types.ValidRole(r)
}

// SetRole writes the role map entry for id
func (t *Txn) SetRole(id string, role types.Role) {
	_ = t.Set(RegionRoles, id, string(role))
}

// EffectiveRole resolves id's role with the owner forced to editor
func (t *Txn) EffectiveRole(id string) types.Role {
	return effectiveRole(t.mapRegion(RegionRoom), t.mapRegion(RegionRoles), id)
}

// RunRecord decodes the run region
func (s *Store) RunRecord() types.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeRun(s.maps[RegionRun])
}

// HasRunRecord reports whether any peer initialized the run record
func (s *Store) HasRunRecord() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maps[RegionRun].Has("state")
}

// History returns the run history, oldest first
func (s *Store) History() []types.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeHistory(s.lists[RegionRuns])
}

// Owner returns the owner identity, or "" when the room is unclaimed
func (s *Store) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stringValue(s.maps[RegionRoom], KeyOwnerID)
}

// Role returns the role map entry for id
func (s *Store) Role(id string) (types.Role, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := types.Role(stringValue(s.maps[RegionRoles], id))
	return r, types.ValidRole(r)
}

// Roles returns a copy of the role map
func (s *Store) Roles() map[string]types.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeRoles(s.maps[RegionRoles])
}

// EffectiveRole resolves id's role with the owner forced to editor. Identities
// without an entry are viewers.
func (s *Store) EffectiveRole(id string) types.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return effectiveRole(s.maps[RegionRoom], s.maps[RegionRoles], id)
}

// Text returns the content of a text region
func (s *Store) Text(region string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.texts[region]
	if !ok {
		return ""
	}
	return t.String()
}

// Get returns the raw value under key in a map region
func (s *Store) Get(region, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[region]
	if !ok {
		return nil, false
	}
	return m.Get(key)
}
