// internal/crdt/map.go
package crdt

import (
	"bytes"
	"encoding/json"
	"sort"
)

// MapChange is one log entry of a last-writer-wins map. Index is the
// author's per-map monotonic sequence.
type MapChange struct {
	Op     string          `json:"op"` // SET | DEL
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Author string          `json:"author"`
	Index  int64           `json:"index"`
}

// MapCRDT resolves concurrent writes per map-key: highest index wins, SET
// beats DEL on an index tie, and the lexicographically greater author breaks
// the remaining tie. Arbitrary, but the same on every peer.
type MapCRDT struct {
	entries map[string]MapChange // dedup key -> change
}

func NewMap() *MapCRDT {
	return &MapCRDT{entries: make(map[string]MapChange)}
}

func (m *MapCRDT) Type() string { return TypeMap }

func mapDedupKey(c MapChange) string {
	b, _ := json.Marshal(c)
	return string(b)
}

func validMapChange(c MapChange) bool {
	if c.Key == "" || c.Author == "" || c.Index < 0 {
		return false
	}
	switch c.Op {
	case OpSet:
		return len(c.Value) > 0 && json.Valid(c.Value)
	case OpDel:
		return true
	default:
		return false
	}
}

func (m *MapCRDT) MergeChanges(changes []json.RawMessage) int {
	accepted := 0
	for _, raw := range changes {
		var c MapChange
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		if !validMapChange(c) {
			continue
		}
		key := mapDedupKey(c)
		if _, seen := m.entries[key]; seen {
			continue
		}
		m.entries[key] = c
		accepted++
	}
	return accepted
}

// mapChangeLess orders the log deterministically for Changes().
func mapChangeLess(a, b MapChange) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	if a.Op != b.Op {
		return a.Op < b.Op
	}
	return bytes.Compare(a.Value, b.Value) < 0
}

// mapChangeBeats reports whether a supersedes b for the same map-key.
func mapChangeBeats(a, b MapChange) bool {
	if a.Index != b.Index {
		return a.Index > b.Index
	}
	if (a.Op == OpSet) != (b.Op == OpSet) {
		return a.Op == OpSet
	}
	if a.Author != b.Author {
		return a.Author > b.Author
	}
	return bytes.Compare(a.Value, b.Value) > 0
}

func (m *MapCRDT) sorted() []MapChange {
	out := make([]MapChange, 0, len(m.entries))
	for _, c := range m.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return mapChangeLess(out[i], out[j]) })
	return out
}

func (m *MapCRDT) Changes() []json.RawMessage {
	sorted := m.sorted()
	anys := make([]any, len(sorted))
	for i, c := range sorted {
		anys[i] = c
	}
	return marshalChanges(anys)
}

func (m *MapCRDT) Value() json.RawMessage {
	winners := make(map[string]MapChange)
	for _, c := range m.entries {
		best, ok := winners[c.Key]
		if !ok || mapChangeBeats(c, best) {
			winners[c.Key] = c
		}
	}
	result := make(map[string]json.RawMessage)
	for key, c := range winners {
		if c.Op == OpSet {
			result[key] = c.Value
		}
	}
	b, err := json.Marshal(result)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// NextIndex returns the author's next free sequence index.
func (m *MapCRDT) NextIndex(author string) int64 {
	next := int64(0)
	for _, c := range m.entries {
		if c.Author == author && c.Index >= next {
			next = c.Index + 1
		}
	}
	return next
}

// Set appends a local SET change and returns it serialized.
func (m *MapCRDT) Set(author, key string, value json.RawMessage) json.RawMessage {
	c := MapChange{Op: OpSet, Key: key, Value: value, Author: author, Index: m.NextIndex(author)}
	b, _ := json.Marshal(c)
	m.MergeChanges([]json.RawMessage{b})
	return b
}

// Delete appends a local DEL change and returns it serialized.
func (m *MapCRDT) Delete(author, key string) json.RawMessage {
	c := MapChange{Op: OpDel, Key: key, Author: author, Index: m.NextIndex(author)}
	b, _ := json.Marshal(c)
	m.MergeChanges([]json.RawMessage{b})
	return b
}
