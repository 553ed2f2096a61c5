// internal/crdt/list.go
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ListChange is one log entry of a replicated sequence. ID is
// "{author}:{seq}", globally unique, and serves as a linked-list cursor:
// PrevID anchors the insert position, so concurrent inserts at the same
// position interleave deterministically by id order instead of fighting
// over integer indexes.
type ListChange struct {
	Op     string          `json:"op"` // INS | DEL
	ID     string          `json:"id"`
	Value  json.RawMessage `json:"value,omitempty"`
	PrevID string          `json:"prev_id,omitempty"`
	NextID string          `json:"next_id,omitempty"`
}

// EntryID composes the change id for an author's seq counter.
func EntryID(author string, seq int64) string {
	return author + ":" + strconv.FormatInt(seq, 10)
}

func splitEntryID(id string) (author string, seq int64, ok bool) {
	cut := strings.LastIndex(id, ":")
	if cut <= 0 || cut == len(id)-1 {
		return "", 0, false
	}
	seq, err := strconv.ParseInt(id[cut+1:], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, false
	}
	return id[:cut], seq, true
}

type listEntry struct {
	value    json.RawMessage
	prev     string
	next     string
	inserted bool
	deleted  bool
}

// ListCRDT retains tombstones: DEL marks an id deleted but never removes the
// entry, so re-merging the original INS can never resurrect it.
type ListCRDT struct {
	entries map[string]*listEntry
}

func NewList() *ListCRDT {
	return &ListCRDT{entries: make(map[string]*listEntry)}
}

func (l *ListCRDT) Type() string { return TypeList }

func (l *ListCRDT) entry(id string) *listEntry {
	e, ok := l.entries[id]
	if !ok {
		e = &listEntry{}
		l.entries[id] = e
	}
	return e
}

func (l *ListCRDT) MergeChanges(changes []json.RawMessage) int {
	accepted := 0
	for _, raw := range changes {
		var c ListChange
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		if _, _, ok := splitEntryID(c.ID); !ok {
			continue
		}
		switch c.Op {
		case OpIns:
			if len(c.Value) == 0 || !json.Valid(c.Value) {
				continue
			}
			if c.PrevID == c.ID {
				continue
			}
			e := l.entry(c.ID)
			if e.inserted {
				continue // first INS for an id wins; ids are unique by construction
			}
			e.inserted = true
			e.value = c.Value
			e.prev = c.PrevID
			e.next = c.NextID
			accepted++
		case OpDel:
			e := l.entry(c.ID)
			if e.deleted {
				continue
			}
			e.deleted = true
			accepted++
		default:
			continue
		}
	}
	return accepted
}

// idLess orders sibling inserts: higher seq first, then higher author, so
// later concurrent inserts land closer to their anchor on every peer.
func idBefore(a, b string) bool {
	authorA, seqA, okA := splitEntryID(a)
	authorB, seqB, okB := splitEntryID(b)
	if !okA || !okB {
		return a > b
	}
	if seqA != seqB {
		return seqA > seqB
	}
	return authorA > authorB
}

// traversal computes the materialized order as a pure function of the entry
// set, so any merge order converges. Entries whose anchor is unknown hang
// off the root until the anchor arrives. Anchors that form a cycle are
// broken deterministically: the smallest id of each stranded group is
// promoted to the root and the rest follow from it.
func (l *ListCRDT) traversal() []string {
	children := make(map[string][]string)
	inserted := 0
	for id, e := range l.entries {
		if !e.inserted {
			continue
		}
		inserted++
		parent := e.prev
		if parent != "" {
			if pe, ok := l.entries[parent]; !ok || !pe.inserted {
				parent = ""
			}
		}
		children[parent] = append(children[parent], id)
	}
	for _, ids := range children {
		sort.Slice(ids, func(i, j int) bool { return idBefore(ids[i], ids[j]) })
	}

	order := make([]string, 0, inserted)
	visited := make(map[string]bool, inserted)
	var walk func(parent string)
	walk = func(parent string) {
		for _, id := range children[parent] {
			if visited[id] {
				continue
			}
			visited[id] = true
			order = append(order, id)
			walk(id)
		}
	}
	walk("")

	for len(order) < inserted {
		var stranded []string
		for id, e := range l.entries {
			if e.inserted && !visited[id] {
				stranded = append(stranded, id)
			}
		}
		sort.Strings(stranded)
		head := stranded[0]
		visited[head] = true
		order = append(order, head)
		walk(head)
	}
	return order
}

func (l *ListCRDT) Changes() []json.RawMessage {
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []any
	for _, id := range ids {
		e := l.entries[id]
		if e.inserted {
			out = append(out, ListChange{Op: OpIns, ID: id, Value: e.value, PrevID: e.prev, NextID: e.next})
		}
	}
	for _, id := range ids {
		if l.entries[id].deleted {
			out = append(out, ListChange{Op: OpDel, ID: id})
		}
	}
	return marshalChanges(out)
}

// Value is the tombstone-filtered traversal order as a JSON array.
func (l *ListCRDT) Value() json.RawMessage {
	values := make([]json.RawMessage, 0)
	for _, id := range l.traversal() {
		e := l.entries[id]
		if e.deleted {
			continue
		}
		values = append(values, e.value)
	}
	b, err := json.Marshal(values)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return b
}

// NextSeq returns the author's next free sequence number.
func (l *ListCRDT) NextSeq(author string) int64 {
	next := int64(0)
	for id := range l.entries {
		a, seq, ok := splitEntryID(id)
		if ok && a == author && seq >= next {
			next = seq + 1
		}
	}
	return next
}

// Insert appends a local INS change anchored after prevID ("" for head) and
// returns it serialized.
func (l *ListCRDT) Insert(author string, value json.RawMessage, prevID string) (json.RawMessage, error) {
	id := EntryID(author, l.NextSeq(author))
	if prevID != "" {
		if e, ok := l.entries[prevID]; !ok || !e.inserted {
			return nil, fmt.Errorf("unknown prev id: %s", prevID)
		}
	}
	c := ListChange{Op: OpIns, ID: id, Value: value, PrevID: prevID}
	b, _ := json.Marshal(c)
	l.MergeChanges([]json.RawMessage{b})
	return b, nil
}

// Delete appends a local tombstone for id and returns it serialized.
func (l *ListCRDT) Delete(id string) (json.RawMessage, error) {
	if _, _, ok := splitEntryID(id); !ok {
		return nil, fmt.Errorf("bad entry id: %s", id)
	}
	c := ListChange{Op: OpDel, ID: id}
	b, _ := json.Marshal(c)
	l.MergeChanges([]json.RawMessage{b})
	return b, nil
}
