// internal/crdt/counter.go
package crdt

import (
	"encoding/json"
	"sort"
	"strconv"
)

// CounterChange is one signed-sum log entry. (Author, Index) is the dedup
// key: re-applying an already-seen pair is a no-op.
type CounterChange struct {
	Op     string `json:"op"` // ADD | SUB
	Amount int64  `json:"amount"`
	Author string `json:"author"`
	Index  int64  `json:"index"`
}

type CounterCRDT struct {
	seen map[string]CounterChange
}

func NewCounter() *CounterCRDT {
	return &CounterCRDT{seen: make(map[string]CounterChange)}
}

func (c *CounterCRDT) Type() string { return TypeCounter }

func counterDedupKey(ch CounterChange) string {
	return ch.Author + "|" + strconv.FormatInt(ch.Index, 10)
}

func (c *CounterCRDT) MergeChanges(changes []json.RawMessage) int {
	accepted := 0
	for _, raw := range changes {
		var ch CounterChange
		if err := json.Unmarshal(raw, &ch); err != nil {
			continue
		}
		if ch.Author == "" || ch.Index < 0 || ch.Amount < 0 {
			continue
		}
		if ch.Op != OpAdd && ch.Op != OpSub {
			continue
		}
		key := counterDedupKey(ch)
		if _, dup := c.seen[key]; dup {
			continue
		}
		c.seen[key] = ch
		accepted++
	}
	return accepted
}

func (c *CounterCRDT) Changes() []json.RawMessage {
	out := make([]CounterChange, 0, len(c.seen))
	for _, ch := range c.seen {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Author != out[j].Author {
			return out[i].Author < out[j].Author
		}
		return out[i].Index < out[j].Index
	})
	anys := make([]any, len(out))
	for i, ch := range out {
		anys[i] = ch
	}
	return marshalChanges(anys)
}

// Value is the signed sum over the deduplicated log, as a JSON number.
func (c *CounterCRDT) Value() json.RawMessage {
	var total int64
	for _, ch := range c.seen {
		if ch.Op == OpAdd {
			total += ch.Amount
		} else {
			total -= ch.Amount
		}
	}
	return json.RawMessage(strconv.FormatInt(total, 10))
}

// Total is Value as an int64 for local callers.
func (c *CounterCRDT) Total() int64 {
	var total int64
	for _, ch := range c.seen {
		if ch.Op == OpAdd {
			total += ch.Amount
		} else {
			total -= ch.Amount
		}
	}
	return total
}

// NextIndex returns the author's next free index.
func (c *CounterCRDT) NextIndex(author string) int64 {
	next := int64(0)
	for _, ch := range c.seen {
		if ch.Author == author && ch.Index >= next {
			next = ch.Index + 1
		}
	}
	return next
}

// Add appends a local ADD change and returns it serialized.
func (c *CounterCRDT) Add(author string, amount int64) json.RawMessage {
	ch := CounterChange{Op: OpAdd, Amount: amount, Author: author, Index: c.NextIndex(author)}
	b, _ := json.Marshal(ch)
	c.MergeChanges([]json.RawMessage{b})
	return b
}

// Sub appends a local SUB change and returns it serialized.
func (c *CounterCRDT) Sub(author string, amount int64) json.RawMessage {
	ch := CounterChange{Op: OpSub, Amount: amount, Author: author, Index: c.NextIndex(author)}
	b, _ := json.Marshal(ch)
	c.MergeChanges([]json.RawMessage{b})
	return b
}
