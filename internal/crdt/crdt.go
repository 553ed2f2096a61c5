// internal/crdt/crdt.go
//
// Conflict-free replicated types. A CRDT's accumulated, deduplicated
// change-log is the source of truth; the materialized value is a cache
// recomputed from it. Merging is idempotent and commutative: the same
// change-set yields the same value in any order, any number of times.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Built-in type tags.
const (
	TypeMap     = "map"
	TypeList    = "list"
	TypeCounter = "counter"
)

// Change ops.
const (
	OpSet = "SET"
	OpDel = "DEL"
	OpIns = "INS"
	OpAdd = "ADD"
	OpSub = "SUB"
)

// CRDT is the capability contract every replicated type satisfies.
// MergeChanges drops malformed entries individually (never fatal) and
// returns how many entries were accepted.
type CRDT interface {
	Type() string
	MergeChanges(changes []json.RawMessage) int
	Changes() []json.RawMessage
	Value() json.RawMessage
}

type Constructor func() CRDT

// Registry maps a crdt_type tag to a constructor. Dispatch is purely on the
// tag carried in the envelope, never on concrete type identity. Each node
// instance owns its own registry.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	r.ctors[TypeMap] = func() CRDT { return NewMap() }
	r.ctors[TypeList] = func() CRDT { return NewList() }
	r.ctors[TypeCounter] = func() CRDT { return NewCounter() }
	return r
}

// Register adds a custom type under its tag. Re-registering a tag is an
// error; the built-ins cannot be shadowed.
func (r *Registry) Register(tag string, ctor Constructor) error {
	if tag == "" || ctor == nil {
		return fmt.Errorf("missing tag or constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[tag]; exists {
		return fmt.Errorf("crdt type already registered: %s", tag)
	}
	r.ctors[tag] = ctor
	return nil
}

func (r *Registry) New(tag string) (CRDT, bool) {
	r.mu.RLock()
	ctor, ok := r.ctors[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctor(), true
}

func (r *Registry) Known(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[tag]
	return ok
}

func marshalChanges(changes []any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(changes))
	for _, c := range changes {
		b, err := json.Marshal(c)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}
