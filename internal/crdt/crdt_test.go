package crdt

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func shuffled(rng *rand.Rand, in []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(in))
	copy(out, in)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func TestRegistryDispatchAndCustomTypes(t *testing.T) {
	r := NewRegistry()
	for _, tag := range []string{TypeMap, TypeList, TypeCounter} {
		c, ok := r.New(tag)
		require.True(t, ok, tag)
		assert.Equal(t, tag, c.Type())
	}
	_, ok := r.New("nope")
	assert.False(t, ok)

	require.NoError(t, r.Register("custom", func() CRDT { return NewCounter() }))
	assert.Error(t, r.Register("custom", func() CRDT { return NewCounter() }), "duplicate tag must fail")
	assert.Error(t, r.Register(TypeMap, func() CRDT { return NewMap() }), "builtins cannot be shadowed")
	_, ok = r.New("custom")
	assert.True(t, ok)
}

func TestMapMergeIsCommutativeAndIdempotent(t *testing.T) {
	changes := []json.RawMessage{}
	for _, c := range []MapChange{
		{Op: OpSet, Key: "name", Value: raw(`"a"`), Author: "alice", Index: 0},
		{Op: OpSet, Key: "name", Value: raw(`"b"`), Author: "bob", Index: 1},
		{Op: OpDel, Key: "name", Author: "carol", Index: 1},
		{Op: OpSet, Key: "city", Value: raw(`"x"`), Author: "alice", Index: 1},
		{Op: OpDel, Key: "city", Author: "bob", Index: 0},
	} {
		changes = append(changes, mustMarshal(t, c))
	}

	base := NewMap()
	base.MergeChanges(changes)
	want := string(base.Value())

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		m := NewMap()
		m.MergeChanges(shuffled(rng, changes))
		assert.Equal(t, want, string(m.Value()), "permutation %d diverged", i)
	}

	// Re-applying the whole set is a no-op.
	again := NewMap()
	again.MergeChanges(changes)
	assert.Zero(t, again.MergeChanges(changes))
	assert.Equal(t, want, string(again.Value()))
}

func TestMapTieBreaks(t *testing.T) {
	m := NewMap()
	m.MergeChanges([]json.RawMessage{
		mustMarshal(t, MapChange{Op: OpDel, Key: "k", Author: "zed", Index: 3}),
		mustMarshal(t, MapChange{Op: OpSet, Key: "k", Value: raw(`"set"`), Author: "amy", Index: 3}),
	})
	// SET beats DEL on an index tie even against a greater author.
	assert.JSONEq(t, `{"k":"set"}`, string(m.Value()))

	m2 := NewMap()
	m2.MergeChanges([]json.RawMessage{
		mustMarshal(t, MapChange{Op: OpSet, Key: "k", Value: raw(`"amy"`), Author: "amy", Index: 3}),
		mustMarshal(t, MapChange{Op: OpSet, Key: "k", Value: raw(`"zed"`), Author: "zed", Index: 3}),
	})
	// Same index and op: greater author wins.
	assert.JSONEq(t, `{"k":"zed"}`, string(m2.Value()))

	m3 := NewMap()
	m3.MergeChanges([]json.RawMessage{
		mustMarshal(t, MapChange{Op: OpSet, Key: "k", Value: raw(`"old"`), Author: "zed", Index: 1}),
		mustMarshal(t, MapChange{Op: OpDel, Key: "k", Author: "amy", Index: 2}),
	})
	// Higher index wins regardless of op.
	assert.JSONEq(t, `{}`, string(m3.Value()))
}

func TestMapDropsMalformedEntriesIndividually(t *testing.T) {
	m := NewMap()
	accepted := m.MergeChanges([]json.RawMessage{
		raw(`{"op":"SET"`), // broken JSON
		raw(`{"op":"NOPE","key":"k","author":"a","index":0}`),
		raw(`{"op":"SET","key":"","author":"a","index":0,"value":1}`),
		mustMarshal(t, MapChange{Op: OpSet, Key: "k", Value: raw(`1`), Author: "a", Index: 0}),
	})
	assert.Equal(t, 1, accepted)
	assert.JSONEq(t, `{"k":1}`, string(m.Value()))
}

func TestListConcurrentInsertsConverge(t *testing.T) {
	// Two authors insert at the head concurrently; both peers converge to
	// the same total order.
	insA := mustMarshal(t, ListChange{Op: OpIns, ID: EntryID("alice", 0), Value: raw(`"a"`)})
	insB := mustMarshal(t, ListChange{Op: OpIns, ID: EntryID("bob", 0), Value: raw(`"b"`)})
	tail := mustMarshal(t, ListChange{Op: OpIns, ID: EntryID("alice", 1), Value: raw(`"a2"`), PrevID: EntryID("alice", 0)})

	p1 := NewList()
	p1.MergeChanges([]json.RawMessage{insA, tail, insB})
	p2 := NewList()
	p2.MergeChanges([]json.RawMessage{insB, insA, tail})
	assert.Equal(t, string(p1.Value()), string(p2.Value()))

	var order []string
	require.NoError(t, json.Unmarshal(p1.Value(), &order))
	assert.Len(t, order, 3)
	// tail anchors directly after alice:0 on every peer.
	posA, posTail := -1, -1
	for i, v := range order {
		switch v {
		case "a":
			posA = i
		case "a2":
			posTail = i
		}
	}
	assert.Equal(t, posA+1, posTail)
}

func TestListDeleteNeverResurrects(t *testing.T) {
	ins := mustMarshal(t, ListChange{Op: OpIns, ID: EntryID("alice", 0), Value: raw(`"x"`)})
	del := mustMarshal(t, ListChange{Op: OpDel, ID: EntryID("alice", 0)})

	l := NewList()
	l.MergeChanges([]json.RawMessage{ins, del})
	assert.JSONEq(t, `[]`, string(l.Value()))

	// Re-merging the original INS after the tombstone keeps it dead.
	l.MergeChanges([]json.RawMessage{ins})
	assert.JSONEq(t, `[]`, string(l.Value()))

	// Tombstone arriving before the INS also keeps it dead.
	l2 := NewList()
	l2.MergeChanges([]json.RawMessage{del})
	l2.MergeChanges([]json.RawMessage{ins})
	assert.JSONEq(t, `[]`, string(l2.Value()))
}

func TestListPermutationConvergence(t *testing.T) {
	l := NewList()
	var changes []json.RawMessage
	prev := ""
	for i := 0; i < 4; i++ {
		c, err := l.Insert("alice", mustMarshal(t, i), prev)
		require.NoError(t, err)
		changes = append(changes, c)
		prev = EntryID("alice", int64(i))
	}
	changes = append(changes,
		mustMarshal(t, ListChange{Op: OpIns, ID: EntryID("bob", 0), Value: raw(`"mid"`), PrevID: EntryID("alice", 1)}),
		mustMarshal(t, ListChange{Op: OpDel, ID: EntryID("alice", 2)}),
	)

	base := NewList()
	base.MergeChanges(changes)
	want := string(base.Value())

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		cand := NewList()
		cand.MergeChanges(shuffled(rng, changes))
		assert.Equal(t, want, string(cand.Value()), "permutation %d diverged", i)
	}
}

func TestListAnchorCycleStaysVisible(t *testing.T) {
	// Anchors referencing each other form a cycle unreachable from the root.
	// The members must still materialize, in the same order on every peer.
	a := mustMarshal(t, ListChange{Op: OpIns, ID: EntryID("alice", 0), Value: raw(`"a"`), PrevID: EntryID("bob", 0)})
	b := mustMarshal(t, ListChange{Op: OpIns, ID: EntryID("bob", 0), Value: raw(`"b"`), PrevID: EntryID("alice", 0)})
	head := mustMarshal(t, ListChange{Op: OpIns, ID: EntryID("carol", 0), Value: raw(`"c"`)})

	l1 := NewList()
	l1.MergeChanges([]json.RawMessage{a, b, head})
	l2 := NewList()
	l2.MergeChanges([]json.RawMessage{head, b, a})

	var got []string
	require.NoError(t, json.Unmarshal(l1.Value(), &got))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got, "cycle members must not vanish")
	assert.Equal(t, string(l1.Value()), string(l2.Value()))

	// A self-contained cycle with no rooted entry at all still materializes.
	l3 := NewList()
	l3.MergeChanges([]json.RawMessage{b, a})
	var loop []string
	require.NoError(t, json.Unmarshal(l3.Value(), &loop))
	assert.ElementsMatch(t, []string{"a", "b"}, loop)
}

func TestCounterDedupByAuthorIndex(t *testing.T) {
	c := NewCounter()
	c.MergeChanges([]json.RawMessage{
		mustMarshal(t, CounterChange{Op: OpAdd, Amount: 5, Author: "a", Index: 0}),
		mustMarshal(t, CounterChange{Op: OpAdd, Amount: 3, Author: "a", Index: 0}),
	})
	// The duplicate (author, index) pair applies once: 5, not 8.
	assert.Equal(t, int64(5), c.Total())

	c.MergeChanges([]json.RawMessage{
		mustMarshal(t, CounterChange{Op: OpSub, Amount: 2, Author: "b", Index: 0}),
	})
	assert.Equal(t, int64(3), c.Total())
	assert.Equal(t, "3", string(c.Value()))
}

func TestCounterPermutationConvergence(t *testing.T) {
	var changes []json.RawMessage
	for i := int64(0); i < 5; i++ {
		changes = append(changes, mustMarshal(t, CounterChange{Op: OpAdd, Amount: i + 1, Author: "a", Index: i}))
		changes = append(changes, mustMarshal(t, CounterChange{Op: OpSub, Amount: i, Author: "b", Index: i}))
	}
	rng := rand.New(rand.NewSource(99))
	want := int64(1 + 2 + 3 + 4 + 5 - (0 + 1 + 2 + 3 + 4))
	for i := 0; i < 10; i++ {
		c := NewCounter()
		c.MergeChanges(shuffled(rng, changes))
		assert.Equal(t, want, c.Total())
	}
}

func TestChangesRoundtripPreservesState(t *testing.T) {
	m := NewMap()
	m.Set("alice", "name", raw(`"a"`))
	m.Set("bob", "city", raw(`"x"`))
	m.Delete("alice", "name")

	clone := NewMap()
	clone.MergeChanges(m.Changes())
	assert.Equal(t, string(m.Value()), string(clone.Value()))

	l := NewList()
	_, err := l.Insert("alice", raw(`"one"`), "")
	require.NoError(t, err)
	_, err = l.Insert("alice", raw(`"two"`), EntryID("alice", 0))
	require.NoError(t, err)
	_, err = l.Delete(EntryID("alice", 0))
	require.NoError(t, err)

	lClone := NewList()
	lClone.MergeChanges(l.Changes())
	assert.Equal(t, string(l.Value()), string(lClone.Value()))
}
