package storage

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"meshdb/internal/proto"
)

func rec(key, value string) Record {
	return Record{Data: proto.VerificationData{
		Key:       key,
		Author:    "aabb",
		Hash:      "00",
		Timestamp: 1,
		Value:     json.RawMessage(value),
	}}
}

func testStorage(t *testing.T, s Storage) {
	t.Helper()

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Put(rec("chat-1", `"hi"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(rec("chat-2", `"yo"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(rec("other", `1`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	// overwrite
	if err := s.Put(rec("chat-1", `"hi2"`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get("chat-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data.Value) != `"hi2"` {
		t.Fatalf("expected latest value, got %s", got.Data.Value)
	}

	recs, err := s.Query("chat-")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 || recs[0].Key() != "chat-1" || recs[1].Key() != "chat-2" {
		t.Fatalf("expected sorted chat records, got %+v", recs)
	}

	keys, err := s.Keys("")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}
}

func TestMemoryStore(t *testing.T) {
	testStorage(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	testStorage(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestFileStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r := rec("k", `"v1"`)
	r.CrdtChanges = []json.RawMessage{json.RawMessage(`{"op":"SET"}`)}
	if err := s.Put(r); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(rec("k2", `2`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get("k")
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if len(got.CrdtChanges) != 1 {
		t.Fatalf("expected crdt changes to survive reload, got %+v", got)
	}
	keys, _ := s2.Keys("")
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys after reload, got %v", keys)
	}
}

func TestFileStoreCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// rewrite the same key far past the slack threshold
	for i := 0; i < compactSlack+10; i++ {
		b, _ := json.Marshal(i)
		if err := s.Put(rec("k", string(b))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if s.lines > len(s.recs)+compactSlack {
		t.Fatalf("expected compaction to have run, lines=%d live=%d", s.lines, len(s.recs))
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want, _ := json.Marshal(compactSlack + 9)
	if string(got.Data.Value) != string(want) {
		t.Fatalf("expected latest value %s, got %s", want, got.Data.Value)
	}
}
