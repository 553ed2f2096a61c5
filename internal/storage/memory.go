// internal/storage/memory.go
package storage

import (
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. The default for nodes that
// don't need persistence, and the backbone of tests.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemory() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (m *MemoryStore) Put(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Key()] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) Get(key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Query(prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for key, rec := range m.recs {
		if hasPrefix(key, prefix) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for key := range m.recs {
		if hasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
