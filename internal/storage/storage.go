// internal/storage/storage.go
package storage

import (
	"encoding/json"
	"errors"

	"meshdb/internal/proto"
)

// ErrNotFound is returned by Get for keys with no stored record.
var ErrNotFound = errors.New("storage: key not found")

// Record is one persisted key: the latest verified envelope plus, for
// replicated keys, the full accumulated change-log the envelope's value
// was merged from.
type Record struct {
	Data        proto.VerificationData `json:"data"`
	CrdtChanges []json.RawMessage      `json:"crdt_changes,omitempty"`
}

func (r Record) Key() string { return r.Data.Key }

// Storage holds the latest record per key. Put replaces any previous
// record for the same key.
type Storage interface {
	Put(rec Record) error
	Get(key string) (Record, error)
	Query(prefix string) ([]Record, error)
	Keys(prefix string) ([]string, error)
	Close() error
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Data.Value = append(json.RawMessage(nil), rec.Data.Value...)
	if rec.CrdtChanges != nil {
		out.CrdtChanges = make([]json.RawMessage, len(rec.CrdtChanges))
		for i, c := range rec.CrdtChanges {
			out.CrdtChanges[i] = append(json.RawMessage(nil), c...)
		}
	}
	return out
}
