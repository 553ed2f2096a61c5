package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// WriteHeader is the ring-buffer view of one processed write: enough to see
// what the node has been accepting or rejecting lately, without the payload.
type WriteHeader struct {
	Key     string `json:"key"`
	Author  string `json:"author"`
	Verdict string `json:"verdict"`
	At      int64  `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Writes       WriteMetrics      `json:"writes"`
	Relay        RelayMetrics      `json:"relay"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	CurrentConns int64             `json:"current_conns"`
	Recent       []WriteHeader     `json:"recent"`
}

type WriteMetrics struct {
	Verified       uint64 `json:"verified"`
	DropData       uint64 `json:"drop_data"`
	DropHash       uint64 `json:"drop_hash"`
	DropPow        uint64 `json:"drop_pow"`
	DropTimestamp  uint64 `json:"drop_timestamp"`
	DropSignature  uint64 `json:"drop_signature"`
	DropNamespace  uint64 `json:"drop_namespace"`
	DropFrozen     uint64 `json:"drop_frozen"`
	DropPredicate  uint64 `json:"drop_predicate"`
	ListenersFired uint64 `json:"listeners_fired"`
}

type RelayMetrics struct {
	Relayed       uint64 `json:"relayed"`
	DropDuplicate uint64 `json:"drop_duplicate"`
}

type Metrics struct {
	verified       atomic.Uint64
	dropData       atomic.Uint64
	dropHash       atomic.Uint64
	dropPow        atomic.Uint64
	dropTimestamp  atomic.Uint64
	dropSignature  atomic.Uint64
	dropNamespace  atomic.Uint64
	dropFrozen     atomic.Uint64
	dropPredicate  atomic.Uint64
	listenersFired atomic.Uint64
	relayed        atomic.Uint64
	dropDuplicate  atomic.Uint64
	currentConns   atomic.Int64

	recvMu     sync.Mutex
	recvByType map[string]uint64

	recent *RecentWrites
}

func New() *Metrics {
	return &Metrics{
		recvByType: make(map[string]uint64),
		recent:     NewRecentWrites(64),
	}
}

func (m *Metrics) Recent() *RecentWrites { return m.recent }

func (m *Metrics) IncVerified()       { m.verified.Add(1) }
func (m *Metrics) IncDropData()       { m.dropData.Add(1) }
func (m *Metrics) IncDropHash()       { m.dropHash.Add(1) }
func (m *Metrics) IncDropPow()        { m.dropPow.Add(1) }
func (m *Metrics) IncDropTimestamp()  { m.dropTimestamp.Add(1) }
func (m *Metrics) IncDropSignature()  { m.dropSignature.Add(1) }
func (m *Metrics) IncDropNamespace()  { m.dropNamespace.Add(1) }
func (m *Metrics) IncDropFrozen()     { m.dropFrozen.Add(1) }
func (m *Metrics) IncDropPredicate()  { m.dropPredicate.Add(1) }
func (m *Metrics) IncListenersFired() { m.listenersFired.Add(1) }
func (m *Metrics) IncRelayed()        { m.relayed.Add(1) }
func (m *Metrics) IncDropDuplicate()  { m.dropDuplicate.Add(1) }

func (m *Metrics) IncRecvByType(msgType string) {
	m.recvMu.Lock()
	m.recvByType[msgType]++
	m.recvMu.Unlock()
}

func (m *Metrics) SetCurrentConns(n int64) { m.currentConns.Store(n) }
func (m *Metrics) AddCurrentConns(d int64) { m.currentConns.Add(d) }

func (m *Metrics) Snapshot() Snapshot {
	recent := []WriteHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	recv := make(map[string]uint64)
	m.recvMu.Lock()
	for k, v := range m.recvByType {
		recv[k] = v
	}
	m.recvMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Writes: WriteMetrics{
			Verified:       m.verified.Load(),
			DropData:       m.dropData.Load(),
			DropHash:       m.dropHash.Load(),
			DropPow:        m.dropPow.Load(),
			DropTimestamp:  m.dropTimestamp.Load(),
			DropSignature:  m.dropSignature.Load(),
			DropNamespace:  m.dropNamespace.Load(),
			DropFrozen:     m.dropFrozen.Load(),
			DropPredicate:  m.dropPredicate.Load(),
			ListenersFired: m.listenersFired.Load(),
		},
		Relay: RelayMetrics{
			Relayed:       m.relayed.Load(),
			DropDuplicate: m.dropDuplicate.Load(),
		},
		RecvByType:   recv,
		CurrentConns: m.currentConns.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type RecentWrites struct {
	mu   sync.Mutex
	cap  int
	list []WriteHeader
}

func NewRecentWrites(capacity int) *RecentWrites {
	if capacity <= 0 {
		capacity = 64
	}
	return &RecentWrites{cap: capacity}
}

func (r *RecentWrites) Add(h WriteHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *RecentWrites) List() []WriteHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WriteHeader, len(r.list))
	copy(out, r.list)
	return out
}
