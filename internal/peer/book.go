// internal/peer/book.go
//
// Book is the node's table of known server peers: signed advertisements,
// capped, expiring, and persisted as JSONL so a restart reconnects to the
// same mesh.
package peer

import (
	"bufio"
	"container/list"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"meshdb/internal/proto"
)

const (
	DefaultCap       = 512
	DefaultTTL       = 30 * time.Minute
	DefaultLoadLimit = 512
	maxPeerScanSize  = 2 * proto.MaxFrameSize
)

type Options struct {
	Cap       int
	TTL       time.Duration
	LoadLimit int
	Topic     string // when set, advertisements for other topics are rejected
}

// Book keys peers by address. Most recently upserted peers evict the
// oldest once the cap is reached.
type Book struct {
	mu    sync.Mutex
	path  string
	cap   int
	ttl   time.Duration
	topic string
	hot   map[string]*list.Element
	order *list.List // front = oldest
}

type entry struct {
	peer      proto.Peer
	expiresAt time.Time
}

// NewBook opens (or creates) the book at path. An empty path keeps the
// book memory-only.
func NewBook(path string, opts Options) (*Book, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	loadLimit := opts.LoadLimit
	if loadLimit <= 0 {
		loadLimit = DefaultLoadLimit
	}
	b := &Book{
		path:  path,
		cap:   capacity,
		ttl:   ttl,
		topic: opts.Topic,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		if err := b.loadLast(loadLimit); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Upsert admits a signed advertisement. Unsigned, mis-signed, or
// wrong-topic records are dropped; a record for a known address replaces
// the older one.
func (b *Book) Upsert(p proto.Peer, persist bool) bool {
	if !proto.VerifyPeer(p) {
		return false
	}
	if b.topic != "" && p.Topic != b.topic {
		return false
	}
	if p.Host == "" || p.Port <= 0 || p.Port > 65535 {
		return false
	}

	b.mu.Lock()
	b.pruneLocked()
	if el, ok := b.hot[p.Address]; ok {
		old := el.Value.(*entry)
		if p.Timestamp < old.peer.Timestamp {
			b.mu.Unlock()
			return false
		}
		old.peer = p
		old.expiresAt = time.Now().Add(b.ttl)
		b.order.MoveToBack(el)
	} else {
		for b.order.Len() >= b.cap {
			oldest := b.order.Front()
			b.order.Remove(oldest)
			delete(b.hot, oldest.Value.(*entry).peer.Address)
		}
		b.hot[p.Address] = b.order.PushBack(&entry{peer: p, expiresAt: time.Now().Add(b.ttl)})
	}
	b.mu.Unlock()

	if persist && b.path != "" {
		b.appendRecord(p)
	}
	return true
}

// List returns the live peers, oldest first.
func (b *Book) List() []proto.Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	out := make([]proto.Peer, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer)
	}
	return out
}

// Get looks a peer up by address.
func (b *Book) Get(address string) (proto.Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	el, ok := b.hot[address]
	if !ok {
		return proto.Peer{}, false
	}
	return el.Value.(*entry).peer, true
}

// Remove drops a peer, typically after a failed dial.
func (b *Book) Remove(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.hot[address]; ok {
		b.order.Remove(el)
		delete(b.hot, address)
	}
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return b.order.Len()
}

func (b *Book) pruneLocked() {
	now := time.Now()
	for el := b.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if now.After(e.expiresAt) {
			b.order.Remove(el)
			delete(b.hot, e.peer.Address)
		}
		el = next
	}
}

func (b *Book) appendRecord(p proto.Peer) {
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(p); err != nil {
		return
	}
	_ = f.Sync()
}

// loadLast replays at most limit records from the tail of the log. Records
// that no longer verify, expired ones included, are skipped; TTL restarts
// from load time.
func (b *Book) loadLast(limit int) error {
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	var tail []proto.Peer
	sc := newScanner(f)
	for sc.Scan() {
		var p proto.Peer
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			continue
		}
		tail = append(tail, p)
		if len(tail) > limit {
			tail = tail[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	for _, p := range tail {
		b.Upsert(p, false)
	}
	return nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxPeerScanSize)
	return sc
}

// HostPort renders a peer's dial target.
func HostPort(p proto.Peer) string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
