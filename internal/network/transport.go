// internal/network/transport.go
//
// Transports move opaque frames between nodes. A link is one live
// connection; links start out named after the remote endpoint and are
// renamed to the peer's node id once the peer introduces itself.
package network

import (
	"context"
	"errors"
	"sync"
)

// InboundQueue is how many received frames may sit unprocessed before the
// reader goroutines start blocking.
const InboundQueue = 256

var (
	ErrLinkNotFound = errors.New("network: link not found")
	ErrShutdown     = errors.New("network: transport shut down")
)

// Inbound is one received frame tagged with the link it arrived on.
type Inbound struct {
	LinkID string
	Frame  []byte
}

type Transport interface {
	// Dial connects to addr and returns the new link's id.
	Dial(ctx context.Context, addr string) (string, error)
	// Identify renames a link, typically from its remote address to the
	// peer's node id learned from its first message.
	Identify(oldID, newID string)
	SendTo(ctx context.Context, linkID string, frame []byte) error
	// Broadcast sends to every link not in exclude and returns how many
	// sends were attempted.
	Broadcast(ctx context.Context, frame []byte, exclude map[string]struct{}) int
	Links() []string
	Disconnect(linkID string)
	Inbound() <-chan Inbound
	Shutdown() error
}

type link struct {
	id    string
	send  func(frame []byte) error
	close func()
}

// linkTable is the registry shared by the QUIC and WebSocket transports.
type linkTable struct {
	mu    sync.Mutex
	links map[string]*link
}

func newLinkTable() *linkTable {
	return &linkTable{links: make(map[string]*link)}
}

func (t *linkTable) add(l *link) {
	t.mu.Lock()
	if old, ok := t.links[l.id]; ok && old != l {
		old.close()
	}
	t.links[l.id] = l
	t.mu.Unlock()
}

func (t *linkTable) get(id string) (*link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[id]
	return l, ok
}

func (t *linkTable) rename(oldID, newID string) {
	if oldID == newID || newID == "" {
		return
	}
	t.mu.Lock()
	l, ok := t.links[oldID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.links, oldID)
	if prev, exists := t.links[newID]; exists && prev != l {
		prev.close()
	}
	l.id = newID
	t.links[newID] = l
	t.mu.Unlock()
}

// remove drops the entry only if it still maps to l, so a renamed or
// replaced link doesn't tear down its successor.
func (t *linkTable) remove(id string, l *link) {
	t.mu.Lock()
	if cur, ok := t.links[id]; ok && cur == l {
		delete(t.links, id)
	}
	t.mu.Unlock()
}

// removeLink drops l under whatever id it currently holds.
func (t *linkTable) removeLink(l *link) {
	t.mu.Lock()
	for id, cur := range t.links {
		if cur == l {
			delete(t.links, id)
			break
		}
	}
	t.mu.Unlock()
}

// idOf reads l's current id; links are renamed under the table lock.
func (t *linkTable) idOf(l *link) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return l.id
}

func (t *linkTable) ids() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	return out
}

func (t *linkTable) entries() map[string]*link {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*link, len(t.links))
	for id, l := range t.links {
		out[id] = l
	}
	return out
}

func (t *linkTable) closeAll() {
	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.links = make(map[string]*link)
	t.mu.Unlock()
	for _, l := range links {
		l.close()
	}
}
