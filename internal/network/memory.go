// internal/network/memory.go
package network

import (
	"context"
	"sync"
)

// Hub wires in-process transports together: every joined transport can
// dial every other by name. Used by tests and single-process clusters.
type Hub struct {
	mu      sync.Mutex
	members map[string]*MemTransport
}

func NewHub() *Hub {
	return &Hub{members: make(map[string]*MemTransport)}
}

// Join registers a named endpoint and returns its transport.
func (h *Hub) Join(name string) *MemTransport {
	t := &MemTransport{
		hub:     h,
		name:    name,
		peers:   make(map[string]*MemTransport),
		inbound: make(chan Inbound, InboundQueue),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.members[name] = t
	h.mu.Unlock()
	return t
}

func (h *Hub) lookup(name string) (*MemTransport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.members[name]
	return t, ok
}

func (h *Hub) leave(name string) {
	h.mu.Lock()
	delete(h.members, name)
	h.mu.Unlock()
}

// MemTransport delivers frames synchronously through the hub. Link ids are
// the peer endpoint names; Identify is a no-op aliasing rename.
type MemTransport struct {
	hub     *Hub
	name    string
	mu      sync.Mutex
	peers   map[string]*MemTransport
	aliases map[string]string // alias -> endpoint name
	down    bool
	inbound chan Inbound
	done    chan struct{}
}

func (m *MemTransport) Name() string { return m.name }

func (m *MemTransport) Dial(ctx context.Context, addr string) (string, error) {
	peer, ok := m.hub.lookup(addr)
	if !ok {
		return "", ErrLinkNotFound
	}
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return "", ErrShutdown
	}
	m.peers[addr] = peer
	m.mu.Unlock()

	// the other side learns about us too, as a server would on accept
	peer.mu.Lock()
	if !peer.down {
		peer.peers[m.name] = m
	}
	peer.mu.Unlock()
	return addr, nil
}

func (m *MemTransport) Identify(oldID, newID string) {
	if oldID == newID || newID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[oldID]; !ok {
		return
	}
	if m.aliases == nil {
		m.aliases = make(map[string]string)
	}
	m.aliases[newID] = oldID
}

func (m *MemTransport) resolve(linkID string) (*MemTransport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target, ok := m.aliases[linkID]; ok {
		linkID = target
	}
	p, ok := m.peers[linkID]
	return p, ok
}

func (m *MemTransport) SendTo(ctx context.Context, linkID string, frame []byte) error {
	peer, ok := m.resolve(linkID)
	if !ok {
		return ErrLinkNotFound
	}
	return peer.deliver(m.name, frame)
}

func (m *MemTransport) Broadcast(ctx context.Context, frame []byte, exclude map[string]struct{}) int {
	m.mu.Lock()
	targets := make([]*MemTransport, 0, len(m.peers))
	for name, p := range m.peers {
		if _, skip := exclude[name]; skip {
			continue
		}
		skipAlias := false
		for alias, endpoint := range m.aliases {
			if endpoint == name {
				if _, s := exclude[alias]; s {
					skipAlias = true
				}
			}
		}
		if skipAlias {
			continue
		}
		targets = append(targets, p)
	}
	m.mu.Unlock()

	sent := 0
	for _, p := range targets {
		if p.deliver(m.name, frame) == nil {
			sent++
		}
	}
	return sent
}

func (m *MemTransport) deliver(from string, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case <-m.done:
		return ErrShutdown
	case m.inbound <- Inbound{LinkID: from, Frame: cp}:
		return nil
	}
}

func (m *MemTransport) Links() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for name := range m.peers {
		out = append(out, name)
	}
	return out
}

func (m *MemTransport) Disconnect(linkID string) {
	m.mu.Lock()
	if target, ok := m.aliases[linkID]; ok {
		delete(m.aliases, linkID)
		linkID = target
	}
	delete(m.peers, linkID)
	m.mu.Unlock()
}

func (m *MemTransport) Inbound() <-chan Inbound { return m.inbound }

func (m *MemTransport) Shutdown() error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil
	}
	m.down = true
	m.peers = make(map[string]*MemTransport)
	m.mu.Unlock()
	m.hub.leave(m.name)
	close(m.done)
	return nil
}
