// internal/node/node.go
//
// Node ties the stack together: identity, verifier, CRDT registry, listener
// registry, storage, and a transport. Messages are processed one at a time,
// to completion, so verification against "previous" state never races a
// concurrent write to the same key.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshdb/internal/crdt"
	"meshdb/internal/crypto"
	"meshdb/internal/listener"
	"meshdb/internal/metrics"
	"meshdb/internal/network"
	"meshdb/internal/peer"
	"meshdb/internal/proto"
	"meshdb/internal/storage"
	"meshdb/internal/verify"
)

const DefaultRequestTimeout = time.Second

// FunctionHandler serves one named remote function.
type FunctionHandler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

type Options struct {
	Identity  *crypto.Identity
	Storage   storage.Storage
	Transport network.Transport
	Book      *peer.Book
	Metrics   *metrics.Metrics

	// PowBits is the difficulty required of every write, local and remote.
	PowBits      uint8
	MaxClockSkew time.Duration

	// IsServer nodes relay verified writes onward and advertise SelfPeer.
	IsServer bool
	SelfPeer *proto.Peer

	Debounce       time.Duration
	RequestTimeout time.Duration
}

type subEntry struct {
	prefix string
	linkID string
}

type Node struct {
	id        *crypto.Identity
	store     storage.Storage
	transport network.Transport
	verifier  *verify.Verifier
	crdts     *crdt.Registry
	listeners *listener.Registry
	seen      *seenCache
	metrics   *metrics.Metrics
	book      *peer.Book

	powBits    uint8
	isServer   bool
	selfPeer   *proto.Peer
	reqTimeout time.Duration

	// handleMu serializes message handling end to end.
	handleMu sync.Mutex

	crdtMu    sync.Mutex
	crdtCache map[string]crdt.CRDT

	subMu sync.Mutex
	subs  []subEntry

	funcMu sync.Mutex
	funcs  map[string]FunctionHandler
}

func New(opts Options) (*Node, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("missing identity")
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Node{
		id:        opts.Identity,
		store:     opts.Storage,
		transport: opts.Transport,
		verifier: verify.New(verify.Config{
			PowBits:      opts.PowBits,
			MaxClockSkew: opts.MaxClockSkew,
		}),
		crdts:      crdt.NewRegistry(),
		listeners:  listener.NewRegistry(opts.Debounce),
		seen:       newSeenCache(0),
		metrics:    opts.Metrics,
		book:       opts.Book,
		powBits:    opts.PowBits,
		isServer:   opts.IsServer,
		selfPeer:   opts.SelfPeer,
		reqTimeout: opts.RequestTimeout,
		crdtCache:  make(map[string]crdt.CRDT),
		funcs:      make(map[string]FunctionHandler),
	}, nil
}

func (n *Node) Address() string              { return n.id.Address() }
func (n *Node) Metrics() *metrics.Metrics    { return n.metrics }
func (n *Node) Verifier() *verify.Verifier   { return n.verifier }
func (n *Node) CRDTs() *crdt.Registry        { return n.crdts }
func (n *Node) Transport() network.Transport { return n.transport }
func (n *Node) Storage() storage.Storage     { return n.store }

// Close releases listener timers. Storage and transport belong to the
// caller that supplied them.
func (n *Node) Close() {
	n.listeners.Close()
}

// loadCRDT returns the cached instance for key, rebuilding it from the
// stored change-log on first touch.
func (n *Node) loadCRDT(key, crdtType string) (crdt.CRDT, error) {
	n.crdtMu.Lock()
	defer n.crdtMu.Unlock()
	if c, ok := n.crdtCache[key]; ok {
		if c.Type() != crdtType {
			return nil, fmt.Errorf("crdt type mismatch for %s: have %s, got %s", key, c.Type(), crdtType)
		}
		return c, nil
	}
	c, ok := n.crdts.New(crdtType)
	if !ok {
		return nil, fmt.Errorf("unknown crdt type: %s", crdtType)
	}
	if rec, err := n.store.Get(key); err == nil && len(rec.CrdtChanges) > 0 {
		if rec.Data.CrdtType != "" && rec.Data.CrdtType != crdtType {
			return nil, fmt.Errorf("crdt type mismatch for %s: stored %s, got %s", key, rec.Data.CrdtType, crdtType)
		}
		c.MergeChanges(rec.CrdtChanges)
	}
	n.crdtCache[key] = c
	return c, nil
}

// matchingSubs returns the links owed a copy of a verified write to key.
func (n *Node) matchingSubs(key, excludeLink string) []string {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, s := range n.subs {
		if s.linkID == excludeLink {
			continue
		}
		if len(key) < len(s.prefix) || key[:len(s.prefix)] != s.prefix {
			continue
		}
		if _, dup := seen[s.linkID]; dup {
			continue
		}
		seen[s.linkID] = struct{}{}
		out = append(out, s.linkID)
	}
	return out
}

func (n *Node) addSub(prefix, linkID string) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, s := range n.subs {
		if s.prefix == prefix && s.linkID == linkID {
			return
		}
	}
	n.subs = append(n.subs, subEntry{prefix: prefix, linkID: linkID})
}

// RegisterFunction exposes a named function to remote callers. Registering
// an existing name replaces the handler.
func (n *Node) RegisterFunction(name string, fn FunctionHandler) {
	n.funcMu.Lock()
	defer n.funcMu.Unlock()
	if fn == nil {
		delete(n.funcs, name)
		return
	}
	n.funcs[name] = fn
}

func (n *Node) function(name string) (FunctionHandler, bool) {
	n.funcMu.Lock()
	defer n.funcMu.Unlock()
	fn, ok := n.funcs[name]
	return fn, ok
}
