// internal/daemon/runner.go
//
// Runner assembles a full node from a root directory: identity, storage,
// peer book, transport, metrics. It owns the inbound loop and the
// housekeeping goroutines so cmd/meshdb stays thin.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"meshdb/internal/crypto"
	"meshdb/internal/debuglog"
	"meshdb/internal/metrics"
	"meshdb/internal/network"
	"meshdb/internal/node"
	"meshdb/internal/peer"
	"meshdb/internal/pprofutil"
	"meshdb/internal/proto"
	"meshdb/internal/storage"
)

const (
	bootstrapRetryDelay = 5 * time.Second
	bootstrapAttempts   = 5
)

// listeningTransport is what a server transport must provide on top of the
// plain Transport contract.
type listeningTransport interface {
	network.Transport
	Listen(addr string, ready chan<- struct{}) error
}

type Options struct {
	Storage   storage.Storage
	Book      *peer.Book
	Metrics   *metrics.Metrics
	Transport network.Transport

	// TransportKind selects the built-in transport when Transport is nil:
	// "quic" (default) or "ws".
	TransportKind string

	PowBits  uint8
	IsServer bool
	Topic    string

	// ListenAddr is the server bind address; AdvertiseHost/AdvertisePort go
	// into the signed peer advertisement handed to clients.
	ListenAddr    string
	AdvertiseHost string
	AdvertisePort int

	Bootstrap []string
	SnapPath  string

	Debounce       time.Duration
	RequestTimeout time.Duration
}

type Runner struct {
	Root    string
	Self    *node.Node
	Metrics *metrics.Metrics

	transport  network.Transport
	store      storage.Storage
	book       *peer.Book
	opts       Options
	snapPath   string
	listenMu   sync.RWMutex
	listenAddr string
	stopSnap   chan struct{}
	snapOnce   sync.Once
}

func NewRunner(root string, opts Options) (*Runner, error) {
	if root == "" {
		return nil, fmt.Errorf("missing root")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	identity, err := crypto.LoadOrCreateIdentity(root)
	if err != nil {
		return nil, err
	}

	st := opts.Storage
	if st == nil {
		st, err = storage.OpenFile(filepath.Join(root, "data.jsonl"))
		if err != nil {
			return nil, err
		}
	}
	book := opts.Book
	if book == nil {
		book, err = peer.NewBook(filepath.Join(root, "peers.jsonl"), peer.Options{Topic: opts.Topic})
		if err != nil {
			return nil, err
		}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	tr := opts.Transport
	if tr == nil {
		switch strings.ToLower(opts.TransportKind) {
		case "", "quic":
			tr = network.NewQuic(network.QuicOptions{})
		case "ws":
			tr = network.NewWs(network.WsOptions{})
		default:
			return nil, fmt.Errorf("unknown transport: %s", opts.TransportKind)
		}
	}

	var selfPeer *proto.Peer
	if opts.IsServer && opts.AdvertiseHost != "" {
		p, err := proto.SignedPeer(identity, opts.Topic, opts.AdvertiseHost, opts.AdvertisePort)
		if err != nil {
			return nil, err
		}
		selfPeer = &p
		book.Upsert(p, false)
	}

	self, err := node.New(node.Options{
		Identity:       identity,
		Storage:        st,
		Transport:      tr,
		Book:           book,
		Metrics:        m,
		PowBits:        opts.PowBits,
		IsServer:       opts.IsServer,
		SelfPeer:       selfPeer,
		Debounce:       opts.Debounce,
		RequestTimeout: opts.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	snapPath := opts.SnapPath
	if snapPath == "" {
		snapPath = filepath.Join(root, "metrics.json")
	}
	return &Runner{
		Root:      root,
		Self:      self,
		Metrics:   m,
		transport: tr,
		store:     st,
		book:      book,
		opts:      opts,
		snapPath:  snapPath,
		stopSnap:  make(chan struct{}),
	}, nil
}

// RunWithContext serves until ctx is done. ready, when non-nil, receives
// the bound listen address once the server accepts connections (or an
// empty string for client-only nodes).
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
		return err
	}

	errc := make(chan error, 1)
	if r.opts.IsServer {
		lt, ok := r.transport.(listeningTransport)
		if !ok {
			return fmt.Errorf("transport cannot listen")
		}
		listenReady := make(chan struct{})
		go func() {
			if err := lt.Listen(r.opts.ListenAddr, listenReady); err != nil {
				errc <- err
			}
		}()
		select {
		case <-listenReady:
			r.setListenAddr(r.opts.ListenAddr)
		case err := <-errc:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ready != nil {
		ready <- r.getListenAddr()
	}

	go r.bootstrap(ctx)

	for {
		select {
		case in, ok := <-r.transport.Inbound():
			if !ok {
				return nil
			}
			r.Self.HandleFrame(ctx, in.LinkID, in.Frame)
		case err := <-errc:
			return err
		case <-ctx.Done():
			r.shutdown()
			return nil
		}
	}
}

func (r *Runner) shutdown() {
	r.StopSnapshotWriter()
	r.Self.Close()
	_ = r.transport.Shutdown()
	_ = r.store.Close()
	debuglog.Sync()
}

// bootstrap dials the configured peers plus everything remembered in the
// book, then introduces itself so each side learns the other's address.
func (r *Runner) bootstrap(ctx context.Context) {
	targets := append([]string(nil), r.opts.Bootstrap...)
	for _, p := range r.book.List() {
		if r.Self.Address() == p.Address {
			continue
		}
		targets = append(targets, peer.HostPort(p))
	}

	seen := make(map[string]struct{})
	for _, addr := range targets {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		go r.dialAndPing(ctx, addr)
	}
}

func (r *Runner) dialAndPing(ctx context.Context, addr string) {
	for attempt := 1; attempt <= bootstrapAttempts; attempt++ {
		linkID, err := r.transport.Dial(ctx, addr)
		if err == nil {
			if err = r.Self.Ping(ctx, linkID); err == nil {
				debuglog.Debugf("bootstrap peer %s connected", addr)
				return
			}
		}
		debuglog.Debugf("bootstrap %s attempt %d: %v", addr, attempt, err)
		select {
		case <-time.After(bootstrapRetryDelay):
		case <-ctx.Done():
			return
		}
	}
	debuglog.Logf("bootstrap peer %s unreachable, giving up", addr)
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) getListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

// StartSnapshotWriter periodically writes the metrics snapshot next to the
// data files.
func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
					debuglog.Debugf("metrics snapshot: %v", err)
				}
			case <-r.stopSnap:
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	r.snapOnce.Do(func() { close(r.stopSnap) })
}
