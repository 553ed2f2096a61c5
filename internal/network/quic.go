// internal/network/quic.go
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/sony/gobreaker"

	"meshdb/internal/debuglog"
	"meshdb/internal/proto"
)

const (
	alpnProto       = "meshdb-quic"
	dialTimeout     = 8 * time.Second
	breakerFailures = 3
	breakerCooldown = 10 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshdb-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProto},
		}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

type QuicOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Insecure        bool
}

// QuicTransport carries frames over one long-lived bidirectional stream per
// peer. Dials to a flapping address are cut off by a per-address circuit
// breaker instead of retrying into the void.
type QuicTransport struct {
	table   *linkTable
	inbound chan Inbound
	opts    QuicOptions
	limiter *ipLimiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	listener *quic.Listener
	done     chan struct{}
	closed   bool
}

func NewQuic(opts QuicOptions) *QuicTransport {
	return &QuicTransport{
		table:    newLinkTable(),
		inbound:  make(chan Inbound, InboundQueue),
		opts:     opts,
		limiter:  newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		done:     make(chan struct{}),
	}
}

// Listen binds addr and serves until Shutdown. ready, when non-nil, is
// closed once the listener is accepting.
func (q *QuicTransport) Listen(addr string, ready chan<- struct{}) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = listener.Close()
		return ErrShutdown
	}
	q.listener = listener
	q.mu.Unlock()

	debuglog.Logf("quic listen ready: %s", listener.Addr())
	if ready != nil {
		close(ready)
	}
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			select {
			case <-q.done:
				return nil
			default:
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go q.serveConn(conn)
	}
}

func (q *QuicTransport) serveConn(conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	ip := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		ip = host
	}
	if !q.limiter.acquireConn(ip) {
		debuglog.RateLimitedf("quic-conn-cap-"+ip, time.Minute, "quic conn cap for %s", ip)
		_ = conn.CloseWithError(0, "conn cap")
		return
	}
	defer q.limiter.releaseConn(ip)

	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		debuglog.Debugf("quic accept stream from %s: %v", remote, err)
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	if !q.limiter.acquireStream(ip) {
		stream.CancelRead(0)
		_ = stream.Close()
		_ = conn.CloseWithError(0, "stream cap")
		return
	}
	defer q.limiter.releaseStream(ip)

	l := q.addStreamLink("quic:"+remote, conn, stream)
	q.readLoop(l, stream)
}

func (q *QuicTransport) addStreamLink(id string, conn *quic.Conn, stream *quic.Stream) *link {
	var writeMu sync.Mutex
	l := &link{
		id: id,
		send: func(frame []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return proto.WriteFrame(stream, frame)
		},
		close: func() {
			stream.CancelRead(0)
			_ = stream.Close()
			_ = conn.CloseWithError(0, "closed")
		},
	}
	q.table.add(l)
	return l
}

// readLoop pumps inbound frames until the stream dies.
func (q *QuicTransport) readLoop(l *link, stream *quic.Stream) {
	defer func() {
		q.table.removeLink(l)
		l.close()
	}()

	for {
		payload, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			debuglog.Debugf("quic read on %s: %v", q.table.idOf(l), err)
			return
		}
		select {
		case q.inbound <- Inbound{LinkID: q.table.idOf(l), Frame: payload}:
		case <-q.done:
			return
		}
	}
}

func (q *QuicTransport) breaker(addr string) *gobreaker.CircuitBreaker {
	q.mu.Lock()
	defer q.mu.Unlock()
	cb, ok := q.breakers[addr]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    addr,
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
		})
		q.breakers[addr] = cb
	}
	return cb
}

func (q *QuicTransport) Dial(ctx context.Context, addr string) (string, error) {
	if _, ok := q.table.get("quic:" + addr); ok {
		return "quic:" + addr, nil
	}
	tlsConf, err := clientTLSConfig(q.opts.Insecure)
	if err != nil {
		return "", err
	}
	res, err := q.breaker(addr).Execute(func() (any, error) {
		dctx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, dialTimeout)
			defer cancel()
		}
		conn, err := quic.DialAddr(dctx, addr, tlsConf, nil)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(dctx)
		if err != nil {
			_ = conn.CloseWithError(0, "no stream")
			return nil, err
		}
		return []any{conn, stream}, nil
	})
	if err != nil {
		return "", fmt.Errorf("quic dial %s: %w", addr, err)
	}
	pair := res.([]any)
	conn := pair[0].(*quic.Conn)
	stream := pair[1].(*quic.Stream)

	l := q.addStreamLink("quic:"+addr, conn, stream)
	go q.readLoop(l, stream)
	return l.id, nil
}

func (q *QuicTransport) Identify(oldID, newID string) {
	q.table.rename(oldID, newID)
}

func (q *QuicTransport) SendTo(ctx context.Context, linkID string, frame []byte) error {
	l, ok := q.table.get(linkID)
	if !ok {
		return ErrLinkNotFound
	}
	return l.send(frame)
}

func (q *QuicTransport) Broadcast(ctx context.Context, frame []byte, exclude map[string]struct{}) int {
	sent := 0
	for id, l := range q.table.entries() {
		if _, skip := exclude[id]; skip {
			continue
		}
		if err := l.send(frame); err != nil {
			debuglog.Debugf("quic broadcast to %s: %v", id, err)
			continue
		}
		sent++
	}
	return sent
}

func (q *QuicTransport) Links() []string { return q.table.ids() }

func (q *QuicTransport) Disconnect(linkID string) {
	if l, ok := q.table.get(linkID); ok {
		q.table.remove(linkID, l)
		l.close()
	}
}

func (q *QuicTransport) Inbound() <-chan Inbound { return q.inbound }

func (q *QuicTransport) Shutdown() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	listener := q.listener
	q.mu.Unlock()
	close(q.done)
	if listener != nil {
		_ = listener.Close()
	}
	q.table.closeAll()
	return nil
}
