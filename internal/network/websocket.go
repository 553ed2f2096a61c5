// internal/network/websocket.go
package network

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshdb/internal/debuglog"
	"meshdb/internal/proto"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 45 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  proto.SoftMaxFrameSize,
	WriteBufferSize: proto.SoftMaxFrameSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WsTransport carries frames as binary WebSocket messages. Message
// boundaries come from the protocol itself, so frames go on the wire
// without the length prefix.
type WsTransport struct {
	table   *linkTable
	inbound chan Inbound
	limiter *ipLimiter

	mu     sync.Mutex
	server *http.Server
	done   chan struct{}
	closed bool
}

type WsOptions struct {
	MaxConnsPerIP int
}

func NewWs(opts WsOptions) *WsTransport {
	return &WsTransport{
		table:   newLinkTable(),
		inbound: make(chan Inbound, InboundQueue),
		limiter: newIPLimiter(opts.MaxConnsPerIP, 0),
		done:    make(chan struct{}),
	}
}

// Handler upgrades incoming HTTP requests, for mounting on an existing mux.
func (w *WsTransport) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
		if !w.limiter.acquireConn(ip) {
			http.Error(rw, "too many connections", http.StatusTooManyRequests)
			return
		}
		conn, err := wsUpgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.limiter.releaseConn(ip)
			debuglog.Debugf("ws upgrade from %s: %v", r.RemoteAddr, err)
			return
		}
		go func() {
			defer w.limiter.releaseConn(ip)
			l := w.addConnLink("ws:"+r.RemoteAddr, conn)
			w.readLoop(l, conn)
		}()
	})
}

// Listen serves the upgrader at /ws until Shutdown.
func (w *WsTransport) Listen(addr string, ready chan<- struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", w.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws listen: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = ln.Close()
		return ErrShutdown
	}
	w.server = srv
	w.mu.Unlock()

	debuglog.Logf("ws listen ready: %s", ln.Addr())
	if ready != nil {
		close(ready)
	}
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (w *WsTransport) addConnLink(id string, conn *websocket.Conn) *link {
	var writeMu sync.Mutex
	conn.SetReadLimit(proto.MaxFrameSize)
	l := &link{
		id: id,
		send: func(frame []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteMessage(websocket.BinaryMessage, frame)
		},
		close: func() {
			_ = conn.Close()
		},
	}
	w.table.add(l)
	return l
}

func (w *WsTransport) readLoop(l *link, conn *websocket.Conn) {
	defer func() {
		w.table.removeLink(l)
		l.close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-stop:
				return
			case <-w.done:
				return
			}
		}
	}()

	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			debuglog.Debugf("ws read on %s: %v", w.table.idOf(l), err)
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		if len(payload) == 0 {
			continue
		}
		if msgType, ok := proto.ExtractType(payload); ok {
			if limit := proto.MaxSizeForType(msgType); limit > 0 && len(payload) > limit {
				debuglog.RateLimitedf("ws-oversize-"+msgType, time.Minute, "ws oversized %s frame dropped", msgType)
				continue
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		select {
		case w.inbound <- Inbound{LinkID: w.table.idOf(l), Frame: payload}:
		case <-w.done:
			return
		}
	}
}

func (w *WsTransport) Dial(ctx context.Context, addr string) (string, error) {
	id := "ws:" + addr
	if _, ok := w.table.get(id); ok {
		return id, nil
	}
	url := "ws://" + addr + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("ws dial %s: %w", addr, err)
	}
	l := w.addConnLink(id, conn)
	go w.readLoop(l, conn)
	return id, nil
}

func (w *WsTransport) Identify(oldID, newID string) {
	w.table.rename(oldID, newID)
}

func (w *WsTransport) SendTo(ctx context.Context, linkID string, frame []byte) error {
	l, ok := w.table.get(linkID)
	if !ok {
		return ErrLinkNotFound
	}
	return l.send(frame)
}

func (w *WsTransport) Broadcast(ctx context.Context, frame []byte, exclude map[string]struct{}) int {
	sent := 0
	for id, l := range w.table.entries() {
		if _, skip := exclude[id]; skip {
			continue
		}
		if err := l.send(frame); err != nil {
			debuglog.Debugf("ws broadcast to %s: %v", id, err)
			continue
		}
		sent++
	}
	return sent
}

func (w *WsTransport) Links() []string { return w.table.ids() }

func (w *WsTransport) Disconnect(linkID string) {
	if l, ok := w.table.get(linkID); ok {
		w.table.remove(linkID, l)
		l.close()
	}
}

func (w *WsTransport) Inbound() <-chan Inbound { return w.inbound }

func (w *WsTransport) Shutdown() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	srv := w.server
	w.mu.Unlock()
	close(w.done)
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	w.table.closeAll()
	return nil
}
