package network

import (
	"context"
	"testing"
	"time"
)

func recvOne(t *testing.T, tr Transport) Inbound {
	t.Helper()
	select {
	case in := <-tr.Inbound():
		return in
	case <-time.After(time.Second):
		t.Fatalf("expected inbound frame")
		return Inbound{}
	}
}

func TestHubDialAndSend(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")

	id, err := a.Dial(context.Background(), "b")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := a.SendTo(context.Background(), id, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	in := recvOne(t, b)
	if in.LinkID != "a" || string(in.Frame) != `{"type":"ping"}` {
		t.Fatalf("unexpected inbound: %+v", in)
	}

	// accept registers the reverse link too
	if err := b.SendTo(context.Background(), "a", []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if in := recvOne(t, a); string(in.Frame) != `{"type":"pong"}` {
		t.Fatalf("unexpected reply: %+v", in)
	}
}

func TestHubBroadcastExclude(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	c := hub.Join("c")

	if _, err := a.Dial(context.Background(), "b"); err != nil {
		t.Fatalf("dial b: %v", err)
	}
	if _, err := a.Dial(context.Background(), "c"); err != nil {
		t.Fatalf("dial c: %v", err)
	}

	sent := a.Broadcast(context.Background(), []byte(`x`), map[string]struct{}{"b": {}})
	if sent != 1 {
		t.Fatalf("expected 1 send, got %d", sent)
	}
	if in := recvOne(t, c); string(in.Frame) != "x" {
		t.Fatalf("unexpected frame at c: %+v", in)
	}
	select {
	case in := <-b.Inbound():
		t.Fatalf("excluded peer received %+v", in)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubIdentifyAlias(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")

	if _, err := a.Dial(context.Background(), "b"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	a.Identify("b", "node-xyz")
	if err := a.SendTo(context.Background(), "node-xyz", []byte("hello")); err != nil {
		t.Fatalf("send via alias: %v", err)
	}
	if in := recvOne(t, b); string(in.Frame) != "hello" {
		t.Fatalf("unexpected frame: %+v", in)
	}
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	if _, err := a.Dial(context.Background(), "b"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := b.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := a.SendTo(context.Background(), "b", []byte("x")); err == nil {
		t.Fatalf("expected send to shut-down peer to fail")
	}
	if _, err := a.Dial(context.Background(), "b"); err == nil {
		t.Fatalf("expected dial to left peer to fail")
	}
}
