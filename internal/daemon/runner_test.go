package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshdb/internal/network"
)

func startRunner(t *testing.T, ctx context.Context, r *Runner) {
	t.Helper()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, ready) }()
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("runner exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not become ready")
	}
}

func TestRunnerIdentityPersistsAcrossRestarts(t *testing.T) {
	root := t.TempDir()
	hub := network.NewHub()

	r1, err := NewRunner(root, Options{Transport: hub.Join("first")})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	addr := r1.Self.Address()
	r1.shutdown()

	r2, err := NewRunner(root, Options{Transport: hub.Join("second")})
	if err != nil {
		t.Fatalf("reopen runner: %v", err)
	}
	defer r2.shutdown()
	if r2.Self.Address() != addr {
		t.Fatalf("address changed across restarts: %s vs %s", addr, r2.Self.Address())
	}
}

func TestRunnerBootstrapAndReplication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub := network.NewHub()

	rb, err := NewRunner(t.TempDir(), Options{
		Transport:      hub.Join("b"),
		RequestTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runner b: %v", err)
	}
	startRunner(t, ctx, rb)

	ra, err := NewRunner(t.TempDir(), Options{
		Transport:      hub.Join("a"),
		Bootstrap:      []string{"b"},
		RequestTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runner a: %v", err)
	}
	startRunner(t, ctx, ra)

	linkDeadline := time.Now().Add(5 * time.Second)
	for len(ra.Self.Transport().Links()) == 0 {
		if time.Now().After(linkDeadline) {
			t.Fatalf("bootstrap never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := ra.Self.Put(ctx, "runner.greeting", json.RawMessage(`"hello"`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if got, err := rb.Self.Get(ctx, "runner.greeting"); err == nil {
			if string(got) != `"hello"` {
				t.Fatalf("unexpected value: %s", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("write never reached the other runner")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSnapshotWriter(t *testing.T) {
	root := t.TempDir()
	hub := network.NewHub()
	r, err := NewRunner(root, Options{Transport: hub.Join("snap")})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.shutdown()

	r.StartSnapshotWriter(10 * time.Millisecond)
	path := filepath.Join(root, "metrics.json")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			var snap map[string]any
			if err := json.Unmarshal(data, &snap); err != nil {
				t.Fatalf("snapshot is not valid json: %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.StopSnapshotWriter()
}
