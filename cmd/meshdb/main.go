package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"meshdb/internal/crypto"
	"meshdb/internal/daemon"
	"meshdb/internal/listener"
	"meshdb/internal/metrics"
	"meshdb/internal/storage"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "put":
		return runPut(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "query":
		return runQuery(args[1:], stdout, stderr)
	case "watch":
		return runWatch(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshdb <keygen|serve|put|get|query|watch|status> [args]")
	fmt.Fprintln(w, "  keygen [--dir path]")
	fmt.Fprintln(w, "  serve  --addr <ip:port> [--advertise host:port] [--topic t] [--pow n] [--transport quic|ws] [--bootstrap a,b] [--debug]")
	fmt.Fprintln(w, "  put    --connect <ip:port> --key k --value v")
	fmt.Fprintln(w, "  get    --connect <ip:port> --key k")
	fmt.Fprintln(w, "  query  --connect <ip:port> --prefix p")
	fmt.Fprintln(w, "  watch  --connect <ip:port> --prefix p")
	fmt.Fprintln(w, "  status [--dir path]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshdb")
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", homeDir(), "node root directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := os.MkdirAll(*dir, 0700); err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	id, err := crypto.LoadOrCreateIdentity(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "address=%s\n", id.Address())
	return 0
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", homeDir(), "node root directory")
	addr := fs.String("addr", "", "listen addr (host:port)")
	advertise := fs.String("advertise", "", "advertised host:port for other nodes")
	topic := fs.String("topic", "", "peer exchange topic")
	pow := fs.Uint("pow", 0, "proof-of-work bits required on writes")
	transport := fs.String("transport", "quic", "transport: quic or ws")
	bootstrap := fs.String("bootstrap", "", "comma-separated peer addresses")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("MESHDB_DEBUG", "1")
	}

	advHost, advPort := splitAdvertise(*advertise)
	runner, err := daemon.NewRunner(*dir, daemon.Options{
		TransportKind: *transport,
		IsServer:      true,
		Topic:         *topic,
		PowBits:       uint8(*pow),
		ListenAddr:    *addr,
		AdvertiseHost: advHost,
		AdvertisePort: advPort,
		Bootstrap:     splitList(*bootstrap),
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	runner.StartSnapshotWriter(time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ready := make(chan string, 1)
	errc := make(chan error, 1)
	go func() { errc <- runner.RunWithContext(ctx, ready) }()
	select {
	case bound := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s address=%s\n", bound, runner.Self.Address())
	case err := <-errc:
		fmt.Fprintf(stderr, "serve failed: %v\n", err)
		return 1
	}
	if err := <-errc; err != nil {
		fmt.Fprintf(stderr, "serve failed: %v\n", err)
		return 1
	}
	return 0
}

func splitAdvertise(s string) (string, int) {
	host, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return s, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// withClient runs fn against an ephemeral client node connected to addr.
// Client state lives in a throwaway directory so it never touches a local
// server's files.
func withClient(connect, transport string, pow uint, stderr io.Writer, fn func(ctx context.Context, r *daemon.Runner) error) int {
	if connect == "" {
		fmt.Fprintln(stderr, "missing --connect")
		return 1
	}
	dir, err := os.MkdirTemp("", "meshdb-client-*")
	if err != nil {
		fmt.Fprintf(stderr, "client failed: %v\n", err)
		return 1
	}
	defer os.RemoveAll(dir)

	runner, err := daemon.NewRunner(dir, daemon.Options{
		TransportKind: transport,
		PowBits:       uint8(pow),
		Storage:       storage.NewMemory(),
		Bootstrap:     []string{connect},
	})
	if err != nil {
		fmt.Fprintf(stderr, "client failed: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ready := make(chan string, 1)
	errc := make(chan error, 1)
	go func() { errc <- runner.RunWithContext(ctx, ready) }()
	select {
	case <-ready:
	case err := <-errc:
		fmt.Fprintf(stderr, "client failed: %v\n", err)
		return 1
	}

	deadline := time.Now().Add(10 * time.Second)
	for len(runner.Self.Transport().Links()) == 0 {
		if time.Now().After(deadline) {
			fmt.Fprintf(stderr, "could not reach %s\n", connect)
			return 1
		}
		select {
		case <-ctx.Done():
			return 1
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := fn(ctx, runner); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return 0
}

func runPut(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(stderr)
	connect := fs.String("connect", "", "server addr (host:port)")
	transport := fs.String("transport", "quic", "transport: quic or ws")
	pow := fs.Uint("pow", 0, "proof-of-work bits")
	key := fs.String("key", "", "key to write")
	value := fs.String("value", "", "value (raw JSON, or a bare string)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *key == "" {
		fmt.Fprintln(stderr, "missing --key")
		return 1
	}
	raw := json.RawMessage(*value)
	if !json.Valid(raw) {
		b, _ := json.Marshal(*value)
		raw = b
	}
	return withClient(*connect, *transport, *pow, stderr, func(ctx context.Context, r *daemon.Runner) error {
		vd, err := r.Self.Put(ctx, *key, raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "ok key=%s author=%s\n", vd.Key, vd.Author)
		return nil
	})
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	connect := fs.String("connect", "", "server addr (host:port)")
	transport := fs.String("transport", "quic", "transport: quic or ws")
	key := fs.String("key", "", "key to read")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *key == "" {
		fmt.Fprintln(stderr, "missing --key")
		return 1
	}
	return withClient(*connect, *transport, 0, stderr, func(ctx context.Context, r *daemon.Runner) error {
		v, err := r.Self.Get(ctx, *key)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\n", v)
		return nil
	})
}

func runQuery(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	connect := fs.String("connect", "", "server addr (host:port)")
	transport := fs.String("transport", "quic", "transport: quic or ws")
	prefix := fs.String("prefix", "", "key prefix")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return withClient(*connect, *transport, 0, stderr, func(ctx context.Context, r *daemon.Runner) error {
		matches, err := r.Self.Query(ctx, *prefix)
		if err != nil {
			return err
		}
		for _, vd := range matches {
			fmt.Fprintf(stdout, "%s\t%s\n", vd.Key, vd.Value)
		}
		return nil
	})
}

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	connect := fs.String("connect", "", "server addr (host:port)")
	transport := fs.String("transport", "quic", "transport: quic or ws")
	prefix := fs.String("prefix", "", "key prefix")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return withClient(*connect, *transport, 0, stderr, func(ctx context.Context, r *daemon.Runner) error {
		r.Self.On(*prefix, func(ev listener.Event) {
			fmt.Fprintf(stdout, "%s\t%s\n", ev.Key, ev.Value)
		})
		if err := r.Self.Subscribe(ctx, *prefix); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", homeDir(), "node root directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	data, err := os.ReadFile(filepath.Join(*dir, "metrics.json"))
	if err != nil {
		fmt.Fprintf(stdout, "status: no snapshot: %v\n", err)
		return 1
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stdout, "status: bad snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Local observation summary:")
	fmt.Fprintf(stdout, "  generated: %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  connections: %d\n", snap.CurrentConns)
	fmt.Fprintf(stdout, "  writes verified: %d\n", snap.Writes.Verified)
	fmt.Fprintf(stdout, "  writes dropped: hash=%d pow=%d timestamp=%d signature=%d namespace=%d frozen=%d predicate=%d\n",
		snap.Writes.DropHash, snap.Writes.DropPow, snap.Writes.DropTimestamp,
		snap.Writes.DropSignature, snap.Writes.DropNamespace, snap.Writes.DropFrozen,
		snap.Writes.DropPredicate)
	fmt.Fprintf(stdout, "  relayed: %d (duplicates suppressed: %d)\n", snap.Relay.Relayed, snap.Relay.DropDuplicate)
	for _, w := range snap.Recent {
		fmt.Fprintf(stdout, "  recent: %s %s by %s\n", w.Verdict, w.Key, shortAddr(w.Author))
	}
	return 0
}

func shortAddr(a string) string {
	if len(a) <= 12 {
		return a
	}
	return a[:12] + "…"
}
