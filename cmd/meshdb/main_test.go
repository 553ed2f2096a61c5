package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(nil, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "usage: meshdb") {
		t.Fatalf("expected usage text, got %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("expected error text, got %q", errOut.String())
	}
}

func TestKeygenIsStable(t *testing.T) {
	dir := t.TempDir()
	var first, second, errOut bytes.Buffer
	if code := run([]string{"keygen", "--dir", dir}, &first, &errOut); code != 0 {
		t.Fatalf("keygen failed: %s", errOut.String())
	}
	if code := run([]string{"keygen", "--dir", dir}, &second, &errOut); code != 0 {
		t.Fatalf("second keygen failed: %s", errOut.String())
	}
	if first.String() != second.String() {
		t.Fatalf("keygen not stable: %q vs %q", first.String(), second.String())
	}
	if !strings.HasPrefix(first.String(), "address=") {
		t.Fatalf("unexpected output: %q", first.String())
	}
}

func TestServeRequiresAddr(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"serve"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "missing --addr") {
		t.Fatalf("expected missing addr error, got %q", errOut.String())
	}
}

func TestPutRequiresConnect(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"put", "--key", "k", "--value", "v"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "missing --connect") {
		t.Fatalf("expected missing connect error, got %q", errOut.String())
	}
}

func TestStatusWithoutSnapshot(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--dir", dir}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(out.String(), "no snapshot") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}
