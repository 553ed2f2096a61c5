// Package testutil bounds fuzz-harness inputs. Wire-decode fuzzing must not
// exceed what the transport itself would deliver, so corpus entries are
// clamped to the 64 KiB frame ceiling and each case runs under a hard
// per-input timeout.
package testutil

import (
	"testing"
	"time"
)

const (
	// DefaultMaxFuzzBytes matches the frame size ceiling the read path
	// enforces; anything larger never reaches a decoder in production.
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

// CapBytes truncates b to max. Zero or negative max disables the cap.
func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails the test if fn does not return within d. Decoders are
// pure functions of their input; a case that runs this long is a hang.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
