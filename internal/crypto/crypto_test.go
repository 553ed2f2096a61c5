package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	digest := WriteDigest("chat-1", []byte(`{"text":"hi"}`), 7)
	sig, err := id.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifyAddress(id.Address(), digest, sig) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	digest := WriteDigest("chat-1", []byte(`{"text":"hi"}`), 7)
	sig, err := id.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered := WriteDigest("chat-1", []byte(`{"text":"HI"}`), 7)
	if VerifyAddress(id.Address(), tampered, sig) {
		t.Fatalf("expected tampered digest to fail")
	}
	otherID, _ := GenerateIdentity()
	if VerifyAddress(otherID.Address(), digest, sig) {
		t.Fatalf("expected wrong address to fail")
	}
}

func TestWriteDigestBindsAllInputs(t *testing.T) {
	base := WriteDigest("k", []byte("v"), 1)
	if bytes.Equal(base, WriteDigest("k2", []byte("v"), 1)) {
		t.Fatalf("expected key to affect digest")
	}
	if bytes.Equal(base, WriteDigest("k", []byte("v2"), 1)) {
		t.Fatalf("expected value to affect digest")
	}
	if bytes.Equal(base, WriteDigest("k", []byte("v"), 2)) {
		t.Fatalf("expected nonce to affect digest")
	}
	if !bytes.Equal(base, WriteDigest("k", []byte("v"), 1)) {
		t.Fatalf("expected digest to be deterministic")
	}
}

func TestPowCheckMask(t *testing.T) {
	digest := make([]byte, DigestSize)
	digest[0] = 0x00
	digest[1] = 0x1f // 3 leading zero bits in the second byte
	if !PowCheck(digest, 8) {
		t.Fatalf("expected 8 bits to pass")
	}
	if !PowCheck(digest, 11) {
		t.Fatalf("expected 11 bits to pass")
	}
	if PowCheck(digest, 12) {
		t.Fatalf("expected 12 bits to fail")
	}
	if !PowCheck([]byte{0xff}, 0) {
		t.Fatalf("expected zero difficulty to pass anything")
	}
}

func TestPowSolveFindsNonce(t *testing.T) {
	nonce, digest, ok := PowSolve("chat-1", []byte(`{"text":"hi"}`), 8)
	if !ok {
		t.Fatalf("expected solve to succeed")
	}
	if !PowCheck(digest, 8) {
		t.Fatalf("expected solved digest to pass check")
	}
	if !bytes.Equal(digest, WriteDigest("chat-1", []byte(`{"text":"hi"}`), nonce)) {
		t.Fatalf("expected digest to match recomputed nonce digest")
	}
}

func TestKeypairStorage(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	again, err := LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if id.Address() != again.Address() {
		t.Fatalf("expected stable identity across loads")
	}
}
