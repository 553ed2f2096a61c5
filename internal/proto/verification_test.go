package proto

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"meshdb/internal/crypto"
)

func TestNewSignedEnvelopeIsInternallyConsistent(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	v, err := NewSigned(id, "chat-1", json.RawMessage(`{"text":"hi"}`), "", 0)
	if err != nil {
		t.Fatalf("new signed: %v", err)
	}
	if err := v.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if hex.EncodeToString(v.Digest()) != v.Hash {
		t.Fatalf("expected hash to match recomputed digest")
	}
	sig, err := hex.DecodeString(v.Sig)
	if err != nil {
		t.Fatalf("sig hex: %v", err)
	}
	if !crypto.VerifyAddress(v.Author, v.Digest(), sig) {
		t.Fatalf("expected signature to verify against author")
	}
}

func TestNewSignedMinesProofOfWork(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	v, err := NewSigned(id, "chat-1", json.RawMessage(`{"text":"hi"}`), "", 8)
	if err != nil {
		t.Fatalf("new signed: %v", err)
	}
	if !crypto.PowCheck(v.Digest(), 8) {
		t.Fatalf("expected mined digest to satisfy difficulty")
	}
}

func TestValidateRejectsMalformedEnvelopes(t *testing.T) {
	id, _ := crypto.GenerateIdentity()
	good, err := NewSigned(id, "chat-1", json.RawMessage(`{"text":"hi"}`), "", 0)
	if err != nil {
		t.Fatalf("new signed: %v", err)
	}
	cases := map[string]func(v VerificationData) VerificationData{
		"empty key":      func(v VerificationData) VerificationData { v.Key = ""; return v },
		"bad author":     func(v VerificationData) VerificationData { v.Author = "nope"; return v },
		"bad hash":       func(v VerificationData) VerificationData { v.Hash = "zz"; return v },
		"empty sig":      func(v VerificationData) VerificationData { v.Sig = ""; return v },
		"zero timestamp": func(v VerificationData) VerificationData { v.Timestamp = 0; return v },
		"empty value":    func(v VerificationData) VerificationData { v.Value = nil; return v },
		"invalid value":  func(v VerificationData) VerificationData { v.Value = json.RawMessage(`{`); return v },
	}
	for name, mutate := range cases {
		bad := mutate(*good)
		if err := bad.Validate(); err == nil {
			t.Fatalf("%s: expected validate to fail", name)
		}
	}
}

func TestPeerRecordSignVerify(t *testing.T) {
	id, _ := crypto.GenerateIdentity()
	p, err := SignedPeer(id, "mesh", "127.0.0.1", 9000)
	if err != nil {
		t.Fatalf("signed peer: %v", err)
	}
	if !VerifyPeer(p) {
		t.Fatalf("expected peer record to verify")
	}
	p.Port = 9001
	if VerifyPeer(p) {
		t.Fatalf("expected tampered peer record to fail")
	}
}
