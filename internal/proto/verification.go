// internal/proto/verification.go
package proto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"meshdb/internal/crypto"
)

// VerificationData is the signed write envelope every payload-bearing message
// carries. It is immutable once created and identified by (key, timestamp,
// hash). Invariants:
//
//	hash == SHA3-256(writePrefix | key | value | nonce)
//	sig  == Ed25519(authorPriv, hash)
type VerificationData struct {
	Key       string          `json:"key"`
	Author    string          `json:"author"`
	Nonce     uint64          `json:"nonce"`
	Hash      string          `json:"hash"`
	Timestamp int64           `json:"timestamp"`
	Sig       string          `json:"sig"`
	Value     json.RawMessage `json:"value"`
	CrdtType  string          `json:"crdt_type,omitempty"`
}

// Digest recomputes the write digest from the envelope's own fields.
func (v *VerificationData) Digest() []byte {
	return crypto.WriteDigest(v.Key, v.Value, v.Nonce)
}

// Validate checks structural well-formedness only; cryptographic checks live
// in the verifier.
func (v *VerificationData) Validate() error {
	if v == nil {
		return fmt.Errorf("missing verification data")
	}
	if v.Key == "" {
		return fmt.Errorf("empty key")
	}
	if !crypto.IsAddress(v.Author) {
		return fmt.Errorf("bad author address")
	}
	if h, err := hex.DecodeString(v.Hash); err != nil || len(h) != crypto.DigestSize {
		return fmt.Errorf("bad hash")
	}
	if s, err := hex.DecodeString(v.Sig); err != nil || len(s) == 0 {
		return fmt.Errorf("bad sig")
	}
	if v.Timestamp <= 0 {
		return fmt.Errorf("bad timestamp")
	}
	if len(v.Value) == 0 {
		return fmt.Errorf("empty value")
	}
	if !json.Valid(v.Value) {
		return fmt.Errorf("value is not valid JSON")
	}
	return nil
}

// NewSigned builds and signs an envelope for the caller's identity. With
// powBits > 0 the nonce is mined until the digest carries the required
// leading zero bits, otherwise it is random.
func NewSigned(id *crypto.Identity, key string, value json.RawMessage, crdtType string, powBits uint8) (*VerificationData, error) {
	if id == nil {
		return nil, fmt.Errorf("missing identity")
	}
	if len(value) == 0 || !json.Valid(value) {
		return nil, fmt.Errorf("value must be valid JSON")
	}
	var nonce uint64
	var digest []byte
	if powBits > 0 {
		n, d, ok := crypto.PowSolve(key, value, powBits)
		if !ok {
			return nil, fmt.Errorf("proof of work exhausted")
		}
		nonce, digest = n, d
	} else {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		nonce = binary.LittleEndian.Uint64(buf[:])
		digest = crypto.WriteDigest(key, value, nonce)
	}
	sig, err := id.Sign(digest)
	if err != nil {
		return nil, err
	}
	return &VerificationData{
		Key:       key,
		Author:    id.Address(),
		Nonce:     nonce,
		Hash:      hex.EncodeToString(digest),
		Timestamp: time.Now().UnixMilli(),
		Sig:       hex.EncodeToString(sig),
		Value:     value,
		CrdtType:  crdtType,
	}, nil
}
