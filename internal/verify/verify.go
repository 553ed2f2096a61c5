// internal/verify/verify.go
package verify

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"meshdb/internal/crypto"
	"meshdb/internal/namespace"
	"meshdb/internal/proto"
)

const DefaultMaxClockSkew = 15 * time.Second

// Predicate is one link of the custom verification chain. It sees the full
// envelope and the previously stored envelope for the same key (nil for a
// first write). Returning false or an error rejects the whole message.
type Predicate func(ctx context.Context, msg *proto.VerificationData, previous *proto.VerificationData) (bool, error)

type Config struct {
	// PowBits is the required number of leading zero bits in the write
	// digest. Zero disables the check.
	PowBits uint8
	// MaxClockSkew bounds how far in the future a timestamp may lie.
	MaxClockSkew time.Duration
	// Now is the clock, swappable in tests.
	Now func() time.Time
}

type chainEntry struct {
	id     uint64
	prefix string
	pred   Predicate
}

// Verifier runs the ordered admissibility checks. It is pure: no
// persistence, no relay, no listener side effects. Each node instance owns
// its own verifier, so isolated instances can coexist in one process.
type Verifier struct {
	cfg Config

	mu     sync.Mutex
	nextID uint64
	chain  []chainEntry
}

func New(cfg Config) *Verifier {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}
}

// Handle unregisters exactly the predicate it was returned for.
type Handle struct {
	v  *Verifier
	id uint64
}

func (h *Handle) Unregister() {
	if h == nil || h.v == nil {
		return
	}
	h.v.mu.Lock()
	defer h.v.mu.Unlock()
	for i, e := range h.v.chain {
		if e.id == h.id {
			h.v.chain = append(h.v.chain[:i], h.v.chain[i+1:]...)
			return
		}
	}
}

// RegisterPredicate appends a predicate evaluated for every key the prefix
// matches. Custom namespaces are built purely from these registrations.
func (v *Verifier) RegisterPredicate(prefix string, p Predicate) *Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	v.chain = append(v.chain, chainEntry{id: v.nextID, prefix: prefix, pred: p})
	return &Handle{v: v, id: v.nextID}
}

func (v *Verifier) matching(key string) []chainEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []chainEntry
	for _, e := range v.chain {
		if strings.HasPrefix(key, e.prefix) {
			out = append(out, e)
		}
	}
	return out
}

// Verify runs the ordered checks, short-circuiting on the first failure.
// previous is the currently stored envelope for msg.Key, nil when absent.
func (v *Verifier) Verify(ctx context.Context, msg *proto.VerificationData, previous *proto.VerificationData) Verdict {
	// 1. structural validity
	if err := msg.Validate(); err != nil {
		return InvalidData
	}
	if err := namespace.ValidateKey(msg.Key); err != nil {
		return InvalidData
	}

	// 2. hash integrity
	digest := msg.Digest()
	if hex.EncodeToString(digest) != msg.Hash {
		return InvalidHashNonce
	}

	// 3. proof of work
	if !crypto.PowCheck(digest, v.cfg.PowBits) {
		return NoProofOfWork
	}

	// 4. timestamp freshness. CRDT change-lists merge commutatively, so
	// only plain puts reject older-than-stored.
	now := v.cfg.Now().UnixMilli()
	if msg.Timestamp > now+v.cfg.MaxClockSkew.Milliseconds() {
		return InvalidTimestamp
	}
	if previous != nil && msg.CrdtType == "" && msg.Timestamp < previous.Timestamp {
		return InvalidTimestamp
	}

	// 5. signature
	sig, err := hex.DecodeString(msg.Sig)
	if err != nil || !crypto.VerifyAddress(msg.Author, digest, sig) {
		return InvalidSignature
	}

	// 6. namespace rule
	switch namespace.Classify(msg.Key) {
	case namespace.Private:
		owner, ok := namespace.PrivateOwner(msg.Key)
		if !ok || owner != msg.Author {
			return AddressMismatch
		}
	case namespace.Frozen:
		// 7. overwrite rule: first writer owns the key forever.
		if previous != nil && previous.Author != msg.Author {
			return CantOverwrite
		}
	}

	// 8. custom verification chain
	for _, e := range v.matching(msg.Key) {
		ok, err := e.pred(ctx, msg, previous)
		if err != nil || !ok {
			return CustomVerificationFailed
		}
	}

	return Verified
}
