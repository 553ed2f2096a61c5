// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// MeshDB Crypto Stack v0.1
//
// Fixed suite: Ed25519 signatures + SHA3-256 content digests.
// An address is the hex-encoded 32-byte Ed25519 public key, nothing else.
// -----------------------------------------------------------------------------

const (
	AddressSize = ed25519.PublicKeySize // 32
	DigestSize  = 32
)

const writePrefix = "meshdb:v0:write|"

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// WriteDigest binds key, raw value bytes and nonce into the digest that gets
// signed and checked for proof-of-work. The value bytes are hashed exactly as
// they travel on the wire.
func WriteDigest(key string, value []byte, nonce uint64) []byte {
	buf := make([]byte, 0, len(writePrefix)+len(key)+len(value)+24)
	buf = append(buf, []byte(writePrefix)...)
	buf = append(buf, []byte(key)...)
	buf = append(buf, '|')
	buf = append(buf, value...)
	buf = append(buf, '|')
	buf = append(buf, []byte(strconv.FormatUint(nonce, 10))...)
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// Ed25519 keypairs and addresses
// -----------------------------------------------------------------------------

func GenKeypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func AddressOf(pub []byte) string {
	return hex.EncodeToString(pub)
}

func DecodeAddress(addr string) ([]byte, error) {
	pub, err := hex.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("bad address encoding")
	}
	if len(pub) != AddressSize {
		return nil, fmt.Errorf("bad address size: %d", len(pub))
	}
	return pub, nil
}

func IsAddress(addr string) bool {
	_, err := DecodeAddress(addr)
	return err == nil
}

func Sign(priv []byte, digest []byte) []byte {
	sig, err := SignDigest(priv, digest)
	if err != nil {
		return nil
	}
	return sig
}

func SignDigest(priv []byte, digest []byte) ([]byte, error) {
	if len(digest) != DigestSize {
		return nil, errors.New("bad digest size")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("bad private key size")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), digest), nil
}

func Verify(pub []byte, digest []byte, sig []byte) bool {
	if len(digest) != DigestSize || len(pub) != ed25519.PublicKeySize {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}

// VerifyAddress checks a signature against a hex address instead of raw key
// bytes. Receivers only ever see addresses.
func VerifyAddress(addr string, digest []byte, sig []byte) bool {
	pub, err := DecodeAddress(addr)
	if err != nil {
		return false
	}
	return Verify(pub, digest, sig)
}

// -----------------------------------------------------------------------------
// Identity: the signing capability handed to the node
// -----------------------------------------------------------------------------

type Identity struct {
	pub  []byte
	priv []byte
}

func NewIdentity(pub, priv []byte) (*Identity, error) {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("bad key material")
	}
	return &Identity{pub: pub, priv: priv}, nil
}

func GenerateIdentity() (*Identity, error) {
	pub, priv, err := GenKeypair()
	if err != nil {
		return nil, err
	}
	return &Identity{pub: pub, priv: priv}, nil
}

func (id *Identity) Address() string {
	if id == nil {
		return ""
	}
	return AddressOf(id.pub)
}

func (id *Identity) Public() []byte {
	out := make([]byte, len(id.pub))
	copy(out, id.pub)
	return out
}

func (id *Identity) Sign(digest []byte) ([]byte, error) {
	if id == nil {
		return nil, errors.New("missing identity")
	}
	return SignDigest(id.priv, digest)
}

func (id *Identity) String() string {
	return "Identity{" + id.Address() + "}"
}

func (id *Identity) GoString() string {
	return "crypto.Identity{REDACTED}"
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}

	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}

// LoadOrCreateIdentity reads the keypair under dir, generating and persisting
// a fresh one on first run.
func LoadOrCreateIdentity(dir string) (*Identity, error) {
	pub, priv, err := LoadKeypair(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := SaveKeypair(dir, pub, priv); err != nil {
			return nil, err
		}
	}
	return NewIdentity(pub, priv)
}
