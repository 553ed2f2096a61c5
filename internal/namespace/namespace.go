// internal/namespace/namespace.go
//
// Namespace classification is a pure function of the key string: it never
// depends on message content, so every peer re-derives the same class.
package namespace

import (
	"fmt"
	"strings"

	"meshdb/internal/crypto"
)

type Class int

const (
	// Public keys ("{key}") carry no ownership check; admissibility rests
	// on hash/signature/timestamp plus whatever custom predicates the
	// application registers. Default-insecure for real use.
	Public Class = iota
	// Private keys (":{address}.{key}") grant exclusive write access to
	// the embedded owner address; readable by anyone.
	Private
	// Frozen keys ("=={key}") belong to whoever writes them first.
	Frozen
)

func (c Class) String() string {
	switch c {
	case Public:
		return "public"
	case Private:
		return "private"
	case Frozen:
		return "frozen"
	default:
		return "unknown"
	}
}

const (
	privateMarker = ":"
	frozenMarker  = "=="
	Separator     = "."
)

func Classify(key string) Class {
	if strings.HasPrefix(key, privateMarker) {
		return Private
	}
	if strings.HasPrefix(key, frozenMarker) {
		return Frozen
	}
	return Public
}

// PrivateOwner extracts the owner address embedded in a private key.
func PrivateOwner(key string) (string, bool) {
	if !strings.HasPrefix(key, privateMarker) {
		return "", false
	}
	rest := key[len(privateMarker):]
	sep := strings.Index(rest, Separator)
	if sep <= 0 {
		return "", false
	}
	return rest[:sep], true
}

// CallerSegment returns the caller-chosen part of the key: everything for
// public keys, the part after the owner for private keys, the part after the
// marker for frozen keys.
func CallerSegment(key string) string {
	switch Classify(key) {
	case Private:
		rest := key[len(privateMarker):]
		if sep := strings.Index(rest, Separator); sep >= 0 {
			return rest[sep+len(Separator):]
		}
		return rest
	case Frozen:
		return key[len(frozenMarker):]
	default:
		return key
	}
}

// ValidateKey enforces the syntactic rules: a non-empty caller segment that
// does not contain the namespace separator, and a well-formed owner address
// for private keys.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	switch Classify(key) {
	case Private:
		owner, ok := PrivateOwner(key)
		if !ok {
			return fmt.Errorf("private key missing owner separator")
		}
		if !crypto.IsAddress(owner) {
			return fmt.Errorf("private key owner is not an address")
		}
	case Frozen:
		if key == frozenMarker {
			return fmt.Errorf("frozen key is empty")
		}
	}
	seg := CallerSegment(key)
	if seg == "" {
		return fmt.Errorf("empty key segment")
	}
	if strings.Contains(seg, Separator) {
		return fmt.Errorf("key segment contains namespace separator %q", Separator)
	}
	return nil
}
