// internal/verify/verdict.go
package verify

// Verdict is the exhaustive outcome set of the verification pipeline. Every
// non-Verified verdict is a local, silent drop: no NACK travels back to the
// sender.
type Verdict int

const (
	Verified Verdict = iota
	InvalidData
	InvalidHashNonce
	NoProofOfWork
	InvalidTimestamp
	InvalidSignature
	AddressMismatch
	CantOverwrite
	CustomVerificationFailed
)

func (v Verdict) String() string {
	switch v {
	case Verified:
		return "verified"
	case InvalidData:
		return "invalid_data"
	case InvalidHashNonce:
		return "invalid_hash_nonce"
	case NoProofOfWork:
		return "no_proof_of_work"
	case InvalidTimestamp:
		return "invalid_timestamp"
	case InvalidSignature:
		return "invalid_signature"
	case AddressMismatch:
		return "address_mismatch"
	case CantOverwrite:
		return "cant_overwrite"
	case CustomVerificationFailed:
		return "custom_verification_failed"
	default:
		return "unknown"
	}
}
