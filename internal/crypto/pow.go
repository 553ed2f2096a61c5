package crypto

// PowCheck reports whether digest carries bits leading zero bits. Zero bits
// disables the check.
func PowCheck(digest []byte, bits uint8) bool {
	if bits == 0 {
		return true
	}
	if len(digest) != DigestSize {
		return false
	}
	full := int(bits / 8)
	rem := int(bits % 8)
	for i := 0; i < full; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return digest[full]&mask == 0
}

// PowSolve scans nonces until the write digest for (key, value) satisfies the
// difficulty. The returned digest is the one the caller signs.
func PowSolve(key string, value []byte, bits uint8) (uint64, []byte, bool) {
	for nonce := uint64(0); nonce < ^uint64(0); nonce++ {
		digest := WriteDigest(key, value, nonce)
		if PowCheck(digest, bits) {
			return nonce, digest, true
		}
	}
	return 0, nil, false
}
