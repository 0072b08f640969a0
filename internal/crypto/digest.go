package crypto

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the length of blob and manifest digests.
const DigestSize = blake2b.Size256

// Digest is a BLAKE2b-256 hash.
type Digest [DigestSize]byte

// Sum hashes b.
func Sum(b []byte) Digest {
	return blake2b.Sum256(b)
}

// Equal compares in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}
