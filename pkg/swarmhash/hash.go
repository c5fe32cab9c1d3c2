// Package swarmhash provides the fixed-output content hash used to address
// chunks and files throughout swarmfs.
package swarmhash

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Size is the length in bytes of a content hash.
const Size = 32

// Hash is a 32-byte BLAKE3-256 digest.
type Hash [Size]byte

// Sum returns the content hash of b.
func Sum(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// Combine returns hash(h1 || h2), the pairing operation used to build
// Merkle tree internal nodes.
func Combine(h1, h2 Hash) Hash {
	buf := make([]byte, 0, Size*2)
	buf = append(buf, h1[:]...)
	buf = append(buf, h2[:]...)
	return Sum(buf)
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// FromBytes builds a Hash from a byte slice, which must be exactly Size
// bytes long.
func FromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != Size {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// String returns the 64-character lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// FromHex parses a 64-character lowercase hex string into a Hash.
func FromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	h, ok := FromBytes(b)
	if !ok {
		return Hash{}, fmt.Errorf("swarmhash: expected %d bytes, got %d", Size, len(b))
	}
	return h, nil
}
