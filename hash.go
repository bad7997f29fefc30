package replicache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a record digest in bytes.
const HashSize = 32

// Hash is the BLAKE3 digest of a decoded record payload. Two copies of a
// record are in sync when their hashes match.
type Hash [HashSize]byte

// HashBytes returns the digest of a record payload.
func HashBytes(data []byte) Hash {
	return blake3.Sum256(data)
}

// ParseHash parses the hex form written into record headers and the journal.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("parsing hash: want %d hex chars, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("parsing hash: %w", err)
	}
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 16 hex chars, enough to tell copies apart in
// logs and inspect output.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero reports whether h was never set. A missing copy has the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
