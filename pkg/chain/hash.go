package chain

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the byte length of a block hash.
const HashSize = 32

// Hash is a block hash. The zero value is the root sentinel used for
// headers whose parent is unknown or pruned.
type Hash [HashSize]byte

// ZeroHash is the root sentinel.
var ZeroHash = Hash{}

// String returns the hash in display order (byte-reversed hex), matching
// what bitcoind RPCs and block explorers show.
func (h Hash) String() string {
	var rev [HashSize]byte
	for i := 0; i < HashSize; i++ {
		rev[i] = h[HashSize-1-i]
	}
	return hex.EncodeToString(rev[:])
}

// IsZero reports whether h is the root sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MarshalText implements encoding.TextMarshaler so Hash keys serialize as
// display-order hex in JSON maps and values.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a display-order hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid block hash %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("invalid block hash %q: got %d bytes, want %d", s, len(raw), HashSize)
	}
	for i := 0; i < HashSize; i++ {
		h[i] = raw[HashSize-1-i]
	}
	return h, nil
}

// MustParseHash is ParseHash that panics on error. Test helper.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}
