package nodeclient

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/forkscope/forkscope/pkg/chain"
)

// rawHeaderSize is the serialized size of a block header on the wire.
const rawHeaderSize = 80

// decodeRawHeader decodes one 80-byte consensus-serialized header and
// computes its hash (double SHA-256 of the serialization). Height is not
// part of the serialization and is left zero for the caller to assign.
func decodeRawHeader(raw []byte) (chain.Header, error) {
	if len(raw) != rawHeaderSize {
		return chain.Header{}, fmt.Errorf("raw header is %d bytes, want %d", len(raw), rawHeaderSize)
	}

	var h chain.Header
	h.Version = int32(binary.LittleEndian.Uint32(raw[0:4]))
	copy(h.PrevHash[:], raw[4:36])
	copy(h.MerkleRoot[:], raw[36:68])
	h.Time = binary.LittleEndian.Uint32(raw[68:72])
	h.Bits = binary.LittleEndian.Uint32(raw[72:76])
	h.Nonce = binary.LittleEndian.Uint32(raw[76:80])

	first := sha256.Sum256(raw)
	h.Hash = sha256.Sum256(first[:])
	return h, nil
}

// splitRawHeaders decodes a concatenation of 80-byte headers, as returned by
// the Bitcoin Core REST headers endpoint.
func splitRawHeaders(raw []byte) ([]chain.Header, error) {
	if len(raw)%rawHeaderSize != 0 {
		return nil, fmt.Errorf("header batch of %d bytes is not a multiple of %d", len(raw), rawHeaderSize)
	}
	headers := make([]chain.Header, 0, len(raw)/rawHeaderSize)
	for off := 0; off < len(raw); off += rawHeaderSize {
		h, err := decodeRawHeader(raw[off : off+rawHeaderSize])
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}
