package chain

// Header is a block's metadata record without transaction data. Headers are
// immutable once observed, except for the lazily resolved Miner annotation.
type Header struct {
	Hash       Hash   `json:"hash"`
	PrevHash   Hash   `json:"prev_hash"`
	Height     uint64 `json:"height"`
	Time       uint32 `json:"time"`
	Bits       uint32 `json:"bits"`
	Nonce      uint32 `json:"nonce"`
	Version    int32  `json:"version"`
	MerkleRoot Hash   `json:"merkle_root"`
	Miner      string `json:"miner,omitempty"`
}
