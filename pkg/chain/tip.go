package chain

import "fmt"

// TipStatus is a node's own classification of one of its chain tips, as
// reported by the getchaintips RPC.
type TipStatus string

const (
	// StatusActive is the node's current best chain tip.
	StatusActive TipStatus = "active"
	// StatusValidFork is a fully validated branch that is not the active chain.
	StatusValidFork TipStatus = "valid-fork"
	// StatusValidHeaders means headers are validated but block data is not
	// fully validated (pruned or not downloaded).
	StatusValidHeaders TipStatus = "valid-headers"
	// StatusHeadersOnly means headers were received but not validated.
	StatusHeadersOnly TipStatus = "headers-only"
	// StatusInvalid is a branch the node rejected.
	StatusInvalid TipStatus = "invalid"
)

// ParseTipStatus maps a getchaintips status string to a TipStatus.
func ParseTipStatus(s string) (TipStatus, error) {
	switch TipStatus(s) {
	case StatusActive, StatusValidFork, StatusValidHeaders, StatusHeadersOnly, StatusInvalid:
		return TipStatus(s), nil
	}
	return "", fmt.Errorf("unknown chain tip status %q", s)
}

// Tip is one entry of a node's reported chain tips at the time of a poll.
type Tip struct {
	Hash      Hash      `json:"hash"`
	Status    TipStatus `json:"status"`
	Height    uint64    `json:"height"`
	BranchLen uint64    `json:"branchlen"`
}
