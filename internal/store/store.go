// Package store persists each network's fork graph so fork history survives
// restarts. Two backends exist: an embedded LevelDB store (default) and
// PostgreSQL, selected by the configured store URL.
package store

import (
	"context"
	"strings"

	"github.com/forkscope/forkscope/pkg/chain"
)

// NodeState is the persisted dynamic state of one observed node.
type NodeState struct {
	Reachable   bool   `json:"reachable"`
	Version     string `json:"version"`
	LastChanged int64  `json:"last_changed_timestamp"`
}

// Delta is the unit of persistence: everything one reconcile cycle touched.
// A Save call must apply atomically with respect to process crash.
type Delta struct {
	NewHeaders []chain.Header
	Tips       map[int][]chain.Tip
	Nodes      map[int]NodeState
}

// Snapshot is the persisted state of one network, as returned by Load.
type Snapshot struct {
	Headers []chain.Header
	Tips    map[int][]chain.Tip
	Nodes   map[int]NodeState
}

// Store is the durable key-value contract keyed by network id.
type Store interface {
	// Load returns the persisted state for a network. A network that was
	// never saved yields an empty snapshot, not an error.
	Load(ctx context.Context, networkID int) (*Snapshot, error)

	// Save applies a cycle's delta atomically.
	Save(ctx context.Context, networkID int, delta *Delta) error

	// UpdateMiner records a lazily resolved miner for an already persisted
	// header.
	UpdateMiner(ctx context.Context, networkID int, hash chain.Hash, miner string) error

	Close() error
}

// Open opens the store backend for the given URL. postgres:// URLs open the
// PostgreSQL backend; anything else is treated as a LevelDB path, with an
// optional leveldb: prefix.
func Open(ctx context.Context, url string) (Store, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return OpenPostgres(ctx, url)
	}
	return OpenLevelDB(strings.TrimPrefix(url, "leveldb:"))
}
