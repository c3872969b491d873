package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/forkscope/forkscope/pkg/chain"
)

// ErrInconsistentHeight is returned when a header is re-inserted with a
// height that differs from the recorded one. A hash uniquely determines the
// header contents in the real protocol, so this signals a node reporting
// bogus data. The existing record wins.
var ErrInconsistentHeight = errors.New("header already known at a different height")

// Graph is the authoritative DAG of all known headers for one network.
// It is mutated only by that network's reconciler (single writer); readers
// take snapshots. All linkage is by hash lookup, so the structure cannot
// form reference cycles.
type Graph struct {
	mu sync.RWMutex

	headers  map[chain.Hash]*chain.Header
	children map[chain.Hash][]chain.Hash
	byHeight map[uint64][]chain.Hash

	// boundary markers: pruned parents of surviving headers, hash -> height.
	// These keep the remaining trees recognizably connected after pruning.
	boundary map[chain.Hash]uint64

	// current tip tags, one set per node. Replaced wholesale on every merge
	// for that node; headers not referenced here are implicitly in-chain.
	nodeTips map[int][]chain.Tip
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		headers:  make(map[chain.Hash]*chain.Header),
		children: make(map[chain.Hash][]chain.Hash),
		byHeight: make(map[uint64][]chain.Hash),
		boundary: make(map[chain.Hash]uint64),
		nodeTips: make(map[int][]chain.Tip),
	}
}

// InsertHeader inserts h if its hash is unknown. It reports whether the
// graph changed. Re-inserting an identical header is a no-op; a header with
// a known hash but a different height fails with ErrInconsistentHeight.
func (g *Graph) InsertHeader(h chain.Header) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.headers[h.Hash]; ok {
		if existing.Height != h.Height {
			return false, fmt.Errorf("%w: hash %s recorded at height %d, reported at %d",
				ErrInconsistentHeight, h.Hash, existing.Height, h.Height)
		}
		return false, nil
	}

	stored := h
	g.headers[h.Hash] = &stored
	g.byHeight[h.Height] = append(g.byHeight[h.Height], h.Hash)
	if !h.PrevHash.IsZero() {
		g.children[h.PrevHash] = append(g.children[h.PrevHash], h.Hash)
	}
	return true, nil
}

// Has reports whether the graph knows a header with the given hash.
func (g *Graph) Has(hash chain.Hash) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.headers[hash]
	return ok
}

// Header returns the header with the given hash, if known.
func (g *Graph) Header(hash chain.Hash) (chain.Header, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.headers[hash]
	if !ok {
		return chain.Header{}, false
	}
	return *h, true
}

// SetMiner records the lazily resolved mining pool name for a header.
// It reports whether the header exists and the value changed.
func (g *Graph) SetMiner(hash chain.Hash, miner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.headers[hash]
	if !ok || h.Miner == miner {
		return false
	}
	h.Miner = miner
	return true
}

// SetNodeTips replaces the tip tags of one node with its currently reported
// tips. Previous tags from that node are cleared so stale statuses do not
// accumulate. Multiple nodes tagging the same hash with different statuses
// is the fan-out the front-end depends on and is preserved as-is.
func (g *Graph) SetNodeTips(nodeID int, tips []chain.Tip) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodeTips[nodeID] = append([]chain.Tip(nil), tips...)
}

// TipsOf returns the currently recorded tips of a node.
func (g *Graph) TipsOf(nodeID int) []chain.Tip {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]chain.Tip(nil), g.nodeTips[nodeID]...)
}

// AncestorsBetween walks prev-hash links from tip down to and including the
// first header at or below stopHeight. The walk also ends at a header whose
// parent is unknown. Headers are returned tip-first (descending height).
func (g *Graph) AncestorsBetween(tip chain.Hash, stopHeight uint64) []chain.Header {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []chain.Header
	cur := tip
	for {
		h, ok := g.headers[cur]
		if !ok {
			break
		}
		out = append(out, *h)
		if h.Height <= stopHeight || h.PrevHash.IsZero() {
			break
		}
		cur = h.PrevHash
	}
	return out
}

// Size returns the number of headers in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.headers)
}

// MaxHeight returns the highest header height in the graph, or 0 if empty.
func (g *Graph) MaxHeight() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var maxHeight uint64
	for height := range g.byHeight {
		if height > maxHeight {
			maxHeight = height
		}
	}
	return maxHeight
}

// MinHeight returns the lowest header height in the graph, or 0 if empty.
func (g *Graph) MinHeight() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	first := true
	var minHeight uint64
	for height := range g.byHeight {
		if first || height < minHeight {
			minHeight = height
			first = false
		}
	}
	return minHeight
}

// Prune removes all headers strictly below the given height. Pruned parents
// of surviving headers are retained as boundary markers so no surviving
// header dangles into the void; their children become new root candidates.
func (g *Graph) Prune(below uint64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for height, hashes := range g.byHeight {
		if height >= below {
			continue
		}
		for _, hash := range hashes {
			delete(g.headers, hash)
			delete(g.children, hash)
			removed++
		}
		delete(g.byHeight, height)
	}
	if removed == 0 {
		return 0
	}

	// Record pruned parents of survivors as boundary markers and drop
	// markers that no longer bound anything.
	g.boundary = make(map[chain.Hash]uint64)
	for _, h := range g.headers {
		if h.PrevHash.IsZero() {
			continue
		}
		if _, ok := g.headers[h.PrevHash]; !ok {
			g.boundary[h.PrevHash] = h.Height - 1
		}
	}
	return removed
}

// isBoundary reports whether hash is a retained pruning boundary marker.
func (g *Graph) isBoundary(hash chain.Hash) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.boundary[hash]
	return ok
}

// State is a read-only export of the graph: all headers plus the current
// per-node tip tags. Used by the persistence layer and the API.
type State struct {
	Headers []chain.Header
	Tips    map[int][]chain.Tip
}

// Snapshot returns a deep copy of the graph state. Headers are ordered by
// (height, hash) so output is reproducible given identical input.
func (g *Graph) Snapshot() *State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := &State{
		Headers: make([]chain.Header, 0, len(g.headers)),
		Tips:    make(map[int][]chain.Tip, len(g.nodeTips)),
	}
	for _, h := range g.headers {
		s.Headers = append(s.Headers, *h)
	}
	sort.Slice(s.Headers, func(i, j int) bool {
		if s.Headers[i].Height != s.Headers[j].Height {
			return s.Headers[i].Height < s.Headers[j].Height
		}
		return s.Headers[i].Hash.String() < s.Headers[j].Hash.String()
	})
	for nodeID, tips := range g.nodeTips {
		s.Tips[nodeID] = append([]chain.Tip(nil), tips...)
	}
	return s
}
