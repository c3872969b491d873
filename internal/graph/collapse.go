package graph

import (
	"sort"

	"github.com/forkscope/forkscope/pkg/chain"
)

// Collapse exports the graph as the front-end's header array, stripped down
// to the interesting parts: heights where more than one header exists (fork
// points), heights of currently reported tips, and the maximum height. A
// window of two headers below and one above each interesting height is kept
// for context. Linear stretches removed between kept regions are bridged
// with a synthetic edge so the rendered tree stays connected.
//
// maxInteresting caps how many interesting heights are exported, newest
// first.
func (g *Graph) Collapse(maxInteresting int, tipHeights map[uint64]struct{}) []chain.HeaderJSON {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.headers) == 0 {
		return []chain.HeaderJSON{}
	}

	var maxHeight uint64
	for height := range g.byHeight {
		if height > maxHeight {
			maxHeight = height
		}
	}

	relevant := make(map[uint64]struct{})
	for height, hashes := range g.byHeight {
		if len(hashes) > 1 {
			relevant[height] = struct{}{}
		}
	}
	for height := range tipHeights {
		relevant[height] = struct{}{}
	}
	relevant[maxHeight] = struct{}{}

	sorted := make([]uint64, 0, len(relevant))
	for height := range relevant {
		sorted = append(sorted, height)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if maxInteresting > 0 && len(sorted) > maxInteresting {
		sorted = sorted[len(sorted)-maxInteresting:]
	}

	keptHeights := make(map[uint64]struct{})
	for _, rh := range sorted {
		for delta := int64(-2); delta <= 1; delta++ {
			h := int64(rh) + delta
			if h >= 0 {
				keptHeights[uint64(h)] = struct{}{}
			}
		}
	}

	// Deterministic export order: (height, hash).
	var kept []*chain.Header
	for _, h := range g.headers {
		if _, ok := keptHeights[h.Height]; ok {
			kept = append(kept, h)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Height != kept[j].Height {
			return kept[i].Height < kept[j].Height
		}
		return kept[i].Hash.String() < kept[j].Hash.String()
	})

	idOf := make(map[chain.Hash]int, len(kept))
	for i, h := range kept {
		idOf[h.Hash] = i
	}

	out := make([]chain.HeaderJSON, len(kept))
	var roots []int
	for i, h := range kept {
		prevID := chain.RootPrevID
		if id, ok := idOf[h.PrevHash]; ok {
			prevID = id
		} else {
			roots = append(roots, i)
		}
		out[i] = chain.HeaderJSON{
			ID:         i,
			PrevID:     prevID,
			Height:     h.Height,
			Hash:       h.Hash.String(),
			Version:    h.Version,
			PrevHash:   h.PrevHash.String(),
			MerkleRoot: h.MerkleRoot.String(),
			Time:       h.Time,
			Bits:       h.Bits,
			Nonce:      h.Nonce,
			Difficulty: chain.DifficultyFromBits(h.Bits),
			Miner:      h.Miner,
		}
	}

	// Bridge the gaps: connect each root (except the lowest) to the highest
	// header of the previously visited component. Roots are sorted by height
	// since headers from multiple nodes arrive in no particular order.
	sort.Slice(roots, func(i, j int) bool { return out[roots[i]].Height < out[roots[j]].Height })
	prevConnect := chain.RootPrevID
	for _, root := range roots {
		if prevConnect != chain.RootPrevID {
			out[root].PrevID = prevConnect
		}
		prevConnect = g.highestInComponent(root, kept, idOf)
	}

	return out
}

// highestInComponent walks the kept subtree under root and returns the id of
// the highest header found.
func (g *Graph) highestInComponent(root int, kept []*chain.Header, idOf map[chain.Hash]int) int {
	best := root
	stack := []int{root}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if kept[cur].Height > kept[best].Height {
			best = cur
		}
		for _, childHash := range g.children[kept[cur].Hash] {
			if id, ok := idOf[childHash]; ok {
				stack = append(stack, id)
			}
		}
	}
	return best
}
