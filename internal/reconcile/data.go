package reconcile

import (
	"sort"

	"github.com/forkscope/forkscope/internal/graph"
	"github.com/forkscope/forkscope/pkg/chain"
)

// Network returns the network's static description.
func (r *Reconciler) Network() chain.NetworkJSON {
	return chain.NetworkJSON{
		ID:          r.cfg.NetworkID,
		Name:        r.cfg.NetworkName,
		Description: r.cfg.NetworkDescription,
	}
}

// Data builds the full data.json export: the collapsed header array plus all
// nodes with their current tips.
func (r *Reconciler) Data() chain.DataResponse {
	r.mu.RLock()
	tipHeights := make(map[uint64]struct{})
	for _, node := range r.nodes {
		for _, tip := range node.lastTips {
			tipHeights[tip.Height] = struct{}{}
		}
	}
	r.mu.RUnlock()

	return chain.DataResponse{
		HeaderInfos: r.graph.Collapse(r.cfg.MaxInterestingHeights, tipHeights),
		Nodes:       r.Nodes(),
	}
}

// Nodes returns the current state of all observed nodes, ordered by id.
func (r *Reconciler) Nodes() []chain.NodeJSON {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chain.NodeJSON, 0, len(r.nodes))
	for _, node := range r.nodes {
		tips := make([]chain.TipJSON, 0, len(node.lastTips))
		for _, tip := range node.lastTips {
			tips = append(tips, chain.TipJSON{
				Hash:   tip.Hash.String(),
				Status: tip.Status,
				Height: tip.Height,
			})
		}
		out = append(out, chain.NodeJSON{
			ID:             node.ID,
			Name:           node.Name,
			Description:    node.Description,
			Implementation: node.Implementation,
			Version:        node.version,
			Reachable:      node.reachable,
			LastChanged:    node.lastChanged,
			Tips:           tips,
		})
	}
	return out
}

// Forks returns up to max recent fork points for this network.
func (r *Reconciler) Forks(max int) []graph.Fork {
	return r.graph.RecentForks(max)
}

// InvalidTip is a tip with status invalid, together with the nodes that
// consider it invalid.
type InvalidTip struct {
	Tip   chain.Tip
	Nodes []string
}

// InvalidTips returns all currently reported invalid tips, grouped by hash,
// highest first.
func (r *Reconciler) InvalidTips() []InvalidTip {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byHash := make(map[chain.Hash]*InvalidTip)
	var order []chain.Hash
	for _, node := range r.nodes {
		for _, tip := range node.lastTips {
			if tip.Status != chain.StatusInvalid {
				continue
			}
			entry, ok := byHash[tip.Hash]
			if !ok {
				entry = &InvalidTip{Tip: tip}
				byHash[tip.Hash] = entry
				order = append(order, tip.Hash)
			}
			entry.Nodes = append(entry.Nodes, node.Name)
		}
	}

	out := make([]InvalidTip, 0, len(order))
	for _, hash := range order {
		out = append(out, *byHash[hash])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tip.Height > out[j].Tip.Height })
	return out
}

// LaggingNodes returns reachable nodes whose active tip is behind the
// network's best active tip by more than lagBlocks.
func (r *Reconciler) LaggingNodes(lagBlocks uint64) []chain.NodeJSON {
	nodes := r.Nodes()

	var best uint64
	for _, node := range nodes {
		for _, tip := range node.Tips {
			if tip.Status == chain.StatusActive && tip.Height > best {
				best = tip.Height
			}
		}
	}

	var lagging []chain.NodeJSON
	for _, node := range nodes {
		if !node.Reachable {
			continue
		}
		for _, tip := range node.Tips {
			if tip.Status == chain.StatusActive && tip.Height+lagBlocks < best {
				lagging = append(lagging, node)
				break
			}
		}
	}
	return lagging
}

// UnreachableNodes returns nodes that failed their most recent poll.
func (r *Reconciler) UnreachableNodes() []chain.NodeJSON {
	var out []chain.NodeJSON
	for _, node := range r.Nodes() {
		if !node.Reachable {
			out = append(out, node)
		}
	}
	return out
}
