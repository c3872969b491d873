package graph

import (
	"sort"

	"github.com/forkscope/forkscope/pkg/chain"
)

// Fork is a point where two or more headers build on the same parent.
type Fork struct {
	Common   chain.Header
	Children []chain.Header
}

// RecentForks returns up to max fork points, highest common height first.
// Feeds the forks RSS feed and the per-network fork cache.
func (g *Graph) RecentForks(max int) []Fork {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var forks []Fork
	for parentHash, childHashes := range g.children {
		if len(childHashes) < 2 {
			continue
		}
		parent, ok := g.headers[parentHash]
		if !ok {
			// Fork point pruned away; the divergence is no longer tracked.
			continue
		}
		fork := Fork{Common: *parent}
		for _, childHash := range childHashes {
			if child, ok := g.headers[childHash]; ok {
				fork.Children = append(fork.Children, *child)
			}
		}
		if len(fork.Children) < 2 {
			continue
		}
		sort.Slice(fork.Children, func(i, j int) bool {
			return fork.Children[i].Hash.String() < fork.Children[j].Hash.String()
		})
		forks = append(forks, fork)
	}

	sort.Slice(forks, func(i, j int) bool {
		if forks[i].Common.Height != forks[j].Common.Height {
			return forks[i].Common.Height > forks[j].Common.Height
		}
		return forks[i].Common.Hash.String() < forks[j].Common.Hash.String()
	})
	if max > 0 && len(forks) > max {
		forks = forks[:max]
	}
	return forks
}
