package reconcile

import (
	"context"
	"errors"
	"sort"

	"github.com/forkscope/forkscope/pkg/chain"
	"github.com/forkscope/forkscope/pkg/nodeclient"
)

// headerBatchSize is the number of active-chain headers requested per batch
// round trip on batch-capable clients.
const headerBatchSize = 2000

// fetchNewHeaders collects all headers reachable from the reported tips that
// the graph does not know yet. Active-chain headers are walked (or batched)
// down to the known frontier or the minimum fork height; non-active tips are
// walked by prev-hash for at most their branch length.
func (r *Reconciler) fetchNewHeaders(ctx context.Context, client nodeclient.Client, tips []chain.Tip) ([]chain.Header, error) {
	var headers []chain.Header

	for _, tip := range tips {
		if tip.Status != chain.StatusActive {
			continue
		}
		active, err := r.fetchActiveHeaders(ctx, client, tip)
		if err != nil {
			return nil, err
		}
		headers = append(headers, active...)
	}

	for _, tip := range tips {
		if tip.Status == chain.StatusActive {
			continue
		}
		branch, err := r.fetchBranchHeaders(ctx, client, tip)
		if err != nil {
			return nil, err
		}
		headers = append(headers, branch...)
	}

	// Ascending height so parents are inserted before children.
	sort.Slice(headers, func(i, j int) bool { return headers[i].Height < headers[j].Height })
	return headers, nil
}

// fetchActiveHeaders walks the active chain downwards from tip until it
// reaches a header the graph already knows or the minimum fork height.
func (r *Reconciler) fetchActiveHeaders(ctx context.Context, client nodeclient.Client, tip chain.Tip) ([]chain.Header, error) {
	if r.graph.Has(tip.Hash) {
		return nil, nil
	}

	if client.Capabilities().BatchHeaders {
		return r.fetchActiveBatched(ctx, client, tip)
	}

	var headers []chain.Header
	height := int64(tip.Height)
	minHeight := int64(r.cfg.MinForkHeight)
	for height >= minHeight {
		hash, err := client.BlockHash(ctx, uint64(height))
		if err != nil {
			return nil, err
		}
		if r.graph.Has(hash) {
			break
		}

		var h chain.Header
		if client.Capabilities().FetchByHash {
			h, err = client.HeaderByHash(ctx, hash)
		} else {
			h, err = client.HeaderByHeight(ctx, uint64(height))
		}
		if err != nil {
			return nil, err
		}
		h.Height = uint64(height)
		headers = append(headers, h)
		height--
	}
	return headers, nil
}

// fetchActiveBatched walks the active chain in batches of headerBatchSize,
// highest batch first, stopping once a batch contains a known header.
func (r *Reconciler) fetchActiveBatched(ctx context.Context, client nodeclient.Client, tip chain.Tip) ([]chain.Header, error) {
	var headers []chain.Header
	queryHeight := int64(tip.Height)
	minHeight := int64(r.cfg.MinForkHeight)

	for queryHeight >= minHeight {
		startHeight := queryHeight - headerBatchSize + 1
		if startHeight < minHeight {
			startHeight = minHeight
		}
		count := uint64(queryHeight - startHeight + 1)

		startHash, err := client.BlockHash(ctx, uint64(startHeight))
		if err != nil {
			return nil, err
		}
		batch, err := client.BatchHeaders(ctx, startHash, uint64(startHeight), count)
		if err != nil {
			return nil, err
		}

		sawKnown := false
		for i, h := range batch {
			h.Height = uint64(startHeight) + uint64(i)
			if r.graph.Has(h.Hash) {
				sawKnown = true
				continue
			}
			headers = append(headers, h)
		}
		if sawKnown {
			break
		}
		queryHeight = startHeight - 1
	}
	return headers, nil
}

// fetchBranchHeaders walks a non-active branch from its tip by prev-hash, at
// most branch-length headers, stopping at the first known header. Sources
// that cannot fetch by hash only ever see their active chain and skip this.
func (r *Reconciler) fetchBranchHeaders(ctx context.Context, client nodeclient.Client, tip chain.Tip) ([]chain.Header, error) {
	if !client.Capabilities().FetchByHash {
		return nil, nil
	}
	// Branches rooted at or below the minimum fork height are not tracked.
	if tip.Height < tip.BranchLen || tip.Height-tip.BranchLen <= r.cfg.MinForkHeight {
		return nil, nil
	}

	var headers []chain.Header
	next := tip.Hash
	for i := uint64(0); i <= tip.BranchLen; i++ {
		if r.graph.Has(next) {
			break
		}
		h, err := client.HeaderByHash(ctx, next)
		if err != nil {
			// Invalid branch headers may already be discarded by the node.
			if errors.Is(err, nodeclient.ErrNotSupported) {
				break
			}
			return nil, err
		}
		h.Height = tip.Height - i
		headers = append(headers, h)
		if h.PrevHash.IsZero() {
			break
		}
		next = h.PrevHash
	}
	return headers, nil
}
