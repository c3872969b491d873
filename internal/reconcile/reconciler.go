// Package reconcile drives the per-network poll cycle: fan out to all node
// clients concurrently, merge results into the fork graph, detect whether
// the visible state changed, persist, notify.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/forkscope/forkscope/internal/graph"
	"github.com/forkscope/forkscope/internal/notify"
	"github.com/forkscope/forkscope/internal/store"
	"github.com/forkscope/forkscope/pkg/chain"
	"github.com/forkscope/forkscope/pkg/nodeclient"
)

// VersionUnknown is used when a node's version cannot be queried.
const VersionUnknown = "unknown"

// Node is one observed node: static identity plus dynamic poll state. The
// dynamic fields are owned by the reconciler goroutine and read by the API
// through the reconciler's lock.
type Node struct {
	ID             int
	Name           string
	Description    string
	Implementation string
	Client         nodeclient.Client

	reachable   bool
	version     string
	lastChanged int64
	lastTips    []chain.Tip
}

// Config configures one network's reconciler.
type Config struct {
	NetworkID             int
	NetworkName           string
	NetworkDescription    string
	MinForkHeight         uint64
	MaxInterestingHeights int
	Interval              time.Duration
	FetchTimeout          time.Duration
}

// Reconciler owns one network's fork graph and poll loop. Exactly one cycle
// is in flight at a time; the graph has a single writer.
type Reconciler struct {
	cfg   Config
	nodes []*Node

	graph    *graph.Graph
	store    store.Store
	notifier *notify.Notifier

	// headers merged into the graph but not yet persisted. Cleared on
	// successful save, retried next cycle otherwise.
	pending []chain.Header

	mu sync.RWMutex
}

// New creates a Reconciler. Nodes are sorted by id so merge order is
// deterministic regardless of fetch completion order.
func New(cfg Config, nodes []*Node, st store.Store, notifier *notify.Notifier) *Reconciler {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	sorted := append([]*Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, node := range sorted {
		node.reachable = true // assumed until the first poll says otherwise
		node.version = VersionUnknown
	}
	return &Reconciler{
		cfg:      cfg,
		nodes:    sorted,
		graph:    graph.New(),
		store:    st,
		notifier: notifier,
	}
}

// Graph exposes the fork graph for read access.
func (r *Reconciler) Graph() *graph.Graph {
	return r.graph
}

// NetworkID returns the network this reconciler observes.
func (r *Reconciler) NetworkID() int {
	return r.cfg.NetworkID
}

// Restore loads persisted state into the graph. A load failure leaves the
// network with an empty graph and a loud warning; other networks are not
// affected.
func (r *Reconciler) Restore(ctx context.Context) {
	snap, err := r.store.Load(ctx, r.cfg.NetworkID)
	if err != nil {
		slog.Warn("could not load persisted state, starting with an empty fork graph",
			"network", r.cfg.NetworkName, "err", err)
		return
	}

	for _, h := range snap.Headers {
		if _, err := r.graph.InsertHeader(h); err != nil {
			slog.Warn("skipping inconsistent persisted header",
				"network", r.cfg.NetworkName, "hash", h.Hash, "err", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if tips, ok := snap.Tips[node.ID]; ok {
			node.lastTips = tips
			r.graph.SetNodeTips(node.ID, tips)
		}
		if state, ok := snap.Nodes[node.ID]; ok {
			node.version = state.Version
			node.lastChanged = state.LastChanged
		}
	}

	slog.Info("restored fork graph",
		"network", r.cfg.NetworkName,
		"headers", r.graph.Size(),
		"min_height", r.graph.MinHeight(),
		"max_height", r.graph.MaxHeight(),
	)
}

// Run polls until ctx is canceled. The first cycle starts immediately;
// subsequent cycles run on the configured interval. A cycle that overruns
// the interval delays the next tick instead of running concurrently.
func (r *Reconciler) Run(ctx context.Context) error {
	go r.loadVersions(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.runCycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pollResult is one node's fetch outcome, merged in node-id order.
type pollResult struct {
	tips       []chain.Tip
	newHeaders []chain.Header
	skipped    bool // tips unchanged, headers not fetched
	err        error
}

// runCycle performs one poll-merge-persist-notify cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	results := make([]pollResult, len(r.nodes))

	var wg sync.WaitGroup
	for i, node := range r.nodes {
		wg.Add(1)
		go func(i int, node *Node) {
			defer wg.Done()
			results[i] = r.poll(ctx, node)
		}(i, node)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return // shutting down, skip persistence of the incomplete cycle
	}

	changed := r.merge(results)

	r.mu.RLock()
	unsaved := len(r.pending) > 0
	r.mu.RUnlock()
	if !changed && !unsaved {
		return
	}

	if err := r.persist(ctx); err != nil {
		slog.Error("persisting cycle failed, retrying next cycle",
			"network", r.cfg.NetworkName, "err", err)
	}
	if changed {
		r.notifier.Notify(r.cfg.NetworkID)
	}
}

// poll fetches one node's tips and any headers missing from the graph. All
// calls share one per-node timeout; an error discards any partially
// fetched headers.
func (r *Reconciler) poll(ctx context.Context, node *Node) pollResult {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	tips, err := node.Client.Tips(ctx)
	if err != nil {
		return pollResult{err: err}
	}

	r.mu.RLock()
	unchanged := tipsEqual(node.lastTips, tips)
	r.mu.RUnlock()
	if unchanged {
		return pollResult{tips: tips, skipped: true}
	}

	headers, err := r.fetchNewHeaders(ctx, node.Client, tips)
	if err != nil {
		return pollResult{err: err}
	}
	return pollResult{tips: tips, newHeaders: headers}
}

// merge applies all poll results to the graph sequentially, in node-id
// order, and reports whether the externally visible state changed.
func (r *Reconciler) merge(results []pollResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for i, node := range r.nodes {
		res := results[i]

		if res.err != nil {
			// Partial-failure policy: mark unreachable, retain the node's
			// last known tips, keep going with the other nodes.
			slog.Error("could not poll node",
				"network", r.cfg.NetworkName,
				"node", node.Name,
				"err", res.err,
			)
			if node.reachable {
				node.reachable = false
				changed = true
			}
			continue
		}

		if !node.reachable {
			node.reachable = true
			changed = true
		}

		for _, h := range res.newHeaders {
			inserted, err := r.graph.InsertHeader(h)
			if err != nil {
				// Data anomaly: a hash reported at two heights. The existing
				// record wins, the newer report is discarded.
				if errors.Is(err, graph.ErrInconsistentHeight) {
					slog.Warn("discarding inconsistent header report",
						"network", r.cfg.NetworkName,
						"node", node.Name,
						"err", err,
					)
					continue
				}
				slog.Error("header insert failed",
					"network", r.cfg.NetworkName, "node", node.Name, "err", err)
				continue
			}
			if inserted {
				r.pending = append(r.pending, h)
				changed = true
			}
		}

		if res.skipped {
			continue
		}

		oldActive := activeHash(node.lastTips)
		newActive := activeHash(res.tips)
		if oldActive != newActive {
			node.lastChanged = time.Now().Unix()
			changed = true
		}
		if !tipsEqual(node.lastTips, res.tips) {
			// Covers status relabels of unchanged tip hashes too.
			changed = true
		}

		node.lastTips = res.tips
		r.graph.SetNodeTips(node.ID, res.tips)
	}

	if changed && r.cfg.MinForkHeight > 0 {
		if removed := r.graph.Prune(r.cfg.MinForkHeight); removed > 0 {
			slog.Debug("pruned headers below minimum fork height",
				"network", r.cfg.NetworkName,
				"below", r.cfg.MinForkHeight,
				"removed", removed,
				"frontier", r.graph.MinHeight(),
			)
		}
	}
	return changed
}

// persist saves pending headers plus all current tips and node states in
// one atomic store write.
func (r *Reconciler) persist(ctx context.Context) error {
	r.mu.Lock()
	delta := &store.Delta{
		NewHeaders: append([]chain.Header(nil), r.pending...),
		Tips:       make(map[int][]chain.Tip, len(r.nodes)),
		Nodes:      make(map[int]store.NodeState, len(r.nodes)),
	}
	for _, node := range r.nodes {
		delta.Tips[node.ID] = append([]chain.Tip(nil), node.lastTips...)
		delta.Nodes[node.ID] = store.NodeState{
			Reachable:   node.reachable,
			Version:     node.version,
			LastChanged: node.lastChanged,
		}
	}
	r.mu.Unlock()

	if err := r.store.Save(ctx, r.cfg.NetworkID, delta); err != nil {
		return err
	}

	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()

	slog.Info("persisted cycle",
		"network", r.cfg.NetworkName,
		"new_headers", len(delta.NewHeaders),
	)
	return nil
}

// SetMiner records an externally resolved miner for a header, updating the
// graph, the store, and notifying subscribers.
func (r *Reconciler) SetMiner(ctx context.Context, hash chain.Hash, miner string) {
	if !r.graph.SetMiner(hash, miner) {
		return
	}
	if err := r.store.UpdateMiner(ctx, r.cfg.NetworkID, hash, miner); err != nil {
		slog.Warn("could not persist miner",
			"network", r.cfg.NetworkName, "hash", hash, "err", err)
	}
	r.notifier.Notify(r.cfg.NetworkID)
}

// loadVersions queries each node's implementation version once at startup,
// best-effort with a few retries. The RPC may be denied by restrictive
// whitelists; the version stays "unknown" then.
func (r *Reconciler) loadVersions(ctx context.Context) {
	var wg sync.WaitGroup
	for _, node := range r.nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			for attempt := 0; attempt < 5; attempt++ {
				callCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
				version, err := node.Client.Version(callCtx)
				cancel()
				if err == nil {
					r.mu.Lock()
					node.version = version
					r.mu.Unlock()
					return
				}
				if errors.Is(err, nodeclient.ErrNotSupported) || ctx.Err() != nil {
					return
				}
				slog.Warn("could not fetch node version, retrying",
					"network", r.cfg.NetworkName, "node", node.Name, "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(10 * time.Second):
				}
			}
		}(node)
	}
	wg.Wait()
}

func activeHash(tips []chain.Tip) chain.Hash {
	for _, tip := range tips {
		if tip.Status == chain.StatusActive {
			return tip.Hash
		}
	}
	return chain.ZeroHash
}

func tipsEqual(a, b []chain.Tip) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
