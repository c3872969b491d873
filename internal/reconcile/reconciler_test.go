package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkscope/forkscope/internal/notify"
	"github.com/forkscope/forkscope/internal/store"
	"github.com/forkscope/forkscope/pkg/chain"
	"github.com/forkscope/forkscope/pkg/nodeclient"
)

// fakeClient serves a canned chain. Headers are addressable by hash and by
// height; the active chain is whatever hashAt points to.
type fakeClient struct {
	mu     sync.Mutex
	caps   nodeclient.Capabilities
	tips   []chain.Tip
	byHash map[chain.Hash]chain.Header
	hashAt map[uint64]chain.Hash
	err    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		caps:   nodeclient.Capabilities{FetchByHash: true},
		byHash: make(map[chain.Hash]chain.Header),
		hashAt: make(map[uint64]chain.Hash),
	}
}

// serve makes the given headers fetchable and the last one the active tip.
func (c *fakeClient) serve(headers []chain.Header, extraTips ...chain.Tip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range headers {
		c.byHash[h.Hash] = h
		c.hashAt[h.Height] = h.Hash
	}
	last := headers[len(headers)-1]
	c.tips = append([]chain.Tip{
		{Hash: last.Hash, Status: chain.StatusActive, Height: last.Height},
	}, extraTips...)
}

func (c *fakeClient) setTips(tips []chain.Tip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tips = tips
}

func (c *fakeClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeClient) Capabilities() nodeclient.Capabilities { return c.caps }

func (c *fakeClient) Tips(ctx context.Context) ([]chain.Tip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return append([]chain.Tip(nil), c.tips...), nil
}

func (c *fakeClient) HeaderByHash(ctx context.Context, hash chain.Hash) (chain.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return chain.Header{}, c.err
	}
	h, ok := c.byHash[hash]
	if !ok {
		return chain.Header{}, errors.New("unknown hash")
	}
	return h, nil
}

func (c *fakeClient) HeaderByHeight(ctx context.Context, height uint64) (chain.Header, error) {
	hash, err := c.BlockHash(ctx, height)
	if err != nil {
		return chain.Header{}, err
	}
	return c.HeaderByHash(ctx, hash)
}

func (c *fakeClient) BlockHash(ctx context.Context, height uint64) (chain.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return chain.ZeroHash, c.err
	}
	hash, ok := c.hashAt[height]
	if !ok {
		return chain.ZeroHash, errors.New("unknown height")
	}
	return hash, nil
}

func (c *fakeClient) BatchHeaders(ctx context.Context, startHash chain.Hash, startHeight, count uint64) ([]chain.Header, error) {
	return nil, nodeclient.ErrNotSupported
}

func (c *fakeClient) Version(ctx context.Context) (string, error) {
	return "/TestNode:1.0/", nil
}

// memStore is an in-memory Store recording every Save.
type memStore struct {
	mu       sync.Mutex
	saves    []*store.Delta
	snap     *store.Snapshot
	failSave bool
}

func (s *memStore) Load(ctx context.Context, networkID int) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return &store.Snapshot{
			Tips:  make(map[int][]chain.Tip),
			Nodes: make(map[int]store.NodeState),
		}, nil
	}
	return s.snap, nil
}

func (s *memStore) Save(ctx context.Context, networkID int, delta *store.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("save failed")
	}
	s.saves = append(s.saves, delta)
	return nil
}

func (s *memStore) UpdateMiner(ctx context.Context, networkID int, hash chain.Hash, miner string) error {
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func hashOf(b byte) chain.Hash {
	var h chain.Hash
	h[0] = b
	return h
}

// makeChain builds a linear chain of n headers at heights 0..n-1.
func makeChain(n int) []chain.Header {
	headers := make([]chain.Header, 0, n)
	prev := chain.ZeroHash
	for i := 0; i < n; i++ {
		h := chain.Header{Hash: hashOf(byte(i + 1)), PrevHash: prev, Height: uint64(i)}
		headers = append(headers, h)
		prev = h.Hash
	}
	return headers
}

func newTestReconciler(t *testing.T, nodes []*Node) (*Reconciler, *memStore, *notify.Notifier) {
	t.Helper()
	st := &memStore{}
	notifier := notify.New(nil)
	t.Cleanup(func() { notifier.Close() })
	rec := New(Config{
		NetworkID:             1,
		NetworkName:           "testnet",
		MaxInterestingHeights: 25,
		Interval:              time.Second,
	}, nodes, st, notifier)
	rec.Restore(context.Background())
	return rec, st, notifier
}

func TestInitialCycleInsertsAndNotifies(t *testing.T) {
	client := newFakeClient()
	client.serve(makeChain(5))

	rec, st, notifier := newTestReconciler(t, []*Node{
		{ID: 0, Name: "node-a", Client: client},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := notifier.Subscribe(ctx)
	require.NoError(t, err)

	rec.runCycle(context.Background())

	assert.Equal(t, 5, rec.Graph().Size())
	require.Equal(t, 1, st.saveCount())
	assert.Len(t, st.saves[0].NewHeaders, 5)

	select {
	case networkID := <-events:
		assert.Equal(t, 1, networkID)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event received")
	}

	nodes := rec.Nodes()
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Reachable)
	require.Len(t, nodes[0].Tips, 1)
	assert.Equal(t, chain.StatusActive, nodes[0].Tips[0].Status)
}

func TestUnchangedCycleIsQuiet(t *testing.T) {
	client := newFakeClient()
	client.serve(makeChain(5))

	rec, st, _ := newTestReconciler(t, []*Node{{ID: 0, Name: "node-a", Client: client}})

	rec.runCycle(context.Background())
	rec.runCycle(context.Background())

	assert.Equal(t, 1, st.saveCount())
	assert.Equal(t, 5, rec.Graph().Size())
}

func TestNodeFailureAndRecovery(t *testing.T) {
	client := newFakeClient()
	client.serve(makeChain(3))

	rec, st, _ := newTestReconciler(t, []*Node{{ID: 0, Name: "node-a", Client: client}})

	rec.runCycle(context.Background())
	require.Equal(t, 1, st.saveCount())
	beforeOutage := rec.Nodes()[0].LastChanged

	client.fail(errors.New("connection refused"))
	rec.runCycle(context.Background())
	assert.Equal(t, 2, st.saveCount())

	nodes := rec.Nodes()
	assert.False(t, nodes[0].Reachable)
	// Last known tips are retained while the node is down.
	assert.Len(t, nodes[0].Tips, 1)

	// Staying down is not a change.
	rec.runCycle(context.Background())
	assert.Equal(t, 2, st.saveCount())

	client.fail(nil)
	rec.runCycle(context.Background())
	assert.Equal(t, 3, st.saveCount())
	assert.True(t, rec.Nodes()[0].Reachable)
	// The active hash never changed, so the outage leaves the tip
	// timestamp alone.
	assert.Equal(t, beforeOutage, rec.Nodes()[0].LastChanged)
}

func TestStatusRelabelIsAChange(t *testing.T) {
	headers := makeChain(5)
	branch := chain.Header{Hash: hashOf(100), PrevHash: headers[2].Hash, Height: 3}

	client := newFakeClient()
	client.byHash[branch.Hash] = branch
	client.serve(headers, chain.Tip{
		Hash: branch.Hash, Status: chain.StatusValidFork, Height: 3, BranchLen: 1,
	})

	rec, st, _ := newTestReconciler(t, []*Node{{ID: 0, Name: "node-a", Client: client}})

	rec.runCycle(context.Background())
	require.Equal(t, 1, st.saveCount())
	assert.Equal(t, 6, rec.Graph().Size())

	// Same tips, same hashes, one status flips to invalid.
	client.setTips([]chain.Tip{
		{Hash: headers[4].Hash, Status: chain.StatusActive, Height: 4},
		{Hash: branch.Hash, Status: chain.StatusInvalid, Height: 3, BranchLen: 1},
	})
	rec.runCycle(context.Background())
	assert.Equal(t, 2, st.saveCount())

	tips := rec.Graph().TipsOf(0)
	require.Len(t, tips, 2)
	assert.Equal(t, chain.StatusInvalid, tips[1].Status)
}

func TestTwoNodesForkMerges(t *testing.T) {
	shared := makeChain(4)

	clientA := newFakeClient()
	clientA.serve(append(append([]chain.Header(nil), shared...), chain.Header{
		Hash: hashOf(50), PrevHash: shared[3].Hash, Height: 4,
	}))

	clientB := newFakeClient()
	clientB.serve(append(append([]chain.Header(nil), shared...), chain.Header{
		Hash: hashOf(51), PrevHash: shared[3].Hash, Height: 4,
	}))

	rec, st, _ := newTestReconciler(t, []*Node{
		{ID: 0, Name: "node-a", Client: clientA},
		{ID: 1, Name: "node-b", Client: clientB},
	})

	rec.runCycle(context.Background())

	// Shared prefix once, both competing blocks at height 4.
	assert.Equal(t, 6, rec.Graph().Size())
	require.Equal(t, 1, st.saveCount())

	forks := rec.Forks(10)
	require.Len(t, forks, 1)
	assert.Equal(t, uint64(3), forks[0].Common.Height)
	assert.Len(t, forks[0].Children, 2)

	// The nodes disagree about the active tip.
	nodes := rec.Nodes()
	assert.NotEqual(t, nodes[0].Tips[0].Hash, nodes[1].Tips[0].Hash)
}

func TestHealthySiblingUnaffectedByOutage(t *testing.T) {
	shared := makeChain(4)

	clientA := newFakeClient()
	clientA.serve(shared)
	clientB := newFakeClient()
	clientB.serve(shared)

	rec, st, _ := newTestReconciler(t, []*Node{
		{ID: 0, Name: "node-a", Client: clientA},
		{ID: 1, Name: "node-b", Client: clientB},
	})

	rec.runCycle(context.Background())
	require.Equal(t, 1, st.saveCount())

	// Node B goes down while node A keeps extending the chain.
	clientB.fail(errors.New("connection refused"))
	next := chain.Header{Hash: hashOf(10), PrevHash: shared[3].Hash, Height: 4}
	clientA.serve(append(append([]chain.Header(nil), shared...), next))
	rec.runCycle(context.Background())

	assert.True(t, rec.Graph().Has(next.Hash))
	assert.Equal(t, 2, st.saveCount())

	nodes := rec.Nodes()
	assert.True(t, nodes[0].Reachable)
	require.Len(t, nodes[0].Tips, 1)
	assert.Equal(t, next.Hash.String(), nodes[0].Tips[0].Hash)

	assert.False(t, nodes[1].Reachable)
	// B's last known tips survive the outage untouched.
	require.Len(t, nodes[1].Tips, 1)
	assert.Equal(t, shared[3].Hash.String(), nodes[1].Tips[0].Hash)
}

func TestBranchWalkRespectsForkCutoff(t *testing.T) {
	headers := makeChain(8)
	client := newFakeClient()
	client.serve(headers)

	notifier := notify.New(nil)
	t.Cleanup(func() { notifier.Close() })
	rec := New(Config{NetworkID: 1, NetworkName: "testnet", MinForkHeight: 5, MaxInterestingHeights: 25, Interval: time.Second},
		[]*Node{{ID: 0, Name: "node-a", Client: client}}, &memStore{}, notifier)

	// A branch rooted exactly at the minimum fork height is not walked.
	atCutoff := chain.Tip{Hash: hashOf(60), Status: chain.StatusValidFork, Height: 6, BranchLen: 1}
	got, err := rec.fetchBranchHeaders(context.Background(), client, atCutoff)
	require.NoError(t, err)
	assert.Empty(t, got)

	// One height up and the branch is tracked.
	branch := chain.Header{Hash: hashOf(61), PrevHash: headers[6].Hash, Height: 7}
	client.byHash[branch.Hash] = branch
	got, err = rec.fetchBranchHeaders(context.Background(), client, chain.Tip{
		Hash: branch.Hash, Status: chain.StatusValidFork, Height: 7, BranchLen: 1,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(7), got[0].Height)
	assert.Equal(t, uint64(6), got[1].Height)
}

func TestActiveTipAdvanceUpdatesLastChanged(t *testing.T) {
	headers := makeChain(3)
	client := newFakeClient()
	client.serve(headers)

	rec, _, _ := newTestReconciler(t, []*Node{{ID: 0, Name: "node-a", Client: client}})

	rec.runCycle(context.Background())
	first := rec.Nodes()[0].LastChanged
	assert.NotZero(t, first)

	rec.runCycle(context.Background())
	assert.Equal(t, first, rec.Nodes()[0].LastChanged)

	client.serve(append(headers, chain.Header{
		Hash: hashOf(4), PrevHash: headers[2].Hash, Height: 3,
	}))
	// Unix timestamps have second resolution.
	time.Sleep(1100 * time.Millisecond)
	rec.runCycle(context.Background())
	assert.Greater(t, rec.Nodes()[0].LastChanged, first)
}

func TestSaveFailureRetriesNextCycle(t *testing.T) {
	client := newFakeClient()
	client.serve(makeChain(3))

	rec, st, _ := newTestReconciler(t, []*Node{{ID: 0, Name: "node-a", Client: client}})

	st.failSave = true
	rec.runCycle(context.Background())
	require.Equal(t, 0, st.saveCount())

	// Nothing changed on chain, but the unsaved headers must still land.
	st.failSave = false
	rec.runCycle(context.Background())
	require.Equal(t, 1, st.saveCount())
	assert.Len(t, st.saves[0].NewHeaders, 3)
}

func TestRestoreFromSnapshot(t *testing.T) {
	headers := makeChain(4)
	st := &memStore{snap: &store.Snapshot{
		Headers: headers,
		Tips: map[int][]chain.Tip{
			0: {{Hash: headers[3].Hash, Status: chain.StatusActive, Height: 3}},
		},
		Nodes: map[int]store.NodeState{
			0: {Reachable: true, Version: "/Restored:1.0/", LastChanged: 42},
		},
	}}
	notifier := notify.New(nil)
	t.Cleanup(func() { notifier.Close() })

	client := newFakeClient()
	client.serve(headers)

	rec := New(Config{NetworkID: 1, NetworkName: "testnet", MaxInterestingHeights: 25, Interval: time.Second},
		[]*Node{{ID: 0, Name: "node-a", Client: client}}, st, notifier)
	rec.Restore(context.Background())

	assert.Equal(t, 4, rec.Graph().Size())
	node := rec.Nodes()[0]
	assert.Equal(t, "/Restored:1.0/", node.Version)
	assert.Equal(t, int64(42), node.LastChanged)

	// Polling the same chain again changes nothing.
	rec.runCycle(context.Background())
	assert.Equal(t, 0, st.saveCount())
}

func TestInconsistentHeaderDiscarded(t *testing.T) {
	headers := makeChain(3)
	client := newFakeClient()
	client.serve(headers)

	rec, _, _ := newTestReconciler(t, []*Node{{ID: 0, Name: "node-a", Client: client}})
	rec.runCycle(context.Background())

	// A second node reports the same hash at a different height.
	bogus := chain.Header{Hash: headers[2].Hash, PrevHash: headers[1].Hash, Height: 7}
	res := []pollResult{{
		tips:       []chain.Tip{{Hash: bogus.Hash, Status: chain.StatusActive, Height: 7}},
		newHeaders: []chain.Header{bogus},
	}}
	rec.merge(res)

	h, ok := rec.Graph().Header(headers[2].Hash)
	require.True(t, ok)
	assert.Equal(t, uint64(2), h.Height)
}
