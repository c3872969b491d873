package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkscope/forkscope/pkg/chain"
)

// buildForkedChain inserts a linear chain of length n starting at height 0
// and a competing branch of two blocks on top of forkHeight.
func buildForkedChain(t *testing.T, g *Graph, n int, forkHeight uint64) {
	t.Helper()
	prev := chain.ZeroHash
	var forkParent chain.Hash
	for i := 0; i < n; i++ {
		h := chain.Header{Hash: hashOf(byte(i + 1)), PrevHash: prev, Height: uint64(i)}
		_, err := g.InsertHeader(h)
		require.NoError(t, err)
		if uint64(i) == forkHeight {
			forkParent = h.Hash
		}
		prev = h.Hash
	}
	branch1 := chain.Header{Hash: hashOf(200), PrevHash: forkParent, Height: forkHeight + 1}
	branch2 := chain.Header{Hash: hashOf(201), PrevHash: branch1.Hash, Height: forkHeight + 2}
	for _, h := range []chain.Header{branch1, branch2} {
		_, err := g.InsertHeader(h)
		require.NoError(t, err)
	}
}

func TestCollapseEmptyGraph(t *testing.T) {
	g := New()
	assert.Empty(t, g.Collapse(10, nil))
}

func TestCollapseStaysConnected(t *testing.T) {
	g := New()
	buildForkedChain(t, g, 50, 20)

	out := g.Collapse(10, map[uint64]struct{}{49: {}, 22: {}})
	require.NotEmpty(t, out)

	// Exactly one root; every other prev_id points at an earlier element.
	roots := 0
	for i, h := range out {
		assert.Equal(t, i, h.ID)
		if h.PrevID == chain.RootPrevID {
			roots++
			continue
		}
		assert.Less(t, h.PrevID, i)
	}
	assert.Equal(t, 1, roots)
}

func TestCollapseKeepsForkAndTipHeights(t *testing.T) {
	g := New()
	buildForkedChain(t, g, 50, 20)

	out := g.Collapse(10, map[uint64]struct{}{49: {}})

	heights := make(map[uint64]int)
	for _, h := range out {
		heights[h.Height]++
	}
	// Both competitors at the fork heights survive.
	assert.Equal(t, 2, heights[21])
	assert.Equal(t, 2, heights[22])
	// The maximum height survives.
	assert.NotZero(t, heights[49])
	// Deep linear stretches are stripped.
	assert.Zero(t, heights[30])
}

func TestCollapseCapsInterestingHeights(t *testing.T) {
	g := New()
	// Ten separate fork points.
	prev := chain.ZeroHash
	for i := 0; i < 40; i++ {
		h := chain.Header{Hash: hashOf(byte(i + 1)), PrevHash: prev, Height: uint64(i)}
		_, err := g.InsertHeader(h)
		require.NoError(t, err)
		if i%4 == 0 {
			branch := chain.Header{Hash: hashOf(byte(100 + i)), PrevHash: prev, Height: uint64(i)}
			_, err := g.InsertHeader(branch)
			require.NoError(t, err)
		}
		prev = h.Hash
	}

	full := g.Collapse(0, nil)
	capped := g.Collapse(2, nil)
	assert.Less(t, len(capped), len(full))

	// The newest fork height is among the kept ones.
	var maxKept uint64
	for _, h := range capped {
		if h.Height > maxKept {
			maxKept = h.Height
		}
	}
	assert.Equal(t, uint64(39), maxKept)
}

func TestCollapseExportsHeaderFields(t *testing.T) {
	g := New()
	h := chain.Header{
		Hash:    hashOf(1),
		Height:  0,
		Time:    1231006505,
		Bits:    0x1d00ffff,
		Nonce:   2083236893,
		Version: 1,
		Miner:   "pool",
	}
	_, err := g.InsertHeader(h)
	require.NoError(t, err)

	out := g.Collapse(10, nil)
	require.Len(t, out, 1)
	assert.Equal(t, h.Hash.String(), out[0].Hash)
	assert.Equal(t, chain.RootPrevID, out[0].PrevID)
	assert.Equal(t, "pool", out[0].Miner)
	assert.InDelta(t, 1.0, out[0].Difficulty, 0.001)
}
