package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkscope/forkscope/pkg/chain"
)

func TestRecentForks(t *testing.T) {
	g := New()
	buildForkedChain(t, g, 50, 20) // fork point at height 20

	// A second, older fork at height 5.
	parent, ok := g.Header(hashOf(6))
	require.True(t, ok)
	require.Equal(t, uint64(5), parent.Height)
	_, err := g.InsertHeader(chain.Header{Hash: hashOf(210), PrevHash: parent.Hash, Height: 6})
	require.NoError(t, err)

	forks := g.RecentForks(10)
	require.Len(t, forks, 2)

	// Highest common height first.
	assert.Equal(t, uint64(20), forks[0].Common.Height)
	assert.Len(t, forks[0].Children, 2)
	assert.Equal(t, uint64(5), forks[1].Common.Height)

	// Cap applies.
	assert.Len(t, g.RecentForks(1), 1)
}

func TestRecentForksNoForks(t *testing.T) {
	g := New()
	chainOf(t, g, 10, 5, 0)
	assert.Empty(t, g.RecentForks(10))
}
