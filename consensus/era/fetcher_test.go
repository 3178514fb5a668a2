package era

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/types"
)

func pendingUnit(era types.EraID, seq uint64) *highway.Unit {
	return &highway.Unit{Creator: 0, SeqNum: seq, EraID: era, RoundExp: 7, Timestamp: types.Timestamp(seq), Kind: highway.KindVote}
}

func TestPendingSetResolve(t *testing.T) {
	p := newPendingSet()
	depA, depB := types.HashOf([]byte("a")), types.HashOf([]byte("b"))

	u1 := pendingUnit(0, 1)
	fetch := p.park(u1, "peer-1", []types.Hash{depA, depB})
	assert.ElementsMatch(t, []types.Hash{depA, depB}, fetch)

	u2 := pendingUnit(0, 2)
	fetch = p.park(u2, "peer-2", []types.Hash{depA})
	assert.Empty(t, fetch, "already being fetched")
	assert.Equal(t, 2, p.len())

	ready := p.resolve(depA)
	require.Len(t, ready, 1)
	assert.Same(t, u2, ready[0].unit)
	assert.Equal(t, "peer-2", ready[0].peer)

	ready = p.resolve(depB)
	require.Len(t, ready, 1)
	assert.Same(t, u1, ready[0].unit)
	assert.Zero(t, p.len())
	assert.Empty(t, p.fetches)
	assert.Empty(t, p.waiting)
}

func TestPendingSetParkedDependencyIsNotFetched(t *testing.T) {
	p := newPendingSet()
	root := types.HashOf([]byte("root"))

	parent := pendingUnit(0, 1)
	require.Len(t, p.park(parent, "peer", []types.Hash{root}), 1)

	child := pendingUnit(0, 2)
	assert.Empty(t, p.park(child, "peer", []types.Hash{parent.Hash()}))

	ready := p.resolve(root)
	require.Len(t, ready, 1)
	assert.Same(t, parent, ready[0].unit)

	ready = p.resolve(parent.Hash())
	require.Len(t, ready, 1)
	assert.Same(t, child, ready[0].unit)
}

func TestPendingSetDropIsTransitive(t *testing.T) {
	p := newPendingSet()
	missing := types.HashOf([]byte("missing"))
	other := types.HashOf([]byte("other"))

	parent := pendingUnit(0, 1)
	p.park(parent, "peer", []types.Hash{missing})
	child := pendingUnit(0, 2)
	p.park(child, "peer", []types.Hash{parent.Hash(), other})

	assert.Equal(t, 2, p.drop(missing))
	assert.Zero(t, p.len())
	assert.NotContains(t, p.waiting, other)
	assert.NotContains(t, p.fetches, other)
}

func TestPendingSetDropEra(t *testing.T) {
	p := newPendingSet()
	p.park(pendingUnit(1, 1), "peer", []types.Hash{types.HashOf([]byte("x"))})
	p.park(pendingUnit(2, 1), "peer", []types.Hash{types.HashOf([]byte("y"))})

	assert.Equal(t, 1, p.dropEra(1))
	assert.Equal(t, 1, p.len())
	assert.Len(t, p.fetches, 1)
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, backoff(base, max, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(base, max, 2))
	assert.Equal(t, 800*time.Millisecond, backoff(base, max, 4))
	assert.Equal(t, time.Second, backoff(base, max, 5))
	assert.Equal(t, time.Second, backoff(base, max, 50))
}
