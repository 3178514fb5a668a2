package highway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/highway-casper/types"
)

func TestQuorumForLevel(t *testing.T) {
	q, ok := QuorumForLevel(1, 40, 33)
	require.True(t, ok)
	assert.Equal(t, uint64(34), q)

	q, ok = QuorumForLevel(2, 40, 33)
	require.True(t, ok)
	assert.Equal(t, uint64(29), q)

	q, ok = QuorumForLevel(1, 40, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(21), q)

	// f close to 100% cannot be proven by any quorum at level 1
	_, ok = QuorumForLevel(1, 40, 99)
	assert.False(t, ok)

	assert.Equal(t, uint64(13), SummitFTT(2, 29, 40))
	assert.Equal(t, uint64(33), SummitFTTPercent(2, 29, 40))
	assert.Equal(t, uint64(0), SummitFTT(3, 20, 40))
}

// Four validators of weight 10, one offline. Validator 0 proposes B, validators 1 and 2
// vote for it. With 30 of 40 online a level-1 summit would need q=34, so B is finalized
// only by a level-2 summit: two further rounds of units, each seeing the previous one.
func TestFinalityThreeOfFour(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10, 10)
	b := newDAGBuilder(t, tv)
	det := NewDetector(b.dag, b.tree, 33, 16)

	run := func() []FinalizedBlock {
		t.Helper()
		out, err := det.Run()
		require.NoError(t, err)
		return out
	}

	p0, block := b.propose(0, 0, types.ZeroHash)
	v1 := b.vote(1, 10, block, p0)
	v2 := b.vote(2, 10, block, p0)
	assert.Empty(t, run(), "a voting committee alone proves nothing")

	w0 := b.vote(0, 100, block, v1, v2)
	assert.Empty(t, run())
	w1 := b.vote(1, 100, block, w0)
	assert.Empty(t, run())
	w2 := b.vote(2, 100, block, w0, w1)
	assert.Empty(t, run(), "level-1 summit alone does not reach the threshold")

	x0 := b.vote(0, 200, block, w1, w2)
	assert.Empty(t, run())
	x1 := b.vote(1, 200, block, x0)
	assert.Empty(t, run())
	b.vote(2, 200, block, x0, x1)

	out := run()
	require.Len(t, out, 1)
	fb := out[0]
	assert.Equal(t, block, fb.Hash)
	assert.Equal(t, 2, fb.Level)
	assert.Equal(t, uint64(29), fb.Quorum)
	assert.Equal(t, uint64(40), fb.TotalWeight)
	assert.GreaterOrEqual(t, fb.FTTPercent, uint64(33))
	assert.Empty(t, fb.Equivocators)
	assert.Equal(t, block, det.LastFinalized())

	// nothing new to report
	assert.Empty(t, run())
	assert.Len(t, det.Finalized(), 1)
}

func TestFinalityChain(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10)
	b := newDAGBuilder(t, tv)
	det := NewDetector(b.dag, b.tree, 10, 8)

	var prevBlock types.Hash
	var last []*Unit
	var all []FinalizedBlock
	ts := types.Timestamp(0)
	for round := 0; round < 6; round++ {
		leader := round % 3
		p, block := b.propose(leader, ts, prevBlock, last...)
		units := []*Unit{p}
		for v := 0; v < 3; v++ {
			if v == leader {
				continue
			}
			units = append(units, b.vote(v, ts+5, block, p))
		}
		for v := 0; v < 3; v++ {
			units = append(units, b.vote(v, ts+10, block, units...))
		}
		last = units[len(units)-3:]

		out, err := det.Run()
		require.NoError(t, err)
		all = append(all, out...)
		prevBlock = block
		ts += 64
	}

	require.NotEmpty(t, all)
	// finality is monotonic: every entry extends the previous one
	for i, fb := range all {
		assert.Equal(t, uint64(i), fb.Block.Height)
		if i > 0 {
			assert.Equal(t, all[i-1].Hash, fb.Block.ParentHash)
		}
	}
}

func TestFinalityIgnoresEquivocator(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10, 10)
	b := newDAGBuilder(t, tv)
	det := NewDetector(b.dag, b.tree, 20, 16)

	p0, block := b.propose(0, 0, types.ZeroHash)

	// validator 3 equivocates before anything else
	e1 := b.build(3, 1, types.ZeroHash)
	e2 := b.build(3, 2, types.ZeroHash)
	require.NoError(t, b.dag.Insert(e1))
	require.NoError(t, b.dag.Insert(e2))
	require.True(t, b.dag.IsFaulty(3))
	assert.Equal(t, uint64(30), b.dag.CorrectWeight())

	v1 := b.vote(1, 10, block, p0)
	v2 := b.vote(2, 10, block, p0)
	w0 := b.vote(0, 100, block, v1, v2)
	w1 := b.vote(1, 100, block, w0)
	b.vote(2, 100, block, w0, w1)

	out, err := det.Run()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(30), out[0].TotalWeight)
	assert.Equal(t, []int{3}, out[0].Equivocators)
}

func TestFinalitySafetyViolation(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10, 10)
	b := newDAGBuilder(t, tv)
	// f = 0: a level-1 summit with a simple majority finalizes
	det := NewDetector(b.dag, b.tree, 0, 1)

	pB, blockB := b.propose(0, 0, types.ZeroHash)
	pC, blockC := b.propose(1, 1, types.ZeroHash)
	v2 := b.vote(2, 10, blockB, pB)
	v3 := b.vote(3, 10, blockB, pB, v2)
	w0 := b.vote(0, 20, blockB, v3)
	b.vote(2, 20, blockB, v3)

	out, err := det.Run()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, blockB, out[0].Hash)
	assert.Equal(t, 1, out[0].Level)

	// more than f of the weight switches to a conflicting block without equivocating
	c0 := b.vote(0, 30, blockC, pC, w0)
	c2 := b.vote(2, 40, blockC, c0)
	b.vote(0, 50, blockC, c2)
	b.vote(1, 50, blockC, c2)

	_, err = det.Run()
	require.ErrorIs(t, err, ErrSafetyViolation)
	assert.True(t, IsFatal(err))
}

// A committee whose latest votes all agree, but whose units have not yet seen each other,
// must not finalize: any member could still switch to a sibling in an unseen unit.
func TestFinalityCommitteeAloneDoesNotFinalize(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10, 10)
	b := newDAGBuilder(t, tv)
	det := NewDetector(b.dag, b.tree, 33, 16)

	p0, block := b.propose(0, 0, types.ZeroHash)
	for v := 1; v < 4; v++ {
		b.vote(v, 10, block, p0)
	}

	out, err := det.Run()
	require.NoError(t, err)
	assert.Empty(t, out, "every latest vote agrees, yet no unit sees a quorum of them")
}
