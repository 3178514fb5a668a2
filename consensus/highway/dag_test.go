package highway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/highway-casper/types"
)

func TestDAGInsertAndQuery(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10)
	b := newDAGBuilder(t, tv)

	a0 := b.vote(0, 100, types.ZeroHash)
	b0 := b.vote(1, 110, types.ZeroHash, a0)
	a1 := b.vote(0, 120, types.ZeroHash, b0)

	got, ok := b.dag.Get(a1.Hash())
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.SeqNum)

	latest, ok := b.dag.Latest(0)
	require.True(t, ok)
	assert.Equal(t, a1.Hash(), latest.Hash())

	_, ok = b.dag.Latest(2)
	assert.False(t, ok)

	assert.True(t, b.dag.IsAncestor(a0.Hash(), a1.Hash()))
	assert.True(t, b.dag.IsAncestor(b0.Hash(), a1.Hash()))
	assert.True(t, b.dag.IsAncestor(a0.Hash(), b0.Hash()))
	assert.False(t, b.dag.IsAncestor(a1.Hash(), a0.Hash()))
	assert.False(t, b.dag.IsAncestor(a0.Hash(), a0.Hash()))

	// duplicates are accepted silently
	require.NoError(t, b.dag.Insert(a1))
	assert.Equal(t, 3, b.dag.Len())
}

func TestDAGRejectsBadSignature(t *testing.T) {
	tv := newTestValidators(t, 10, 10)
	b := newDAGBuilder(t, tv)

	u := b.build(0, 100, types.ZeroHash)
	decoded, err := DecodeUnit(u.Encode())
	require.NoError(t, err)
	decoded.Signature[0] ^= 0xff

	err = b.dag.Insert(decoded)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.True(t, IsAttributable(err))
	assert.Equal(t, 0, b.dag.Len())
}

func TestDAGSequenceGap(t *testing.T) {
	tv := newTestValidators(t, 10, 10)
	b := newDAGBuilder(t, tv)

	first := b.build(0, 100, types.ZeroHash)
	require.NoError(t, b.dag.Insert(first))
	second := b.build(0, 110, types.ZeroHash)
	require.NoError(t, b.dag.Insert(second))

	// a fresh store has not seen seq 0 or 1
	fresh := NewDAG(0, tv.set)
	third := b.build(0, 120, types.ZeroHash)
	err := fresh.Insert(third)
	require.ErrorIs(t, err, ErrSequenceGap)
	assert.True(t, IsTransient(err))

	var gap *SequenceGapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, uint64(0), gap.Expected)
	assert.Equal(t, uint64(2), gap.Got)
}

func TestDAGCausalRejectionAndRetry(t *testing.T) {
	tv := newTestValidators(t, 10, 10)
	src := newDAGBuilder(t, tv)

	cited := src.vote(0, 100, types.ZeroHash)
	citing := src.vote(1, 110, types.ZeroHash, cited)

	dst := NewDAG(0, tv.set)
	err := dst.Insert(citing)
	require.ErrorIs(t, err, ErrUnknownCitation)

	var uc *UnknownCitationError
	require.True(t, errors.As(err, &uc))
	assert.Equal(t, []types.Hash{cited.Hash()}, uc.Missing)
	assert.Equal(t, 0, dst.Len())

	require.NoError(t, dst.Insert(cited))
	require.NoError(t, dst.Insert(citing))
	assert.True(t, dst.IsAncestor(cited.Hash(), citing.Hash()))
}

func TestDAGEquivocationIsolation(t *testing.T) {
	tv := newTestValidators(t, 10, 20, 30)
	b := newDAGBuilder(t, tv)

	assert.Equal(t, uint64(60), b.dag.CorrectWeight())

	first := b.build(1, 100, types.ZeroHash)
	second := b.build(1, 101, types.ZeroHash)
	require.NotEqual(t, first.Hash(), second.Hash())

	require.NoError(t, b.dag.Insert(first))
	assert.False(t, b.dag.IsFaulty(1))
	require.NoError(t, b.dag.Insert(second))

	_, ok := b.dag.Get(first.Hash())
	assert.True(t, ok)
	_, ok = b.dag.Get(second.Hash())
	assert.True(t, ok)
	assert.True(t, b.dag.IsFaulty(1))
	assert.Equal(t, []int{1}, b.dag.Faulty())
	assert.Equal(t, uint64(60-tv.set.Weight(1)), b.dag.CorrectWeight())

	// later units of the equivocator are still accepted
	next := b.vote(1, 120, types.ZeroHash)
	assert.Equal(t, uint64(1), next.SeqNum)

	// a unit citing it must mark the equivocator faulty
	pano := b.dag.PanoramaFor(0)
	assert.Equal(t, ObsFaulty, pano[1].State)
}

func TestDAGRejectsInvalidUnits(t *testing.T) {
	tv := newTestValidators(t, 10, 10)

	t.Run("wrong era", func(t *testing.T) {
		b := newDAGBuilder(t, tv)
		u := b.build(0, 100, types.ZeroHash)
		u.EraID = 3
		assert.ErrorIs(t, b.dag.Insert(u), ErrInvalidUnit)
	})

	t.Run("short panorama", func(t *testing.T) {
		b := newDAGBuilder(t, tv)
		u := b.build(0, 100, types.ZeroHash)
		u.Panorama = u.Panorama[:1]
		assert.ErrorIs(t, b.dag.Insert(u), ErrInvalidUnit)
	})

	t.Run("citation from the future", func(t *testing.T) {
		b := newDAGBuilder(t, tv)
		late := b.vote(0, 500, types.ZeroHash)
		early := b.build(1, 100, types.ZeroHash, late)
		assert.ErrorIs(t, b.dag.Insert(early), ErrInvalidUnit)
	})

	t.Run("panorama regression", func(t *testing.T) {
		b := newDAGBuilder(t, tv)
		a0 := b.vote(0, 100, types.ZeroHash)
		a1 := b.vote(0, 110, types.ZeroHash, a0)
		b.vote(1, 120, types.ZeroHash, a1)

		// cites its own predecessor (which saw a1) but claims only a0
		u := b.build(1, 130, types.ZeroHash)
		u.Panorama[0] = Observation{State: ObsCorrect, Hash: a0.Hash()}
		require.NoError(t, u.Seal(tv.signers[1]))
		assert.ErrorIs(t, b.dag.Insert(u), ErrInvalidUnit)
	})

	t.Run("first unit citing itself", func(t *testing.T) {
		b := newDAGBuilder(t, tv)
		other := b.vote(1, 100, types.ZeroHash)
		u := b.build(0, 110, types.ZeroHash)
		u.Panorama[0] = Observation{State: ObsCorrect, Hash: other.Hash()}
		require.NoError(t, u.Seal(tv.signers[0]))
		assert.ErrorIs(t, b.dag.Insert(u), ErrInvalidUnit)
	})
}
