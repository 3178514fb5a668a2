package highway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/highway-casper/types"
)

func TestLeaderSequenceDeterministic(t *testing.T) {
	tv := newTestValidators(t, 5, 10, 20, 40)
	seed := GenesisSeed("testnet", 0)

	a := NewLeaderSequence(seed, tv.set)
	b := NewLeaderSequence(seed, tv.set)
	other := NewLeaderSequence(types.HashOf([]byte("another seed")), tv.set)

	differs := false
	for r := types.Timestamp(0); r < 200*64; r += 64 {
		require.Equal(t, a.Leader(r), b.Leader(r), "round %d", r)
		if a.Leader(r) != other.Leader(r) {
			differs = true
		}
	}
	assert.True(t, differs, "a different seed should produce a different sequence")
}

func TestLeaderSequenceProportionalToWeight(t *testing.T) {
	tv := newTestValidators(t, 1, 2, 3, 4)
	seq := NewLeaderSequence(types.HashOf([]byte("proportional")), tv.set)

	const rounds = 20000
	counts := make([]int, tv.set.Len())
	for i := 0; i < rounds; i++ {
		counts[seq.Leader(types.Timestamp(i)<<10)]++
	}

	total := float64(tv.set.TotalWeight())
	for v, c := range counts {
		want := float64(tv.set.Weight(v)) / total
		got := float64(c) / rounds
		assert.InDelta(t, want, got, 0.02, "validator %d", v)
	}
}

func TestLeaderSequenceSingleValidator(t *testing.T) {
	tv := newTestValidators(t, 7)
	seq := NewLeaderSequence(types.ZeroHash, tv.set)
	for r := types.Timestamp(0); r < 100; r++ {
		assert.Equal(t, 0, seq.Leader(r))
	}
}

func TestEraSeed(t *testing.T) {
	booking := types.HashOf([]byte("booking"))

	s1 := EraSeed(booking, []bool{true, false, true})
	s2 := EraSeed(booking, []bool{true, false, true})
	assert.Equal(t, s1, s2)

	assert.NotEqual(t, s1, EraSeed(booking, []bool{true, false, false}))
	// trailing zero bits still change the seed
	assert.NotEqual(t, s1, EraSeed(booking, []bool{true, false, true, false}))
	assert.NotEqual(t, s1, EraSeed(types.HashOf([]byte("other")), []bool{true, false, true}))
}
