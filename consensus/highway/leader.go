package highway

import (
	"encoding/binary"

	"lukechampine.com/frand"

	"github.com/ahwlsqja/highway-casper/types"
)

// LeaderSequence maps round ids to leaders, weighted by stake.
//
// The round's leader is drawn from a ChaCha12 stream keyed by hash(seed, round id): a
// uniform point in [0, total weight) selects the validator whose cumulative-weight
// interval contains it. Every node holding the same seed computes the same sequence.
type LeaderSequence struct {
	seed       types.Hash
	validators *types.ValidatorSet
}

// NewLeaderSequence creates the leader sequence of an era.
func NewLeaderSequence(seed types.Hash, validators *types.ValidatorSet) *LeaderSequence {
	return &LeaderSequence{seed: seed, validators: validators}
}

// Leader returns the validator index leading the round starting at round.
func (l *LeaderSequence) Leader(round types.Timestamp) int {
	var rb [8]byte
	binary.BigEndian.PutUint64(rb[:], uint64(round))
	key := types.HashOf(l.seed[:], rb[:])

	rng := frand.NewCustom(key[:], 32, 12)
	return l.validators.IndexAtWeight(rng.Uint64n(l.validators.TotalWeight()))
}

// Seed returns the era seed.
func (l *LeaderSequence) Seed() types.Hash {
	return l.seed
}

// EraSeed derives the next era's seed from the booking block hash and the magic bits
// collected between booking and key block.
func EraSeed(bookingBlock types.Hash, magicBits []bool) types.Hash {
	packed := make([]byte, (len(magicBits)+7)/8)
	for i, bit := range magicBits {
		if bit {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(magicBits)))
	return types.HashOf(bookingBlock[:], n[:], packed)
}

// GenesisSeed derives the first era's seed from the chain name.
func GenesisSeed(chainName string, start types.Timestamp) types.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(start))
	return types.HashOf([]byte(chainName), ts[:])
}
