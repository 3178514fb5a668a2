package era

import (
	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/types"
)

// ================================================================================
//                          Booking / Key 블록
// ================================================================================
//
//   era e                                              S = start + EraDuration
//   ├──────────────────────────────┬──────────┬─────────┤
//                                  │          │
//                     S - Booking ─┘          └─ booking.ts + Entropy
//
//   booking 블록 = 확정 순서상 ts ≥ S - BookingDuration 인 첫 블록
//   key 블록     = 확정 순서상 ts ≥ booking.ts + EntropyDuration 인 첫 블록
//   magic bits   = [booking.ts, key.ts) 구간 블록들의 RandomBit
//   switch 블록이 먼저 오면 booking/key 를 대신한다.
//
//   booking 블록 실행 후 auction 결과 → e+1 검증자
//   key 블록 확정 → seed = EraSeed(booking, bits) → e+1 인스턴스 생성
//   switch 블록 확정 → e+1 첫 높이 = switch.Height + 1

// boundary tracks the blocks of one era that determine the next.
type boundary struct {
	nextStart   types.Timestamp
	bookingFrom types.Timestamp
	entropy     types.Timestamp

	booking     *types.Block
	bookingHash types.Hash
	key         *types.Block
	bits        []bool

	// auction result after the booking block executed
	validators      []types.Validator
	validatorsKnown bool

	switchBlock *types.Block
	switchHash  types.Hash
}

func newBoundary(cfg highway.EraConfig) *boundary {
	next := cfg.End()
	return &boundary{
		nextStart:   next,
		bookingFrom: next.Add(-cfg.Params.BookingDuration),
		entropy:     types.Timestamp(cfg.Params.EntropyDuration.Milliseconds()),
	}
}

// boundaryEvents reports what one finalized block settled.
type boundaryEvents struct {
	booking bool
	key     bool
	switchB bool
}

// observe consumes the era's finalized blocks in order.
func (b *boundary) observe(block *types.Block, hash types.Hash) boundaryEvents {
	var ev boundaryEvents

	if b.booking == nil && (block.Timestamp >= b.bookingFrom || block.Switch) {
		b.booking = block
		b.bookingHash = hash
		ev.booking = true
	}
	if b.booking != nil && b.key == nil {
		if block.Timestamp >= b.booking.Timestamp+b.entropy || block.Switch {
			b.key = block
			ev.key = true
		} else {
			b.bits = append(b.bits, block.RandomBit)
		}
	}
	if block.Switch && b.switchBlock == nil {
		b.switchBlock = block
		b.switchHash = hash
		ev.switchB = true
	}
	return ev
}

// seed returns the next era's leader seed. Only valid once the key block is known.
func (b *boundary) seed() types.Hash {
	return highway.EraSeed(b.bookingHash, b.bits)
}

// ready reports whether the next era can be described.
func (b *boundary) ready() bool {
	return b.key != nil && b.validatorsKnown
}
