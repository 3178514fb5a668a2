package types

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Block is the payload proposed by a proposal unit.
type Block struct {
	EraID      EraID     `json:"era_id"`
	Height     uint64    `json:"height"`
	ParentHash Hash      `json:"parent_hash"` // zero for the era's first block
	Timestamp  Timestamp `json:"timestamp"`
	Proposer   PublicKey `json:"proposer"`
	Deploys    []Hash    `json:"deploys"`
	RandomBit  bool      `json:"random_bit"` // proposer entropy, feeds the next seeds
	Switch     bool      `json:"switch"`     // ends the era

	// ParentStateHash is the post-state of the parent block when the proposer already
	// executed it; zero when unknown.
	ParentStateHash Hash `json:"parent_state_hash"`
}

const (
	blockFieldEra protowire.Number = iota + 1
	blockFieldHeight
	blockFieldParent
	blockFieldTimestamp
	blockFieldProposer
	blockFieldDeploy
	blockFieldRandomBit
	blockFieldSwitch
	blockFieldParentState
)

// Hash computes the content hash of the block.
func (b *Block) Hash() Hash {
	return HashOf(b.MarshalBinary())
}

// MarshalBinary returns the canonical encoding of the block.
func (b *Block) MarshalBinary() []byte {
	e := &Encoder{}
	e.Uint(blockFieldEra, uint64(b.EraID)).
		Uint(blockFieldHeight, b.Height).
		Bytes(blockFieldParent, b.ParentHash[:]).
		Uint(blockFieldTimestamp, uint64(b.Timestamp)).
		Bytes(blockFieldProposer, b.Proposer[:])
	for _, d := range b.Deploys {
		e.Bytes(blockFieldDeploy, d[:])
	}
	e.Bool(blockFieldRandomBit, b.RandomBit).
		Bool(blockFieldSwitch, b.Switch).
		Bytes(blockFieldParentState, b.ParentStateHash[:])
	return e.Output()
}

// UnmarshalBlock decodes a block from its canonical encoding.
func UnmarshalBlock(data []byte) (*Block, error) {
	fields, err := DecodeFields(data)
	if err != nil {
		return nil, err
	}

	b := &Block{}
	for _, f := range fields {
		switch f.Num {
		case blockFieldEra, blockFieldHeight, blockFieldTimestamp, blockFieldRandomBit, blockFieldSwitch:
			if err := f.ExpectType(protowire.VarintType); err != nil {
				return nil, err
			}
			switch f.Num {
			case blockFieldEra:
				b.EraID = EraID(f.Uint)
			case blockFieldHeight:
				b.Height = f.Uint
			case blockFieldTimestamp:
				b.Timestamp = Timestamp(f.Uint)
			case blockFieldRandomBit:
				b.RandomBit = protowire.DecodeBool(f.Uint)
			case blockFieldSwitch:
				b.Switch = protowire.DecodeBool(f.Uint)
			}
		case blockFieldParent:
			if b.ParentHash, err = f.Hash(); err != nil {
				return nil, err
			}
		case blockFieldProposer:
			if b.Proposer, err = f.PublicKey(); err != nil {
				return nil, err
			}
		case blockFieldDeploy:
			d, err := f.Hash()
			if err != nil {
				return nil, err
			}
			b.Deploys = append(b.Deploys, d)
		case blockFieldParentState:
			if b.ParentStateHash, err = f.Hash(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown block field %d", ErrMalformed, f.Num)
		}
	}
	return b, nil
}

// IsFirstInEra reports whether the block has no parent inside its era.
func (b *Block) IsFirstInEra() bool {
	return b.ParentHash.IsZero()
}
