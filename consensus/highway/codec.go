package highway

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahwlsqja/highway-casper/types"
)

// Wire layout of a unit. Fields 1-9 are the signed content, field 10 the signature.
const (
	unitFieldCreator protowire.Number = iota + 1
	unitFieldSeq
	unitFieldEra
	unitFieldRoundExp
	unitFieldTimestamp
	unitFieldPanorama
	unitFieldKind
	unitFieldBlock
	unitFieldVoted
	unitFieldSignature
)

func (u *Unit) encodeContent() *types.Encoder {
	e := &types.Encoder{}
	e.Uint(unitFieldCreator, uint64(u.Creator)).
		Uint(unitFieldSeq, u.SeqNum).
		Uint(unitFieldEra, uint64(u.EraID)).
		Uint(unitFieldRoundExp, uint64(u.RoundExp)).
		Uint(unitFieldTimestamp, uint64(u.Timestamp))
	for _, o := range u.Panorama {
		entry := []byte{byte(o.State)}
		if o.State == ObsCorrect {
			entry = append(entry, o.Hash[:]...)
		}
		e.Bytes(unitFieldPanorama, entry)
	}
	e.Uint(unitFieldKind, uint64(u.Kind))
	if u.Block != nil {
		e.Bytes(unitFieldBlock, u.Block.MarshalBinary())
	}
	e.Bytes(unitFieldVoted, u.VotedBlock[:])
	return e
}

func (u *Unit) signingBytes() []byte {
	return u.encodeContent().Output()
}

// Encode returns the wire form of a sealed unit.
func (u *Unit) Encode() []byte {
	return u.encodeContent().Bytes(unitFieldSignature, u.Signature).Output()
}

// DecodeUnit parses the wire form. It checks shape only; validity is decided by the DAG.
func DecodeUnit(data []byte) (*Unit, error) {
	fields, err := types.DecodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUnit, err)
	}

	u := &Unit{}
	seen := make(map[protowire.Number]bool)
	for _, f := range fields {
		if f.Num != unitFieldPanorama && seen[f.Num] {
			return nil, fmt.Errorf("%w: repeated field %d", ErrMalformedUnit, f.Num)
		}
		seen[f.Num] = true

		switch f.Num {
		case unitFieldCreator, unitFieldSeq, unitFieldEra, unitFieldRoundExp, unitFieldTimestamp, unitFieldKind:
			if err := f.ExpectType(protowire.VarintType); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUnit, err)
			}
			switch f.Num {
			case unitFieldCreator:
				if f.Uint > 1<<16 {
					return nil, fmt.Errorf("%w: creator index %d", ErrMalformedUnit, f.Uint)
				}
				u.Creator = int(f.Uint)
			case unitFieldSeq:
				u.SeqNum = f.Uint
			case unitFieldEra:
				u.EraID = types.EraID(f.Uint)
			case unitFieldRoundExp:
				if f.Uint > 63 {
					return nil, fmt.Errorf("%w: round exponent %d", ErrMalformedUnit, f.Uint)
				}
				u.RoundExp = uint8(f.Uint)
			case unitFieldTimestamp:
				u.Timestamp = types.Timestamp(f.Uint)
			case unitFieldKind:
				u.Kind = UnitKind(f.Uint)
			}
		case unitFieldPanorama:
			o, err := decodeObservation(f)
			if err != nil {
				return nil, err
			}
			u.Panorama = append(u.Panorama, o)
		case unitFieldBlock:
			if err := f.ExpectType(protowire.BytesType); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUnit, err)
			}
			b, err := types.UnmarshalBlock(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: block: %v", ErrMalformedUnit, err)
			}
			u.Block = b
		case unitFieldVoted:
			h, err := f.Hash()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUnit, err)
			}
			u.VotedBlock = h
		case unitFieldSignature:
			if err := f.ExpectType(protowire.BytesType); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUnit, err)
			}
			u.Signature = append([]byte(nil), f.Bytes...)
		default:
			return nil, fmt.Errorf("%w: unknown field %d", ErrMalformedUnit, f.Num)
		}
	}

	switch u.Kind {
	case KindProposal:
		if u.Block == nil {
			return nil, fmt.Errorf("%w: proposal without block", ErrMalformedUnit)
		}
	case KindVote, KindSkip:
		if u.Block != nil {
			return nil, fmt.Errorf("%w: %s carries a block", ErrMalformedUnit, u.Kind)
		}
	default:
		return nil, fmt.Errorf("%w: unit kind %d", ErrMalformedUnit, u.Kind)
	}
	if len(u.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedUnit)
	}

	u.hash = types.HashOf(u.signingBytes())
	return u, nil
}

func decodeObservation(f types.Field) (Observation, error) {
	if err := f.ExpectType(protowire.BytesType); err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrMalformedUnit, err)
	}
	if len(f.Bytes) == 0 {
		return Observation{}, fmt.Errorf("%w: empty panorama entry", ErrMalformedUnit)
	}
	o := Observation{State: ObservationState(f.Bytes[0])}
	switch o.State {
	case ObsNone, ObsFaulty:
		if len(f.Bytes) != 1 {
			return o, fmt.Errorf("%w: panorama entry length %d", ErrMalformedUnit, len(f.Bytes))
		}
	case ObsCorrect:
		h, err := types.BytesToHash(f.Bytes[1:])
		if err != nil {
			return o, fmt.Errorf("%w: panorama entry: %v", ErrMalformedUnit, err)
		}
		o.Hash = h
	default:
		return o, fmt.Errorf("%w: panorama state %d", ErrMalformedUnit, o.State)
	}
	return o, nil
}
