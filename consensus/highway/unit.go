package highway

import (
	"github.com/ahwlsqja/highway-casper/crypto"
	"github.com/ahwlsqja/highway-casper/types"
)

// UnitKind is the payload type of a unit.
type UnitKind uint8

const (
	// KindProposal carries a new block.
	KindProposal UnitKind = iota + 1
	// KindVote votes for the creator's fork choice.
	KindVote
	// KindSkip records that no proposal was seen in the creator's round.
	KindSkip
)

// String returns the string representation of UnitKind.
func (k UnitKind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	case KindSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ObservationState is what a panorama knows about one validator.
type ObservationState uint8

const (
	ObsNone ObservationState = iota
	ObsCorrect
	ObsFaulty
)

// Observation is one panorama entry.
type Observation struct {
	State ObservationState
	Hash  types.Hash // set iff State == ObsCorrect
}

// Panorama holds one observation per validator index.
type Panorama []Observation

// Cited returns the hashes of all correct entries.
func (p Panorama) Cited() []types.Hash {
	var out []types.Hash
	for _, o := range p {
		if o.State == ObsCorrect {
			out = append(out, o.Hash)
		}
	}
	return out
}

// Unit is a signed vertex of an era's DAG. Units are immutable once sealed.
type Unit struct {
	Creator    int
	SeqNum     uint64
	EraID      types.EraID
	RoundExp   uint8
	Timestamp  types.Timestamp
	Panorama   Panorama
	Kind       UnitKind
	Block      *types.Block // proposals only
	VotedBlock types.Hash   // fork choice at creation; zero if none
	Signature  []byte

	hash       types.Hash
	sigChecked bool
}

// RoundID returns the start of the creator's round containing the unit.
func (u *Unit) RoundID() types.Timestamp {
	return RoundID(u.Timestamp, u.RoundExp)
}

// Hash returns the unit's identity: the hash of its signed content.
func (u *Unit) Hash() types.Hash {
	if !u.hash.IsZero() {
		return u.hash
	}
	return types.HashOf(u.signingBytes())
}

// Seal computes the hash and signs it.
func (u *Unit) Seal(signer Signer) error {
	u.hash = types.HashOf(u.signingBytes())
	sig, err := signer.Sign(u.hash[:])
	if err != nil {
		return err
	}
	u.Signature = sig
	u.sigChecked = true
	return nil
}

// VerifySignature checks the signature against the creator's key and caches success.
func (u *Unit) VerifySignature(creator types.PublicKey) bool {
	if u.sigChecked {
		return true
	}
	h := u.Hash()
	if !crypto.Verify(creator, h[:], u.Signature) {
		return false
	}
	u.sigChecked = true
	return true
}

// RoundID aligns a timestamp down to a round of length 2^exp milliseconds.
func RoundID(ts types.Timestamp, exp uint8) types.Timestamp {
	length := types.Timestamp(1) << exp
	return ts &^ (length - 1)
}

// RoundLength returns 2^exp milliseconds as a timestamp delta.
func RoundLength(exp uint8) types.Timestamp {
	return types.Timestamp(1) << exp
}
