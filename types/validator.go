package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ahwlsqja/highway-casper/crypto"
)

var (
	ErrEmptyValidatorSet   = errors.New("validator set has zero total weight")
	ErrDuplicateValidator  = errors.New("duplicate validator public key")
	ErrValidatorWeightOver = errors.New("validator weights overflow")
)

// PublicKey identifies a validator.
type PublicKey [crypto.PublicKeySize]byte

// PublicKeyFromHex parses a hex encoded public key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(b) != len(pk) {
		return pk, fmt.Errorf("invalid public key length: expected %d, got %d", len(pk), len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Short returns an abbreviated form for logs.
func (pk PublicKey) Short() string {
	return hex.EncodeToString(pk[:4])
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := PublicKeyFromHex(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Validator represents a node participating in consensus.
type Validator struct {
	PublicKey PublicKey `json:"public_key"`
	Weight    uint64    `json:"weight"`
}

// ValidatorSet is the immutable, weighted validator set of one era.
// Validators are ordered by public key; the position is the validator index used in panoramas.
type ValidatorSet struct {
	validators []Validator
	index      map[PublicKey]int
	cumulative []uint64 // cumulative[i] = weight of validators[0..i]
	total      uint64
}

// NewValidatorSet creates a new validator set. Zero-weight entries are dropped.
func NewValidatorSet(validators []Validator) (*ValidatorSet, error) {
	vals := make([]Validator, 0, len(validators))
	for _, v := range validators {
		if v.Weight > 0 {
			vals = append(vals, v)
		}
	}
	sort.Slice(vals, func(i, j int) bool {
		return bytes.Compare(vals[i].PublicKey[:], vals[j].PublicKey[:]) < 0
	})

	vs := &ValidatorSet{
		validators: vals,
		index:      make(map[PublicKey]int, len(vals)),
		cumulative: make([]uint64, len(vals)),
	}
	for i, v := range vals {
		if _, dup := vs.index[v.PublicKey]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.PublicKey)
		}
		if vs.total > math.MaxUint64-v.Weight {
			return nil, ErrValidatorWeightOver
		}
		vs.index[v.PublicKey] = i
		vs.total += v.Weight
		vs.cumulative[i] = vs.total
	}
	if vs.total == 0 {
		return nil, ErrEmptyValidatorSet
	}
	return vs, nil
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int {
	return len(vs.validators)
}

// At returns the validator at index i.
func (vs *ValidatorSet) At(i int) Validator {
	return vs.validators[i]
}

// Weight returns the weight of validator i.
func (vs *ValidatorSet) Weight(i int) uint64 {
	return vs.validators[i].Weight
}

// Index looks up a validator by public key.
func (vs *ValidatorSet) Index(pk PublicKey) (int, bool) {
	i, ok := vs.index[pk]
	return i, ok
}

// TotalWeight returns the sum of all weights. Always > 0.
func (vs *ValidatorSet) TotalWeight() uint64 {
	return vs.total
}

// IndexAtWeight returns the validator whose cumulative-weight interval contains w.
// w must be < TotalWeight().
func (vs *ValidatorSet) IndexAtWeight(w uint64) int {
	return sort.Search(len(vs.cumulative), func(i int) bool {
		return vs.cumulative[i] > w
	})
}

// Validators returns a copy of the ordered validators.
func (vs *ValidatorSet) Validators() []Validator {
	out := make([]Validator, len(vs.validators))
	copy(out, vs.validators)
	return out
}

// Hash commits to the ordered (key, weight) pairs.
func (vs *ValidatorSet) Hash() Hash {
	buf := make([]byte, 0, len(vs.validators)*(crypto.PublicKeySize+8))
	for _, v := range vs.validators {
		buf = append(buf, v.PublicKey[:]...)
		buf = binary.BigEndian.AppendUint64(buf, v.Weight)
	}
	return HashOf(buf)
}

func (vs *ValidatorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(vs.validators)
}

func (vs *ValidatorSet) UnmarshalJSON(data []byte) error {
	var vals []Validator
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	parsed, err := NewValidatorSet(vals)
	if err != nil {
		return err
	}
	*vs = *parsed
	return nil
}
