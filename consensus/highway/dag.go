package highway

import (
	"fmt"
	"math/big"

	"github.com/ahwlsqja/highway-casper/types"
)

// DAG is the append-only unit store of one era.
//
// Units live in an arena and are addressed by their insertion index. Every unit carries a
// bitset over arena indices holding its transitive citations, computed once at insert
// time from the bitsets of the units it cites. The store is owned by a single event loop
// and is not safe for concurrent use.
type DAG struct {
	era        types.EraID
	validators *types.ValidatorSet

	units   []*Unit
	closure []*big.Int
	byHash  map[types.Hash]int

	// chains[v][seq] lists arena indices of v's units with that seq; more than one means forks.
	chains [][][]int
	latest []int // -1 when nothing is known

	faulty       []bool
	faultyWeight uint64

	// claimed marks validators some stored unit reports as faulty. Claims are not evidence
	// and never change quorum weights; new panoramas repeat them to stay consistent.
	claimed []bool
}

// NewDAG creates an empty store for an era.
func NewDAG(era types.EraID, validators *types.ValidatorSet) *DAG {
	n := validators.Len()
	d := &DAG{
		era:        era,
		validators: validators,
		byHash:     make(map[types.Hash]int),
		chains:     make([][][]int, n),
		latest:     make([]int, n),
		faulty:     make([]bool, n),
		claimed:    make([]bool, n),
	}
	for i := range d.latest {
		d.latest[i] = -1
	}
	return d
}

// insertion is a unit that passed validation and is ready to be committed.
type insertion struct {
	unit        *Unit
	cited       []int
	equivocates bool
	duplicate   bool
}

// Insert validates and appends a unit. Inserting a unit that is already present is a no-op.
func (d *DAG) Insert(u *Unit) error {
	ins, err := d.prepare(u)
	if err != nil {
		return err
	}
	d.commit(ins)
	return nil
}

// prepare runs every check without mutating the store.
func (d *DAG) prepare(u *Unit) (*insertion, error) {
	if u.EraID != d.era {
		return nil, invalidf("era %d, store holds era %d", u.EraID, d.era)
	}
	if u.Creator < 0 || u.Creator >= d.validators.Len() {
		return nil, invalidf("creator index %d out of range", u.Creator)
	}
	if len(u.Panorama) != d.validators.Len() {
		return nil, invalidf("panorama has %d entries, want %d", len(u.Panorama), d.validators.Len())
	}

	// (a) signature
	if !u.VerifySignature(d.validators.At(u.Creator).PublicKey) {
		return nil, fmt.Errorf("%w: creator %d seq %d", ErrInvalidSignature, u.Creator, u.SeqNum)
	}

	h := u.Hash()
	if _, ok := d.byHash[h]; ok {
		return &insertion{unit: u, duplicate: true}, nil
	}

	// (b) sequence number
	chain := d.chains[u.Creator]
	if u.SeqNum > uint64(len(chain)) {
		return nil, &SequenceGapError{Creator: u.Creator, Expected: uint64(len(chain)), Got: u.SeqNum}
	}

	// (c) equivocation, applied on commit
	ins := &insertion{unit: u}
	if u.SeqNum < uint64(len(chain)) && len(chain[u.SeqNum]) > 0 {
		ins.equivocates = true
	}

	// (d) citations
	var missing []types.Hash
	for _, o := range u.Panorama {
		if o.State != ObsCorrect {
			continue
		}
		idx, ok := d.byHash[o.Hash]
		if !ok {
			missing = append(missing, o.Hash)
			continue
		}
		ins.cited = append(ins.cited, idx)
	}
	if len(missing) > 0 {
		return nil, &UnknownCitationError{Missing: missing}
	}

	if err := d.checkPanorama(u); err != nil {
		return nil, err
	}
	return ins, nil
}

func (d *DAG) checkPanorama(u *Unit) error {
	self := u.Panorama[u.Creator]
	if u.SeqNum == 0 {
		if self.State != ObsNone {
			return invalidf("first unit of %d cites an own predecessor", u.Creator)
		}
	} else {
		if self.State != ObsCorrect {
			return invalidf("unit %d/%d does not cite its own predecessor", u.Creator, u.SeqNum)
		}
		prev := d.units[d.byHash[self.Hash]]
		if prev.SeqNum != u.SeqNum-1 {
			return invalidf("unit %d/%d cites own seq %d", u.Creator, u.SeqNum, prev.SeqNum)
		}
	}

	for v, o := range u.Panorama {
		if o.State != ObsCorrect {
			continue
		}
		cited := d.units[d.byHash[o.Hash]]
		if cited.Creator != v {
			return invalidf("panorama entry %d cites a unit by %d", v, cited.Creator)
		}
		if cited.Timestamp > u.Timestamp {
			return invalidf("cites unit from the future (%d > %d)", cited.Timestamp, u.Timestamp)
		}
		// every entry must be at or after the corresponding entry of each cited unit;
		// the creator's own entry is governed by the sequence check instead
		for w, co := range cited.Panorama {
			if w == u.Creator {
				continue
			}
			if !d.dominates(u.Panorama[w], co) {
				return invalidf("panorama entry %d regresses behind cited unit %s", w, o.Hash.Short())
			}
		}
	}
	return nil
}

// dominates reports whether observation a is at or after observation b.
func (d *DAG) dominates(a, b Observation) bool {
	switch b.State {
	case ObsNone:
		return true
	case ObsFaulty:
		return a.State == ObsFaulty
	}
	switch a.State {
	case ObsFaulty:
		return true
	case ObsNone:
		return false
	}
	if a.Hash == b.Hash {
		return true
	}
	return d.IsAncestor(b.Hash, a.Hash)
}

func (d *DAG) commit(ins *insertion) {
	if ins.duplicate {
		return
	}
	u := ins.unit
	idx := len(d.units)

	closure := new(big.Int)
	for _, c := range ins.cited {
		closure.Or(closure, d.closure[c])
		closure.SetBit(closure, c, 1)
	}

	d.units = append(d.units, u)
	d.closure = append(d.closure, closure)
	d.byHash[u.Hash()] = idx

	chain := d.chains[u.Creator]
	if u.SeqNum == uint64(len(chain)) {
		chain = append(chain, nil)
	}
	chain[u.SeqNum] = append(chain[u.SeqNum], idx)
	d.chains[u.Creator] = chain

	if l := d.latest[u.Creator]; l < 0 || u.SeqNum > d.units[l].SeqNum {
		d.latest[u.Creator] = idx
	}

	for v, o := range u.Panorama {
		if o.State == ObsFaulty {
			d.claimed[v] = true
		}
	}

	if ins.equivocates && !d.faulty[u.Creator] {
		d.faulty[u.Creator] = true
		d.faultyWeight += d.validators.Weight(u.Creator)
	}
}

// Get returns a unit by hash.
func (d *DAG) Get(h types.Hash) (*Unit, bool) {
	idx, ok := d.byHash[h]
	if !ok {
		return nil, false
	}
	return d.units[idx], true
}

// Has reports whether a unit is stored.
func (d *DAG) Has(h types.Hash) bool {
	_, ok := d.byHash[h]
	return ok
}

// Latest returns the validator's unit with the highest sequence number.
// For an equivocator this is the first-received unit at that height.
func (d *DAG) Latest(v int) (*Unit, bool) {
	if v < 0 || v >= len(d.latest) || d.latest[v] < 0 {
		return nil, false
	}
	return d.units[d.latest[v]], true
}

// UnitAt returns v's first-received unit with the given sequence number.
func (d *DAG) UnitAt(v int, seq uint64) (*Unit, bool) {
	chain := d.chains[v]
	if seq >= uint64(len(chain)) || len(chain[seq]) == 0 {
		return nil, false
	}
	return d.units[chain[seq][0]], true
}

// IsAncestor reports whether a is transitively cited by b.
func (d *DAG) IsAncestor(a, b types.Hash) bool {
	ia, ok := d.byHash[a]
	if !ok {
		return false
	}
	ib, ok := d.byHash[b]
	if !ok {
		return false
	}
	return d.closure[ib].Bit(ia) == 1
}

// IsFaulty reports whether v has equivocated in this era.
func (d *DAG) IsFaulty(v int) bool {
	return d.faulty[v]
}

// Faulty returns the indices of all known equivocators.
func (d *DAG) Faulty() []int {
	var out []int
	for v, f := range d.faulty {
		if f {
			out = append(out, v)
		}
	}
	return out
}

// CorrectWeight is the total weight of validators not known to be faulty.
func (d *DAG) CorrectWeight() uint64 {
	return d.validators.TotalWeight() - d.faultyWeight
}

// Validators returns the era's validator set.
func (d *DAG) Validators() *types.ValidatorSet {
	return d.validators
}

// Len returns the number of stored units.
func (d *DAG) Len() int {
	return len(d.units)
}

// Units returns stored units in insertion order.
func (d *DAG) Units() []*Unit {
	out := make([]*Unit, len(d.units))
	copy(out, d.units)
	return out
}

// PanoramaFor builds the panorama a new unit by creator would carry now.
// The creator's own entry always cites its latest unit.
func (d *DAG) PanoramaFor(creator int) Panorama {
	p := make(Panorama, d.validators.Len())
	for v := range p {
		switch {
		case v == creator:
			if d.latest[v] >= 0 {
				p[v] = Observation{State: ObsCorrect, Hash: d.units[d.latest[v]].Hash()}
			}
		case d.faulty[v] || d.claimed[v]:
			p[v] = Observation{State: ObsFaulty}
		case d.latest[v] >= 0:
			p[v] = Observation{State: ObsCorrect, Hash: d.units[d.latest[v]].Hash()}
		}
	}
	return p
}
