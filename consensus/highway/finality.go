package highway

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/ahwlsqja/highway-casper/types"
)

// FinalizedBlock is one entry of the detector's output.
type FinalizedBlock struct {
	Block *types.Block
	Hash  types.Hash

	// Level and Quorum of the summit that finalized the block.
	Level  int
	Quorum uint64

	// FTT is the fault tolerance the summit proves, in weight and as a percentage of the
	// correct weight at finalization time. It may exceed the configured threshold.
	FTT         uint64
	FTTPercent  uint64
	TotalWeight uint64

	Equivocators []int
}

// Detector finds summits over an era's DAG and emits blocks in parent-then-child order.
//
// A level-k summit with quorum q proves fault tolerance (2q - T)(1 - 2^-k), T being the
// weight of validators not known to be faulty. Level 0 is the bare voting committee and
// proves nothing: any member may still switch away in a unit nobody has seen yet. For
// each level k >= 1 the detector derives the smallest quorum that proves more than f% of
// T and checks whether a summit of that level exists; the first level that works
// finalizes the candidate.
type Detector struct {
	dag        *DAG
	tree       *BlockTree
	fttPercent uint64
	maxLevel   int

	last       types.Hash
	lastParent types.Hash
	finalized  []FinalizedBlock
}

// NewDetector creates a detector over dag and tree.
func NewDetector(dag *DAG, tree *BlockTree, fttPercent uint64, maxLevel int) *Detector {
	return &Detector{
		dag:        dag,
		tree:       tree,
		fttPercent: fttPercent,
		maxLevel:   maxLevel,
	}
}

// LastFinalized returns the most recently finalized block, or the zero hash.
func (d *Detector) LastFinalized() types.Hash {
	return d.last
}

// Finalized returns every block finalized so far, in order.
func (d *Detector) Finalized() []FinalizedBlock {
	out := make([]FinalizedBlock, len(d.finalized))
	copy(out, d.finalized)
	return out
}

// Run finalizes as many blocks as the current DAG allows and returns the new ones.
func (d *Detector) Run() ([]FinalizedBlock, error) {
	if err := d.checkSiblings(); err != nil {
		return nil, err
	}

	var out []FinalizedBlock
	for {
		var winner *FinalizedBlock
		for _, c := range d.tree.Children(d.last) {
			fb, ok := d.evaluate(c)
			if !ok {
				continue
			}
			if winner != nil {
				return out, fmt.Errorf("%w: %s and %s at height %d", ErrSafetyViolation,
					winner.Hash.Short(), fb.Hash.Short(), fb.Block.Height)
			}
			winner = fb
		}
		if winner == nil {
			return out, nil
		}
		d.lastParent = d.last
		d.last = winner.Hash
		d.finalized = append(d.finalized, *winner)
		out = append(out, *winner)
	}
}

// checkSiblings makes sure nothing conflicting with the last finalized block has since
// gathered a finalizing summit.
func (d *Detector) checkSiblings() error {
	if d.last.IsZero() {
		return nil
	}
	for _, s := range d.tree.Children(d.lastParent) {
		if s == d.last {
			continue
		}
		if fb, ok := d.evaluate(s); ok {
			return fmt.Errorf("%w: %s conflicts with finalized %s at height %d", ErrSafetyViolation,
				fb.Hash.Short(), d.last.Short(), fb.Block.Height)
		}
	}
	return nil
}

// evaluate checks whether candidate is finalized and, if so, how strongly.
func (d *Detector) evaluate(candidate types.Hash) (*FinalizedBlock, bool) {
	total := d.dag.CorrectWeight()
	if total == 0 {
		return nil, false
	}
	for k := 1; k <= d.maxLevel; k++ {
		q, ok := QuorumForLevel(k, total, d.fttPercent)
		if !ok {
			continue
		}
		if d.summitLevel(candidate, q, k) < k {
			continue
		}
		level := d.summitLevel(candidate, q, d.maxLevel)
		block, _ := d.tree.Get(candidate)
		return &FinalizedBlock{
			Block:        block,
			Hash:         candidate,
			Level:        level,
			Quorum:       q,
			FTT:          SummitFTT(level, q, total),
			FTTPercent:   SummitFTTPercent(level, q, total),
			TotalWeight:  total,
			Equivocators: d.dag.Faulty(),
		}, true
	}
	return nil, false
}

// agrees reports whether u votes for candidate or one of its descendants.
func (d *Detector) agrees(u *Unit, candidate types.Hash) bool {
	return !u.VotedBlock.IsZero() && d.tree.Descends(u.VotedBlock, candidate)
}

// summitLevel returns the highest level, capped at target, of a summit for candidate with
// quorum q, or -1 if there is none. Level 0 is a committee of correct validators whose
// votes since some unit all agree with candidate; each further level needs every member
// to have a unit in that run which sees the previous level's units of members weighing
// at least q.
func (d *Detector) summitLevel(candidate types.Hash, q uint64, target int) int {
	vs := d.dag.Validators()
	members := make(map[int]uint64) // validator -> seq of its unit at the current level
	latestSeq := make(map[int]uint64)
	for v := 0; v < vs.Len(); v++ {
		if d.dag.IsFaulty(v) {
			continue
		}
		latest, ok := d.dag.Latest(v)
		if !ok || !d.agrees(latest, candidate) {
			continue
		}
		first := latest.SeqNum
		for first > 0 {
			prev, ok := d.dag.UnitAt(v, first-1)
			if !ok || !d.agrees(prev, candidate) {
				break
			}
			first--
		}
		members[v] = first
		latestSeq[v] = latest.SeqNum
	}
	if d.weight(members) < q {
		return -1
	}

	level := 0
	for level < target {
		var next map[int]uint64
		for {
			next = make(map[int]uint64, len(members))
			for v, seq := range members {
				for s := seq; s <= latestSeq[v]; s++ {
					u, _ := d.dag.UnitAt(v, s)
					if d.seesQuorum(u, members, q) {
						next[v] = s
						break
					}
				}
			}
			if len(next) == len(members) {
				break
			}
			for v := range members {
				if _, ok := next[v]; !ok {
					delete(members, v)
				}
			}
			if d.weight(members) < q {
				return level
			}
		}

		progressed := false
		for v, s := range next {
			if s != members[v] {
				progressed = true
			}
		}
		members = next
		level++
		if !progressed {
			// every member's level unit already sees the others: the summit is unbounded
			return target
		}
	}
	return level
}

// seesQuorum reports whether u is at or after the level units of members weighing >= q.
func (d *Detector) seesQuorum(u *Unit, members map[int]uint64, q uint64) bool {
	vs := d.dag.Validators()
	var seen uint64
	for w, seq := range members {
		if w == u.Creator {
			seen += vs.Weight(w)
			continue
		}
		o := u.Panorama[w]
		if o.State != ObsCorrect {
			continue
		}
		if cited, ok := d.dag.Get(o.Hash); ok && cited.SeqNum >= seq {
			seen += vs.Weight(w)
		}
	}
	return seen >= q
}

func (d *Detector) weight(members map[int]uint64) uint64 {
	vs := d.dag.Validators()
	var w uint64
	for v := range members {
		w += vs.Weight(v)
	}
	return w
}

// QuorumForLevel returns the smallest quorum q for which a level-k summit proves a fault
// tolerance strictly above fttPercent of total, i.e. 100(2q-T)(2^k-1) > f·T·2^k.
// It reports false if no quorum up to total satisfies this.
func QuorumForLevel(k int, total, fttPercent uint64) (uint64, bool) {
	pow := new(uint256.Int).Lsh(uint256.NewInt(1), uint(k))
	num := new(uint256.Int).Mul(uint256.NewInt(fttPercent), uint256.NewInt(total))
	num.Mul(num, pow)
	den := new(uint256.Int).Sub(pow, uint256.NewInt(1))
	den.Mul(den, uint256.NewInt(100))

	// smallest x with x > num/den
	x := new(uint256.Int).Div(num, den)
	x.AddUint64(x, 1)

	// q = ceil((T + x) / 2)
	q := new(uint256.Int).Add(uint256.NewInt(total), x)
	q.AddUint64(q, 1)
	q.Rsh(q, 1)
	if q.Gt(uint256.NewInt(total)) {
		return 0, false
	}
	return q.Uint64(), true
}

// SummitFTT returns the fault tolerance, in weight, proven by a level-k summit with
// quorum q: floor((2q - T)(2^k - 1) / 2^k).
func SummitFTT(k int, q, total uint64) uint64 {
	return summitFTTScaled(k, q, total, 1, 1)
}

// SummitFTTPercent returns the same bound as a floored percentage of total.
func SummitFTTPercent(k int, q, total uint64) uint64 {
	if total == 0 {
		return 0
	}
	return summitFTTScaled(k, q, total, 100, total)
}

func summitFTTScaled(k int, q, total, mul, div uint64) uint64 {
	excess := new(uint256.Int).Lsh(uint256.NewInt(q), 1)
	if k <= 0 || !excess.Gt(uint256.NewInt(total)) {
		return 0
	}
	excess.Sub(excess, uint256.NewInt(total))
	pow := new(uint256.Int).Lsh(uint256.NewInt(1), uint(k))
	factor := new(uint256.Int).Sub(pow, uint256.NewInt(1))
	excess.Mul(excess, factor)
	excess.Mul(excess, uint256.NewInt(mul))
	excess.Div(excess, pow.Mul(pow, uint256.NewInt(div)))
	return excess.Uint64()
}
