package highway

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"

	"github.com/ahwlsqja/highway-casper/crypto"
	"github.com/ahwlsqja/highway-casper/types"
)

// testValidators holds deterministic signers; signers[i] belongs to validator index i.
type testValidators struct {
	set     *types.ValidatorSet
	signers []*crypto.Ed25519Signer
}

func newTestValidators(t *testing.T, weights ...uint64) *testValidators {
	t.Helper()

	raw := make([]*crypto.Ed25519Signer, len(weights))
	vals := make([]types.Validator, len(weights))
	for i, w := range weights {
		raw[i] = crypto.SignerFromSecret([]byte(fmt.Sprintf("validator-%d", i)))
		vals[i] = types.Validator{PublicKey: raw[i].PublicKey(), Weight: w}
	}
	set, err := types.NewValidatorSet(vals)
	require.NoError(t, err)

	signers := make([]*crypto.Ed25519Signer, set.Len())
	for _, s := range raw {
		idx, ok := set.Index(s.PublicKey())
		if ok {
			signers[idx] = s
		}
	}
	return &testValidators{set: set, signers: signers}
}

func testParams() Params {
	p := DefaultParams()
	p.MinRoundExp = 4
	p.MaxRoundExp = 12
	p.InitialRoundExp = 6
	p.ExponentRun = 3
	p.EraDuration = time.Hour
	p.BookingDuration = 10 * time.Minute
	p.EntropyDuration = time.Minute
	p.VotingPeriod = 0
	return p
}

// dagBuilder creates signed units directly against a DAG and block tree.
type dagBuilder struct {
	t    *testing.T
	tv   *testValidators
	dag  *DAG
	tree *BlockTree
}

func newDAGBuilder(t *testing.T, tv *testValidators) *dagBuilder {
	return &dagBuilder{t: t, tv: tv, dag: NewDAG(0, tv.set), tree: NewBlockTree()}
}

// build creates a sealed unit by creator citing exactly the given units (plus its own
// predecessor), without inserting it.
func (b *dagBuilder) build(creator int, ts types.Timestamp, voted types.Hash, cites ...*Unit) *Unit {
	b.t.Helper()

	pano := make(Panorama, b.tv.set.Len())
	var seq uint64
	if prev, ok := b.dag.Latest(creator); ok {
		pano[creator] = Observation{State: ObsCorrect, Hash: prev.Hash()}
		seq = prev.SeqNum + 1
	}
	for _, c := range cites {
		pano[c.Creator] = Observation{State: ObsCorrect, Hash: c.Hash()}
	}
	// pull in everything the cited units see so the panorama dominates them
	for _, c := range cites {
		for w, o := range c.Panorama {
			if o.State != ObsCorrect || w == creator {
				continue
			}
			cur := pano[w]
			if cur.State == ObsNone {
				pano[w] = o
				continue
			}
			if cur.State == ObsCorrect && cur.Hash != o.Hash && b.dag.IsAncestor(cur.Hash, o.Hash) {
				pano[w] = o
			}
		}
	}

	kind := KindVote
	if voted.IsZero() {
		kind = KindSkip
	}
	u := &Unit{
		Creator:    creator,
		SeqNum:     seq,
		RoundExp:   4,
		Timestamp:  ts,
		Panorama:   pano,
		Kind:       kind,
		VotedBlock: voted,
	}
	require.NoError(b.t, u.Seal(b.tv.signers[creator]))
	return u
}

func (b *dagBuilder) vote(creator int, ts types.Timestamp, voted types.Hash, cites ...*Unit) *Unit {
	b.t.Helper()
	u := b.build(creator, ts, voted, cites...)
	require.NoError(b.t, b.dag.Insert(u))
	return u
}

// propose inserts a proposal unit for a block on parent.
func (b *dagBuilder) propose(creator int, ts types.Timestamp, parent types.Hash, cites ...*Unit) (*Unit, types.Hash) {
	b.t.Helper()

	height := uint64(0)
	if !parent.IsZero() {
		pb, ok := b.tree.Get(parent)
		require.True(b.t, ok)
		height = pb.Height + 1
	}
	block := &types.Block{
		Height:     height,
		ParentHash: parent,
		Timestamp:  ts,
		Proposer:   b.tv.set.At(creator).PublicKey,
		Deploys:    []types.Hash{types.HashOf([]byte(fmt.Sprintf("deploy-%d-%d", creator, ts)))},
	}
	u := b.build(creator, ts, types.ZeroHash, cites...)
	u.Kind = KindProposal
	u.Block = block
	u.VotedBlock = block.Hash()
	u.hash = types.ZeroHash
	require.NoError(b.t, u.Seal(b.tv.signers[creator]))
	require.NoError(b.t, b.dag.Insert(u))
	b.tree.Add(block, u.Hash())
	return u, block.Hash()
}

// event is one step of the simulated network.
type event struct {
	at       types.Timestamp
	seq      int
	node     int
	timer    *Timer
	delivery []byte
}

// simOpts perturbs message delivery. The zero value delivers every unit once after a
// fixed latency.
type simOpts struct {
	seed   []byte
	jitter types.Timestamp // extra random delay, up to jitter ms
	copies int             // deliveries per broadcast
}

// simNet drives several instances through a deterministic discrete-event simulation.
// Offline nodes have a nil instance.
type simNet struct {
	t         *testing.T
	tv        *testValidators
	insts     []*Instance
	events    []event
	seq       int
	now       types.Timestamp
	latency   types.Timestamp
	jitter    types.Timestamp
	copies    int
	rng       *frand.RNG
	finalized [][]FinalizedBlock
	closed    []bool
}

func newSimNet(t *testing.T, tv *testValidators, cfg EraConfig, offline ...int) *simNet {
	return newSimNetWith(t, tv, cfg, simOpts{}, offline...)
}

func newSimNetWith(t *testing.T, tv *testValidators, cfg EraConfig, opts simOpts, offline ...int) *simNet {
	t.Helper()

	copies := opts.copies
	if copies < 1 {
		copies = 1
	}
	seed := types.HashOf(opts.seed)
	s := &simNet{
		t:         t,
		tv:        tv,
		insts:     make([]*Instance, tv.set.Len()),
		latency:   2,
		jitter:    opts.jitter,
		copies:    copies,
		rng:       frand.NewCustom(seed[:], 32, 12),
		finalized: make([][]FinalizedBlock, tv.set.Len()),
		closed:    make([]bool, tv.set.Len()),
		now:       cfg.Start,
	}
	off := make(map[int]bool)
	for _, o := range offline {
		off[o] = true
	}
	for i := range s.insts {
		if off[i] {
			continue
		}
		inst, err := NewInstance(cfg, InstanceDeps{Signer: tv.signers[i]})
		require.NoError(t, err)
		s.insts[i] = inst
	}
	for i, inst := range s.insts {
		if inst != nil {
			s.apply(i, inst.Activate(s.now))
		}
	}
	return s
}

func (s *simNet) push(e event) {
	e.seq = s.seq
	s.seq++
	s.events = append(s.events, e)
}

func (s *simNet) apply(node int, effects []Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case BroadcastEffect:
			data := e.Unit.Encode()
			for peer, inst := range s.insts {
				if peer == node || inst == nil {
					continue
				}
				for c := 0; c < s.copies; c++ {
					s.push(event{at: s.now + s.delay(), node: peer, delivery: data})
				}
			}
		case ScheduleEffect:
			timer := e.Timer
			s.push(event{at: timer.At, node: node, timer: &timer})
		case FinalizedEffect:
			s.finalized[node] = append(s.finalized[node], e.Finalized)
		case StateChangeEffect:
			if e.To == StateClosed {
				s.closed[node] = true
			}
		}
	}
}

func (s *simNet) delay() types.Timestamp {
	if s.jitter == 0 {
		return s.latency
	}
	return s.latency + types.Timestamp(s.rng.Intn(int(s.jitter)+1))
}

// runUntil processes events up to and including time end. Units arriving before their
// dependencies are delivered again later.
func (s *simNet) runUntil(end types.Timestamp) {
	for {
		if len(s.events) == 0 {
			return
		}
		sort.SliceStable(s.events, func(i, j int) bool {
			if s.events[i].at != s.events[j].at {
				return s.events[i].at < s.events[j].at
			}
			return s.events[i].seq < s.events[j].seq
		})
		e := s.events[0]
		if e.at > end {
			s.now = end
			return
		}
		s.events = s.events[1:]
		if e.at > s.now {
			s.now = e.at
		}

		inst := s.insts[e.node]
		var effects []Effect
		var err error
		if e.timer != nil {
			effects, err = inst.HandleTimer(*e.timer, s.now)
		} else {
			u, derr := DecodeUnit(e.delivery)
			require.NoError(s.t, derr)
			effects, err = inst.HandleUnit(u, s.now)
			if IsTransient(err) {
				s.push(event{at: s.now + s.delay(), node: e.node, delivery: e.delivery})
				continue
			}
		}
		require.NoError(s.t, err, "node %d at %d", e.node, s.now)
		s.apply(e.node, effects)
	}
}
