package highway

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"lukechampine.com/frand"

	"github.com/ahwlsqja/highway-casper/types"
)

// InstanceDeps are the collaborators of an instance. All of them are optional:
// without a Signer the instance observes and finalizes but never creates units.
type InstanceDeps struct {
	Signer  Signer
	Deploys DeploySource
	States  StateLookup
	Logger  *zap.Logger
}

// Instance is the Highway state machine of one era.
//
// It never blocks and never reads the clock: callers pass the current time and carry out
// the returned effects (broadcasts, timers, finalized blocks). It must be driven from a
// single goroutine.
type Instance struct {
	cfg    EraConfig
	params Params

	dag      *DAG
	tree     *BlockTree
	leaders  *LeaderSequence
	detector *Detector

	signer  Signer
	own     int
	deploys DeploySource
	states  StateLookup
	logger  *zap.Logger

	state     State
	activated bool

	// 라운드 상태
	roundExp  uint8
	round     types.Timestamp
	timeouts  int
	successes int
	proposals map[types.Timestamp]types.Hash // round -> first proposal seen
	confirmed map[types.Timestamp]bool
	proposed  map[types.Timestamp]bool

	switchFinalized bool
	reportedFaults  map[int]bool
}

// NewInstance creates the instance of an era. It starts inactive: it accepts units but
// creates none until Activate is called.
func NewInstance(cfg EraConfig, deps InstanceDeps) (*Instance, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Validators == nil {
		return nil, errors.New("era config has no validator set")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	inst := &Instance{
		cfg:            cfg,
		params:         cfg.Params,
		dag:            NewDAG(cfg.EraID, cfg.Validators),
		tree:           NewBlockTree(),
		leaders:        NewLeaderSequence(cfg.Seed, cfg.Validators),
		signer:         deps.Signer,
		own:            -1,
		deploys:        deps.Deploys,
		states:         deps.States,
		logger:         logger.Named("highway").With(zap.Uint64("era", uint64(cfg.EraID))),
		roundExp:       cfg.Params.InitialRoundExp,
		proposals:      make(map[types.Timestamp]types.Hash),
		confirmed:      make(map[types.Timestamp]bool),
		proposed:       make(map[types.Timestamp]bool),
		reportedFaults: make(map[int]bool),
	}
	inst.detector = NewDetector(inst.dag, inst.tree, cfg.Params.FTTPercent, cfg.Params.MaxSummitLevel)

	if deps.Signer != nil {
		if idx, ok := cfg.Validators.Index(deps.Signer.PublicKey()); ok {
			inst.own = idx
		} else {
			inst.logger.Info("not a validator in this era, observing")
		}
	}
	return inst, nil
}

// EraID returns the instance's era.
func (i *Instance) EraID() types.EraID { return i.cfg.EraID }

// Config returns the era configuration.
func (i *Instance) Config() EraConfig { return i.cfg }

// State returns the lifecycle state.
func (i *Instance) State() State { return i.state }

// Activated reports whether Activate was called.
func (i *Instance) Activated() bool { return i.activated }

// RoundExp returns the current round exponent.
func (i *Instance) RoundExp() uint8 { return i.roundExp }

// CurrentRound returns the current round id.
func (i *Instance) CurrentRound() types.Timestamp { return i.round }

// DAG exposes the unit store, read-only by convention.
func (i *Instance) DAG() *DAG { return i.dag }

// Tree exposes the block tree, read-only by convention.
func (i *Instance) Tree() *BlockTree { return i.tree }

// Leaders returns the era's leader sequence.
func (i *Instance) Leaders() *LeaderSequence { return i.leaders }

// Finalized returns the blocks finalized in this era so far.
func (i *Instance) Finalized() []FinalizedBlock { return i.detector.Finalized() }

// SwitchFinalized reports whether the era's switch block is finalized.
func (i *Instance) SwitchFinalized() bool { return i.switchFinalized }

// IsValidator reports whether this node creates units in the era.
func (i *Instance) IsValidator() bool { return i.own >= 0 }

// Activate starts the round timers. The first round is the first round boundary at or
// after both now and the era start.
func (i *Instance) Activate(now types.Timestamp) []Effect {
	if i.activated || i.state == StateClosed {
		return nil
	}
	i.activated = true

	from := now
	if from < i.cfg.Start {
		from = i.cfg.Start
	}
	i.round = alignUp(from, i.roundExp)
	i.logger.Info("instance activated",
		zap.Uint64("first_round", uint64(i.round)),
		zap.Uint8("round_exp", i.roundExp),
		zap.Bool("validator", i.IsValidator()))

	effects := i.updateState(now)
	return append(effects, i.schedule(TimerRoundStart, i.round, i.round))
}

// HandleUnit validates a unit received from the network (or replayed from storage) and
// adds it to the DAG. Duplicates are ignored.
func (i *Instance) HandleUnit(u *Unit, now types.Timestamp) ([]Effect, error) {
	ins, err := i.dag.prepare(u)
	if err != nil {
		return nil, err
	}
	if ins.duplicate {
		return nil, nil
	}
	if err := i.validate(u); err != nil {
		return nil, err
	}
	i.dag.commit(ins)
	return i.afterInsert(u, now)
}

// HandleTimer processes a timer previously requested through a ScheduleEffect.
func (i *Instance) HandleTimer(t Timer, now types.Timestamp) ([]Effect, error) {
	if t.Era != i.cfg.EraID || !i.activated || i.state == StateClosed {
		return nil, nil
	}
	if t.Round != i.round {
		// outdated timer from a previous round
		return nil, nil
	}

	effects := i.updateState(now)
	switch t.Kind {
	case TimerRoundStart:
		more, err := i.propose(now)
		effects = append(effects, more...)
		if err != nil {
			return effects, err
		}
		witnessAt := i.round + RoundLength(i.roundExp)*2/3
		effects = append(effects, i.schedule(TimerWitness, i.round, witnessAt))

	case TimerWitness:
		_, success := i.proposals[i.round]
		if i.canCreate() {
			kind := KindVote
			if !success {
				kind = KindSkip
			}
			more, err := i.publish(i.newUnit(kind, now), now)
			effects = append(effects, more...)
			if err != nil {
				return effects, err
			}
		}
		oldExp := i.roundExp
		i.adaptRoundExp(success)
		effects = append(effects, i.updateState(now)...)
		if i.state == StateClosed {
			return effects, nil
		}
		i.forgetRoundsBefore(i.round)
		i.round = alignUp(i.round+RoundLength(oldExp), i.roundExp)
		effects = append(effects, i.schedule(TimerRoundStart, i.round, i.round))
	}
	return effects, nil
}

// validate applies the protocol rules that go beyond DAG structure.
func (i *Instance) validate(u *Unit) error {
	if u.RoundExp < i.params.MinRoundExp || u.RoundExp > i.params.MaxRoundExp {
		return invalidf("round exponent %d outside [%d, %d]", u.RoundExp, i.params.MinRoundExp, i.params.MaxRoundExp)
	}
	if u.Timestamp < i.cfg.Start {
		return invalidf("timestamp %d before era start %d", u.Timestamp, i.cfg.Start)
	}

	if u.Kind != KindProposal {
		if u.Block != nil {
			return invalidf("%s unit carries a block", u.Kind)
		}
		if u.VotedBlock.IsZero() {
			return nil
		}
		proposal, ok := i.tree.ProposalUnit(u.VotedBlock)
		if !ok || !i.citesTransitively(u, proposal) {
			return invalidf("votes for block %s it does not cite", u.VotedBlock.Short())
		}
		return nil
	}

	b := u.Block
	if b == nil {
		return invalidf("proposal without block")
	}
	creatorKey := i.cfg.Validators.At(u.Creator).PublicKey
	switch {
	case b.EraID != i.cfg.EraID:
		return invalidf("block era %d", b.EraID)
	case b.Proposer != creatorKey:
		return invalidf("block proposer differs from unit creator")
	case b.Timestamp != u.Timestamp:
		return invalidf("block timestamp differs from unit timestamp")
	case u.Timestamp != u.RoundID():
		return invalidf("proposal timestamp %d is not the start of round %d", u.Timestamp, u.RoundID())
	case u.VotedBlock != b.Hash():
		return invalidf("proposal does not vote for its own block")
	case i.leaders.Leader(u.RoundID()) != u.Creator:
		return invalidf("validator %d is not the leader of round %d", u.Creator, u.RoundID())
	case b.Switch != (u.RoundID() >= i.cfg.End()):
		return invalidf("switch flag %v in round %d, era ends %d", b.Switch, u.RoundID(), i.cfg.End())
	case b.Switch && len(b.Deploys) > 0:
		return invalidf("switch block carries deploys")
	}

	if self := u.Panorama[u.Creator]; self.State == ObsCorrect {
		if prev, ok := i.dag.Get(self.Hash); ok && prev.Kind == KindProposal && prev.RoundID() == u.RoundID() {
			return invalidf("second proposal in round %d", u.RoundID())
		}
	}

	if b.ParentHash.IsZero() {
		if b.Height != i.cfg.FirstHeight {
			return invalidf("first block of era at height %d, want %d", b.Height, i.cfg.FirstHeight)
		}
	} else {
		parent, ok := i.tree.Get(b.ParentHash)
		if !ok {
			return invalidf("unknown parent block %s", b.ParentHash.Short())
		}
		proposal, _ := i.tree.ProposalUnit(b.ParentHash)
		switch {
		case parent.Switch:
			return invalidf("block builds on a switch block")
		case b.Height != parent.Height+1:
			return invalidf("height %d on parent height %d", b.Height, parent.Height)
		case b.Timestamp <= parent.Timestamp:
			return invalidf("block not later than its parent")
		case !i.citesTransitively(u, proposal):
			return invalidf("proposal does not cite its parent's proposal")
		}
	}

	seen := make(map[types.Hash]bool, len(b.Deploys))
	for _, d := range b.Deploys {
		if seen[d] {
			return invalidf("deploy %s included twice", d.Short())
		}
		seen[d] = true
	}
	var dupErr error
	i.tree.Ancestors(b.ParentHash, types.ZeroHash, func(_ types.Hash, anc *types.Block) {
		for _, d := range anc.Deploys {
			if seen[d] && dupErr == nil {
				dupErr = invalidf("deploy %s already included at height %d", d.Short(), anc.Height)
			}
		}
	})
	return dupErr
}

// citesTransitively reports whether any of u's citations is target or descends from it.
func (i *Instance) citesTransitively(u *Unit, target types.Hash) bool {
	for _, c := range u.Panorama.Cited() {
		if c == target || i.dag.IsAncestor(target, c) {
			return true
		}
	}
	return false
}

func (i *Instance) afterInsert(u *Unit, now types.Timestamp) ([]Effect, error) {
	var effects []Effect

	if u.Kind == KindProposal {
		i.tree.Add(u.Block, u.Hash())
		r := RoundID(u.Timestamp, i.roundExp)
		if _, ok := i.proposals[r]; !ok {
			i.proposals[r] = u.Hash()
		}
	}

	if i.dag.IsFaulty(u.Creator) && !i.reportedFaults[u.Creator] {
		i.reportedFaults[u.Creator] = true
		pk := i.cfg.Validators.At(u.Creator).PublicKey
		i.logger.Warn("equivocation detected",
			zap.Int("validator", u.Creator),
			zap.String("public_key", pk.String()),
			zap.Uint64("seq", u.SeqNum))
		effects = append(effects, EquivocationEffect{Validator: u.Creator, PublicKey: pk})
	}

	finalized, err := i.detector.Run()
	for _, fb := range finalized {
		i.logger.Info("block finalized",
			zap.Uint64("height", fb.Block.Height),
			zap.String("hash", fb.Hash.Short()),
			zap.Int("level", fb.Level),
			zap.Uint64("ftt_percent", fb.FTTPercent),
			zap.Bool("switch", fb.Block.Switch))
		effects = append(effects, FinalizedEffect{Finalized: fb})
		if fb.Block.Switch {
			i.switchFinalized = true
		}
	}
	if err != nil {
		i.logger.Error("finality detector failed", zap.Error(err))
		return effects, err
	}

	effects = append(effects, i.updateState(now)...)

	// confirm the leader's proposal for the round we are in
	if u.Kind == KindProposal && u.Creator != i.own && i.canCreate() {
		r := RoundID(u.Timestamp, i.roundExp)
		if r == i.round && !i.confirmed[r] {
			i.confirmed[r] = true
			more, err := i.publish(i.newUnit(KindVote, now), now)
			effects = append(effects, more...)
			if err != nil {
				return effects, err
			}
		}
	}
	return effects, nil
}

func (i *Instance) canCreate() bool {
	return i.own >= 0 && i.activated && i.state != StateClosed && !i.dag.IsFaulty(i.own)
}

// forkChoice is the block this node currently votes for.
func (i *Instance) forkChoice() types.Hash {
	return ForkChoice(i.dag, i.tree, i.detector.LastFinalized())
}

// newUnit builds an unsigned unit citing everything this node knows.
func (i *Instance) newUnit(kind UnitKind, now types.Timestamp) *Unit {
	pano := i.dag.PanoramaFor(i.own)

	ts := now
	if ts < i.cfg.Start {
		ts = i.cfg.Start
	}
	for _, h := range pano.Cited() {
		if c, ok := i.dag.Get(h); ok && c.Timestamp > ts {
			ts = c.Timestamp
		}
	}

	var seq uint64
	if prev, ok := i.dag.Latest(i.own); ok {
		seq = prev.SeqNum + 1
	}

	return &Unit{
		Creator:    i.own,
		SeqNum:     seq,
		EraID:      i.cfg.EraID,
		RoundExp:   i.roundExp,
		Timestamp:  ts,
		Panorama:   pano,
		Kind:       kind,
		VotedBlock: i.forkChoice(),
	}
}

// panoramaAt is this node's panorama cut back to units with timestamps at or before ts.
// Unit timestamps never decrease along citations, so the cut is closed under citation.
// It reports false if this node's own latest unit is later than ts.
func (i *Instance) panoramaAt(ts types.Timestamp) (Panorama, bool) {
	pano := i.dag.PanoramaFor(i.own)
	for v, o := range pano {
		if o.State != ObsCorrect {
			continue
		}
		u, ok := i.dag.Get(o.Hash)
		for ok && u.Timestamp > ts {
			if v == i.own {
				return nil, false
			}
			if u.SeqNum == 0 {
				ok = false
				break
			}
			u, ok = i.dag.UnitAt(v, u.SeqNum-1)
		}
		if !ok {
			pano[v] = Observation{}
			continue
		}
		pano[v] = Observation{State: ObsCorrect, Hash: u.Hash()}
	}
	return pano, true
}

// propose creates this round's proposal if this node leads it.
func (i *Instance) propose(now types.Timestamp) ([]Effect, error) {
	r := i.round
	if !i.canCreate() || i.proposed[r] || i.leaders.Leader(r) != i.own {
		return nil, nil
	}

	parentHash := i.forkChoice()
	var parent *types.Block
	if !parentHash.IsZero() {
		parent, _ = i.tree.Get(parentHash)
		if parent.Switch {
			return nil, nil
		}
	}

	// 제안은 라운드 시작 시각으로 찍는다. r 이후의 유닛은 인용하지 않음
	pano, ok := i.panoramaAt(r)
	if !ok {
		i.logger.Debug("skipping proposal, own latest unit is ahead of the round",
			zap.Uint64("round", uint64(r)))
		return nil, nil
	}
	u := i.newUnit(KindProposal, now)
	u.Panorama = pano
	u.Timestamp = r
	i.proposed[r] = true

	block := &types.Block{
		EraID:      i.cfg.EraID,
		Height:     i.cfg.FirstHeight,
		ParentHash: parentHash,
		Timestamp:  u.Timestamp,
		Proposer:   i.cfg.Validators.At(i.own).PublicKey,
		RandomBit:  frand.Intn(2) == 1,
		Switch:     r >= i.cfg.End(),
	}
	if parent != nil {
		block.Height = parent.Height + 1
		if i.states != nil {
			if st, ok := i.states.ExecutedState(parentHash); ok {
				block.ParentStateHash = st
			}
		}
	}
	if !block.Switch && i.deploys != nil {
		included := make(map[types.Hash]bool)
		i.tree.Ancestors(parentHash, types.ZeroHash, func(_ types.Hash, b *types.Block) {
			for _, d := range b.Deploys {
				included[d] = true
			}
		})
		block.Deploys = i.deploys.TakeDeploys(i.params.DeployLimits, func(h types.Hash) bool {
			return included[h]
		})
	}

	u.Block = block
	u.VotedBlock = block.Hash()
	i.logger.Debug("proposing block",
		zap.Uint64("round", uint64(r)),
		zap.Uint64("height", block.Height),
		zap.Int("deploys", len(block.Deploys)),
		zap.Bool("switch", block.Switch))
	return i.publish(u, now)
}

// publish signs an own unit, adds it to the DAG and asks for it to be broadcast.
func (i *Instance) publish(u *Unit, now types.Timestamp) ([]Effect, error) {
	if err := u.Seal(i.signer); err != nil {
		return nil, fmt.Errorf("failed to sign unit: %w", err)
	}
	ins, err := i.dag.prepare(u)
	if err == nil {
		err = i.validate(u)
	}
	if err != nil {
		// an own unit failing validation is a local bug; never gossip it
		i.logger.Error("created an invalid unit", zap.Stringer("kind", u.Kind), zap.Error(err))
		return nil, nil
	}
	i.dag.commit(ins)

	effects := []Effect{BroadcastEffect{Unit: u}}
	more, err := i.afterInsert(u, now)
	return append(effects, more...), err
}

// adaptRoundExp lengthens rounds after a run of timeouts and shortens them after a run of
// successful rounds.
func (i *Instance) adaptRoundExp(success bool) {
	if success {
		i.successes++
		i.timeouts = 0
	} else {
		i.timeouts++
		i.successes = 0
	}

	switch {
	case i.timeouts >= i.params.ExponentRun:
		if i.roundExp < i.params.MaxRoundExp {
			i.roundExp++
			i.logger.Info("rounds timing out, slowing down", zap.Uint8("round_exp", i.roundExp))
		}
		i.timeouts = 0
	case i.successes >= i.params.ExponentRun:
		if i.roundExp > i.params.MinRoundExp {
			i.roundExp--
			i.logger.Debug("rounds succeeding, speeding up", zap.Uint8("round_exp", i.roundExp))
		}
		i.successes = 0
	}
}

func (i *Instance) updateState(now types.Timestamp) []Effect {
	prev := i.state
	if i.state == StateActive && now >= i.cfg.End() {
		i.state = StateDraining
	}
	if i.state == StateDraining && i.switchFinalized && now >= i.cfg.End().Add(i.params.VotingPeriod) {
		i.state = StateClosed
	}
	if prev == i.state {
		return nil
	}
	i.logger.Info("instance state changed", zap.Stringer("from", prev), zap.Stringer("to", i.state))
	return []Effect{StateChangeEffect{From: prev, To: i.state}}
}

func (i *Instance) schedule(kind TimerKind, round, at types.Timestamp) Effect {
	return ScheduleEffect{Timer: Timer{Era: i.cfg.EraID, Kind: kind, Round: round, At: at}}
}

func (i *Instance) forgetRoundsBefore(r types.Timestamp) {
	for k := range i.proposals {
		if k < r {
			delete(i.proposals, k)
		}
	}
	for k := range i.confirmed {
		if k < r {
			delete(i.confirmed, k)
		}
	}
	for k := range i.proposed {
		if k < r {
			delete(i.proposed, k)
		}
	}
}

// alignUp returns the first round boundary at or after ts.
func alignUp(ts types.Timestamp, exp uint8) types.Timestamp {
	r := RoundID(ts, exp)
	if r < ts {
		r += RoundLength(exp)
	}
	return r
}
