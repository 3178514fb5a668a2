package highway

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/highway-casper/types"
)

const simStart = types.Timestamp(1 << 20)

func simConfig(tv *testValidators, params Params) EraConfig {
	return EraConfig{
		EraID:      0,
		Start:      simStart,
		Validators: tv.set,
		Seed:       GenesisSeed("simnet", simStart),
		Params:     params,
	}
}

func TestInstanceFinalizesWithOneValidatorOffline(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10, 10)
	net := newSimNet(t, tv, simConfig(tv, testParams()), 3)

	net.runUntil(simStart + 64*40)

	var reference []FinalizedBlock
	for node, fin := range net.finalized {
		if node == 3 {
			assert.Empty(t, fin)
			continue
		}
		require.GreaterOrEqual(t, len(fin), 5, "node %d finalized too little", node)
		for i, fb := range fin {
			assert.GreaterOrEqual(t, fb.FTTPercent, uint64(33))
			assert.Equal(t, uint64(i), fb.Block.Height)
			if i > 0 {
				assert.Equal(t, fin[i-1].Hash, fb.Block.ParentHash)
			}
		}
		for _, u := range net.insts[node].DAG().Units() {
			if u.Kind == KindProposal {
				assert.Equal(t, u.RoundID(), u.Timestamp, "proposals are stamped at their round start")
			}
		}
		if reference == nil {
			reference = fin
			continue
		}
		// every node finalizes a prefix of the same chain
		n := len(reference)
		if len(fin) < n {
			n = len(fin)
		}
		for i := 0; i < n; i++ {
			assert.Equal(t, reference[i].Hash, fin[i].Hash, "node %d height %d", node, i)
		}
	}
}

func TestInstanceClosesAfterSwitchBlock(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10, 10)
	params := testParams()
	params.EraDuration = 640 * time.Millisecond
	params.BookingDuration = 320 * time.Millisecond
	params.EntropyDuration = 64 * time.Millisecond
	params.VotingPeriod = 128 * time.Millisecond
	cfg := simConfig(tv, params)

	net := newSimNet(t, tv, cfg)
	net.runUntil(cfg.End() + 64*30)

	for node, inst := range net.insts {
		assert.Equal(t, StateClosed, inst.State(), "node %d", node)
		assert.True(t, net.closed[node])
		assert.True(t, inst.SwitchFinalized())

		fin := net.finalized[node]
		require.NotEmpty(t, fin)
		var switches int
		for _, fb := range fin {
			if fb.Block.Switch {
				switches++
				assert.Empty(t, fb.Block.Deploys)
				assert.GreaterOrEqual(t, fb.Block.Timestamp, cfg.End())
			} else {
				assert.Less(t, fb.Block.Timestamp, cfg.End())
			}
		}
		assert.Equal(t, 1, switches, "node %d", node)
		assert.True(t, fin[len(fin)-1].Block.Switch, "switch block is the last finalized block")
	}

	// a closed instance ignores timers
	effects, err := net.insts[0].HandleTimer(Timer{Kind: TimerRoundStart, Round: net.insts[0].CurrentRound()}, cfg.End()+64*40)
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestInstanceRoundExponentAdaptation(t *testing.T) {
	tv := newTestValidators(t, 10)
	params := testParams()
	inst, err := NewInstance(simConfig(tv, params), InstanceDeps{})
	require.NoError(t, err)
	require.Equal(t, params.InitialRoundExp, inst.RoundExp())

	// N consecutive timeouts raise the exponent by one
	for i := 0; i < params.ExponentRun-1; i++ {
		inst.adaptRoundExp(false)
	}
	assert.Equal(t, params.InitialRoundExp, inst.RoundExp())
	inst.adaptRoundExp(false)
	assert.Equal(t, params.InitialRoundExp+1, inst.RoundExp())

	// a success resets the timeout run
	inst.adaptRoundExp(false)
	inst.adaptRoundExp(true)
	inst.adaptRoundExp(false)
	inst.adaptRoundExp(false)
	assert.Equal(t, params.InitialRoundExp+1, inst.RoundExp())

	for i := 0; i < 100; i++ {
		inst.adaptRoundExp(false)
	}
	assert.Equal(t, params.MaxRoundExp, inst.RoundExp())

	for i := 0; i < params.ExponentRun; i++ {
		inst.adaptRoundExp(true)
	}
	assert.Equal(t, params.MaxRoundExp-1, inst.RoundExp())

	for i := 0; i < 100; i++ {
		inst.adaptRoundExp(true)
	}
	assert.Equal(t, params.MinRoundExp, inst.RoundExp())
}

func TestInstanceSlowsDownWithoutProposals(t *testing.T) {
	// the heavy validator is offline, so most rounds time out
	tv := newTestValidators(t, 10, 1)
	params := testParams()
	cfg := simConfig(tv, params)

	heavy := 0
	if tv.set.Weight(1) > tv.set.Weight(0) {
		heavy = 1
	}
	net := newSimNet(t, tv, cfg, heavy)
	light := 1 - heavy

	net.runUntil(simStart + 1<<15)
	assert.Greater(t, net.insts[light].RoundExp(), params.InitialRoundExp)
	assert.Empty(t, net.finalized[light])
}

func TestInstanceObserverCreatesNoUnits(t *testing.T) {
	tv := newTestValidators(t, 10, 10)
	observer, err := NewInstance(simConfig(tv, testParams()), InstanceDeps{})
	require.NoError(t, err)
	assert.False(t, observer.IsValidator())

	effects := observer.Activate(simStart)
	require.Len(t, effects, 1)
	sched, ok := effects[0].(ScheduleEffect)
	require.True(t, ok)
	assert.Equal(t, TimerRoundStart, sched.Timer.Kind)
	assert.Equal(t, simStart, sched.Timer.At)

	effects, err = observer.HandleTimer(sched.Timer, simStart)
	require.NoError(t, err)
	for _, e := range effects {
		_, isBroadcast := e.(BroadcastEffect)
		assert.False(t, isBroadcast)
	}

	// outdated timers are ignored
	stale := sched.Timer
	stale.Round = simStart - 64
	effects, err = observer.HandleTimer(stale, simStart)
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestInstanceRejectsProposalFromNonLeader(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10)
	cfg := simConfig(tv, testParams())
	inst, err := NewInstance(cfg, InstanceDeps{})
	require.NoError(t, err)

	round := simStart
	leader := inst.Leaders().Leader(round)
	impostor := (leader + 1) % tv.set.Len()

	block := &types.Block{
		Timestamp: round,
		Proposer:  tv.set.At(impostor).PublicKey,
	}
	u := &Unit{
		Creator:    impostor,
		RoundExp:   cfg.Params.InitialRoundExp,
		Timestamp:  round,
		Panorama:   make(Panorama, tv.set.Len()),
		Kind:       KindProposal,
		Block:      block,
		VotedBlock: block.Hash(),
	}
	require.NoError(t, u.Seal(tv.signers[impostor]))

	_, err = inst.HandleUnit(u, round)
	assert.ErrorIs(t, err, ErrInvalidUnit)
	assert.Equal(t, 0, inst.DAG().Len())
}

// Units arrive late, out of order and more than once. Every honest node must still
// finalize a prefix of one chain.
func TestInstanceRejectsProposalOffRoundStart(t *testing.T) {
	tv := newTestValidators(t, 10, 10, 10)
	cfg := simConfig(tv, testParams())
	inst, err := NewInstance(cfg, InstanceDeps{})
	require.NoError(t, err)

	round := simStart
	leader := inst.Leaders().Leader(round)
	ts := round + 7

	block := &types.Block{
		Timestamp: ts,
		Proposer:  tv.set.At(leader).PublicKey,
	}
	u := &Unit{
		Creator:    leader,
		RoundExp:   cfg.Params.InitialRoundExp,
		Timestamp:  ts,
		Panorama:   make(Panorama, tv.set.Len()),
		Kind:       KindProposal,
		Block:      block,
		VotedBlock: block.Hash(),
	}
	require.Equal(t, round, u.RoundID())
	require.NoError(t, u.Seal(tv.signers[leader]))

	_, err = inst.HandleUnit(u, ts)
	assert.ErrorIs(t, err, ErrInvalidUnit)
	assert.Equal(t, 0, inst.DAG().Len())
}

func TestInstanceSafeUnderReorderedDuplicateDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("simulates many delivery schedules")
	}
	tv := newTestValidators(t, 10, 10, 10, 10)
	cfg := simConfig(tv, testParams())

	for seed := 0; seed < 60; seed++ {
		net := newSimNetWith(t, tv, cfg, simOpts{
			seed:   []byte(fmt.Sprintf("delivery-%d", seed)),
			jitter: 60,
			copies: 2,
		})
		net.runUntil(simStart + 64*100)

		var longest []FinalizedBlock
		for _, fin := range net.finalized {
			if len(fin) > len(longest) {
				longest = fin
			}
		}
		require.NotEmpty(t, longest, "seed %d finalized nothing", seed)
		for node, fin := range net.finalized {
			for i, fb := range fin {
				require.Equal(t, longest[i].Hash, fb.Hash, "seed %d node %d height %d", seed, node, i)
				require.GreaterOrEqual(t, fb.Level, 1)
				require.GreaterOrEqual(t, fb.FTTPercent, cfg.Params.FTTPercent)
			}
		}
	}
}
