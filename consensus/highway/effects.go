package highway

import "github.com/ahwlsqja/highway-casper/types"

// State is the lifecycle state of an instance.
type State uint8

const (
	// StateActive accepts and creates units, including proposals.
	StateActive State = iota
	// StateDraining is past the era's end: only a switch block may still be proposed.
	StateDraining
	// StateClosed has a finalized switch block and a completed voting period.
	StateClosed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TimerKind distinguishes the two timers of a round.
type TimerKind uint8

const (
	// TimerRoundStart fires at the start of a round; the leader proposes.
	TimerRoundStart TimerKind = iota
	// TimerWitness fires two thirds into the round; everyone votes or skips.
	TimerWitness
)

// String returns the string representation of TimerKind.
func (k TimerKind) String() string {
	switch k {
	case TimerRoundStart:
		return "round-start"
	case TimerWitness:
		return "witness"
	default:
		return "unknown"
	}
}

// Timer is a scheduled event. It is stale once the instance has moved to another round.
type Timer struct {
	Era   types.EraID
	Kind  TimerKind
	Round types.Timestamp
	At    types.Timestamp
}

// Effect is an action requested by an instance and carried out by its owner.
type Effect interface {
	isEffect()
}

// BroadcastEffect asks for a freshly created unit to be gossiped.
type BroadcastEffect struct {
	Unit *Unit
}

// ScheduleEffect asks for a timer.
type ScheduleEffect struct {
	Timer Timer
}

// FinalizedEffect reports a newly finalized block.
type FinalizedEffect struct {
	Finalized FinalizedBlock
}

// EquivocationEffect reports a validator newly found equivocating.
type EquivocationEffect struct {
	Validator int
	PublicKey types.PublicKey
}

// StateChangeEffect reports a lifecycle transition.
type StateChangeEffect struct {
	From, To State
}

func (BroadcastEffect) isEffect()    {}
func (ScheduleEffect) isEffect()     {}
func (FinalizedEffect) isEffect()    {}
func (EquivocationEffect) isEffect() {}
func (StateChangeEffect) isEffect()  {}
