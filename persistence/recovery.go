package persistence

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/types"
)

// ================================================================================
//                          재시작 복구
// ================================================================================
//
//   LoadSnapshot
//     1. ConsensusState 로드 (없으면 새 노드)
//     2. 은퇴하지 않은 era 기록 + 각 era 의 유닛 (삽입 순서)
//     3. 확정 블록 기록 (높이 순서)
//
//   호출자는 era 인스턴스를 새로 만들고 유닛을 다시 넣는다. 유닛은 다시 요청하지 않는다.

// Snapshot is the persisted view of a node at startup.
type Snapshot struct {
	State     *ConsensusState
	Eras      []*EraRecord
	Units     map[types.EraID][][]byte
	Finalized []*FinalizedRecord
}

// Fresh reports whether the store held no prior state.
func (s *Snapshot) Fresh() bool {
	return s.State == nil
}

// LastExecuted returns the last executed finalized record, or nil.
func (s *Snapshot) LastExecuted() *FinalizedRecord {
	for i := len(s.Finalized) - 1; i >= 0; i-- {
		if s.Finalized[i].Executed {
			return s.Finalized[i]
		}
	}
	return nil
}

// LoadSnapshot reads everything needed to resume consensus.
func LoadSnapshot(store Store, logger *zap.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("recovery")

	snap := &Snapshot{Units: make(map[types.EraID][][]byte)}

	state, err := store.LoadState()
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Info("no persisted state, starting fresh")
		return snap, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	snap.State = state

	eras, err := store.LoadEras()
	if err != nil {
		return nil, fmt.Errorf("failed to load eras: %w", err)
	}
	total := 0
	for _, rec := range eras {
		if rec.EraID < state.RetiredBelowEra {
			continue
		}
		units, err := store.LoadUnits(rec.EraID)
		if err != nil {
			return nil, fmt.Errorf("failed to load units of era %d: %w", rec.EraID, err)
		}
		snap.Eras = append(snap.Eras, rec)
		snap.Units[rec.EraID] = units
		total += len(units)
	}

	if state.HasFinalized {
		snap.Finalized, err = store.LoadFinalizedRange(0, state.FinalizedHeight)
		if err != nil {
			return nil, fmt.Errorf("failed to load finalized blocks: %w", err)
		}
		for i, rec := range snap.Finalized {
			if rec.Block.Height != uint64(i) {
				return nil, fmt.Errorf("finalized chain has a gap at height %d", i)
			}
		}
	}

	logger.Info("loaded snapshot",
		zap.Uint64("current_era", uint64(state.CurrentEra)),
		zap.Int("eras", len(snap.Eras)),
		zap.Int("units", total),
		zap.Int("finalized", len(snap.Finalized)))
	return snap, nil
}
