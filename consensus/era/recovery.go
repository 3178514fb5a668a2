package era

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/execution"
	"github.com/ahwlsqja/highway-casper/persistence"
	"github.com/ahwlsqja/highway-casper/types"
)

// ================================================================================
//                          시작 / 재시작 복구
// ================================================================================
//
//   1. engine.InitChain (재시작이면 앱 상태만 다시 읽음)
//   2. 스냅샷 로드
//      - 없음 → era 0 기록 생성
//      - 있음 → 실행 상태 맞춤 → era 표 재구성 → 유닛 재생 (era 오름차순)
//   3. 재생이 끝나면 현재 era 활성화
//
//   재생 중에는 유닛을 다시 저장하지 않고 다른 era 로 넘어가지 않는다.

func (s *Supervisor) recover() error {
	s.recovering = true
	defer func() { s.recovering = false }()

	genesisState, err := s.engine.InitChain(s.ctx, execution.Genesis{
		ChainName:  s.genesis.ChainName,
		Timestamp:  s.genesis.Start,
		Validators: s.genesis.Validators,
		AppState:   s.genesis.AppState,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize execution engine: %w", err)
	}

	snap, err := persistence.LoadSnapshot(s.store, s.logger)
	if err != nil {
		return err
	}

	if snap.Fresh() {
		rec := &persistence.EraRecord{
			EraID:       0,
			Start:       s.genesis.Start,
			Seed:        highway.GenesisSeed(s.genesis.ChainName, s.genesis.Start),
			Validators:  s.genesis.Validators,
			HeightKnown: true,
		}
		if err := s.store.SaveEra(rec); err != nil {
			return fmt.Errorf("failed to save genesis era: %w", err)
		}
		entry, err := s.newEntry(rec)
		if err != nil {
			return err
		}
		s.eras[0] = entry
		s.lastState = genesisState
		s.saveState()
		s.logger.Info("starting from genesis",
			zap.String("chain", s.genesis.ChainName),
			zap.Uint64("start", uint64(s.genesis.Start)),
			zap.String("state", genesisState.Short()))
	} else if err := s.restore(snap, genesisState); err != nil {
		return err
	}

	s.recovering = false
	s.drainExecution()
	s.tryAdvance()
	s.publishStatus()
	return nil
}

func (s *Supervisor) restore(snap *persistence.Snapshot, genesisState types.Hash) error {
	st := snap.State
	s.current = st.CurrentEra
	s.retiredBelow = st.RetiredBelowEra
	if st.HasFinalized {
		s.nextFinal = st.FinalizedHeight + 1
	}
	if st.HasExecuted {
		s.nextExec = st.ExecutedHeight + 1
		s.lastState = st.LastStateHash
	} else {
		s.lastState = genesisState
	}

	if err := s.restoreExecution(snap); err != nil {
		return err
	}

	for _, rec := range snap.Eras {
		entry, err := s.newEntry(rec)
		if err != nil {
			return err
		}
		s.eras[rec.EraID] = entry
	}

	// 확정됐지만 실행 전이던 블록. 재생 중 새로 확정되는 블록보다 먼저
	for _, rec := range snap.Finalized {
		if rec.Block.Height >= s.nextExec {
			s.execQueue = append(s.execQueue, execItem{era: rec.Block.EraID, rec: rec})
		}
	}

	replayed := 0
	for _, rec := range snap.Eras {
		for _, data := range snap.Units[rec.EraID] {
			u, err := highway.DecodeUnit(data)
			if err != nil {
				s.logger.Warn("skipping corrupt stored unit", zap.Uint64("era", uint64(rec.EraID)), zap.Error(err))
				continue
			}
			s.handleUnit(u, "")
			replayed++
		}
	}

	stale := s.checkReplayedTips()

	s.logger.Info("state restored",
		zap.Uint64("current_era", uint64(s.current)),
		zap.Uint64("next_height", s.nextFinal),
		zap.Uint64("next_exec", s.nextExec),
		zap.Int("eras", len(s.eras)),
		zap.Int("units", replayed),
		zap.Int("stale_tips", stale),
		zap.Bool("halted", s.halted))
	return nil
}

// restoreExecution brings the engine back to the last executed block. Engines without
// their own persistence start at genesis and re-execute the finalized chain.
func (s *Supervisor) restoreExecution(snap *persistence.Snapshot) error {
	for _, rec := range snap.Finalized {
		if rec.Executed {
			s.executed.Add(rec.Hash, rec.StateHash)
		}
	}
	last := snap.LastExecuted()
	if last == nil || s.engine.StateHash() == last.StateHash {
		return nil
	}

	s.logger.Info("re-executing finalized blocks",
		zap.Uint64("up_to", last.Block.Height),
		zap.String("expected_state", last.StateHash.Short()))
	for _, rec := range snap.Finalized {
		if rec.Block.Height > last.Block.Height {
			break
		}
		state, err := s.engine.ApplyFinalizedBlock(s.ctx, rec.Block)
		if err != nil {
			return fmt.Errorf("failed to re-execute block %d: %w", rec.Block.Height, err)
		}
		if rec.Executed && state != rec.StateHash {
			return fmt.Errorf("%w: block %d re-executed to %s, stored %s",
				ErrStateHashMismatch, rec.Block.Height, state.Short(), rec.StateHash.Short())
		}
	}
	return nil
}

// checkReplayedTips compares each validator's latest unit after replay with the latest
// unit the store recorded. A difference means stored units were skipped or are still
// parked waiting for dependencies; those validators' units will be fetched again.
func (s *Supervisor) checkReplayedTips() int {
	stale := 0
	for id, entry := range s.eras {
		if entry.inst == nil {
			continue
		}
		dag := entry.inst.DAG()
		for v := 0; v < dag.Validators().Len(); v++ {
			if dag.IsFaulty(v) {
				continue
			}
			stored, err := s.store.LatestUnit(id, v)
			if errors.Is(err, persistence.ErrNotFound) {
				continue
			}
			if err != nil {
				s.logger.Warn("failed to read stored tip", zap.Uint64("era", uint64(id)), zap.Int("validator", v), zap.Error(err))
				continue
			}
			if tip, ok := dag.Latest(v); !ok || tip.Hash() != stored {
				stale++
				s.logger.Warn("replayed tip differs from stored tip",
					zap.Uint64("era", uint64(id)),
					zap.Int("validator", v),
					zap.String("stored", stored.Short()))
			}
		}
	}
	return stale
}
