package era

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/execution"
	"github.com/ahwlsqja/highway-casper/persistence"
	"github.com/ahwlsqja/highway-casper/types"
)

// newEntry builds the table row for rec. The instance is created only once the era's
// first height is known.
func (s *Supervisor) newEntry(rec *persistence.EraRecord) (*eraEntry, error) {
	set, err := types.NewValidatorSet(rec.Validators)
	if err != nil {
		return nil, fmt.Errorf("era %d: %w", rec.EraID, err)
	}
	entry := &eraEntry{
		record:     rec,
		validators: set,
		status:     statusPending,
	}
	entry.bound = newBoundary(s.eraConfig(entry))
	if rec.NextValidators != nil {
		entry.bound.validators = rec.NextValidators
		entry.bound.validatorsKnown = true
	}
	if rec.HeightKnown {
		if err := s.buildInstance(entry); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

func (s *Supervisor) eraConfig(entry *eraEntry) highway.EraConfig {
	return highway.EraConfig{
		EraID:       entry.record.EraID,
		Start:       entry.record.Start,
		Validators:  entry.validators,
		Seed:        entry.record.Seed,
		Params:      s.genesis.Params,
		FirstHeight: entry.record.FirstHeight,
	}
}

func (s *Supervisor) buildInstance(entry *eraEntry) error {
	inst, err := highway.NewInstance(s.eraConfig(entry), highway.InstanceDeps{
		Signer:  s.signer,
		Deploys: s.deploys,
		States:  s,
		Logger:  s.logger,
	})
	if err != nil {
		return fmt.Errorf("era %d: %w", entry.record.EraID, err)
	}
	entry.inst = inst
	return nil
}

// ================================================================================
//                          확정 블록
// ================================================================================

func (s *Supervisor) onFinalized(entry *eraEntry, fb highway.FinalizedBlock) {
	height := fb.Block.Height

	switch {
	case height < s.nextFinal:
		// 재시작 후 유닛 재생으로 다시 확정된 블록
		stored, err := s.store.LoadFinalized(height)
		if err == nil && stored.Hash != fb.Hash {
			s.halt(fmt.Errorf("%w: height %d finalized as %s, stored %s",
				highway.ErrSafetyViolation, height, fb.Hash.Short(), stored.Hash.Short()))
			return
		}

	case height == s.nextFinal:
		rec := &persistence.FinalizedRecord{
			Block:        fb.Block,
			Hash:         fb.Hash,
			Level:        fb.Level,
			Quorum:       fb.Quorum,
			FTT:          fb.FTT,
			FTTPercent:   fb.FTTPercent,
			TotalWeight:  fb.TotalWeight,
			Equivocators: fb.Equivocators,
		}
		if err := s.store.SaveFinalized(rec); err != nil {
			s.halt(fmt.Errorf("failed to persist finalized block %d: %w", height, err))
			return
		}
		s.nextFinal++
		s.saveState()
		s.execQueue = append(s.execQueue, execItem{era: entry.record.EraID, rec: rec})

		if s.metrics != nil {
			s.metrics.BlockFinalized(height, fb.Level, fb.FTTPercent, s.now().Sub(fb.Block.Timestamp))
		}
		if s.deploys != nil && len(fb.Block.Deploys) > 0 {
			s.deploys.MarkFinalized(fb.Block.Deploys)
		}
		s.logger.Info("finalized block",
			zap.Uint64("era", uint64(entry.record.EraID)),
			zap.Uint64("height", height),
			zap.String("hash", fb.Hash.Short()),
			zap.Int("level", fb.Level),
			zap.Uint64("ftt_percent", fb.FTTPercent),
			zap.Int("deploys", len(fb.Block.Deploys)),
			zap.Bool("switch", fb.Block.Switch))

	default:
		s.halt(fmt.Errorf("%w: finalized height %d, expected %d",
			highway.ErrSafetyViolation, height, s.nextFinal))
		return
	}

	ev := entry.bound.observe(fb.Block, fb.Hash)
	if ev.booking {
		s.onBooking(entry)
	}
	if ev.switchB {
		s.onSwitch(entry)
	}
	if ev.booking || ev.key || ev.switchB {
		s.tryCreateNext(entry)
	}
	s.drainExecution()
}

func (s *Supervisor) onBooking(entry *eraEntry) {
	b := entry.bound
	s.logger.Info("booking block finalized",
		zap.Uint64("era", uint64(entry.record.EraID)),
		zap.Uint64("height", b.booking.Height),
		zap.String("hash", b.bookingHash.Short()))
	if b.validatorsKnown {
		return
	}
	if b.booking.Height < s.nextExec {
		s.auction(entry)
	}
	// 아니면 drainExecution 이 booking 블록 실행 직후 auction 호출
}

// onSwitch fixes the next era's first height and builds its instance.
func (s *Supervisor) onSwitch(entry *eraEntry) {
	next, ok := s.eras[entry.record.EraID+1]
	if !ok || next.inst != nil {
		return
	}
	next.record.FirstHeight = entry.bound.switchBlock.Height + 1
	next.record.HeightKnown = true
	if err := s.store.SaveEra(next.record); err != nil {
		s.logger.Error("failed to save era record", zap.Uint64("era", uint64(next.record.EraID)), zap.Error(err))
	}
	next.bound = newBoundary(s.eraConfig(next))
	if next.record.NextValidators != nil {
		next.bound.validators, next.bound.validatorsKnown = next.record.NextValidators, true
	}
	if err := s.buildInstance(next); err != nil {
		s.halt(err)
		return
	}
	s.flushEarly(next)
}

func (s *Supervisor) flushEarly(entry *eraEntry) {
	early := entry.early
	entry.early = nil
	for _, d := range early {
		s.insert(d.unit, d.peer)
	}
}

// auction reads the next era's validators right after the booking block executed.
func (s *Supervisor) auction(entry *eraEntry) {
	vals, err := s.engine.AuctionValidators(s.ctx)
	if err != nil {
		entry.auctionPending = true
		s.logger.Warn("auction failed, will retry",
			zap.Uint64("era", uint64(entry.record.EraID)), zap.Error(err))
		return
	}
	entry.auctionPending = false
	if vals == nil {
		vals = []types.Validator{}
	}
	entry.bound.validators = vals
	entry.bound.validatorsKnown = true
	entry.record.NextValidators = vals
	if err := s.store.SaveEra(entry.record); err != nil {
		s.logger.Error("failed to save era record", zap.Uint64("era", uint64(entry.record.EraID)), zap.Error(err))
	}
	s.tryCreateNext(entry)
}

func (s *Supervisor) retryAuction() {
	for _, entry := range s.eras {
		if entry.auctionPending {
			s.auction(entry)
		}
	}
}

// ================================================================================
//                          실행
// ================================================================================

// drainExecution applies finalized blocks strictly in height order. A block that cannot
// be applied yet stays at the head of the queue until the retry tick.
func (s *Supervisor) drainExecution() {
	for len(s.execQueue) > 0 && !s.halted {
		item := s.execQueue[0]
		rec := item.rec
		height := rec.Block.Height
		if height < s.nextExec {
			s.execQueue = s.execQueue[1:]
			continue
		}
		if height > s.nextExec {
			s.logger.Error("execution queue out of order",
				zap.Uint64("height", height), zap.Uint64("expected", s.nextExec))
			return
		}

		if p := rec.Block.ParentStateHash; !p.IsZero() && p != s.engine.StateHash() {
			s.halt(fmt.Errorf("%w: block %d expects %s, engine has %s",
				ErrStateHashMismatch, height, p.Short(), s.engine.StateHash().Short()))
			return
		}

		start := time.Now()
		state, err := s.engine.ApplyFinalizedBlock(s.ctx, rec.Block)
		if err != nil {
			lvl := zap.WarnLevel
			if errors.Is(err, execution.ErrMissingDeploy) {
				lvl = zap.DebugLevel
			}
			s.logger.Check(lvl, "block execution deferred").Write(
				zap.Uint64("height", height), zap.Error(err))
			return
		}

		rec.Executed = true
		rec.StateHash = state
		if err := s.store.SaveFinalized(rec); err != nil {
			s.logger.Error("failed to save executed block", zap.Uint64("height", height), zap.Error(err))
		}
		s.executed.Add(rec.Hash, state)
		s.execQueue = s.execQueue[1:]
		s.nextExec++
		s.lastState = state
		s.saveState()
		if s.metrics != nil {
			s.metrics.BlockExecuted(height, len(rec.Block.Deploys), time.Since(start))
		}
		s.logger.Debug("executed block",
			zap.Uint64("height", height),
			zap.String("state", state.Short()))

		if entry, ok := s.eras[item.era]; ok {
			b := entry.bound
			if b.booking != nil && b.bookingHash == rec.Hash && !b.validatorsKnown {
				s.auction(entry)
			}
		}
	}
}

// ================================================================================
//                          era 전환
// ================================================================================

// tryCreateNext creates era e+1 once its seed and validators are known.
func (s *Supervisor) tryCreateNext(entry *eraEntry) {
	b := entry.bound
	id := entry.record.EraID
	if !b.ready() {
		return
	}
	if _, ok := s.eras[id+1]; ok {
		return
	}

	vals := b.validators
	if _, err := types.NewValidatorSet(vals); err != nil {
		s.logger.Warn("auction returned an unusable validator set, keeping the current one",
			zap.Uint64("era", uint64(id+1)), zap.Error(err))
		vals = entry.record.Validators
	}
	rec := &persistence.EraRecord{
		EraID:      id + 1,
		Start:      b.nextStart,
		Seed:       b.seed(),
		Validators: vals,
	}
	if b.switchBlock != nil {
		rec.FirstHeight = b.switchBlock.Height + 1
		rec.HeightKnown = true
	}
	if err := s.store.SaveEra(rec); err != nil {
		s.logger.Error("failed to save era record", zap.Uint64("era", uint64(rec.EraID)), zap.Error(err))
	}
	next, err := s.newEntry(rec)
	if err != nil {
		s.halt(err)
		return
	}
	s.eras[rec.EraID] = next
	s.logger.Info("next era created",
		zap.Uint64("era", uint64(rec.EraID)),
		zap.Uint64("start", uint64(rec.Start)),
		zap.String("seed", rec.Seed.Short()),
		zap.Int("validators", len(vals)),
		zap.Bool("height_known", rec.HeightKnown))
	if next.inst != nil {
		s.flushEarly(next)
	}
	s.tryAdvance()
}

// tryAdvance activates the current era and moves past closed ones.
func (s *Supervisor) tryAdvance() {
	if s.recovering || s.halted || s.advancing {
		return
	}
	s.advancing = true
	defer func() { s.advancing = false }()

	for !s.halted {
		cur, ok := s.eras[s.current]
		if !ok || cur.inst == nil {
			return
		}
		if !cur.inst.Activated() && cur.inst.State() != highway.StateClosed {
			s.activate(cur)
		}
		if cur.inst.State() != highway.StateClosed {
			return
		}
		next, ok := s.eras[s.current+1]
		if !ok || next.inst == nil {
			return
		}
		s.current++
		s.logger.Info("era transition",
			zap.Uint64("from", uint64(s.current-1)),
			zap.Uint64("to", uint64(s.current)))
		s.saveState()
		s.retire()
	}
}

func (s *Supervisor) activate(entry *eraEntry) {
	effects := entry.inst.Activate(s.now())
	entry.status = statusOf(entry.inst.State())
	if s.metrics != nil {
		s.metrics.SetCurrentEra(uint64(entry.record.EraID))
		s.metrics.SetRoundExp(entry.inst.RoundExp())
	}
	s.logger.Info("era activated",
		zap.Uint64("era", uint64(entry.record.EraID)),
		zap.Uint64("first_height", entry.record.FirstHeight),
		zap.Bool("validator", entry.inst.IsValidator()))
	s.apply(entry, effects)
}

// retire drops closed eras older than the retention window. Their units are deleted.
func (s *Supervisor) retire() {
	changed := false
	for s.retiredBelow+types.EraID(s.cfg.Retention) < s.current {
		id := s.retiredBelow
		if entry, ok := s.eras[id]; ok {
			if entry.inst != nil && entry.inst.State() != highway.StateClosed {
				break
			}
			timers := s.sched.cancelEra(id)
			dropped := s.pending.dropEra(id)
			if err := s.store.DeleteEraUnits(id); err != nil {
				s.logger.Error("failed to delete era units", zap.Uint64("era", uint64(id)), zap.Error(err))
			}
			delete(s.eras, id)
			s.logger.Info("era retired",
				zap.Uint64("era", uint64(id)),
				zap.Int("timers", timers),
				zap.Int("pending_dropped", dropped))
		}
		s.retiredBelow++
		changed = true
	}
	if changed {
		s.saveState()
		s.updatePending()
	}
}
