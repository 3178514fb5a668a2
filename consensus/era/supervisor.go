package era

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/execution"
	"github.com/ahwlsqja/highway-casper/metrics"
	"github.com/ahwlsqja/highway-casper/persistence"
	"github.com/ahwlsqja/highway-casper/transport"
	"github.com/ahwlsqja/highway-casper/types"
)

/*
================================================================================
                         ERA SUPERVISOR
================================================================================

  DeliverUnit ──► inbox ─┐
  timers ───────────────┤        ┌──────────────────────────────┐
  fetch results ────────┼──────► │  event loop (단일 goroutine)  │
  exec retry tick ──────┘        │                              │
                                 │  route(era) → Instance       │
                                 │  effects:                    │
                                 │    Broadcast → store, outbox │
                                 │    Schedule  → scheduler     │
                                 │    Finalized → exec queue    │
                                 │    Closed    → 다음 era 활성화 │
                                 └──────────────────────────────┘

  era 상태:  pending ──(이전 era Closed)──► active ──► draining ──► closed ──(Retention)──► 은퇴

================================================================================
*/

type entryStatus uint8

const (
	statusPending entryStatus = iota
	statusActive
	statusDraining
	statusClosed
)

func (s entryStatus) String() string {
	switch s {
	case statusPending:
		return "pending"
	case statusActive:
		return "active"
	case statusDraining:
		return "draining"
	case statusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// eraEntry is one row of the era table.
type eraEntry struct {
	record     *persistence.EraRecord
	validators *types.ValidatorSet
	inst       *highway.Instance // nil until the era's first height is known
	status     entryStatus
	bound      *boundary

	// AuctionValidators 실패 시 ticker 에서 재시도
	auctionPending bool

	// units received before the instance exists
	early []delivery
}

type delivery struct {
	peer string
	unit *highway.Unit
}

type outbound struct {
	era  types.EraID
	data []byte
}

type execItem struct {
	era types.EraID
	rec *persistence.FinalizedRecord
}

// Status is a snapshot of the supervisor's progress.
type Status struct {
	CurrentEra      types.EraID
	FinalizedHeight uint64
	HasFinalized    bool
	ExecutedHeight  uint64
	HasExecuted     bool
	PendingUnits    int
	Halted          bool
}

// Supervisor owns the Highway instances of all live eras.
type Supervisor struct {
	cfg     *Config
	genesis Genesis

	signer  highway.Signer
	engine  execution.Engine
	store   persistence.Store
	net     Network
	deploys DeployPool
	metrics *metrics.Metrics
	logger  *zap.Logger
	clock   func() types.Timestamp

	// event loop 소유 상태
	eras         map[types.EraID]*eraEntry
	current      types.EraID
	retiredBelow types.EraID
	pending      *pendingSet
	execQueue    []execItem
	nextFinal    uint64 // 다음 확정 높이
	nextExec     uint64 // 다음 실행 높이
	lastState    types.Hash
	halted       bool
	recovering   bool
	advancing    bool

	executed *lru.Cache // block hash → post-state hash

	inbox   chan delivery
	timers  chan highway.Timer
	fetched chan fetchResult
	refetch chan types.Hash
	outbox  chan outbound
	fatal   chan error
	sched   *scheduler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
	alive   atomic.Bool

	statusMu sync.RWMutex
	status   Status

	penaltyMu sync.Mutex
	penalties map[string]int
}

var _ highway.StateLookup = (*Supervisor)(nil)

// New creates a supervisor. Nothing runs until Start.
func New(cfg *Config, genesis Genesis, deps Deps) (*Supervisor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid era config: %w", err)
	}
	if err := genesis.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis params: %w", err)
	}
	if _, err := types.NewValidatorSet(genesis.Validators); err != nil {
		return nil, fmt.Errorf("invalid genesis validators: %w", err)
	}
	if deps.Engine == nil || deps.Store == nil || deps.Network == nil {
		return nil, errors.New("era supervisor needs an engine, a store and a network")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = types.Now
	}
	executed, err := lru.New(cfg.ExecCacheSize)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		cfg:       cfg,
		genesis:   genesis,
		signer:    deps.Signer,
		engine:    deps.Engine,
		store:     deps.Store,
		net:       deps.Network,
		deploys:   deps.Deploys,
		metrics:   deps.Metrics,
		logger:    logger.Named("era"),
		clock:     clock,
		eras:      make(map[types.EraID]*eraEntry),
		pending:   newPendingSet(),
		executed:  executed,
		inbox:     make(chan delivery, cfg.InboxSize),
		timers:    make(chan highway.Timer, 64),
		fetched:   make(chan fetchResult, 64),
		refetch:   make(chan types.Hash, 64),
		outbox:    make(chan outbound, cfg.InboxSize),
		fatal:     make(chan error, 1),
		penalties: make(map[string]int),
	}, nil
}

// Start restores persisted state, replays stored units and starts the event loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.sched = newScheduler(s.timers, s.ctx.Done(), s.clock)

	if err := s.recover(); err != nil {
		s.cancel()
		s.sched.stop()
		s.wg.Wait()
		return err
	}

	s.running = true
	s.alive.Store(true)
	s.wg.Add(2)
	go s.run()
	go s.broadcastLoop()
	s.logger.Info("era supervisor started",
		zap.Uint64("current_era", uint64(s.current)),
		zap.Bool("validator", s.signer != nil))
	return nil
}

// Stop halts the event loop and waits for every goroutine.
func (s *Supervisor) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.alive.Store(false)
	s.cancel()
	s.sched.stop()
	s.wg.Wait()
	s.logger.Info("era supervisor stopped")
}

// Fatal reports conditions that halted finalization.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Status returns a snapshot of the supervisor's progress.
func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Penalties returns the number of bad units delivered per peer.
func (s *Supervisor) Penalties() map[string]int {
	s.penaltyMu.Lock()
	defer s.penaltyMu.Unlock()
	out := make(map[string]int, len(s.penalties))
	for k, v := range s.penalties {
		out[k] = v
	}
	return out
}

// ExecutedState returns the post-state hash of a recently executed block.
func (s *Supervisor) ExecutedState(block types.Hash) (types.Hash, bool) {
	v, ok := s.executed.Get(block)
	if !ok {
		return types.ZeroHash, false
	}
	return v.(types.Hash), true
}

// DeliverUnit decodes a unit received from peer and queues it for the event loop.
func (s *Supervisor) DeliverUnit(ctx context.Context, peer string, data []byte) error {
	if !s.alive.Load() {
		return ErrStopped
	}
	u, err := highway.DecodeUnit(data)
	if err != nil {
		s.penalize(peer, err)
		return fmt.Errorf("from %s: %w", peer, err)
	}
	select {
	case s.inbox <- delivery{peer: peer, unit: u}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// 큐가 가득 차면 버림 (인용될 때 fetch 로 복구)
		if s.metrics != nil {
			s.metrics.UnitRejected(rejectReason(ErrInboxFull))
		}
		return ErrInboxFull
	}
}

// ServeUnit answers a peer's fetch from the store. Units of retired eras are gone.
func (s *Supervisor) ServeUnit(_ context.Context, _ types.EraID, hash types.Hash) ([]byte, error) {
	data, err := s.store.GetUnit(hash)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, transport.ErrUnitNotFound
	}
	return data, err
}

func (s *Supervisor) now() types.Timestamp {
	return s.clock()
}

// ================================================================================
//                          Event loop
// ================================================================================

func (s *Supervisor) run() {
	defer s.wg.Done()

	retry := time.NewTicker(s.cfg.ExecRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.inbox:
			s.handleBatch(s.collectBatch(d))
		case t := <-s.timers:
			s.handleTimer(t)
		case r := <-s.fetched:
			s.onFetched(r)
		case h := <-s.refetch:
			s.startFetch(h)
		case <-retry.C:
			if len(s.execQueue) > 0 {
				s.drainExecution()
			}
			s.retryAuction()
			s.tryAdvance()
		}
		s.publishStatus()
	}
}

func (s *Supervisor) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case o := <-s.outbox:
			if err := s.net.BroadcastUnit(s.ctx, o.era, o.data); err != nil {
				s.logger.Debug("broadcast failed", zap.Uint64("era", uint64(o.era)), zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) collectBatch(first delivery) []delivery {
	batch := []delivery{first}
	for len(batch) < s.cfg.VerifyBatch {
		select {
		case d := <-s.inbox:
			batch = append(batch, d)
		default:
			return batch
		}
	}
	return batch
}

// handleBatch checks signatures in parallel, then inserts in arrival order.
func (s *Supervisor) handleBatch(batch []delivery) {
	if s.halted {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.VerifyWorkers)
	for _, d := range batch {
		entry, ok := s.eras[d.unit.EraID]
		if !ok || entry.validators == nil || d.unit.Creator < 0 || d.unit.Creator >= entry.validators.Len() {
			continue
		}
		u, pk := d.unit, entry.validators.At(d.unit.Creator).PublicKey
		g.Go(func() error {
			// 결과는 유닛에 캐시됨, 실패는 삽입 시 다시 검사되어 거부
			u.VerifySignature(pk)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range batch {
		s.handleUnit(d.unit, d.peer)
	}
}

func (s *Supervisor) handleTimer(t highway.Timer) {
	if s.halted {
		return
	}
	entry, ok := s.eras[t.Era]
	if !ok || entry.inst == nil {
		return
	}
	effects, err := entry.inst.HandleTimer(t, s.now())
	s.apply(entry, effects)
	if err != nil {
		if IsFatal(err) {
			s.halt(err)
			return
		}
		s.logger.Error("timer failed", zap.Uint64("era", uint64(t.Era)), zap.Stringer("kind", t.Kind), zap.Error(err))
	}
}

// ================================================================================
//                          Routing / insertion
// ================================================================================

// route finds the entry of era or explains why there is none.
func (s *Supervisor) route(era types.EraID) (*eraEntry, error) {
	if entry, ok := s.eras[era]; ok {
		return entry, nil
	}
	switch {
	case era < s.retiredBelow || era+types.EraID(s.cfg.Retention) < s.current:
		return nil, fmt.Errorf("%w: era %d, current %d", ErrStaleEra, era, s.current)
	case era > s.current+types.EraID(s.cfg.Lookahead):
		return nil, fmt.Errorf("%w: era %d, current %d", ErrEraTooFarAhead, era, s.current)
	default:
		return nil, fmt.Errorf("%w: era %d", ErrUnknownEra, era)
	}
}

func (s *Supervisor) handleUnit(u *highway.Unit, peer string) {
	if s.halted {
		return
	}
	entry, err := s.route(u.EraID)
	if err != nil {
		s.reject(u, peer, err)
		return
	}
	if entry.inst == nil {
		if len(entry.early) >= s.cfg.MaxPendingUnits {
			s.reject(u, peer, fmt.Errorf("%w: early buffer of era %d full", ErrUnknownEra, u.EraID))
			return
		}
		entry.early = append(entry.early, delivery{peer: peer, unit: u})
		return
	}
	s.insert(u, peer)
}

// insert hands a unit to its instance and retries every parked unit it unblocks.
func (s *Supervisor) insert(u *highway.Unit, peer string) {
	queue := []delivery{{peer: peer, unit: u}}
	for len(queue) > 0 && !s.halted {
		d := queue[0]
		queue = queue[1:]

		entry, ok := s.eras[d.unit.EraID]
		if !ok || entry.inst == nil {
			continue
		}
		h := d.unit.Hash()
		had := entry.inst.DAG().Has(h)

		effects, err := entry.inst.HandleUnit(d.unit, s.now())
		if err == nil && !had && !s.recovering {
			// 자기 유닛이 이 유닛을 인용하기 전에 먼저 저장
			s.persistUnit(d.unit)
			if s.metrics != nil && d.peer != "" {
				s.metrics.UnitReceived(d.unit.Kind.String())
			}
		}
		s.apply(entry, effects)

		switch {
		case err == nil:
			for _, p := range s.pending.resolve(h) {
				queue = append(queue, delivery{peer: p.peer, unit: p.unit})
			}
		case highway.IsTransient(err):
			s.park(entry, d, err)
		case IsFatal(err):
			s.halt(err)
		default:
			s.reject(d.unit, d.peer, err)
		}
	}
	s.updatePending()
}

func (s *Supervisor) park(entry *eraEntry, d delivery, cause error) {
	var missing []types.Hash
	for _, c := range d.unit.Panorama.Cited() {
		if !entry.inst.DAG().Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		s.reject(d.unit, d.peer, fmt.Errorf("%w: %v", highway.ErrInvalidUnit, cause))
		return
	}
	if s.pending.len() >= s.cfg.MaxPendingUnits {
		s.logger.Warn("pending unit limit reached, dropping unit",
			zap.String("unit", d.unit.Hash().Short()), zap.Int("limit", s.cfg.MaxPendingUnits))
		return
	}
	s.logger.Debug("parking unit",
		zap.String("unit", d.unit.Hash().Short()),
		zap.Int("missing", len(missing)),
		zap.Error(cause))
	for _, m := range s.pending.park(d.unit, d.peer, missing) {
		s.startFetch(m)
	}
}

func (s *Supervisor) reject(u *highway.Unit, peer string, err error) {
	if s.metrics != nil {
		s.metrics.UnitRejected(rejectReason(err))
	}
	if IsTransient(err) {
		s.logger.Debug("unit dropped", zap.Uint64("era", uint64(u.EraID)), zap.String("peer", peer), zap.Error(err))
		return
	}
	if peer != "" {
		s.penalize(peer, err)
	}
	if IsAttributable(err) {
		// 서명이 틀린 유닛은 생성자를 증명하지 못함. 전달한 피어만 벌점
		s.logger.Warn("unit with invalid signature",
			zap.Uint64("era", uint64(u.EraID)),
			zap.Int("claimed_creator", u.Creator),
			zap.String("peer", peer),
			zap.Error(err))
		return
	}
	s.logger.Warn("unit rejected",
		zap.Uint64("era", uint64(u.EraID)),
		zap.Int("creator", u.Creator),
		zap.Uint64("seq", u.SeqNum),
		zap.String("peer", peer),
		zap.Error(err))
}

func (s *Supervisor) penalize(peer string, err error) {
	s.penaltyMu.Lock()
	s.penalties[peer]++
	s.penaltyMu.Unlock()
	if s.metrics != nil {
		s.metrics.MalformedUnit(peer)
	}
	s.logger.Debug("peer penalized", zap.String("peer", peer), zap.Error(err))
}

func (s *Supervisor) persistUnit(u *highway.Unit) bool {
	if err := s.store.SaveUnit(u.EraID, u.Creator, u.Hash(), u.Encode()); err != nil {
		s.logger.Error("failed to persist unit", zap.String("unit", u.Hash().Short()), zap.Error(err))
		return false
	}
	return true
}

// ================================================================================
//                          Effects
// ================================================================================

func (s *Supervisor) apply(entry *eraEntry, effects []highway.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case highway.BroadcastEffect:
			// 재시작 후 이중 서명을 막기 위해 저장이 전송보다 먼저
			if !s.persistUnit(e.Unit) {
				continue
			}
			if s.metrics != nil {
				s.metrics.UnitCreated(e.Unit.Kind.String())
			}
			select {
			case s.outbox <- outbound{era: e.Unit.EraID, data: e.Unit.Encode()}:
			default:
				s.logger.Warn("outbox full, unit will only spread through fetches",
					zap.String("unit", e.Unit.Hash().Short()))
			}

		case highway.ScheduleEffect:
			s.sched.schedule(e.Timer)

		case highway.FinalizedEffect:
			s.onFinalized(entry, e.Finalized)

		case highway.EquivocationEffect:
			s.logger.Warn("validator equivocated",
				zap.Uint64("era", uint64(entry.record.EraID)),
				zap.Int("validator", e.Validator),
				zap.String("public_key", e.PublicKey.String()))
			if s.metrics != nil {
				s.metrics.EquivocatorFound()
			}

		case highway.StateChangeEffect:
			entry.status = statusOf(e.To)
			s.logger.Info("era state changed",
				zap.Uint64("era", uint64(entry.record.EraID)),
				zap.Stringer("from", e.From),
				zap.Stringer("to", e.To))
			if e.To == highway.StateClosed {
				s.tryAdvance()
			}
		}
	}
}

func statusOf(st highway.State) entryStatus {
	switch st {
	case highway.StateDraining:
		return statusDraining
	case highway.StateClosed:
		return statusClosed
	default:
		return statusActive
	}
}

// halt stops finalization for good and reports err once.
func (s *Supervisor) halt(err error) {
	if s.halted {
		return
	}
	s.halted = true
	s.logger.Error("halting finalization", zap.Error(err))
	select {
	case s.fatal <- err:
	default:
	}
	s.publishStatus()
}

func (s *Supervisor) updatePending() {
	if s.metrics != nil {
		s.metrics.SetPendingUnits(s.pending.len())
	}
}

func (s *Supervisor) countFetch(result string) {
	if s.metrics != nil {
		s.metrics.FetchResult(result)
	}
}

func (s *Supervisor) publishStatus() {
	st := Status{
		CurrentEra:   s.current,
		PendingUnits: s.pending.len(),
		Halted:       s.halted,
	}
	if s.nextFinal > 0 {
		st.FinalizedHeight, st.HasFinalized = s.nextFinal-1, true
	}
	if s.nextExec > 0 {
		st.ExecutedHeight, st.HasExecuted = s.nextExec-1, true
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func (s *Supervisor) saveState() {
	st := &persistence.ConsensusState{
		CurrentEra:      s.current,
		LastStateHash:   s.lastState,
		RetiredBelowEra: s.retiredBelow,
	}
	if s.nextFinal > 0 {
		st.FinalizedHeight, st.HasFinalized = s.nextFinal-1, true
	}
	if s.nextExec > 0 {
		st.ExecutedHeight, st.HasExecuted = s.nextExec-1, true
	}
	if err := s.store.SaveState(st); err != nil {
		s.logger.Error("failed to save consensus state", zap.Error(err))
	}
}
