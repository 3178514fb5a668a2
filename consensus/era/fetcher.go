package era

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/types"
)

// ================================================================================
//                          누락 유닛 처리
// ================================================================================
//
//   HandleUnit → SequenceGap / UnknownCitation
//        │
//        ▼
//   pending[unit]  ──missing──►  waiting[dep] = [unit...]
//        │                              │
//        │                        fetch(dep) ── 실패 ──► backoff 후 재시도 (최대 MaxFetchRetries)
//        │                              │                     │
//        │                           성공 → 삽입               └─ 초과 → dep 와 의존 유닛 폐기
//        ▼                              │
//   의존성 모두 도착 → 다시 HandleUnit ◄──┘

// parked is a unit waiting for missing dependencies.
type parked struct {
	unit    *highway.Unit
	peer    string
	missing map[types.Hash]bool
}

// fetchState tracks one missing unit.
type fetchState struct {
	era      types.EraID
	peer     string
	attempts int
	inflight bool
}

// fetchResult is posted to the event loop by a fetch goroutine.
type fetchResult struct {
	hash types.Hash
	era  types.EraID
	peer string
	data []byte
	err  error
}

// pendingSet is owned by the event loop.
type pendingSet struct {
	units   map[types.Hash]*parked
	waiting map[types.Hash][]types.Hash
	fetches map[types.Hash]*fetchState
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		units:   make(map[types.Hash]*parked),
		waiting: make(map[types.Hash][]types.Hash),
		fetches: make(map[types.Hash]*fetchState),
	}
}

func (p *pendingSet) len() int { return len(p.units) }

// park records u as waiting for missing. It returns the dependencies that need a fetch.
func (p *pendingSet) park(u *highway.Unit, peer string, missing []types.Hash) []types.Hash {
	h := u.Hash()
	entry, ok := p.units[h]
	if !ok {
		entry = &parked{unit: u, peer: peer, missing: make(map[types.Hash]bool)}
		p.units[h] = entry
	}
	var fetch []types.Hash
	for _, m := range missing {
		if entry.missing[m] {
			continue
		}
		entry.missing[m] = true
		p.waiting[m] = append(p.waiting[m], h)
		if _, parkedDep := p.units[m]; parkedDep {
			// 이미 도착해서 자기 의존성을 기다리는 중
			continue
		}
		if _, known := p.fetches[m]; !known {
			p.fetches[m] = &fetchState{era: u.EraID, peer: peer}
			fetch = append(fetch, m)
		}
	}
	return fetch
}

// resolve marks h as inserted and returns the parked units that no longer miss anything.
func (p *pendingSet) resolve(h types.Hash) []*parked {
	delete(p.fetches, h)
	deps := p.waiting[h]
	delete(p.waiting, h)

	var ready []*parked
	for _, d := range deps {
		entry, ok := p.units[d]
		if !ok {
			continue
		}
		delete(entry.missing, h)
		if len(entry.missing) == 0 {
			delete(p.units, d)
			ready = append(ready, entry)
		}
	}
	return ready
}

// drop forgets h and, transitively, everything waiting for it. It returns the number of
// parked units dropped.
func (p *pendingSet) drop(h types.Hash) int {
	n := 0
	queue := []types.Hash{h}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		delete(p.fetches, cur)
		if entry, ok := p.units[cur]; ok {
			delete(p.units, cur)
			for m := range entry.missing {
				p.unlink(m, cur)
			}
			n++
		}
		queue = append(queue, p.waiting[cur]...)
		delete(p.waiting, cur)
	}
	return n
}

func (p *pendingSet) unlink(dep, unit types.Hash) {
	list := p.waiting[dep]
	for i, d := range list {
		if d == unit {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.waiting, dep)
		if f, ok := p.fetches[dep]; ok && !f.inflight {
			delete(p.fetches, dep)
		}
		return
	}
	p.waiting[dep] = list
}

// dropEra forgets everything belonging to era.
func (p *pendingSet) dropEra(era types.EraID) int {
	n := 0
	for h, entry := range p.units {
		if entry.unit.EraID == era {
			n += p.drop(h)
		}
	}
	for h, f := range p.fetches {
		if f.era == era {
			n += p.drop(h)
		}
	}
	return n
}

// backoff returns the delay before retry number attempt (1-based).
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// startFetch requests h. It runs in its own goroutine and reports on s.fetched.
func (s *Supervisor) startFetch(h types.Hash) {
	f, ok := s.pending.fetches[h]
	if !ok || f.inflight {
		return
	}
	f.inflight = true
	f.attempts++

	peer := f.peer
	if peers := s.net.Peers(); f.attempts > 1 && len(peers) > 0 {
		// 재시도는 다른 피어에게
		peer = peers[(f.attempts-1)%len(peers)]
	}
	era := f.era

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
		defer cancel()

		data, err := s.net.FetchUnit(ctx, peer, era, h)
		if errors.Is(err, context.DeadlineExceeded) || (err == nil && ctx.Err() != nil) {
			err = fmt.Errorf("%w: %s from %s", ErrFetchTimeout, h.Short(), peer)
		}
		select {
		case s.fetched <- fetchResult{hash: h, era: era, peer: peer, data: data, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

// onFetched handles a fetch result in the event loop.
func (s *Supervisor) onFetched(r fetchResult) {
	f, ok := s.pending.fetches[r.hash]
	if !ok {
		// 이미 다른 경로로 도착했거나 폐기됨
		return
	}
	f.inflight = false

	if r.err == nil {
		s.countFetch("ok")
		u, err := highway.DecodeUnit(r.data)
		if err == nil && u.Hash() != r.hash {
			err = fmt.Errorf("%w: peer returned %s for %s", highway.ErrMalformedUnit, u.Hash().Short(), r.hash.Short())
		}
		if err != nil {
			s.penalize(r.peer, err)
		} else {
			s.handleUnit(u, r.peer)
			if _, still := s.pending.fetches[r.hash]; !still {
				return
			}
			// the fetched unit itself waits for dependencies; they are being fetched
			if _, parkedSelf := s.pending.units[r.hash]; parkedSelf {
				return
			}
		}
	} else {
		s.countFetch("error")
		s.logger.Debug("fetch failed", zap.String("unit", r.hash.Short()), zap.String("peer", r.peer),
			zap.Int("attempt", f.attempts), zap.Error(r.err))
	}

	if f.attempts > s.cfg.MaxFetchRetries {
		n := s.pending.drop(r.hash)
		s.logger.Warn("giving up on missing unit",
			zap.String("unit", r.hash.Short()),
			zap.Uint64("era", uint64(r.era)),
			zap.Int("attempts", f.attempts),
			zap.Int("dropped", n))
		s.countFetch("exhausted")
		s.updatePending()
		return
	}

	delay := backoff(s.cfg.FetchBackoff, s.cfg.MaxFetchBackoff, f.attempts)
	h := r.hash
	s.retryTimer(delay, func() {
		select {
		case s.refetch <- h:
		case <-s.ctx.Done():
		}
	})
}

// retryTimer runs fn after delay unless the supervisor stops first.
func (s *Supervisor) retryTimer(delay time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			fn()
		case <-s.ctx.Done():
		}
	}()
}
