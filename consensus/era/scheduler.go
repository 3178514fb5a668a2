package era

import (
	"sync"
	"time"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/types"
)

// scheduler turns instance timers into events on out at their wall-clock time.
type scheduler struct {
	mu     sync.Mutex
	timers map[types.EraID]map[*time.Timer]struct{}
	out    chan<- highway.Timer
	done   <-chan struct{}
	clock  func() types.Timestamp
	closed bool
}

func newScheduler(out chan<- highway.Timer, done <-chan struct{}, clock func() types.Timestamp) *scheduler {
	return &scheduler{
		timers: make(map[types.EraID]map[*time.Timer]struct{}),
		out:    out,
		done:   done,
		clock:  clock,
	}
}

// schedule fires t at t.At, or immediately if that is in the past.
func (s *scheduler) schedule(t highway.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	delay := time.Duration(0)
	if now := s.clock(); t.At > now {
		delay = t.At.Sub(now)
	}

	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers[t.Era], tm)
		s.mu.Unlock()

		select {
		case s.out <- t:
		case <-s.done:
		}
	})
	if s.timers[t.Era] == nil {
		s.timers[t.Era] = make(map[*time.Timer]struct{})
	}
	s.timers[t.Era][tm] = struct{}{}
}

// cancelEra stops every pending timer of era.
func (s *scheduler) cancelEra(era types.EraID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tm := range s.timers[era] {
		if tm.Stop() {
			n++
		}
	}
	delete(s.timers, era)
	return n
}

// pending returns the number of timers not yet fired.
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.timers {
		n += len(set)
	}
	return n
}

// stop cancels everything and rejects new timers.
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, set := range s.timers {
		for tm := range set {
			tm.Stop()
		}
	}
	s.timers = make(map[types.EraID]map[*time.Timer]struct{})
}
