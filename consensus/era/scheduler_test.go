package era

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/types"
)

func TestSchedulerFiresInOrder(t *testing.T) {
	out := make(chan highway.Timer, 4)
	done := make(chan struct{})
	defer close(done)
	s := newScheduler(out, done, types.Now)
	defer s.stop()

	now := types.Now()
	late := highway.Timer{Era: 0, Kind: highway.TimerWitness, Round: 1, At: now.Add(60 * time.Millisecond)}
	past := highway.Timer{Era: 0, Kind: highway.TimerRoundStart, Round: 1, At: now.Add(-time.Second)}
	s.schedule(late)
	s.schedule(past)

	select {
	case got := <-out:
		assert.Equal(t, past, got, "a timer in the past fires immediately")
	case <-time.After(time.Second):
		t.Fatal("past timer did not fire")
	}
	select {
	case got := <-out:
		assert.Equal(t, late, got)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	require.Eventually(t, func() bool { return s.pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerCancelEra(t *testing.T) {
	out := make(chan highway.Timer, 4)
	done := make(chan struct{})
	defer close(done)
	s := newScheduler(out, done, types.Now)
	defer s.stop()

	at := types.Now().Add(time.Hour)
	s.schedule(highway.Timer{Era: 1, At: at})
	s.schedule(highway.Timer{Era: 1, At: at, Round: 2})
	s.schedule(highway.Timer{Era: 2, At: at})
	assert.Equal(t, 3, s.pending())

	assert.Equal(t, 2, s.cancelEra(1))
	assert.Equal(t, 1, s.pending())

	s.stop()
	assert.Zero(t, s.pending())
	s.schedule(highway.Timer{Era: 3, At: types.Now()})
	assert.Zero(t, s.pending(), "stopped scheduler accepts nothing")
	assert.Empty(t, out)
}
