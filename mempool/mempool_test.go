package mempool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahwlsqja/highway-casper/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now types.Timestamp
}

func (c *fakeClock) Now() types.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBuffer(t *testing.T, cfg *Config) (*DeployBuffer, *fakeClock) {
	t.Helper()
	buf, err := NewDeployBuffer(cfg, nil)
	require.NoError(t, err)
	clock := &fakeClock{now: 1_700_000_000_000}
	buf.SetClock(clock.Now)
	require.NoError(t, buf.Start())
	t.Cleanup(func() { require.NoError(t, buf.Stop()) })
	return buf, clock
}

func deploy(body string, ts types.Timestamp, deps ...types.Hash) *types.Deploy {
	return types.NewDeploy([]byte(body), ts, time.Hour, deps...)
}

func TestDeployBufferAddAndTake(t *testing.T) {
	buf, clock := newTestBuffer(t, nil)

	d1 := deploy("one", clock.Now())
	d2 := deploy("two", clock.Now())
	d3 := deploy("three", clock.Now())
	for _, d := range []*types.Deploy{d1, d2, d3} {
		require.NoError(t, buf.Add(d))
	}
	assert.ErrorIs(t, buf.Add(d1), ErrDeployExists)
	assert.Equal(t, 3, buf.Size())
	assert.Equal(t, int64(len("one")+len("two")+len("three")), buf.SizeBytes())

	got := buf.TakeDeploys(types.DefaultDeployLimits(), nil)
	assert.Equal(t, []types.Hash{d1.Hash, d2.Hash, d3.Hash}, got, "arrival order")

	// taking does not remove
	assert.Equal(t, 3, buf.Size())

	got = buf.TakeDeploys(types.DefaultDeployLimits(), func(h types.Hash) bool { return h == d2.Hash })
	assert.Equal(t, []types.Hash{d1.Hash, d3.Hash}, got)
}

func TestDeployBufferLimits(t *testing.T) {
	buf, clock := newTestBuffer(t, nil)

	small := deploy("aa", clock.Now())
	big := deploy("bbbbbbbbbb", clock.Now())
	longTTL := types.NewDeploy([]byte("cc"), clock.Now(), 48*time.Hour)
	for _, d := range []*types.Deploy{small, big, longTTL} {
		require.NoError(t, buf.Add(d))
	}

	limits := types.DeployLimits{MaxCount: 10, MaxTotalSize: 5, MaxTTL: 24 * time.Hour, MaxDependencies: 0}
	assert.Equal(t, []types.Hash{small.Hash}, buf.TakeDeploys(limits, nil))

	limits = types.DeployLimits{MaxCount: 1, MaxTotalSize: 100, MaxTTL: 72 * time.Hour}
	assert.Equal(t, []types.Hash{small.Hash}, buf.TakeDeploys(limits, nil))
}

func TestDeployBufferDependencies(t *testing.T) {
	buf, clock := newTestBuffer(t, nil)

	base := deploy("base", clock.Now())
	child := deploy("child", clock.Now(), base.Hash)
	orphan := deploy("orphan", clock.Now(), types.HashOf([]byte("unknown")))
	require.NoError(t, buf.Add(child))
	require.NoError(t, buf.Add(base))
	require.NoError(t, buf.Add(orphan))

	limits := types.DefaultDeployLimits()

	// child arrived before base, so it cannot go in the same block yet
	assert.Equal(t, []types.Hash{base.Hash}, buf.TakeDeploys(limits, nil))

	// satisfied by the ancestry
	inChain := func(h types.Hash) bool { return h == base.Hash }
	assert.Equal(t, []types.Hash{child.Hash}, buf.TakeDeploys(limits, inChain))

	// satisfied by finality
	buf.MarkFinalized([]types.Hash{base.Hash})
	assert.Equal(t, []types.Hash{child.Hash}, buf.TakeDeploys(limits, nil))
	assert.False(t, buf.Has(base.Hash))
	got, ok := buf.Get(base.Hash)
	require.True(t, ok)
	assert.Equal(t, base.Body, got.Body)

	// finalized deploys are not readmitted
	assert.ErrorIs(t, buf.Add(base), ErrDeployExists)

	limits.MaxDependencies = 0
	assert.Empty(t, buf.TakeDeploys(limits, nil))
}

func TestDeployBufferExpiry(t *testing.T) {
	buf, clock := newTestBuffer(t, nil)

	short := types.NewDeploy([]byte("short"), clock.Now(), time.Minute)
	long := types.NewDeploy([]byte("long"), clock.Now(), time.Hour)
	require.NoError(t, buf.Add(short))
	require.NoError(t, buf.Add(long))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []types.Hash{long.Hash}, buf.TakeDeploys(types.DefaultDeployLimits(), nil))
	assert.Equal(t, 1, buf.Expire())
	assert.Equal(t, 1, buf.Size())

	stale := types.NewDeploy([]byte("stale"), clock.Now().Add(-2*time.Hour), time.Hour)
	assert.ErrorIs(t, buf.Add(stale), ErrDeployExpired)
}

func TestDeployBufferAdmission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeploys = 2
	cfg.MaxDeployBytes = 8
	buf, clock := newTestBuffer(t, cfg)

	assert.ErrorIs(t, buf.Add(deploy("way too large", clock.Now())), ErrDeployTooLarge)

	buf.SetCheckDeploy(func(d *types.Deploy) error {
		if string(d.Body) == "bad" {
			return assert.AnError
		}
		return nil
	})
	assert.ErrorIs(t, buf.Add(deploy("bad", clock.Now())), ErrInvalidDeploy)

	require.NoError(t, buf.Add(deploy("a", clock.Now())))
	require.NoError(t, buf.Add(deploy("b", clock.Now())))
	assert.ErrorIs(t, buf.Add(deploy("c", clock.Now())), ErrBufferFull)

	m := buf.Metrics()
	assert.Equal(t, int64(5), m.Received)
	assert.Equal(t, int64(2), m.Accepted)
	assert.Equal(t, int64(3), m.Rejected)
}

func TestDeployBufferNotRunning(t *testing.T) {
	buf, err := NewDeployBuffer(nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, buf.Add(deploy("x", types.Now())), ErrBufferNotRunning)
}

type recordingGossiper struct {
	mu   sync.Mutex
	sent [][]byte
}

func (g *recordingGossiper) BroadcastDeploy(_ context.Context, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, data)
	return nil
}

func (g *recordingGossiper) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func TestReactorGossip(t *testing.T) {
	local, clock := newTestBuffer(t, nil)
	remote, _ := newTestBuffer(t, nil)
	remote.SetClock(clock.Now)

	g := &recordingGossiper{}
	r := NewReactor(local, nil, nil)
	r.SetGossiper(g)
	require.NoError(t, r.Start())
	defer func() { require.NoError(t, r.Stop()) }()

	d := deploy("gossiped", clock.Now())
	require.NoError(t, r.Submit(d))
	require.Eventually(t, func() bool { return g.count() == 1 }, time.Second, 5*time.Millisecond)

	peer := NewReactor(remote, nil, nil)
	g.mu.Lock()
	data := g.sent[0]
	g.mu.Unlock()
	require.NoError(t, peer.Receive("peer-1", data))
	require.NoError(t, peer.Receive("peer-1", data), "duplicates are ignored")
	assert.True(t, remote.Has(d.Hash))

	assert.ErrorIs(t, peer.Receive("peer-1", []byte{0xff}), ErrInvalidDeploy)
}
