package execution

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/highway-casper/abci"
	"github.com/ahwlsqja/highway-casper/crypto"
	"github.com/ahwlsqja/highway-casper/types"
)

type deployMap map[types.Hash]*types.Deploy

func (m deployMap) Get(h types.Hash) (*types.Deploy, bool) {
	d, ok := m[h]
	return d, ok
}

func (m deployMap) add(t *testing.T, op abci.Operation) types.Hash {
	t.Helper()
	body, err := json.Marshal(op)
	require.NoError(t, err)
	d := types.NewDeploy(body, 1_700_000_000_000, time.Hour)
	m[d.Hash] = d
	return d.Hash
}

func testGenesis() Genesis {
	return Genesis{
		ChainName: "test",
		Timestamp: 1_700_000_000_000,
		Validators: []types.Validator{
			{PublicKey: crypto.SignerFromSecret([]byte("a")).PublicKey(), Weight: 10},
			{PublicKey: crypto.SignerFromSecret([]byte("b")).PublicKey(), Weight: 20},
		},
	}
}

func block(height uint64, deploys ...types.Hash) *types.Block {
	return &types.Block{
		Height:    height,
		Timestamp: types.Timestamp(1_700_000_000_000 + height),
		Deploys:   deploys,
	}
}

func TestABCIEngineAppliesBlocks(t *testing.T) {
	ctx := context.Background()
	app := abci.NewApplication()
	deploys := deployMap{}
	engine := NewABCIEngine(app, deploys, nil)

	_, err := engine.ApplyFinalizedBlock(ctx, block(0))
	require.ErrorIs(t, err, ErrNotInitialized)

	genesisState, err := engine.InitChain(ctx, testGenesis())
	require.NoError(t, err)
	assert.Equal(t, genesisState, engine.StateHash())

	set := deploys.add(t, abci.Operation{Type: "set", Key: "k", Value: "v"})
	state, err := engine.ApplyFinalizedBlock(ctx, block(0, set))
	require.NoError(t, err)
	assert.NotEqual(t, genesisState, state)
	appHash, err := types.BytesToHash(app.AppHash())
	require.NoError(t, err)
	assert.Equal(t, appHash, state)
	assert.Equal(t, int64(1), app.Height())

	// replaying a committed height is a no-op
	again, err := engine.ApplyFinalizedBlock(ctx, block(0, set))
	require.NoError(t, err)
	assert.Equal(t, state, again)
	assert.Equal(t, int64(1), app.Height())
}

func TestABCIEngineMissingDeploy(t *testing.T) {
	ctx := context.Background()
	engine := NewABCIEngine(abci.NewApplication(), deployMap{}, nil)
	_, err := engine.InitChain(ctx, testGenesis())
	require.NoError(t, err)

	before := engine.StateHash()
	_, err = engine.ApplyFinalizedBlock(ctx, block(0, types.HashOf([]byte("nowhere"))))
	require.ErrorIs(t, err, ErrMissingDeploy)
	assert.Equal(t, before, engine.StateHash())
}

func TestABCIEngineAuctionValidators(t *testing.T) {
	ctx := context.Background()
	app := abci.NewApplication()
	deploys := deployMap{}
	engine := NewABCIEngine(app, deploys, nil)
	g := testGenesis()
	_, err := engine.InitChain(ctx, g)
	require.NoError(t, err)

	vals, err := engine.AuctionValidators(ctx)
	require.NoError(t, err)
	assert.Len(t, vals, 2)

	joiner := types.PublicKey(crypto.SignerFromSecret([]byte("c")).PublicKey())
	bond := deploys.add(t, abci.Operation{Type: "bond", PublicKey: hex.EncodeToString(joiner[:]), Power: 5})
	unbond := deploys.add(t, abci.Operation{Type: "bond", PublicKey: hex.EncodeToString(g.Validators[0].PublicKey[:]), Power: 0})
	_, err = engine.ApplyFinalizedBlock(ctx, block(0, bond, unbond))
	require.NoError(t, err)

	vals, err = engine.AuctionValidators(ctx)
	require.NoError(t, err)
	got := make(map[types.PublicKey]uint64)
	for _, v := range vals {
		got[v.PublicKey] = v.Weight
	}
	assert.Equal(t, map[types.PublicKey]uint64{
		g.Validators[1].PublicKey: 20,
		joiner:                    5,
	}, got)

	// a restarted engine over the same application recovers the set through a query
	resumed := NewABCIEngine(app, deploys, nil)
	state, err := resumed.InitChain(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, engine.StateHash(), state)
	resumedVals, err := resumed.AuctionValidators(ctx)
	require.NoError(t, err)
	assert.Equal(t, vals, resumedVals)
}

func TestABCIEngineCheckDeploy(t *testing.T) {
	ctx := context.Background()
	engine := NewABCIEngine(abci.NewApplication(), deployMap{}, nil)

	good := types.NewDeploy([]byte(`{"type":"set","key":"k"}`), 0, time.Hour)
	bad := types.NewDeploy([]byte(`{"type":"mint"}`), 0, time.Hour)
	assert.NoError(t, engine.CheckDeploy(ctx, good))
	assert.Error(t, engine.CheckDeploy(ctx, bad))
}

func TestNoopEngine(t *testing.T) {
	ctx := context.Background()
	a, b := NewNoopEngine(), NewNoopEngine()

	ga, err := a.InitChain(ctx, testGenesis())
	require.NoError(t, err)
	gb, err := b.InitChain(ctx, testGenesis())
	require.NoError(t, err)
	assert.Equal(t, ga, gb)

	s1, err := a.ApplyFinalizedBlock(ctx, block(0))
	require.NoError(t, err)
	assert.NotEqual(t, ga, s1)
	s2, err := a.ApplyFinalizedBlock(ctx, block(1))
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	// same blocks, same states
	_, err = b.ApplyFinalizedBlock(ctx, block(0))
	require.NoError(t, err)
	sb, err := b.ApplyFinalizedBlock(ctx, block(1))
	require.NoError(t, err)
	assert.Equal(t, s2, sb)

	h, ok := a.LastHeight()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), h)

	vals, err := a.AuctionValidators(ctx)
	require.NoError(t, err)
	assert.Equal(t, testGenesis().Validators, vals)
}
