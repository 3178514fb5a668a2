package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/abci"
	"github.com/ahwlsqja/highway-casper/types"
)

// ValidatorsQueryPath is the query an application may answer with its current validator
// set as JSON; it is used to recover the auction set after a restart.
const ValidatorsQueryPath = "/validators"

// QueryConn is an ABCI connection that also answers queries.
type QueryConn interface {
	abci.Conn
	Query(ctx context.Context, req *abcitypes.RequestQuery) (*abcitypes.ResponseQuery, error)
}

// ABCIEngine - 확정 블록을 ABCI 앱에 전달하는 실행 엔진
//
//	ApplyFinalizedBlock: deploy 본문 조회 → FinalizeBlock → Commit → AppHash = 상태 해시
//	ValidatorUpdates 는 누적되어 다음 era 의 auction 검증자 집합이 된다.
type ABCIEngine struct {
	mu sync.RWMutex

	conn     QueryConn
	deploys  DeployResolver
	logger   *zap.Logger
	appState []byte

	initialized bool
	lastHeight  int64 // 마지막으로 커밋된 ABCI 높이
	state       types.Hash
	validators  map[types.PublicKey]uint64
}

var (
	_ Engine        = (*ABCIEngine)(nil)
	_ DeployChecker = (*ABCIEngine)(nil)
)

// NewABCIEngine creates an engine over conn. Deploy bodies are looked up in deploys.
func NewABCIEngine(conn QueryConn, deploys DeployResolver, logger *zap.Logger) *ABCIEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ABCIEngine{
		conn:       conn,
		deploys:    deploys,
		logger:     logger.Named("abci"),
		validators: make(map[types.PublicKey]uint64),
	}
}

// InitChain runs ABCI InitChain on a fresh application, or resumes from the application's
// last committed height.
func (e *ABCIEngine) InitChain(ctx context.Context, genesis Genesis) (types.Hash, error) {
	info, err := e.conn.Info(ctx, &abcitypes.RequestInfo{})
	if err != nil {
		return types.ZeroHash, fmt.Errorf("ABCI Info failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range genesis.Validators {
		e.validators[v.PublicKey] = v.Weight
	}

	if info.LastBlockHeight > 0 {
		e.lastHeight = info.LastBlockHeight
		e.state = appHashToHash(info.LastBlockAppHash)
		if vals, ok := e.queryValidators(ctx); ok {
			e.validators = vals
		}
		e.initialized = true
		e.logger.Info("resuming application",
			zap.Int64("height", e.lastHeight),
			zap.String("app_hash", e.state.Short()))
		return e.state, nil
	}

	resp, err := e.conn.InitChain(ctx, abci.NewInitChainRequest(genesis.ChainName, genesis.Timestamp, genesis.Validators, genesis.AppState))
	if err != nil {
		return types.ZeroHash, fmt.Errorf("ABCI InitChain failed: %w", err)
	}
	if len(resp.Validators) > 0 {
		vals, err := abci.ValidatorsFromUpdates(resp.Validators)
		if err != nil {
			return types.ZeroHash, err
		}
		e.validators = make(map[types.PublicKey]uint64)
		e.applyUpdates(vals)
	}
	e.state = appHashToHash(resp.AppHash)
	e.initialized = true
	e.logger.Info("chain initialized",
		zap.String("chain", genesis.ChainName),
		zap.Int("validators", len(e.validators)),
		zap.String("app_hash", e.state.Short()))
	return e.state, nil
}

func (e *ABCIEngine) queryValidators(ctx context.Context) (map[types.PublicKey]uint64, bool) {
	resp, err := e.conn.Query(ctx, &abcitypes.RequestQuery{Path: ValidatorsQueryPath})
	if err != nil || resp.Code != abcitypes.CodeTypeOK {
		return nil, false
	}
	var vals []types.Validator
	if err := json.Unmarshal(resp.Value, &vals); err != nil {
		e.logger.Warn("application returned an unreadable validator set", zap.Error(err))
		return nil, false
	}
	out := make(map[types.PublicKey]uint64, len(vals))
	for _, v := range vals {
		out[v.PublicKey] = v.Weight
	}
	return out, true
}

// ApplyFinalizedBlock executes the block through FinalizeBlock and Commit.
func (e *ABCIEngine) ApplyFinalizedBlock(ctx context.Context, block *types.Block) (types.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return types.ZeroHash, ErrNotInitialized
	}
	height := abci.BlockHeight(block.Height)
	if height <= e.lastHeight {
		// committed before a restart
		e.logger.Debug("block already applied", zap.Uint64("height", block.Height))
		return e.state, nil
	}

	txs := make([][]byte, len(block.Deploys))
	for i, h := range block.Deploys {
		d, ok := e.deploys.Get(h)
		if !ok {
			return types.ZeroHash, fmt.Errorf("%w: %s in block at height %d", ErrMissingDeploy, h.Short(), block.Height)
		}
		txs[i] = d.Body
	}

	start := time.Now()
	resp, err := e.conn.FinalizeBlock(ctx, abci.NewFinalizeBlockRequest(block, txs))
	if err != nil {
		return types.ZeroHash, fmt.Errorf("FinalizeBlock failed: %w", err)
	}
	result, err := abci.FinalizeBlockResponseToResult(resp)
	if err != nil {
		return types.ZeroHash, err
	}
	if _, err := e.conn.Commit(ctx, &abcitypes.RequestCommit{}); err != nil {
		return types.ZeroHash, fmt.Errorf("Commit failed: %w", err)
	}
	result.Elapsed = time.Since(start)

	e.applyUpdates(result.ValidatorUpdates)
	e.lastHeight = height
	e.state = appHashToHash(result.AppHash)

	e.logger.Debug("block executed",
		zap.Uint64("height", block.Height),
		zap.Int("deploys", len(txs)),
		zap.Int("failed", result.FailedTxs),
		zap.Int("validator_updates", len(result.ValidatorUpdates)),
		zap.Duration("elapsed", result.Elapsed),
		zap.String("state", e.state.Short()))
	return e.state, nil
}

func (e *ABCIEngine) applyUpdates(updates []types.Validator) {
	for _, v := range updates {
		if v.Weight == 0 {
			delete(e.validators, v.PublicKey)
			continue
		}
		e.validators[v.PublicKey] = v.Weight
	}
}

// AuctionValidators returns the validator set accumulated from genesis and all
// validator updates so far, sorted by public key.
func (e *ABCIEngine) AuctionValidators(_ context.Context) ([]types.Validator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	return sortedValidators(e.validators), nil
}

// StateHash returns the post-state hash of the last applied block.
func (e *ABCIEngine) StateHash() types.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// CheckDeploy asks the application whether the deploy is acceptable.
func (e *ABCIEngine) CheckDeploy(ctx context.Context, d *types.Deploy) error {
	resp, err := e.conn.CheckTx(ctx, abci.NewCheckTxRequest(d.Body))
	if err != nil {
		return err
	}
	if resp.Code != abcitypes.CodeTypeOK {
		return fmt.Errorf("CheckTx failed (code=%d): %s", resp.Code, resp.Log)
	}
	return nil
}

func sortedValidators(m map[types.PublicKey]uint64) []types.Validator {
	out := make([]types.Validator, 0, len(m))
	for pk, w := range m {
		out = append(out, types.Validator{PublicKey: pk, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].PublicKey[:], out[j].PublicKey[:]) < 0
	})
	return out
}
