package execution

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ahwlsqja/highway-casper/types"
)

// NoopEngine - ABCI 앱 없이 작동하는 엔진
// 상태 해시 = hash(이전 상태, 블록 해시). 검증자 집합은 genesis 그대로 유지된다.
type NoopEngine struct {
	mu         sync.RWMutex
	state      types.Hash
	height     uint64
	applied    bool
	validators []types.Validator
}

var _ Engine = (*NoopEngine)(nil)

// NewNoopEngine creates an engine that executes nothing.
func NewNoopEngine() *NoopEngine {
	return &NoopEngine{}
}

// InitChain derives the genesis state from the chain name and validators.
func (n *NoopEngine) InitChain(_ context.Context, genesis Genesis) (types.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(genesis.Timestamp))
	parts := [][]byte{[]byte(genesis.ChainName), ts[:]}
	for _, v := range genesis.Validators {
		var w [8]byte
		binary.BigEndian.PutUint64(w[:], v.Weight)
		parts = append(parts, v.PublicKey[:], w[:])
	}
	n.state = types.HashOf(parts...)
	n.validators = append([]types.Validator(nil), genesis.Validators...)
	n.height = 0
	n.applied = false
	return n.state, nil
}

// ApplyFinalizedBlock chains the block hash into the state hash.
func (n *NoopEngine) ApplyFinalizedBlock(_ context.Context, block *types.Block) (types.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h := block.Hash()
	n.state = types.HashOf(n.state[:], h[:])
	n.height = block.Height
	n.applied = true
	return n.state, nil
}

// AuctionValidators returns the genesis validators.
func (n *NoopEngine) AuctionValidators(_ context.Context) ([]types.Validator, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]types.Validator(nil), n.validators...), nil
}

// StateHash - 현재 상태 해시
func (n *NoopEngine) StateHash() types.Hash {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// LastHeight returns the height of the last applied block and whether any was applied.
func (n *NoopEngine) LastHeight() (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.height, n.applied
}
