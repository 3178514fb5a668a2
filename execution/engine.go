// Package execution applies finalized blocks to the application state.
package execution

import (
	"context"
	"errors"

	"github.com/ahwlsqja/highway-casper/types"
)

var (
	// ErrMissingDeploy means a block references a deploy whose body is not known locally.
	// It is transient: the body usually arrives through gossip shortly after.
	ErrMissingDeploy = errors.New("deploy body not available")

	ErrNotInitialized = errors.New("execution engine not initialized")
)

// Engine executes finalized blocks strictly in order.
type Engine interface {
	// InitChain sets up the genesis state and returns its hash. Calling it again after a
	// restart only reloads the engine's view of the application.
	InitChain(ctx context.Context, genesis Genesis) (types.Hash, error)

	// ApplyFinalizedBlock executes the block on top of the current state and returns the
	// post-state hash.
	ApplyFinalizedBlock(ctx context.Context, block *types.Block) (types.Hash, error)

	// AuctionValidators returns the validator set produced by the state so far. It is
	// read right after the booking block is applied.
	AuctionValidators(ctx context.Context) ([]types.Validator, error)

	// StateHash is the hash of the current state.
	StateHash() types.Hash
}

// Genesis is what an engine needs to create the initial state.
type Genesis struct {
	ChainName  string
	Timestamp  types.Timestamp
	Validators []types.Validator
	AppState   []byte
}

// DeployResolver finds deploy bodies by hash.
type DeployResolver interface {
	Get(h types.Hash) (*types.Deploy, bool)
}

// DeployChecker is implemented by engines that can validate deploys before admission.
type DeployChecker interface {
	CheckDeploy(ctx context.Context, d *types.Deploy) error
}

// appHashToHash maps an application hash onto a state hash. 32-byte hashes are used as
// they are; anything else is hashed.
func appHashToHash(appHash []byte) types.Hash {
	if h, err := types.BytesToHash(appHash); err == nil {
		return h
	}
	return types.HashOf(appHash)
}
