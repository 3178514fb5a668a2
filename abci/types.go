// Package abci connects the consensus core to an ABCI 2.0 application (CometBFT v0.38.x):
// a small key-value application and a gRPC client for remote applications.
package abci

import (
	"context"
	"fmt"
	"math"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/proto/tendermint/crypto"

	"github.com/ahwlsqja/highway-casper/types"
)

// Conn is the part of the ABCI surface the execution engine uses. Both an in-process
// abci.Application and the gRPC Client satisfy it.
type Conn interface {
	Info(ctx context.Context, req *abci.RequestInfo) (*abci.ResponseInfo, error)
	InitChain(ctx context.Context, req *abci.RequestInitChain) (*abci.ResponseInitChain, error)
	CheckTx(ctx context.Context, req *abci.RequestCheckTx) (*abci.ResponseCheckTx, error)
	FinalizeBlock(ctx context.Context, req *abci.RequestFinalizeBlock) (*abci.ResponseFinalizeBlock, error)
	Commit(ctx context.Context, req *abci.RequestCommit) (*abci.ResponseCommit, error)
}

// BlockHeight maps a chain height to an ABCI height. ABCI heights start at 1.
func BlockHeight(height uint64) int64 {
	return int64(height) + 1
}

// NewInitChainRequest - InitChain 요청 생성
func NewInitChainRequest(chainID string, genesis types.Timestamp, validators []types.Validator, appState []byte) *abci.RequestInitChain {
	return &abci.RequestInitChain{
		ChainId:       chainID,
		Time:          genesis.Time(),
		Validators:    ValidatorUpdates(validators),
		AppStateBytes: appState,
		InitialHeight: 1,
	}
}

// NewFinalizeBlockRequest - 확정된 블록과 deploy 본문으로 FinalizeBlock 요청 생성
func NewFinalizeBlockRequest(block *types.Block, txs [][]byte) *abci.RequestFinalizeBlock {
	hash := block.Hash()
	return &abci.RequestFinalizeBlock{
		Txs:               txs,
		Hash:              hash[:],
		Height:            BlockHeight(block.Height),
		Time:              block.Timestamp.Time(),
		ProposerAddress:   ed25519.PubKey(block.Proposer[:]).Address(),
		DecidedLastCommit: abci.CommitInfo{},
		Misbehavior:       []abci.Misbehavior{},
	}
}

// NewCheckTxRequest - deploy 진입 전 검증 요청
func NewCheckTxRequest(body []byte) *abci.RequestCheckTx {
	return &abci.RequestCheckTx{
		Tx:   body,
		Type: abci.CheckTxType_New,
	}
}

// ExecutionResult - FinalizeBlock + Commit 결과 요약
type ExecutionResult struct {
	AppHash          []byte
	ValidatorUpdates []types.Validator
	FailedTxs        int
	Events           []abci.Event
	Elapsed          time.Duration
}

// FinalizeBlockResponseToResult - ABCI ResponseFinalizeBlock → ExecutionResult 변환
func FinalizeBlockResponseToResult(resp *abci.ResponseFinalizeBlock) (*ExecutionResult, error) {
	updates, err := ValidatorsFromUpdates(resp.ValidatorUpdates)
	if err != nil {
		return nil, err
	}
	failed := 0
	for _, r := range resp.TxResults {
		if r != nil && r.Code != abci.CodeTypeOK {
			failed++
		}
	}
	return &ExecutionResult{
		AppHash:          resp.AppHash,
		ValidatorUpdates: updates,
		FailedTxs:        failed,
		Events:           resp.Events,
	}, nil
}

// ValidatorUpdate converts a validator to its ABCI form. Weights above MaxInt64 are capped.
func ValidatorUpdate(v types.Validator) abci.ValidatorUpdate {
	power := int64(math.MaxInt64)
	if v.Weight < math.MaxInt64 {
		power = int64(v.Weight)
	}
	return abci.ValidatorUpdate{
		PubKey: crypto.PublicKey{
			Sum: &crypto.PublicKey_Ed25519{Ed25519: append([]byte(nil), v.PublicKey[:]...)},
		},
		Power: power,
	}
}

// ValidatorUpdates converts a list of validators.
func ValidatorUpdates(vals []types.Validator) []abci.ValidatorUpdate {
	out := make([]abci.ValidatorUpdate, len(vals))
	for i, v := range vals {
		out[i] = ValidatorUpdate(v)
	}
	return out
}

// ValidatorFromUpdate converts an ABCI validator update. Power zero means removal and is
// returned as weight zero.
func ValidatorFromUpdate(u abci.ValidatorUpdate) (types.Validator, error) {
	raw := u.PubKey.GetEd25519()
	if len(raw) != len(types.PublicKey{}) {
		return types.Validator{}, fmt.Errorf("validator update: unsupported public key (%d bytes)", len(raw))
	}
	if u.Power < 0 {
		return types.Validator{}, fmt.Errorf("validator update: negative power %d", u.Power)
	}
	var pk types.PublicKey
	copy(pk[:], raw)
	return types.Validator{PublicKey: pk, Weight: uint64(u.Power)}, nil
}

// ValidatorsFromUpdates converts a list of ABCI validator updates.
func ValidatorsFromUpdates(updates []abci.ValidatorUpdate) ([]types.Validator, error) {
	out := make([]types.Validator, 0, len(updates))
	for _, u := range updates {
		v, err := ValidatorFromUpdate(u)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
