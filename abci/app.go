package abci

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/ahwlsqja/highway-casper/crypto"
	"github.com/ahwlsqja/highway-casper/types"
)

/*
================================================================================
                         KV APPLICATION (ABCI 2.0)
================================================================================

  FinalizeBlock(txs) ─► pending 상태에 실행 ─► AppHash 계산
  Commit()           ─► pending → committed, height++

  deploy 본문 = JSON Operation
    {"type":"set","key":"k","value":"v"}
    {"type":"delete","key":"k"}
    {"type":"bond","public_key":"<hex>","power":10}   → ValidatorUpdates

================================================================================
*/

const (
	CodeOK uint32 = iota
	CodeInvalidOp
	CodeUnknownOp
	CodeInvalidBond
)

const (
	storePrefix    = "/store/"
	validatorsPath = "/validators"
)

// Operation is a deploy body understood by the application.
type Operation struct {
	Type      string `json:"type"` // "set", "delete" or "bond"
	Key       string `json:"key,omitempty"`
	Value     string `json:"value,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Power     int64  `json:"power,omitempty"`
}

// Application is a key-value store whose bond operations change the validator set.
type Application struct {
	abci.BaseApplication

	mu sync.RWMutex

	committed map[string][]byte
	pending   map[string][]byte

	// 검증자 지분 (hex 공개키 → power)
	validators        map[string]int64
	pendingValidators map[string]int64

	height  int64
	appHash []byte
}

var _ abci.Application = (*Application)(nil)

// NewApplication creates an empty application.
func NewApplication() *Application {
	app := &Application{
		committed:  make(map[string][]byte),
		validators: make(map[string]int64),
	}
	app.appHash = app.computeAppHash(app.committed, app.validators)
	return app
}

// Info implements abci.Application.
func (app *Application) Info(_ context.Context, _ *abci.RequestInfo) (*abci.ResponseInfo, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return &abci.ResponseInfo{
		Data:             "highway-kv",
		Version:          "1.0.0",
		AppVersion:       1,
		LastBlockHeight:  app.height,
		LastBlockAppHash: app.appHash,
	}, nil
}

// InitChain records the genesis validators.
func (app *Application) InitChain(_ context.Context, req *abci.RequestInitChain) (*abci.ResponseInitChain, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.committed = make(map[string][]byte)
	app.validators = make(map[string]int64)
	for _, v := range req.Validators {
		if err := applyBond(app.validators, v.PubKey.GetEd25519(), v.Power); err != nil {
			return nil, err
		}
	}
	app.height = 0
	app.appHash = app.computeAppHash(app.committed, app.validators)
	return &abci.ResponseInitChain{AppHash: app.appHash}, nil
}

// CheckTx accepts well-formed operations.
func (app *Application) CheckTx(_ context.Context, req *abci.RequestCheckTx) (*abci.ResponseCheckTx, error) {
	op, code, err := parseOperation(req.Tx)
	if err != nil {
		return &abci.ResponseCheckTx{Code: code, Log: err.Error()}, nil
	}
	if op.Type == "bond" {
		if _, err := hex.DecodeString(op.PublicKey); err != nil || op.Power < 0 {
			return &abci.ResponseCheckTx{Code: CodeInvalidBond, Log: "invalid bond"}, nil
		}
	}
	return &abci.ResponseCheckTx{Code: CodeOK}, nil
}

// FinalizeBlock executes the block's operations against a pending copy of the state.
// A failing operation gets a non-zero code; the block itself never fails.
func (app *Application) FinalizeBlock(_ context.Context, req *abci.RequestFinalizeBlock) (*abci.ResponseFinalizeBlock, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	state := copyState(app.committed)
	vals := make(map[string]int64, len(app.validators))
	for k, v := range app.validators {
		vals[k] = v
	}
	changed := make(map[string]bool)

	results := make([]*abci.ExecTxResult, len(req.Txs))
	for i, tx := range req.Txs {
		results[i] = app.execute(state, vals, changed, tx)
	}

	var updates []abci.ValidatorUpdate
	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, _ := hex.DecodeString(k)
		var pk types.PublicKey
		copy(pk[:], raw)
		u := ValidatorUpdate(types.Validator{PublicKey: pk})
		u.Power = vals[k]
		updates = append(updates, u)
	}

	app.pending = state
	app.pendingValidators = vals
	app.appHash = app.computeAppHash(state, vals)

	return &abci.ResponseFinalizeBlock{
		TxResults:        results,
		ValidatorUpdates: updates,
		AppHash:          app.appHash,
	}, nil
}

func (app *Application) execute(state map[string][]byte, vals map[string]int64, changed map[string]bool, tx []byte) *abci.ExecTxResult {
	op, code, err := parseOperation(tx)
	if err != nil {
		return &abci.ExecTxResult{Code: code, Log: err.Error()}
	}
	switch op.Type {
	case "set":
		state[op.Key] = []byte(op.Value)
	case "delete":
		delete(state, op.Key)
	case "bond":
		raw, err := hex.DecodeString(op.PublicKey)
		if err == nil {
			err = applyBond(vals, raw, op.Power)
		}
		if err != nil {
			return &abci.ExecTxResult{Code: CodeInvalidBond, Log: err.Error()}
		}
		changed[hex.EncodeToString(raw)] = true
	}
	return &abci.ExecTxResult{Code: CodeOK}
}

// Commit makes the last finalized block's state visible to queries.
func (app *Application) Commit(_ context.Context, _ *abci.RequestCommit) (*abci.ResponseCommit, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.pending != nil {
		app.committed = app.pending
		app.validators = app.pendingValidators
		app.pending = nil
		app.pendingValidators = nil
	}
	app.height++
	return &abci.ResponseCommit{}, nil
}

// Query reads a committed key. Path must be "/store/<key>" or "/store" with the key as data.
// "/validators" returns the committed validator set as JSON.
func (app *Application) Query(_ context.Context, req *abci.RequestQuery) (*abci.ResponseQuery, error) {
	if req.Path == validatorsPath {
		data, err := json.Marshal(app.Validators())
		if err != nil {
			return nil, err
		}
		return &abci.ResponseQuery{Value: data, Height: app.Height()}, nil
	}

	key := string(req.Data)
	if len(req.Path) > len(storePrefix) && req.Path[:len(storePrefix)] == storePrefix {
		key = req.Path[len(storePrefix):]
	}

	app.mu.RLock()
	defer app.mu.RUnlock()
	value, ok := app.committed[key]
	if !ok {
		return &abci.ResponseQuery{Code: CodeInvalidOp, Log: "key not found: " + key, Height: app.height}, nil
	}
	return &abci.ResponseQuery{Key: []byte(key), Value: value, Height: app.height}, nil
}

// Validators returns the committed validator powers, sorted by public key.
func (app *Application) Validators() []types.Validator {
	app.mu.RLock()
	defer app.mu.RUnlock()

	out := make([]types.Validator, 0, len(app.validators))
	for k, power := range app.validators {
		raw, _ := hex.DecodeString(k)
		var pk types.PublicKey
		copy(pk[:], raw)
		out = append(out, types.Validator{PublicKey: pk, Weight: uint64(power)})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].PublicKey[:], out[j].PublicKey[:]) < 0
	})
	return out
}

// Height returns the number of committed blocks.
func (app *Application) Height() int64 {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.height
}

// AppHash returns the hash of the latest executed state.
func (app *Application) AppHash() []byte {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.appHash
}

func parseOperation(tx []byte) (*Operation, uint32, error) {
	var op Operation
	if err := json.Unmarshal(tx, &op); err != nil {
		return nil, CodeInvalidOp, fmt.Errorf("invalid operation: %w", err)
	}
	switch op.Type {
	case "set", "delete":
		if op.Key == "" {
			return nil, CodeInvalidOp, fmt.Errorf("%s without key", op.Type)
		}
	case "bond":
	default:
		return nil, CodeUnknownOp, fmt.Errorf("unknown operation type: %s", op.Type)
	}
	return &op, CodeOK, nil
}

func applyBond(vals map[string]int64, pubKey []byte, power int64) error {
	if len(pubKey) != crypto.PublicKeySize {
		return fmt.Errorf("bond: public key must be %d bytes", crypto.PublicKeySize)
	}
	if power < 0 {
		return fmt.Errorf("bond: negative power %d", power)
	}
	k := hex.EncodeToString(pubKey)
	if power == 0 {
		delete(vals, k)
		return nil
	}
	vals[k] = power
	return nil
}

func copyState(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// computeAppHash is the Merkle root over the sorted key/value and validator entries.
func (app *Application) computeAppHash(state map[string][]byte, vals map[string]int64) []byte {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	leaves := make([][crypto.HashSize]byte, 0, len(keys)+len(vals))
	for _, k := range keys {
		leaves = append(leaves, crypto.Hash([]byte("kv"), []byte(k), []byte{0}, state[k]))
	}

	valKeys := make([]string, 0, len(vals))
	for k := range vals {
		valKeys = append(valKeys, k)
	}
	sort.Strings(valKeys)
	for _, k := range valKeys {
		leaves = append(leaves, crypto.Hash([]byte("val"), []byte(k), []byte(fmt.Sprint(vals[k]))))
	}

	root := crypto.MerkleRoot(leaves)
	return root[:]
}
