// Package persistence stores units, finalized blocks and era records so that a node can
// restart without losing its place.
// 유닛, 확정 블록, era 기록을 영구 저장하고 재시작 시 복구
package persistence

import (
	"errors"
	"sort"
	"sync"

	"github.com/ahwlsqja/highway-casper/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract of the consensus core.
type Store interface {
	// 유닛 (era 별 삽입 순서 유지)
	SaveUnit(era types.EraID, creator int, hash types.Hash, data []byte) error
	LoadUnits(era types.EraID) ([][]byte, error)
	GetUnit(hash types.Hash) ([]byte, error)
	LatestUnit(era types.EraID, creator int) (types.Hash, error)
	DeleteEraUnits(era types.EraID) error

	// 확정 블록
	SaveFinalized(rec *FinalizedRecord) error
	LoadFinalized(height uint64) (*FinalizedRecord, error)
	LoadFinalizedRange(from, to uint64) ([]*FinalizedRecord, error)

	// era 기록
	SaveEra(rec *EraRecord) error
	LoadEra(era types.EraID) (*EraRecord, error)
	LoadEras() ([]*EraRecord, error)

	// 노드 상태
	SaveState(state *ConsensusState) error
	LoadState() (*ConsensusState, error)

	Close() error
}

// FinalizedRecord is a finalized block, its finality proof summary and, once executed,
// its post-state.
type FinalizedRecord struct {
	Block        *types.Block `json:"block"`
	Hash         types.Hash   `json:"hash"`
	Level        int          `json:"level"`
	Quorum       uint64       `json:"quorum"`
	FTT          uint64       `json:"ftt"`
	FTTPercent   uint64       `json:"ftt_percent"`
	TotalWeight  uint64       `json:"total_weight"`
	Equivocators []int        `json:"equivocators,omitempty"`

	Executed  bool       `json:"executed"`
	StateHash types.Hash `json:"state_hash"`
}

// EraRecord is everything needed to rebuild an era's instance.
type EraRecord struct {
	EraID      types.EraID       `json:"era_id"`
	Start      types.Timestamp   `json:"start"`
	Seed       types.Hash        `json:"seed"`
	Validators []types.Validator `json:"validators"`

	// FirstHeight is only meaningful once the previous era's switch block is finalized.
	FirstHeight uint64 `json:"first_height"`
	HeightKnown bool   `json:"height_known"`

	// 이 era 의 booking 블록 실행 직후 auction 결과 (다음 era 검증자)
	NextValidators []types.Validator `json:"next_validators,omitempty"`
}

// ConsensusState는 합의 엔진의 영구 상태를 나타냄
type ConsensusState struct {
	CurrentEra       types.EraID `json:"current_era"`       // 현재 활성 era
	ExecutedHeight   uint64      `json:"executed_height"`   // 마지막 실행 블록 높이
	HasExecuted      bool        `json:"has_executed"`      // 실행된 블록 존재 여부
	LastStateHash    types.Hash  `json:"last_state_hash"`   // 마지막 상태 해시
	FinalizedHeight  uint64      `json:"finalized_height"`  // 마지막 확정 블록 높이
	HasFinalized     bool        `json:"has_finalized"`     // 확정 블록 존재 여부
	RetiredBelowEra  types.EraID `json:"retired_below_era"` // 이 era 미만은 유닛 삭제됨
}

// ================================================================================
//                          Memory Store (테스트용)
// ================================================================================

type memUnit struct {
	creator int
	hash    types.Hash
	data    []byte
}

// MemoryStore keeps everything in maps. It is used by tests and by nodes started without
// a data directory.
type MemoryStore struct {
	mu        sync.RWMutex
	units     map[types.EraID][]memUnit
	byHash    map[types.Hash][]byte
	latest    map[types.EraID]map[int]types.Hash
	finalized map[uint64]*FinalizedRecord
	eras      map[types.EraID]*EraRecord
	state     *ConsensusState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:     make(map[types.EraID][]memUnit),
		byHash:    make(map[types.Hash][]byte),
		latest:    make(map[types.EraID]map[int]types.Hash),
		finalized: make(map[uint64]*FinalizedRecord),
		eras:      make(map[types.EraID]*EraRecord),
	}
}

// SaveUnit appends a unit to its era.
func (ms *MemoryStore) SaveUnit(era types.EraID, creator int, hash types.Hash, data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.byHash[hash]; ok {
		return nil
	}
	cp := append([]byte(nil), data...)
	ms.units[era] = append(ms.units[era], memUnit{creator: creator, hash: hash, data: cp})
	ms.byHash[hash] = cp
	if ms.latest[era] == nil {
		ms.latest[era] = make(map[int]types.Hash)
	}
	ms.latest[era][creator] = hash
	return nil
}

// LoadUnits returns an era's units in insertion order.
func (ms *MemoryStore) LoadUnits(era types.EraID) ([][]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([][]byte, len(ms.units[era]))
	for i, u := range ms.units[era] {
		out[i] = u.data
	}
	return out, nil
}

// GetUnit returns a unit by hash.
func (ms *MemoryStore) GetUnit(hash types.Hash) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	data, ok := ms.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// LatestUnit returns the hash of the last stored unit of creator in era.
func (ms *MemoryStore) LatestUnit(era types.EraID, creator int) (types.Hash, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	h, ok := ms.latest[era][creator]
	if !ok {
		return types.ZeroHash, ErrNotFound
	}
	return h, nil
}

// DeleteEraUnits drops every unit of an era.
func (ms *MemoryStore) DeleteEraUnits(era types.EraID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, u := range ms.units[era] {
		delete(ms.byHash, u.hash)
	}
	delete(ms.units, era)
	delete(ms.latest, era)
	return nil
}

// SaveFinalized stores a finalized block by height, replacing an earlier record.
func (ms *MemoryStore) SaveFinalized(rec *FinalizedRecord) error {
	if rec == nil || rec.Block == nil {
		return errors.New("finalized record without block")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *rec
	ms.finalized[rec.Block.Height] = &cp
	return nil
}

// LoadFinalized returns the record at height.
func (ms *MemoryStore) LoadFinalized(height uint64) (*FinalizedRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.finalized[height]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// LoadFinalizedRange returns the records in [from, to], skipping gaps.
func (ms *MemoryStore) LoadFinalizedRange(from, to uint64) ([]*FinalizedRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []*FinalizedRecord
	for h := from; h <= to; h++ {
		if rec, ok := ms.finalized[h]; ok {
			cp := *rec
			out = append(out, &cp)
		}
		if h == ^uint64(0) {
			break
		}
	}
	return out, nil
}

// SaveEra stores an era record.
func (ms *MemoryStore) SaveEra(rec *EraRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *rec
	ms.eras[rec.EraID] = &cp
	return nil
}

// LoadEra returns an era record.
func (ms *MemoryStore) LoadEra(era types.EraID) (*EraRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.eras[era]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// LoadEras returns all era records ordered by id.
func (ms *MemoryStore) LoadEras() ([]*EraRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*EraRecord, 0, len(ms.eras))
	for _, rec := range ms.eras {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EraID < out[j].EraID })
	return out, nil
}

// SaveState saves the node state.
func (ms *MemoryStore) SaveState(state *ConsensusState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *state
	ms.state = &cp
	return nil
}

// LoadState loads the node state. A fresh store returns ErrNotFound.
func (ms *MemoryStore) LoadState() (*ConsensusState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.state == nil {
		return nil, ErrNotFound
	}
	cp := *ms.state
	return &cp, nil
}

// Close is a no-op.
func (ms *MemoryStore) Close() error {
	return nil
}
