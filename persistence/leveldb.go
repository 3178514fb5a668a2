package persistence

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/types"
)

// ================================================================================
//                          LevelDB 키 레이아웃
// ================================================================================
//
//   u/<era:8><idx:8>      → hash(32) || unit bytes     (era 내 삽입 순서)
//   n/<era:8>             → 다음 idx
//   h/<hash:32>           → <era:8><idx:8>
//   l/<era:8><creator:4>  → 마지막 유닛 해시
//   f/<height:8>          → FinalizedRecord (JSON)
//   e/<era:8>             → EraRecord (JSON)
//   s                     → ConsensusState (JSON)

var (
	prefixUnit      = []byte("u/")
	prefixNextIdx   = []byte("n/")
	prefixUnitHash  = []byte("h/")
	prefixLatest    = []byte("l/")
	prefixFinalized = []byte("f/")
	prefixEra       = []byte("e/")
	keyState        = []byte("s")
)

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte(nil), prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// LevelDBStore is the on-disk store. Recently used units and finalized records are kept
// in LRU caches.
type LevelDBStore struct {
	mu     sync.Mutex // 유닛 인덱스 할당 직렬화
	db     *leveldb.DB
	logger *zap.Logger

	unitCache      *lru.Cache // hash → []byte
	finalizedCache *lru.Cache // height → *FinalizedRecord
}

var _ Store = (*LevelDBStore)(nil)

// OpenLevelDB opens (or creates) a store at path.
func OpenLevelDB(path string, cacheSize int, logger *zap.Logger) (*LevelDBStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	unitCache, err := lru.New(cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	finalizedCache, err := lru.New(cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Named("store").Info("opened store", zap.String("path", path))
	return &LevelDBStore{
		db:             db,
		logger:         logger.Named("store"),
		unitCache:      unitCache,
		finalizedCache: finalizedCache,
	}, nil
}

func (s *LevelDBStore) get(k []byte) ([]byte, error) {
	v, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// SaveUnit appends a unit to its era. Saving a known hash is a no-op.
func (s *LevelDBStore) SaveUnit(era types.EraID, creator int, hash types.Hash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := s.db.Has(key(prefixUnitHash, hash[:]), nil); err != nil {
		return err
	} else if ok {
		return nil
	}

	var idx uint64
	raw, err := s.get(key(prefixNextIdx, u64(uint64(era))))
	switch {
	case err == nil:
		idx = binary.BigEndian.Uint64(raw)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	pos := append(u64(uint64(era)), u64(idx)...)
	batch := new(leveldb.Batch)
	batch.Put(key(prefixUnit, pos), append(append([]byte(nil), hash[:]...), data...))
	batch.Put(key(prefixNextIdx, u64(uint64(era))), u64(idx+1))
	batch.Put(key(prefixUnitHash, hash[:]), pos)
	batch.Put(key(prefixLatest, u64(uint64(era)), u32(uint32(creator))), hash[:])
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	s.unitCache.Add(hash, append([]byte(nil), data...))
	return nil
}

// LoadUnits returns an era's units in insertion order.
func (s *LevelDBStore) LoadUnits(era types.EraID) ([][]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix(key(prefixUnit, u64(uint64(era)))), nil)
	defer iter.Release()

	var out [][]byte
	for iter.Next() {
		v := iter.Value()
		if len(v) < types.HashSize {
			return nil, fmt.Errorf("corrupt unit entry in era %d", era)
		}
		out = append(out, append([]byte(nil), v[types.HashSize:]...))
	}
	return out, iter.Error()
}

// GetUnit returns a unit by hash.
func (s *LevelDBStore) GetUnit(hash types.Hash) ([]byte, error) {
	if v, ok := s.unitCache.Get(hash); ok {
		return v.([]byte), nil
	}
	pos, err := s.get(key(prefixUnitHash, hash[:]))
	if err != nil {
		return nil, err
	}
	v, err := s.get(key(prefixUnit, pos))
	if err != nil {
		return nil, err
	}
	data := append([]byte(nil), v[types.HashSize:]...)
	s.unitCache.Add(hash, data)
	return data, nil
}

// LatestUnit returns the hash of the last stored unit of creator in era.
func (s *LevelDBStore) LatestUnit(era types.EraID, creator int) (types.Hash, error) {
	v, err := s.get(key(prefixLatest, u64(uint64(era)), u32(uint32(creator))))
	if err != nil {
		return types.ZeroHash, err
	}
	return types.BytesToHash(v)
}

// DeleteEraUnits drops every unit of an era.
func (s *LevelDBStore) DeleteEraUnits(era types.EraID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(key(prefixUnit, u64(uint64(era)))), nil)
	for iter.Next() {
		v := iter.Value()
		if len(v) >= types.HashSize {
			var h types.Hash
			copy(h[:], v[:types.HashSize])
			batch.Delete(key(prefixUnitHash, h[:]))
			s.unitCache.Remove(h)
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	latest := s.db.NewIterator(util.BytesPrefix(key(prefixLatest, u64(uint64(era)))), nil)
	for latest.Next() {
		batch.Delete(append([]byte(nil), latest.Key()...))
	}
	latest.Release()
	if err := latest.Error(); err != nil {
		return err
	}
	batch.Delete(key(prefixNextIdx, u64(uint64(era))))

	s.logger.Debug("deleting era units", zap.Uint64("era", uint64(era)), zap.Int("keys", batch.Len()))
	return s.db.Write(batch, nil)
}

// SaveFinalized stores a finalized block by height.
func (s *LevelDBStore) SaveFinalized(rec *FinalizedRecord) error {
	if rec == nil || rec.Block == nil {
		return errors.New("finalized record without block")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal finalized record: %w", err)
	}
	if err := s.db.Put(key(prefixFinalized, u64(rec.Block.Height)), data, nil); err != nil {
		return fmt.Errorf("failed to save finalized record: %w", err)
	}
	cp := *rec
	s.finalizedCache.Add(rec.Block.Height, &cp)
	return nil
}

// LoadFinalized returns the record at height.
func (s *LevelDBStore) LoadFinalized(height uint64) (*FinalizedRecord, error) {
	if v, ok := s.finalizedCache.Get(height); ok {
		cp := *v.(*FinalizedRecord)
		return &cp, nil
	}
	data, err := s.get(key(prefixFinalized, u64(height)))
	if err != nil {
		return nil, err
	}
	var rec FinalizedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal finalized record: %w", err)
	}
	cp := rec
	s.finalizedCache.Add(height, &cp)
	return &rec, nil
}

// LoadFinalizedRange returns the records in [from, to] in height order.
func (s *LevelDBStore) LoadFinalizedRange(from, to uint64) ([]*FinalizedRecord, error) {
	rng := &util.Range{Start: key(prefixFinalized, u64(from))}
	if to < ^uint64(0) {
		rng.Limit = key(prefixFinalized, u64(to+1))
	} else {
		rng.Limit = util.BytesPrefix(prefixFinalized).Limit
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var out []*FinalizedRecord
	for iter.Next() {
		var rec FinalizedRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal finalized record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, iter.Error()
}

// SaveEra stores an era record.
func (s *LevelDBStore) SaveEra(rec *EraRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal era record: %w", err)
	}
	return s.db.Put(key(prefixEra, u64(uint64(rec.EraID))), data, nil)
}

// LoadEra returns an era record.
func (s *LevelDBStore) LoadEra(era types.EraID) (*EraRecord, error) {
	data, err := s.get(key(prefixEra, u64(uint64(era))))
	if err != nil {
		return nil, err
	}
	var rec EraRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal era record: %w", err)
	}
	return &rec, nil
}

// LoadEras returns all era records ordered by id.
func (s *LevelDBStore) LoadEras() ([]*EraRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixEra), nil)
	defer iter.Release()

	var out []*EraRecord
	for iter.Next() {
		var rec EraRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal era record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, iter.Error()
}

// SaveState saves the node state.
func (s *LevelDBStore) SaveState(state *ConsensusState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.db.Put(keyState, data, nil)
}

// LoadState loads the node state. A fresh store returns ErrNotFound.
func (s *LevelDBStore) LoadState() (*ConsensusState, error) {
	data, err := s.get(keyState)
	if err != nil {
		return nil, err
	}
	var state ConsensusState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// Close flushes the caches and closes the database.
func (s *LevelDBStore) Close() error {
	var result *multierror.Error
	s.unitCache.Purge()
	s.finalizedCache.Purge()
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close leveldb: %w", err))
	}
	return result.ErrorOrNil()
}
