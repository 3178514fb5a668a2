// Package mempool holds deploys waiting to be included in a block.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/types"
)

/*
================================================================================
                           DEPLOY BUFFER 구조
================================================================================

┌─────────────────────────────────────────────────────────────────────────────┐
│                              DeployBuffer                                    │
│                                                                              │
│   byHash (map)        [deployHash] -> *entry                                 │
│   order  (btree)      (arrival seq, hash) 순서, FIFO                          │
│   finalized (lru)     최근 finalize 된 deploy, 의존성 확인 + 재진입 방지        │
│                                                                              │
│   TakeDeploys(limits, exclude) → FIFO 순서로 limits 안에서 선택               │
│   MarkFinalized(hashes)        → 버퍼에서 제거, finalized 캐시에 기록          │
│                                                                              │
└─────────────────────────────────────────────────────────────────────────────┘

================================================================================
*/

var (
	ErrDeployExists     = errors.New("deploy already known")
	ErrBufferFull       = errors.New("deploy buffer is full")
	ErrDeployTooLarge   = errors.New("deploy too large")
	ErrDeployExpired    = errors.New("deploy expired")
	ErrInvalidDeploy    = errors.New("invalid deploy")
	ErrBufferNotRunning = errors.New("deploy buffer is not running")
)

// Config bounds the buffer.
type Config struct {
	MaxDeploys     int           `mapstructure:"max_deploys"`      // 최대 deploy 수
	MaxBytes       int64         `mapstructure:"max_bytes"`        // 전체 body 바이트 한도
	MaxDeployBytes int           `mapstructure:"max_deploy_bytes"` // 단일 deploy body 한도
	ExpireInterval time.Duration `mapstructure:"expire_interval"`  // 만료 정리 주기
	CacheSize      int           `mapstructure:"cache_size"`       // finalized deploy 캐시 크기
}

// DefaultConfig returns the buffer defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxDeploys:     5000,
		MaxBytes:       256 * 1024 * 1024,
		MaxDeployBytes: 1024 * 1024,
		ExpireInterval: 30 * time.Second,
		CacheSize:      10000,
	}
}

// CheckDeployFunc validates a deploy before admission. Returning an error rejects it.
type CheckDeployFunc func(d *types.Deploy) error

// DeployBuffer stores pending deploys and hands them to the round leader.
// It is safe for concurrent use.
type DeployBuffer struct {
	mu sync.RWMutex

	config *Config
	logger *zap.Logger
	now    func() types.Timestamp

	byHash    map[types.Hash]*entry
	order     *btree.BTreeG[*entry]
	nextSeq   uint64
	bytes     int64
	finalized *lru.Cache

	checkDeploy CheckDeployFunc
	newDeployCh chan *types.Deploy

	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}

	metrics *BufferMetrics
}

// BufferMetrics are simple counters exposed for status reporting.
type BufferMetrics struct {
	Received  int64
	Accepted  int64
	Rejected  int64
	Expired   int64
	Finalized int64
}

// NewDeployBuffer creates a buffer. A nil config uses the defaults.
func NewDeployBuffer(config *Config, logger *zap.Logger) (*DeployBuffer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New(config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create finalized deploy cache: %w", err)
	}
	return &DeployBuffer{
		config:      config,
		logger:      logger.Named("mempool"),
		now:         types.Now,
		byHash:      make(map[types.Hash]*entry),
		order:       btree.NewG(32, (*entry).less),
		finalized:   cache,
		newDeployCh: make(chan *types.Deploy, 1000),
		metrics:     &BufferMetrics{},
	}, nil
}

// SetClock replaces the time source.
func (b *DeployBuffer) SetClock(now func() types.Timestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetCheckDeploy sets the admission callback.
func (b *DeployBuffer) SetCheckDeploy(fn CheckDeployFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkDeploy = fn
}

// Start runs the expiry loop until Stop.
func (b *DeployBuffer) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isRunning {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.isRunning = true
	go b.expireLoop(ctx, b.done)
	return nil
}

// Stop halts the expiry loop and waits for it.
func (b *DeployBuffer) Stop() error {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return nil
	}
	b.isRunning = false
	b.cancel()
	done := b.done
	b.mu.Unlock()

	<-done
	return nil
}

// Add admits a deploy.
func (b *DeployBuffer) Add(d *types.Deploy) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isRunning {
		return ErrBufferNotRunning
	}
	b.metrics.Received++

	if err := b.admitLocked(d); err != nil {
		b.metrics.Rejected++
		return err
	}

	select {
	case b.newDeployCh <- d:
	default:
		// 채널이 가득 차면 무시
	}
	b.metrics.Accepted++
	return nil
}

func (b *DeployBuffer) admitLocked(d *types.Deploy) error {
	if d.Size() > b.config.MaxDeployBytes {
		return fmt.Errorf("%w: size %d > max %d", ErrDeployTooLarge, d.Size(), b.config.MaxDeployBytes)
	}
	if d.Expired(b.now()) {
		return ErrDeployExpired
	}
	if _, ok := b.byHash[d.Hash]; ok {
		return ErrDeployExists
	}
	if b.finalized.Contains(d.Hash) {
		return ErrDeployExists
	}
	if b.checkDeploy != nil {
		if err := b.checkDeploy(d); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDeploy, err)
		}
	}
	if len(b.byHash) >= b.config.MaxDeploys || b.bytes+int64(d.Size()) > b.config.MaxBytes {
		return ErrBufferFull
	}

	e := &entry{deploy: d, seq: b.nextSeq}
	b.nextSeq++
	b.byHash[d.Hash] = e
	b.order.ReplaceOrInsert(e)
	b.bytes += int64(d.Size())
	return nil
}

// TakeDeploys returns deploys for a new block in arrival order. A deploy is skipped if
// exclude reports it (already in the block's ancestry), if it is expired, if its TTL or
// dependency count exceeds the limits, or if a dependency is neither finalized, excluded,
// nor taken earlier in the same call. Deploys stay in the buffer until finalized.
func (b *DeployBuffer) TakeDeploys(limits types.DeployLimits, exclude func(types.Hash) bool) []types.Hash {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	taken := make(map[types.Hash]bool)
	var out []types.Hash
	size := 0

	b.order.Ascend(func(e *entry) bool {
		if limits.MaxCount > 0 && len(out) >= limits.MaxCount {
			return false
		}
		d := e.deploy
		switch {
		case exclude != nil && exclude(d.Hash):
			return true
		case d.Expired(now):
			return true
		case limits.MaxTTL > 0 && d.TTL > limits.MaxTTL:
			return true
		case len(d.Dependencies) > limits.MaxDependencies:
			return true
		case limits.MaxTotalSize > 0 && size+d.Size() > limits.MaxTotalSize:
			return true
		}
		for _, dep := range d.Dependencies {
			if !taken[dep] && !b.finalized.Contains(dep) && (exclude == nil || !exclude(dep)) {
				return true
			}
		}
		taken[d.Hash] = true
		out = append(out, d.Hash)
		size += d.Size()
		return true
	})
	return out
}

// Get returns a buffered or recently finalized deploy.
func (b *DeployBuffer) Get(h types.Hash) (*types.Deploy, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.byHash[h]; ok {
		return e.deploy, true
	}
	if v, ok := b.finalized.Peek(h); ok {
		if d, ok := v.(*types.Deploy); ok && d != nil {
			return d, true
		}
	}
	return nil, false
}

// Has reports whether the deploy is buffered.
func (b *DeployBuffer) Has(h types.Hash) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byHash[h]
	return ok
}

// MarkFinalized removes deploys included in a finalized block.
func (b *DeployBuffer) MarkFinalized(hashes []types.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range hashes {
		var d *types.Deploy
		if e, ok := b.byHash[h]; ok {
			d = e.deploy
			b.removeLocked(e)
		}
		b.finalized.Add(h, d)
		b.metrics.Finalized++
	}
}

func (b *DeployBuffer) removeLocked(e *entry) {
	delete(b.byHash, e.deploy.Hash)
	b.order.Delete(e)
	b.bytes -= int64(e.deploy.Size())
}

// Size returns the number of buffered deploys.
func (b *DeployBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byHash)
}

// SizeBytes returns the total body size of buffered deploys.
func (b *DeployBuffer) SizeBytes() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytes
}

// Metrics returns a copy of the counters.
func (b *DeployBuffer) Metrics() BufferMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return *b.metrics
}

// NewDeployCh notifies about admitted deploys, for gossip.
func (b *DeployBuffer) NewDeployCh() <-chan *types.Deploy {
	return b.newDeployCh
}

func (b *DeployBuffer) expireLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.config.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Expire(); n > 0 {
				b.logger.Debug("expired deploys", zap.Int("count", n))
			}
		}
	}
}

// Expire removes deploys whose TTL has passed and returns how many were removed.
func (b *DeployBuffer) Expire() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var expired []*entry
	b.order.Ascend(func(e *entry) bool {
		if e.deploy.Expired(now) {
			expired = append(expired, e)
		}
		return true
	})
	for _, e := range expired {
		b.removeLocked(e)
	}
	b.metrics.Expired += int64(len(expired))
	return len(expired)
}

// Flush removes every buffered deploy.
func (b *DeployBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byHash = make(map[types.Hash]*entry)
	b.order.Clear(false)
	b.bytes = 0
}
