// Package era runs the Highway instances of successive eras and derives each next era
// from the blocks finalized in the previous one.
package era

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/execution"
	"github.com/ahwlsqja/highway-casper/metrics"
	"github.com/ahwlsqja/highway-casper/persistence"
	"github.com/ahwlsqja/highway-casper/types"
)

// Supervisor 설정 구조체
type Config struct {
	// 현재 era 보다 이만큼 앞선 era 의 유닛까지 받음
	Lookahead uint64 `mapstructure:"lookahead"`

	// Closed era 를 fetch 응답용으로 유지하는 era 수
	Retention uint64 `mapstructure:"retention"`

	// 누락 유닛 요청
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	FetchBackoff    time.Duration `mapstructure:"fetch_backoff"`
	MaxFetchBackoff time.Duration `mapstructure:"max_fetch_backoff"`
	MaxFetchRetries int           `mapstructure:"max_fetch_retries"`

	// 의존성 대기 유닛 최대 수
	MaxPendingUnits int `mapstructure:"max_pending_units"`

	InboxSize     int `mapstructure:"inbox_size"`
	VerifyWorkers int `mapstructure:"verify_workers"`
	VerifyBatch   int `mapstructure:"verify_batch"`

	// 실행 재시도 주기 (deploy 본문 누락 시)
	ExecRetryInterval time.Duration `mapstructure:"exec_retry_interval"`
	ExecCacheSize     int           `mapstructure:"exec_cache_size"`
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() *Config {
	return &Config{
		Lookahead:         1,
		Retention:         2,
		FetchTimeout:      3 * time.Second,
		FetchBackoff:      200 * time.Millisecond,
		MaxFetchBackoff:   10 * time.Second,
		MaxFetchRetries:   5,
		MaxPendingUnits:   10000,
		InboxSize:         4096,
		VerifyWorkers:     4,
		VerifyBatch:       64,
		ExecRetryInterval: time.Second,
		ExecCacheSize:     1024,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.FetchTimeout <= 0:
		return errors.New("fetch timeout must be positive")
	case c.FetchBackoff <= 0 || c.MaxFetchBackoff < c.FetchBackoff:
		return errors.New("fetch backoff must be positive and at most the max backoff")
	case c.MaxFetchRetries < 0:
		return errors.New("max fetch retries must not be negative")
	case c.MaxPendingUnits < 1, c.InboxSize < 1:
		return errors.New("pending units and inbox size must be positive")
	case c.VerifyWorkers < 1 || c.VerifyBatch < 1:
		return errors.New("verify workers and batch must be positive")
	case c.ExecRetryInterval <= 0:
		return errors.New("exec retry interval must be positive")
	case c.ExecCacheSize < 1:
		return errors.New("exec cache size must be positive")
	}
	return nil
}

// Genesis fixes the chain's first era. Every node must use the same values.
type Genesis struct {
	ChainName  string
	Start      types.Timestamp
	Validators []types.Validator
	Params     highway.Params
	AppState   []byte
}

// Network is what the supervisor needs from the transport.
type Network interface {
	BroadcastUnit(ctx context.Context, era types.EraID, data []byte) error
	FetchUnit(ctx context.Context, peer string, era types.EraID, hash types.Hash) ([]byte, error)
	Peers() []string
}

// DeployPool hands deploys to proposals and forgets them once finalized.
type DeployPool interface {
	highway.DeploySource
	MarkFinalized(hashes []types.Hash)
}

// Deps are the supervisor's collaborators. Signer, Deploys and Metrics are optional:
// without a Signer the node observes only.
type Deps struct {
	Signer  highway.Signer
	Engine  execution.Engine
	Store   persistence.Store
	Network Network
	Deploys DeployPool
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Clock   func() types.Timestamp
}
