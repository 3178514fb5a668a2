package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/types"
)

/*
================================================================================
                         DEPLOY REACTOR
================================================================================

  Client        Reactor          DeployBuffer        Peers
    │              │                  │                │
    │ Submit       │                  │                │
    │ ────────────►│   Add            │                │
    │              │ ────────────────►│                │
    │              │   BroadcastDeploy (batch)         │
    │              │ ──────────────────────────────────►│
    │              │                  │                │
    │              │◄──────────────────────────────────│
    │              │   Receive        │                │
    │              │   Add (재전파 X)  │                │
    │              │ ────────────────►│                │

================================================================================
*/

// Gossiper sends encoded deploys to all peers.
type Gossiper interface {
	BroadcastDeploy(ctx context.Context, data []byte) error
}

// ReactorConfig tunes deploy gossip.
type ReactorConfig struct {
	BroadcastEnabled  bool          `mapstructure:"broadcast_enabled"`
	BroadcastDelay    time.Duration `mapstructure:"broadcast_delay"`     // 배치 지연
	MaxBroadcastBatch int           `mapstructure:"max_broadcast_batch"` // 배치 최대 크기
	MaxPending        int           `mapstructure:"max_pending"`         // 전송 대기 큐 크기
}

// DefaultReactorConfig returns the gossip defaults.
func DefaultReactorConfig() *ReactorConfig {
	return &ReactorConfig{
		BroadcastEnabled:  true,
		BroadcastDelay:    10 * time.Millisecond,
		MaxBroadcastBatch: 100,
		MaxPending:        10000,
	}
}

// Reactor connects the deploy buffer to the network.
type Reactor struct {
	mu sync.RWMutex

	config *ReactorConfig
	buffer *DeployBuffer
	logger *zap.Logger

	gossiper Gossiper
	queue    chan *types.Deploy

	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReactor creates a reactor for buffer. A nil config uses the defaults.
func NewReactor(buffer *DeployBuffer, config *ReactorConfig, logger *zap.Logger) *Reactor {
	if config == nil {
		config = DefaultReactorConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reactor{
		config: config,
		buffer: buffer,
		logger: logger.Named("deploy-reactor"),
		queue:  make(chan *types.Deploy, config.MaxPending),
	}
}

// SetGossiper sets the outbound network.
func (r *Reactor) SetGossiper(g Gossiper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gossiper = g
}

// Start launches the broadcast loop.
func (r *Reactor) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.isRunning = true

	r.wg.Add(1)
	go r.broadcastLoop(ctx)
	return nil
}

// Stop halts the broadcast loop and waits for it.
func (r *Reactor) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Submit admits a locally submitted deploy and queues it for gossip.
func (r *Reactor) Submit(d *types.Deploy) error {
	if err := r.buffer.Add(d); err != nil {
		return err
	}
	if r.config.BroadcastEnabled {
		select {
		case r.queue <- d:
		default:
			// 큐가 가득 차면 무시 (버퍼에는 이미 추가됨)
		}
	}
	return nil
}

// Receive handles a deploy gossiped by a peer. Known deploys are not an error.
func (r *Reactor) Receive(peerID string, data []byte) error {
	d, err := types.UnmarshalDeploy(data)
	if err != nil {
		return fmt.Errorf("%w: from %s: %v", ErrInvalidDeploy, peerID, err)
	}
	if err := r.buffer.Add(d); err != nil && !errors.Is(err, ErrDeployExists) {
		return err
	}
	return nil
}

func (r *Reactor) broadcastLoop(ctx context.Context) {
	defer r.wg.Done()

	var batch []*types.Deploy
	ticker := time.NewTicker(r.config.BroadcastDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.queue:
			batch = append(batch, d)
			if len(batch) >= r.config.MaxBroadcastBatch {
				r.broadcastBatch(ctx, batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.broadcastBatch(ctx, batch)
				batch = nil
			}
		}
	}
}

func (r *Reactor) broadcastBatch(ctx context.Context, batch []*types.Deploy) {
	r.mu.RLock()
	gossiper := r.gossiper
	r.mu.RUnlock()
	if gossiper == nil {
		return
	}
	for _, d := range batch {
		if err := gossiper.BroadcastDeploy(ctx, d.MarshalBinary()); err != nil {
			r.logger.Warn("failed to broadcast deploy", zap.String("deploy", d.Hash.Short()), zap.Error(err))
		}
	}
}

// Buffer returns the underlying deploy buffer.
func (r *Reactor) Buffer() *DeployBuffer {
	return r.buffer
}
