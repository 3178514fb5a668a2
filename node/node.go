package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/abci"
	"github.com/ahwlsqja/highway-casper/consensus/era"
	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/crypto"
	"github.com/ahwlsqja/highway-casper/execution"
	"github.com/ahwlsqja/highway-casper/mempool"
	"github.com/ahwlsqja/highway-casper/metrics"
	"github.com/ahwlsqja/highway-casper/persistence"
	"github.com/ahwlsqja/highway-casper/transport"
	"github.com/ahwlsqja/highway-casper/types"
)

/*
================================================================================
                              NODE 구성
================================================================================

   peers ◄──gRPC──► GRPCTransport ──unit──► era.Supervisor ──► highway.Instance
                         │  ▲                   │    │
                    deploy  fetch               │    └─► execution.Engine (noop / KV / ABCI)
                         ▼  │                   ▼
                     mempool.Reactor       persistence.Store (LevelDB / memory)
                         │
                   DeployBuffer ◄── TakeDeploys (proposals)

================================================================================
*/

// Node is a running consensus node.
type Node struct {
	mu sync.RWMutex

	config *Config
	logger *zap.Logger

	store      persistence.Store
	buffer     *mempool.DeployBuffer
	reactor    *mempool.Reactor
	engine     execution.Engine
	abciClient *abci.Client // remote 모드에서만
	transport  *transport.GRPCTransport
	supervisor *era.Supervisor

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode builds every component from config. Nothing is started.
func NewNode(config *Config, logger *zap.Logger) (n *Node, err error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node", config.NodeID))

	n = &Node{config: config, logger: logger}
	defer func() {
		if err != nil {
			n.closeResources()
		}
	}()

	var signer highway.Signer
	if config.KeyFile != "" {
		s, err := crypto.LoadSignerFile(config.KeyFile)
		if err != nil {
			return nil, err
		}
		signer = s
		logger.Info("loaded validator key", zap.String("address", s.Address()))
	} else {
		logger.Info("no key file configured, running as observer")
	}

	if config.DataDir == "" {
		n.store = persistence.NewMemoryStore()
	} else {
		db, err := persistence.OpenLevelDB(filepath.Join(config.DataDir, "highway.db"), config.LevelDBCache, logger)
		if err != nil {
			return nil, err
		}
		n.store = db
	}

	n.buffer, err = mempool.NewDeployBuffer(&config.Mempool, logger)
	if err != nil {
		return nil, err
	}
	n.reactor = mempool.NewReactor(n.buffer, &config.Reactor, logger)

	if err := n.buildEngine(); err != nil {
		return nil, err
	}

	n.registry = prometheus.NewRegistry()
	if config.Metrics.Enabled {
		n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		n.metrics = metrics.NewMetrics(config.Metrics.Namespace, n.registry)
		n.metricsServer = metrics.NewServer(config.Metrics.Addr, n.registry, n.Status, logger)
	}

	tcfg := config.Transport
	tcfg.NodeID = config.NodeID
	n.transport, err = transport.NewGRPCTransport(&tcfg, logger)
	if err != nil {
		return nil, err
	}

	validators, err := config.GenesisValidators()
	if err != nil {
		return nil, err
	}
	n.supervisor, err = era.New(&config.Era, era.Genesis{
		ChainName:  config.Genesis.ChainName,
		Start:      config.GenesisStart(),
		Validators: validators,
		Params:     config.Genesis.Params,
		AppState:   []byte(config.Genesis.AppState),
	}, era.Deps{
		Signer:  signer,
		Engine:  n.engine,
		Store:   n.store,
		Network: n.transport,
		Deploys: n.buffer,
		Metrics: n.metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	n.transport.SetUnitHandler(n.supervisor.DeliverUnit)
	n.transport.SetDeployHandler(n.reactor.Receive)
	n.transport.SetFetchHandler(n.supervisor.ServeUnit)
	n.reactor.SetGossiper(n.transport)
	return n, nil
}

func (n *Node) buildEngine() error {
	switch n.config.Execution.Mode {
	case ExecutionKV:
		n.engine = execution.NewABCIEngine(abci.NewApplication(), n.buffer, n.logger)
	case ExecutionRemote:
		client, err := abci.NewClient(&n.config.Execution.ABCI)
		if err != nil {
			return err
		}
		n.abciClient = client
		n.engine = execution.NewABCIEngine(client, n.buffer, n.logger)
	default:
		n.engine = execution.NewNoopEngine()
	}

	if checker, ok := n.engine.(execution.DeployChecker); ok {
		n.buffer.SetCheckDeploy(func(d *types.Deploy) error {
			return checker.CheckDeploy(context.Background(), d)
		})
	}
	n.logger.Info("execution engine ready", zap.String("mode", n.config.Execution.Mode))
	return nil
}

// Start starts the node.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.New("node already running")
	}

	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	for _, p := range n.config.Peers {
		id, addr, _ := ParsePeer(p)
		if id == n.config.NodeID {
			continue
		}
		if err := n.transport.AddPeer(id, addr); err != nil {
			n.logger.Warn("failed to add peer", zap.String("peer", id), zap.Error(err))
		}
	}

	if err := n.buffer.Start(); err != nil {
		n.transport.Stop()
		return fmt.Errorf("failed to start deploy buffer: %w", err)
	}
	if err := n.reactor.Start(); err != nil {
		n.stopPartial()
		return fmt.Errorf("failed to start deploy reactor: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := n.supervisor.Start(runCtx); err != nil {
		cancel()
		n.stopPartial()
		return fmt.Errorf("failed to start era supervisor: %w", err)
	}
	n.cancel = cancel

	if n.metricsServer != nil {
		if err := n.metricsServer.Start(); err != nil {
			n.logger.Error("metrics server failed to start", zap.Error(err))
		}
	}

	n.wg.Add(1)
	go n.watchFatal(runCtx)

	n.running = true
	n.logger.Info("node started",
		zap.String("chain", n.config.Genesis.ChainName),
		zap.String("listen", n.transport.Addr()),
		zap.Int("peers", len(n.transport.Peers())),
		zap.Int("validators", len(n.config.Genesis.Validators)))
	return nil
}

func (n *Node) watchFatal(ctx context.Context) {
	defer n.wg.Done()
	select {
	case <-ctx.Done():
	case err := <-n.supervisor.Fatal():
		// 확정 중단: 프로세스는 살려 두고 /healthz 로 알림
		n.logger.Error("consensus halted", zap.Error(err))
	}
}

func (n *Node) stopPartial() {
	_ = n.reactor.Stop()
	_ = n.buffer.Stop()
	n.transport.Stop()
}

// Stop stops the node and closes its resources.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	n.running = false

	var result *multierror.Error
	if n.metricsServer != nil {
		if err := n.metricsServer.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics server: %w", err))
		}
	}
	n.supervisor.Stop()
	n.cancel()
	n.wg.Wait()

	if err := n.reactor.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("deploy reactor: %w", err))
	}
	if err := n.buffer.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("deploy buffer: %w", err))
	}
	n.transport.Stop()
	if err := n.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}

	n.logger.Info("node stopped")
	return result.ErrorOrNil()
}

func (n *Node) closeResources() error {
	var result *multierror.Error
	if n.abciClient != nil {
		if err := n.abciClient.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("abci client: %w", err))
		}
		n.abciClient = nil
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("store: %w", err))
		}
		n.store = nil
	}
	return result.ErrorOrNil()
}

// SubmitDeploy admits a client deploy and gossips it.
func (n *Node) SubmitDeploy(d *types.Deploy) error {
	return n.reactor.Submit(d)
}

// Status reports progress for /healthz.
func (n *Node) Status() metrics.Status {
	st := n.supervisor.Status()
	return metrics.Status{
		NodeID:          n.config.NodeID,
		CurrentEra:      uint64(st.CurrentEra),
		FinalizedHeight: st.FinalizedHeight,
		HasFinalized:    st.HasFinalized,
		ExecutedHeight:  st.ExecutedHeight,
		Halted:          st.Halted,
		Peers:           len(n.transport.Peers()),
	}
}

// Addr returns the transport's listen address once started.
func (n *Node) Addr() string {
	return n.transport.Addr()
}

// MetricsAddr returns the metrics server address, or "" when metrics are disabled.
func (n *Node) MetricsAddr() string {
	if n.metricsServer == nil {
		return ""
	}
	return n.metricsServer.Addr()
}

// IsRunning returns true if the node is running.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}
