package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ahwlsqja/highway-casper/types"
)

var (
	// ErrUnitNotFound is returned by a fetch when the peer does not hold the unit.
	ErrUnitNotFound = errors.New("unit not found")
	// ErrUnknownPeer is returned when sending to a peer that was never added.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNotRunning is returned when the transport is stopped.
	ErrNotRunning = errors.New("transport not running")
)

// UnitHandler receives a unit gossiped by peer.
type UnitHandler func(ctx context.Context, peer string, data []byte) error

// DeployHandler receives a deploy gossiped by peer.
type DeployHandler func(peer string, data []byte) error

// FetchHandler answers a peer's request for a unit. It returns ErrUnitNotFound when the
// unit is unknown.
type FetchHandler func(ctx context.Context, era types.EraID, hash types.Hash) ([]byte, error)

// Transport is the network surface used by the era supervisor and the deploy reactor.
// This allows for different implementations (gRPC, in-memory).
type Transport interface {
	Start() error
	Stop()
	ID() string

	BroadcastUnit(ctx context.Context, era types.EraID, data []byte) error
	FetchUnit(ctx context.Context, peer string, era types.EraID, hash types.Hash) ([]byte, error)
	BroadcastDeploy(ctx context.Context, data []byte) error

	SetUnitHandler(h UnitHandler)
	SetDeployHandler(h DeployHandler)
	SetFetchHandler(h FetchHandler)
	Peers() []string
}

// Config holds configuration for the gRPC transport.
type Config struct {
	NodeID        string        `mapstructure:"node_id"`
	ListenAddress string        `mapstructure:"listen_address"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	MaxMsgSize    int           `mapstructure:"max_msg_size"`
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress: "0.0.0.0:26656",
		SendTimeout:   5 * time.Second,
		MaxMsgSize:    64 * 1024 * 1024, // 64MB
	}
}

// ================================================================================
//                          gRPC 메시지 / 서비스 정의
// ================================================================================
//
//   /highway.v1.Gossip/SendUnit    UnitMessage   → Ack
//   /highway.v1.Gossip/SendDeploy  DeployMessage → Ack
//   /highway.v1.Gossip/FetchUnit   FetchRequest  → FetchResponse
//
//   .proto 파일 없이 JSON 코덱으로 직렬화한다.

const serviceName = "highway.v1.Gossip"

// UnitMessage carries an encoded unit.
type UnitMessage struct {
	Sender string `json:"sender"`
	Era    uint64 `json:"era"`
	Data   []byte `json:"data"`
}

// DeployMessage carries an encoded deploy.
type DeployMessage struct {
	Sender string `json:"sender"`
	Data   []byte `json:"data"`
}

// FetchRequest asks for a unit by hash.
type FetchRequest struct {
	Sender string     `json:"sender"`
	Era    uint64     `json:"era"`
	Hash   types.Hash `json:"hash"`
}

// FetchResponse answers a FetchRequest.
type FetchResponse struct {
	Found bool   `json:"found"`
	Data  []byte `json:"data,omitempty"`
}

// Ack acknowledges a gossip message.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type gossipServer interface {
	sendUnit(ctx context.Context, req *UnitMessage) (*Ack, error)
	sendDeploy(ctx context.Context, req *DeployMessage) (*Ack, error)
	fetchUnit(ctx context.Context, req *FetchRequest) (*FetchResponse, error)
}

func unaryHandler[Req any, Resp any](method string, call func(gossipServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(gossipServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(gossipServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*gossipServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SendUnit", gossipServer.sendUnit),
		unaryHandler("SendDeploy", gossipServer.sendDeploy),
		unaryHandler("FetchUnit", gossipServer.fetchUnit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "highway/v1/gossip",
}

// ================================================================================
//                          GRPCTransport
// ================================================================================

// GRPCTransport implements gRPC-based P2P communication for Highway.
type GRPCTransport struct {
	mu sync.RWMutex

	config   *Config
	logger   *zap.Logger
	server   *grpc.Server
	listener net.Listener

	// Peer connections
	peers map[string]*peerConn

	unitHandler   UnitHandler
	deployHandler DeployHandler
	fetchHandler  FetchHandler

	// Running state
	running bool
}

// peerConn represents a connection to a peer node.
type peerConn struct {
	id   string
	addr string
	conn *grpc.ClientConn
}

var (
	_ Transport    = (*GRPCTransport)(nil)
	_ gossipServer = (*GRPCTransport)(nil)
)

// NewGRPCTransport creates a new gRPC-based transport.
func NewGRPCTransport(config *Config, logger *zap.Logger) (*GRPCTransport, error) {
	if config == nil || config.NodeID == "" {
		return nil, errors.New("transport: node id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := *config
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = DefaultConfig().MaxMsgSize
	}
	return &GRPCTransport{
		config: &cfg,
		logger: logger.Named("transport").With(zap.String("node", cfg.NodeID)),
		peers:  make(map[string]*peerConn),
	}, nil
}

// ID returns the local node id.
func (t *GRPCTransport) ID() string {
	return t.config.NodeID
}

// Start starts the gRPC server.
func (t *GRPCTransport) Start() error {
	listener, err := net.Listen("tcp", t.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.config.ListenAddress, err)
	}

	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(t.config.MaxMsgSize),
		grpc.MaxSendMsgSize(t.config.MaxMsgSize),
	)
	server.RegisterService(&gossipServiceDesc, t)

	t.mu.Lock()
	t.listener = listener
	t.server = server
	t.running = true
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil {
			t.mu.RLock()
			running := t.running
			t.mu.RUnlock()
			if running {
				t.logger.Error("server error", zap.Error(err))
			}
		}
	}()

	t.logger.Info("started", zap.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (t *GRPCTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Stop stops the gRPC server and closes all connections.
func (t *GRPCTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false

	// Close all peer connections
	for _, peer := range t.peers {
		if peer.conn != nil {
			peer.conn.Close()
		}
	}
	t.peers = make(map[string]*peerConn)
	server := t.server
	t.mu.Unlock()

	// Gracefully stop the server
	if server != nil {
		server.GracefulStop()
	}
	t.logger.Info("stopped")
}

// AddPeer registers a remote peer. The connection is established lazily.
func (t *GRPCTransport) AddPeer(nodeID, address string) error {
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(t.config.MaxMsgSize),
			grpc.MaxCallSendMsgSize(t.config.MaxMsgSize),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to peer %s at %s: %w", nodeID, address, err)
	}

	t.mu.Lock()
	if old, ok := t.peers[nodeID]; ok && old.conn != nil {
		old.conn.Close()
	}
	t.peers[nodeID] = &peerConn{id: nodeID, addr: address, conn: conn}
	t.mu.Unlock()

	t.logger.Info("added peer", zap.String("peer", nodeID), zap.String("address", address))
	return nil
}

// RemovePeer disconnects from a peer.
func (t *GRPCTransport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if peer, exists := t.peers[nodeID]; exists {
		if peer.conn != nil {
			peer.conn.Close()
		}
		delete(t.peers, nodeID)
		t.logger.Info("removed peer", zap.String("peer", nodeID))
	}
}

// Peers returns the connected peer ids in sorted order.
func (t *GRPCTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// SetUnitHandler sets the callback for incoming units.
func (t *GRPCTransport) SetUnitHandler(h UnitHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unitHandler = h
}

// SetDeployHandler sets the callback for incoming deploys.
func (t *GRPCTransport) SetDeployHandler(h DeployHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deployHandler = h
}

// SetFetchHandler sets the callback answering unit requests.
func (t *GRPCTransport) SetFetchHandler(h FetchHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetchHandler = h
}

func (t *GRPCTransport) snapshotPeers() ([]*peerConn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	return peers, t.running
}

// broadcast invokes method on every peer in parallel. Individual failures are logged;
// the last one is returned.
func (t *GRPCTransport) broadcast(ctx context.Context, method string, req interface{}) error {
	peers, running := t.snapshotPeers()
	if !running {
		return ErrNotRunning
	}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var lastErr error

	for _, peer := range peers {
		wg.Add(1)
		go func(p *peerConn) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, t.config.SendTimeout)
			defer cancel()

			var ack Ack
			if err := p.conn.Invoke(callCtx, "/"+serviceName+"/"+method, req, &ack); err != nil {
				errMu.Lock()
				lastErr = err
				errMu.Unlock()
				t.logger.Debug("broadcast failed", zap.String("peer", p.id), zap.String("method", method), zap.Error(err))
			}
		}(peer)
	}
	wg.Wait()

	return lastErr
}

// BroadcastUnit sends an encoded unit to all peers.
func (t *GRPCTransport) BroadcastUnit(ctx context.Context, era types.EraID, data []byte) error {
	return t.broadcast(ctx, "SendUnit", &UnitMessage{Sender: t.config.NodeID, Era: uint64(era), Data: data})
}

// BroadcastDeploy sends an encoded deploy to all peers.
func (t *GRPCTransport) BroadcastDeploy(ctx context.Context, data []byte) error {
	return t.broadcast(ctx, "SendDeploy", &DeployMessage{Sender: t.config.NodeID, Data: data})
}

// FetchUnit requests a single unit from peer.
func (t *GRPCTransport) FetchUnit(ctx context.Context, peer string, era types.EraID, hash types.Hash) ([]byte, error) {
	t.mu.RLock()
	p, exists := t.peers[peer]
	running := t.running
	t.mu.RUnlock()
	if !running {
		return nil, ErrNotRunning
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.config.SendTimeout)
	defer cancel()

	var resp FetchResponse
	req := &FetchRequest{Sender: t.config.NodeID, Era: uint64(era), Hash: hash}
	if err := p.conn.Invoke(callCtx, "/"+serviceName+"/FetchUnit", req, &resp); err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", hash.Short(), peer, err)
	}
	if !resp.Found {
		return nil, fmt.Errorf("%w: %s at %s", ErrUnitNotFound, hash.Short(), peer)
	}
	return resp.Data, nil
}

// gRPC service implementations

func (t *GRPCTransport) sendUnit(ctx context.Context, req *UnitMessage) (*Ack, error) {
	t.mu.RLock()
	h := t.unitHandler
	t.mu.RUnlock()
	if h == nil {
		return &Ack{}, nil
	}
	if err := h(ctx, req.Sender, req.Data); err != nil {
		return &Ack{Error: err.Error()}, nil
	}
	return &Ack{Accepted: true}, nil
}

func (t *GRPCTransport) sendDeploy(_ context.Context, req *DeployMessage) (*Ack, error) {
	t.mu.RLock()
	h := t.deployHandler
	t.mu.RUnlock()
	if h == nil {
		return &Ack{}, nil
	}
	if err := h(req.Sender, req.Data); err != nil {
		return &Ack{Error: err.Error()}, nil
	}
	return &Ack{Accepted: true}, nil
}

func (t *GRPCTransport) fetchUnit(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	t.mu.RLock()
	h := t.fetchHandler
	t.mu.RUnlock()
	if h == nil {
		return &FetchResponse{}, nil
	}
	data, err := h(ctx, types.EraID(req.Era), req.Hash)
	if errors.Is(err, ErrUnitNotFound) {
		return &FetchResponse{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &FetchResponse{Found: true, Data: data}, nil
}
