package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ahwlsqja/highway-casper/types"
)

// LocalNetwork connects in-process endpoints. Delivery is synchronous: a broadcast calls
// every other online endpoint's handler before returning.
type LocalNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*LocalEndpoint
	offline   map[string]bool
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		endpoints: make(map[string]*LocalEndpoint),
		offline:   make(map[string]bool),
	}
}

// Join adds an endpoint with the given id. Joining twice returns the same endpoint.
func (n *LocalNetwork) Join(id string) *LocalEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &LocalEndpoint{id: id, net: n}
	n.endpoints[id] = ep
	return ep
}

// SetOffline partitions id away from everyone. An offline endpoint neither sends nor
// receives.
func (n *LocalNetwork) SetOffline(id string, offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[id] = offline
}

func (n *LocalNetwork) reachable(from string) []*LocalEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.offline[from] {
		return nil
	}
	out := make([]*LocalEndpoint, 0, len(n.endpoints))
	for id, ep := range n.endpoints {
		if id == from || n.offline[id] || !ep.isRunning() {
			continue
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *LocalNetwork) lookup(from, to string) (*LocalEndpoint, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if n.offline[from] || n.offline[to] || !ep.isRunning() {
		return nil, fmt.Errorf("peer %s unreachable", to)
	}
	return ep, nil
}

// LocalEndpoint is one node's view of a LocalNetwork.
type LocalEndpoint struct {
	id  string
	net *LocalNetwork

	mu            sync.RWMutex
	running       bool
	unitHandler   UnitHandler
	deployHandler DeployHandler
	fetchHandler  FetchHandler
}

var _ Transport = (*LocalEndpoint)(nil)

// ID returns the endpoint id.
func (e *LocalEndpoint) ID() string { return e.id }

// Start makes the endpoint reachable.
func (e *LocalEndpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	return nil
}

// Stop makes the endpoint unreachable.
func (e *LocalEndpoint) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}

func (e *LocalEndpoint) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *LocalEndpoint) handlers() (UnitHandler, DeployHandler, FetchHandler) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unitHandler, e.deployHandler, e.fetchHandler
}

// SetUnitHandler sets the callback for incoming units.
func (e *LocalEndpoint) SetUnitHandler(h UnitHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unitHandler = h
}

// SetDeployHandler sets the callback for incoming deploys.
func (e *LocalEndpoint) SetDeployHandler(h DeployHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deployHandler = h
}

// SetFetchHandler sets the callback answering unit requests.
func (e *LocalEndpoint) SetFetchHandler(h FetchHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetchHandler = h
}

// Peers returns every other endpoint of the network.
func (e *LocalEndpoint) Peers() []string {
	e.net.mu.RLock()
	defer e.net.mu.RUnlock()
	out := make([]string, 0, len(e.net.endpoints))
	for id := range e.net.endpoints {
		if id != e.id {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// BroadcastUnit delivers a unit to every reachable endpoint.
func (e *LocalEndpoint) BroadcastUnit(ctx context.Context, _ types.EraID, data []byte) error {
	if !e.isRunning() {
		return ErrNotRunning
	}
	for _, peer := range e.net.reachable(e.id) {
		if h, _, _ := peer.handlers(); h != nil {
			_ = h(ctx, e.id, append([]byte(nil), data...))
		}
	}
	return nil
}

// BroadcastDeploy delivers a deploy to every reachable endpoint.
func (e *LocalEndpoint) BroadcastDeploy(_ context.Context, data []byte) error {
	if !e.isRunning() {
		return ErrNotRunning
	}
	for _, peer := range e.net.reachable(e.id) {
		if _, h, _ := peer.handlers(); h != nil {
			_ = h(e.id, append([]byte(nil), data...))
		}
	}
	return nil
}

// FetchUnit asks peer for a unit.
func (e *LocalEndpoint) FetchUnit(ctx context.Context, peer string, era types.EraID, hash types.Hash) ([]byte, error) {
	if !e.isRunning() {
		return nil, ErrNotRunning
	}
	ep, err := e.net.lookup(e.id, peer)
	if err != nil {
		return nil, err
	}
	_, _, h := ep.handlers()
	if h == nil {
		return nil, fmt.Errorf("%w: %s at %s", ErrUnitNotFound, hash.Short(), peer)
	}
	return h(ctx, era, hash)
}
