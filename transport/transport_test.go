package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahwlsqja/highway-casper/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("google.golang.org/grpc/internal/grpcsync.(*CallbackSerializer).run"),
	)
}

type inbox struct {
	mu      sync.Mutex
	units   []string
	deploys []string
}

func (in *inbox) unit(_ context.Context, peer string, data []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.units = append(in.units, peer+":"+string(data))
	return nil
}

func (in *inbox) deploy(peer string, data []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.deploys = append(in.deploys, peer+":"+string(data))
	return nil
}

func (in *inbox) snapshot() ([]string, []string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.units...), append([]string(nil), in.deploys...)
}

func store(known map[types.Hash][]byte) FetchHandler {
	return func(_ context.Context, _ types.EraID, h types.Hash) ([]byte, error) {
		if data, ok := known[h]; ok {
			return data, nil
		}
		return nil, ErrUnitNotFound
	}
}

func TestLocalNetworkBroadcast(t *testing.T) {
	net := NewLocalNetwork()
	a, b, c := net.Join("a"), net.Join("b"), net.Join("c")
	boxes := map[string]*inbox{"a": {}, "b": {}, "c": {}}
	for _, ep := range []*LocalEndpoint{a, b, c} {
		ep.SetUnitHandler(boxes[ep.ID()].unit)
		ep.SetDeployHandler(boxes[ep.ID()].deploy)
		require.NoError(t, ep.Start())
	}

	ctx := context.Background()
	require.NoError(t, a.BroadcastUnit(ctx, 0, []byte("u1")))
	require.NoError(t, b.BroadcastDeploy(ctx, []byte("d1")))

	units, _ := boxes["a"].snapshot()
	assert.Empty(t, units, "no self delivery")
	units, deploys := boxes["c"].snapshot()
	assert.Equal(t, []string{"a:u1"}, units)
	assert.Equal(t, []string{"b:d1"}, deploys)

	net.SetOffline("c", true)
	require.NoError(t, a.BroadcastUnit(ctx, 0, []byte("u2")))
	units, _ = boxes["c"].snapshot()
	assert.Len(t, units, 1)
	units, _ = boxes["b"].snapshot()
	assert.Equal(t, []string{"a:u1", "a:u2"}, units)

	// an offline endpoint does not reach anyone either
	require.NoError(t, c.BroadcastUnit(ctx, 0, []byte("u3")))
	units, _ = boxes["b"].snapshot()
	assert.Len(t, units, 2)

	assert.Equal(t, []string{"b", "c"}, a.Peers())
}

func TestLocalNetworkFetch(t *testing.T) {
	net := NewLocalNetwork()
	a, b := net.Join("a"), net.Join("b")
	h := types.HashOf([]byte("unit"))
	b.SetFetchHandler(store(map[types.Hash][]byte{h: []byte("unit")}))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	ctx := context.Background()
	data, err := a.FetchUnit(ctx, "b", 0, h)
	require.NoError(t, err)
	assert.Equal(t, []byte("unit"), data)

	_, err = a.FetchUnit(ctx, "b", 0, types.HashOf([]byte("other")))
	assert.ErrorIs(t, err, ErrUnitNotFound)

	_, err = a.FetchUnit(ctx, "nobody", 0, h)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	b.Stop()
	_, err = a.FetchUnit(ctx, "b", 0, h)
	assert.Error(t, err)

	a.Stop()
	assert.ErrorIs(t, a.BroadcastUnit(ctx, 0, nil), ErrNotRunning)
}

func newGRPCPair(t *testing.T) (*GRPCTransport, *GRPCTransport) {
	t.Helper()
	a, err := NewGRPCTransport(&Config{NodeID: "a", ListenAddress: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	b, err := NewGRPCTransport(&Config{NodeID: "b", ListenAddress: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	require.NoError(t, a.AddPeer("b", b.Addr()))
	require.NoError(t, b.AddPeer("a", a.Addr()))
	return a, b
}

func TestGRPCTransportGossip(t *testing.T) {
	a, b := newGRPCPair(t)
	box := &inbox{}
	b.SetUnitHandler(box.unit)
	b.SetDeployHandler(box.deploy)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.BroadcastUnit(ctx, 3, []byte("unit")))
	require.NoError(t, a.BroadcastDeploy(ctx, []byte("deploy")))

	units, deploys := box.snapshot()
	assert.Equal(t, []string{"a:unit"}, units)
	assert.Equal(t, []string{"a:deploy"}, deploys)
	assert.Equal(t, []string{"b"}, a.Peers())
}

func TestGRPCTransportFetch(t *testing.T) {
	a, b := newGRPCPair(t)
	h := types.HashOf([]byte("unit"))
	b.SetFetchHandler(store(map[types.Hash][]byte{h: []byte("unit")}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := a.FetchUnit(ctx, "b", 1, h)
	require.NoError(t, err)
	assert.Equal(t, []byte("unit"), data)

	_, err = a.FetchUnit(ctx, "b", 1, types.HashOf([]byte("missing")))
	assert.ErrorIs(t, err, ErrUnitNotFound)

	_, err = a.FetchUnit(ctx, "c", 1, h)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	b.SetFetchHandler(func(context.Context, types.EraID, types.Hash) ([]byte, error) {
		return nil, errors.New("disk on fire")
	})
	_, err = a.FetchUnit(ctx, "b", 1, h)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnitNotFound)
}

func TestNewGRPCTransportRequiresID(t *testing.T) {
	_, err := NewGRPCTransport(&Config{}, nil)
	assert.Error(t, err)
	_, err = NewGRPCTransport(nil, nil)
	assert.Error(t, err)
}
