package abci

import (
	"context"
	"fmt"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client - 원격 ABCI 앱과 gRPC로 통신하는 클라이언트
type Client struct {
	conn   *grpc.ClientConn
	client abci.ABCIClient

	address string
	timeout time.Duration
}

var _ Conn = (*Client)(nil)

// ClientConfig - 클라이언트 설정
type ClientConfig struct {
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"` // 호출당 타임아웃
}

// DefaultClientConfig - 기본 설정
func DefaultClientConfig(address string) *ClientConfig {
	return &ClientConfig{
		Address: address,
		Timeout: 10 * time.Second,
	}
}

// NewClient creates a client. The connection is established lazily on the first call.
func NewClient(config *ClientConfig) (*Client, error) {
	conn, err := grpc.NewClient(
		config.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ABCI client for %s: %w", config.Address, err)
	}
	return &Client{
		conn:    conn,
		client:  abci.NewABCIClient(conn),
		address: config.Address,
		timeout: config.Timeout,
	}, nil
}

// Close - 연결 종료
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Info - 앱 정보 조회
func (c *Client) Info(ctx context.Context, req *abci.RequestInfo) (*abci.ResponseInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Info(ctx, req)
}

// InitChain - 체인 초기화
func (c *Client) InitChain(ctx context.Context, req *abci.RequestInitChain) (*abci.ResponseInitChain, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.InitChain(ctx, req)
}

// CheckTx - deploy 검증 (버퍼 진입 전)
func (c *Client) CheckTx(ctx context.Context, req *abci.RequestCheckTx) (*abci.ResponseCheckTx, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.CheckTx(ctx, req)
}

// FinalizeBlock - 블록 실행 (ABCI 2.0: BeginBlock + DeliverTx + EndBlock 통합)
func (c *Client) FinalizeBlock(ctx context.Context, req *abci.RequestFinalizeBlock) (*abci.ResponseFinalizeBlock, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.FinalizeBlock(ctx, req)
}

// Commit - 상태 커밋
func (c *Client) Commit(ctx context.Context, req *abci.RequestCommit) (*abci.ResponseCommit, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Commit(ctx, req)
}

// Query - 상태 쿼리
func (c *Client) Query(ctx context.Context, req *abci.RequestQuery) (*abci.ResponseQuery, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Query(ctx, req)
}

// Address - 연결 주소 반환
func (c *Client) Address() string {
	return c.address
}
