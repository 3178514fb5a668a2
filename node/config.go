// Package node wires the consensus core, execution, storage, networking and metrics into
// a runnable node.
package node

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ahwlsqja/highway-casper/abci"
	"github.com/ahwlsqja/highway-casper/consensus/era"
	"github.com/ahwlsqja/highway-casper/consensus/highway"
	"github.com/ahwlsqja/highway-casper/logging"
	"github.com/ahwlsqja/highway-casper/mempool"
	"github.com/ahwlsqja/highway-casper/transport"
	"github.com/ahwlsqja/highway-casper/types"
)

// 실행 엔진 종류
const (
	ExecutionNoop   = "noop"   // 상태 해시만 연결, 앱 없음
	ExecutionKV     = "kv"     // 프로세스 내 KV ABCI 앱
	ExecutionRemote = "remote" // gRPC 로 외부 ABCI 앱 연결
)

// GenesisValidator is one genesis validator in config form.
type GenesisValidator struct {
	PublicKey string `mapstructure:"public_key"` // hex
	Weight    uint64 `mapstructure:"weight"`
}

// GenesisConfig fixes the chain. Every node must use identical values.
type GenesisConfig struct {
	ChainName  string             `mapstructure:"chain_name"`
	Start      uint64             `mapstructure:"start"` // unix ms
	Validators []GenesisValidator `mapstructure:"validators"`
	AppState   string             `mapstructure:"app_state"`
	Params     highway.Params     `mapstructure:"params"`
}

// ExecutionConfig selects the execution engine.
type ExecutionConfig struct {
	Mode string            `mapstructure:"mode"`
	ABCI abci.ClientConfig `mapstructure:"abci"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Config holds configuration for a node.
type Config struct {
	// 노드 식별
	NodeID  string `mapstructure:"node_id"`
	KeyFile string `mapstructure:"key_file"` // 비어 있으면 관찰자 모드

	// 비어 있으면 메모리 저장소
	DataDir      string `mapstructure:"data_dir"`
	LevelDBCache int    `mapstructure:"leveldb_cache"`

	// 피어 목록 ("id@host:port")
	Peers []string `mapstructure:"peers"`

	Genesis   GenesisConfig         `mapstructure:"genesis"`
	Era       era.Config            `mapstructure:"era"`
	Transport transport.Config      `mapstructure:"transport"`
	Mempool   mempool.Config        `mapstructure:"mempool"`
	Reactor   mempool.ReactorConfig `mapstructure:"reactor"`
	Execution ExecutionConfig       `mapstructure:"execution"`
	Log       logging.Config        `mapstructure:"log"`
	Metrics   MetricsConfig         `mapstructure:"metrics"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      "./data",
		LevelDBCache: 1024,
		Peers:        []string{},
		Genesis: GenesisConfig{
			ChainName: "highway-devnet",
			Params:    highway.DefaultParams(),
		},
		Era:       *era.DefaultConfig(),
		Transport: *transport.DefaultConfig(),
		Mempool:   *mempool.DefaultConfig(),
		Reactor:   *mempool.DefaultReactorConfig(),
		Execution: ExecutionConfig{
			Mode: ExecutionNoop,
			ABCI: *abci.DefaultClientConfig("localhost:26658"),
		},
		Log: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      "0.0.0.0:26660",
			Namespace: "highway",
		},
	}
}

// 환경 변수로 덮어쓸 수 있는 키 (HIGHWAY_NODE_ID, HIGHWAY_TRANSPORT_LISTEN_ADDRESS ...)
var envKeys = []string{
	"node_id",
	"key_file",
	"data_dir",
	"peers",
	"genesis.start",
	"transport.listen_address",
	"execution.mode",
	"execution.abci.address",
	"log.level",
	"log.format",
	"metrics.enabled",
	"metrics.addr",
}

// LoadConfig reads path (TOML, YAML or JSON; optional) over the defaults, then applies
// HIGHWAY_ environment variables. Flags bound to v by the caller take precedence.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("HIGHWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.Genesis.ChainName == "" {
		return ErrEmptyChainName
	}
	if c.Genesis.Start == 0 {
		return ErrNoGenesisStart
	}
	if c.Transport.ListenAddress == "" {
		return ErrEmptyListenAddr
	}
	if len(c.Genesis.Validators) == 0 {
		return ErrNoValidators
	}
	if _, err := c.GenesisValidators(); err != nil {
		return err
	}
	for _, p := range c.Peers {
		if _, _, err := ParsePeer(p); err != nil {
			return err
		}
	}
	switch c.Execution.Mode {
	case ExecutionNoop, ExecutionKV:
	case ExecutionRemote:
		if c.Execution.ABCI.Address == "" {
			return ErrEmptyABCIAddr
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownExecution, c.Execution.Mode)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if err := c.Genesis.Params.Validate(); err != nil {
		return fmt.Errorf("invalid genesis params: %w", err)
	}
	if err := c.Era.Validate(); err != nil {
		return fmt.Errorf("invalid era config: %w", err)
	}
	return nil
}

// GenesisValidators decodes the configured validators.
func (c *Config) GenesisValidators() ([]types.Validator, error) {
	out := make([]types.Validator, 0, len(c.Genesis.Validators))
	for i, gv := range c.Genesis.Validators {
		pk, err := types.PublicKeyFromHex(gv.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: validator %d: %v", ErrBadValidator, i, err)
		}
		out = append(out, types.Validator{PublicKey: pk, Weight: gv.Weight})
	}
	if _, err := types.NewValidatorSet(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadValidator, err)
	}
	return out, nil
}

// GenesisStart returns the genesis timestamp.
func (c *Config) GenesisStart() types.Timestamp {
	return types.Timestamp(c.Genesis.Start)
}

// ParsePeer splits "id@host:port".
func ParsePeer(s string) (id, addr string, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q (expected id@host:port)", ErrBadPeer, s)
	}
	return parts[0], parts[1], nil
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyNodeID      = configError("node ID is required")
	ErrEmptyChainName   = configError("genesis chain name is required")
	ErrNoGenesisStart   = configError("genesis start timestamp is required")
	ErrEmptyListenAddr  = configError("listen address is required")
	ErrNoValidators     = configError("at least one genesis validator is required")
	ErrBadValidator     = configError("invalid genesis validator")
	ErrBadPeer          = configError("invalid peer")
	ErrEmptyABCIAddr    = configError("ABCI address is required for remote execution")
	ErrUnknownExecution = configError("unknown execution mode")
	ErrEmptyMetricsAddr = configError("metrics address is required when metrics are enabled")
)
