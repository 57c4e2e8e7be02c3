package config

import (
	"errors"
	"fmt"
	tmcfg "github.com/tendermint/tendermint/config"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultLogLevel defines a default log level as INFO.
	DefaultLogLevel = "info"

	// NetworkLocal 进程内的网络，只用于测试
	NetworkLocal = "local"
	// NetworkP2P tendermint p2p switch
	NetworkP2P = "p2p"
)

var (
	DefaultForkchainDir = ".forkchain"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName  = "config.toml"
	defaultGenesisJSONName = "genesis.json"

	defaultPrivValKeyName = "priv_validator_key.json"
	defaultNodeKeyName    = "node_key.json"

	defaultConfigFilePath  = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultGenesisJSONPath = filepath.Join(defaultConfigDir, defaultGenesisJSONName)
	defaultPrivValKeyPath  = filepath.Join(defaultConfigDir, defaultPrivValKeyName)
	defaultNodeKeyPath     = filepath.Join(defaultConfigDir, defaultNodeKeyName)
)

// Config defines the top level configuration for a forkchain node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Consensus *ConsensusConfig     `mapstructure:"consensus"`
	Generator *GeneratorConfig     `mapstructure:"generator"`
	Sync      *SyncConfig          `mapstructure:"sync"`
	Mempool   *tmcfg.MempoolConfig `mapstructure:"mempool"`
	Monitor   *MonitorConfig       `mapstructure:"monitor"`
	P2P       *tmcfg.P2PConfig     `mapstructure:"p2p"`
}

// DefaultConfig returns a default configuration for a forkchain node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		Consensus:  DefaultConsensusConfig(),
		Generator:  DefaultGeneratorConfig(),
		Sync:       DefaultSyncConfig(),
		Mempool:    tmcfg.DefaultMempoolConfig(),
		Monitor:    DefaultMonitorConfig(),
		P2P:        tmcfg.DefaultP2PConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig: TestBaseConfig(),
		Consensus:  TestConsensusConfig(),
		Generator:  TestGeneratorConfig(),
		Sync:       TestSyncConfig(),
		Mempool:    tmcfg.TestMempoolConfig(),
		Monitor:    TestMonitorConfig(),
		P2P:        tmcfg.TestP2PConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.Mempool.RootDir = root
	cfg.P2P.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [consensus] section: %w", err)
	}
	if err := cfg.Generator.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [generator] section: %w", err)
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [sync] section: %w", err)
	}
	if err := cfg.Mempool.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [mempool] section: %w", err)
	}
	if err := cfg.Monitor.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [monitor] section: %w", err)
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [p2p] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a forkchain node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// local: 进程内网络 / p2p: tendermint p2p
	Network string `mapstructure:"network"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Path to the JSON file containing the initial validator set and accounts
	Genesis string `mapstructure:"genesis_file"`

	// Path to the JSON file containing the private key to use as a proposer / validator
	PrivValidatorKey string `mapstructure:"priv_validator_key_file"`

	// A JSON file containing the private key to use for p2p authenticated encryption
	NodeKey string `mapstructure:"node_key_file"`
}

// DefaultBaseConfig returns a default base configuration for a forkchain node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Genesis:          defaultGenesisJSONPath,
		PrivValidatorKey: defaultPrivValKeyPath,
		NodeKey:          defaultNodeKeyPath,
		Moniker:          defaultMoniker,
		LogLevel:         DefaultLogLevel,
		Network:          NetworkP2P,
		DBBackend:        "goleveldb",
		DBPath:           defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a forkchain node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Network = NetworkLocal
	cfg.DBBackend = "memdb"
	return cfg
}

// GenesisFile returns the full path to the genesis.json file
func (cfg BaseConfig) GenesisFile() string {
	return rootify(cfg.Genesis, cfg.RootDir)
}

// PrivValidatorKeyFile returns the full path to the priv_validator_key.json file
func (cfg BaseConfig) PrivValidatorKeyFile() string {
	return rootify(cfg.PrivValidatorKey, cfg.RootDir)
}

// NodeKeyFile returns the full path to the node_key.json file
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ConfigFile returns the full path to the config.toml file
func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.Network {
	case NetworkLocal, NetworkP2P:
	default:
		return fmt.Errorf("unknown network %q", cfg.Network)
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unknown db_backend %q, expected goleveldb or memdb", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig 控制fork choice以及finalize
type ConsensusConfig struct {
	// best fork在分叉点之后的深度达到该值时finalize
	ConfirmationThreshold int `mapstructure:"confirmation_threshold"`

	// length | weight
	RankMetric string `mapstructure:"rank_metric"`

	// depth | tip
	SafePrefix string `mapstructure:"safe_prefix"`

	DeferOnTie       bool          `mapstructure:"defer_on_tie"`
	MaxStoreFailures int           `mapstructure:"max_store_failures"`
	OrphanPoolSize   int           `mapstructure:"orphan_pool_size"`
	OrphanTTL        time.Duration `mapstructure:"orphan_ttl"`

	// 后台尝试finalize的间隔
	FinalizeInterval time.Duration `mapstructure:"finalize_interval"`
}

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		ConfirmationThreshold: 6,
		RankMetric:            "length",
		SafePrefix:            "depth",
		DeferOnTie:            true,
		MaxStoreFailures:      3,
		OrphanPoolSize:        256,
		OrphanTTL:             time.Minute,
		FinalizeInterval:      500 * time.Millisecond,
	}
}

func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.ConfirmationThreshold = 3
	cfg.FinalizeInterval = 10 * time.Millisecond
	return cfg
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.ConfirmationThreshold < 1 {
		return errors.New("confirmation_threshold must be at least 1")
	}
	switch cfg.RankMetric {
	case "length", "weight":
	default:
		return fmt.Errorf("unknown rank_metric %q", cfg.RankMetric)
	}
	switch cfg.SafePrefix {
	case "depth", "tip":
	default:
		return fmt.Errorf("unknown safe_prefix %q", cfg.SafePrefix)
	}
	if cfg.MaxStoreFailures < 1 {
		return errors.New("max_store_failures must be at least 1")
	}
	if cfg.OrphanPoolSize < 1 {
		return errors.New("orphan_pool_size must be positive")
	}
	if cfg.OrphanTTL < 0 {
		return errors.New("orphan_ttl can't be negative")
	}
	if cfg.FinalizeInterval <= 0 {
		return errors.New("finalize_interval must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// GeneratorConfig

// GeneratorConfig 控制本节点是否出块以及如何出块
type GeneratorConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// pow的难度，0表示使用genesis中的最小难度
	TargetBits uint32 `mapstructure:"target_bits"`

	// 每尝试多少个nonce检查一次best fork是否变化
	PollInterval uint64 `mapstructure:"poll_interval"`

	ProposeInterval time.Duration `mapstructure:"propose_interval"`

	MaxTxsPerBlock   int   `mapstructure:"max_txs_per_block"`
	MaxBlockTxsBytes int64 `mapstructure:"max_block_txs_bytes"`
}

func DefaultGeneratorConfig() *GeneratorConfig {
	return &GeneratorConfig{
		Enabled:          true,
		TargetBits:       0,
		PollInterval:     1024,
		ProposeInterval:  time.Second,
		MaxTxsPerBlock:   1000,
		MaxBlockTxsBytes: 1024 * 1024,
	}
}

func TestGeneratorConfig() *GeneratorConfig {
	cfg := DefaultGeneratorConfig()
	cfg.ProposeInterval = 20 * time.Millisecond
	cfg.MaxTxsPerBlock = 100
	return cfg
}

func (cfg *GeneratorConfig) ValidateBasic() error {
	if cfg.PollInterval == 0 {
		return errors.New("poll_interval must be positive")
	}
	if cfg.ProposeInterval < 0 {
		return errors.New("propose_interval can't be negative")
	}
	if cfg.MaxTxsPerBlock < 0 {
		return errors.New("max_txs_per_block can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig 控制区块同步
type SyncConfig struct {
	SyncOnStart    bool          `mapstructure:"sync_on_start"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		SyncOnStart:    true,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if cfg.InitialBackoff <= 0 {
		return errors.New("initial_backoff must be positive")
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		return errors.New("max_backoff can't be less than initial_backoff")
	}
	return nil
}

//-----------------------------------------------------------------------------
// MonitorConfig

// MonitorConfig rpc以及事件推送
type MonitorConfig struct {
	// 为空时不启动monitor
	ListenAddress string `mapstructure:"laddr"`

	MaxOpenConnections int `mapstructure:"max_open_connections"`
}

func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		ListenAddress:      "tcp://127.0.0.1:26657",
		MaxOpenConnections: 900,
	}
}

func TestMonitorConfig() *MonitorConfig {
	cfg := DefaultMonitorConfig()
	cfg.ListenAddress = ""
	return cfg
}

func (cfg *MonitorConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
