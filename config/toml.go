package config

import (
	"bytes"
	"fmt"
	tmos "github.com/tendermint/tendermint/libs/os"
	"path/filepath"
	"strings"
	"text/template"
)

// DefaultDirPerm is the default permissions used when creating directories.
const DefaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	if err := tmos.EnsureDir(rootDir, DefaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), DefaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), DefaultDirPerm); err != nil {
		panic(err.Error())
	}

	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)

	// Write default config file if missing.
	if !tmos.FileExists(configFilePath) {
		writeDefaultConfigFile(configFilePath)
	}
}

func writeDefaultConfigFile(configFilePath string) {
	WriteConfigFile(configFilePath, DefaultConfig())
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
func WriteConfigFile(configFilePath string, config *Config) {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, config); err != nil {
		panic(err)
	}

	tmos.MustWriteFile(configFilePath, buffer.Bytes(), 0644)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Output level for logging, including package level options
log_level = "{{ .BaseConfig.LogLevel }}"

# Transport between nodes: local | p2p
network = "{{ .BaseConfig.Network }}"

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Path to the JSON file containing the initial validator set and accounts
genesis_file = "{{ js .BaseConfig.Genesis }}"

# Path to the JSON file containing the private key to use as a proposer / validator
priv_validator_key_file = "{{ js .BaseConfig.PrivValidatorKey }}"

# Path to the JSON file containing the private key to use for node authentication in the p2p protocol
node_key_file = "{{ js .BaseConfig.NodeKey }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###         Consensus Configuration Options         ###
#######################################################
[consensus]

# Finalize once the best fork is this deep past the canonical tip
confirmation_threshold = {{ .Consensus.ConfirmationThreshold }}

# How forks are ranked: length | weight
rank_metric = "{{ .Consensus.RankMetric }}"

# How much of the best fork gets finalized: depth | tip
safe_prefix = "{{ .Consensus.SafePrefix }}"

# Postpone finalization while another fork ties the best one
defer_on_tie = {{ .Consensus.DeferOnTie }}

# Halt after this many consecutive block store failures
max_store_failures = {{ .Consensus.MaxStoreFailures }}

orphan_pool_size = {{ .Consensus.OrphanPoolSize }}
orphan_ttl = "{{ .Consensus.OrphanTTL }}"
finalize_interval = "{{ .Consensus.FinalizeInterval }}"

#######################################################
###         Generator Configuration Options         ###
#######################################################
[generator]

# Whether this node produces proposals
enabled = {{ .Generator.Enabled }}

# Proof of work difficulty, 0 uses the minimum from genesis
target_bits = {{ .Generator.TargetBits }}

# Check for a new best fork every poll_interval nonces
poll_interval = {{ .Generator.PollInterval }}

propose_interval = "{{ .Generator.ProposeInterval }}"
max_txs_per_block = {{ .Generator.MaxTxsPerBlock }}
max_block_txs_bytes = {{ .Generator.MaxBlockTxsBytes }}

#######################################################
###           Sync Configuration Options            ###
#######################################################
[sync]

# Catch up with the best peer before producing proposals
sync_on_start = {{ .Sync.SyncOnStart }}

request_timeout = "{{ .Sync.RequestTimeout }}"
max_retries = {{ .Sync.MaxRetries }}
initial_backoff = "{{ .Sync.InitialBackoff }}"
max_backoff = "{{ .Sync.MaxBackoff }}"

#######################################################
###          Mempool Configuration Option           ###
#######################################################
[mempool]

broadcast = {{ .Mempool.Broadcast }}

# Maximum number of transactions in the mempool
size = {{ .Mempool.Size }}

# Limit the total size of all txs in the mempool.
max_txs_bytes = {{ .Mempool.MaxTxsBytes }}

# Size of the cache (used to filter transactions we saw earlier) in transactions
cache_size = {{ .Mempool.CacheSize }}

# Maximum size of a single transaction.
max_tx_bytes = {{ .Mempool.MaxTxBytes }}

#######################################################
###          Monitor Configuration Options          ###
#######################################################
[monitor]

# TCP or UNIX socket address for the RPC server and the event feed, empty disables it
laddr = "{{ .Monitor.ListenAddress }}"

max_open_connections = {{ .Monitor.MaxOpenConnections }}

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Address to advertise to peers for them to dial
external_address = "{{ .P2P.ExternalAddress }}"

# Comma separated list of nodes to keep persistent connections to
persistent_peers = "{{ .P2P.PersistentPeers }}"

# Maximum number of inbound peers
max_num_inbound_peers = {{ .P2P.MaxNumInboundPeers }}

# Maximum number of outbound peers to connect to, excluding persistent peers
max_num_outbound_peers = {{ .P2P.MaxNumOutboundPeers }}

# Toggle to disable guard against peers connecting from the same ip.
allow_duplicate_ip = {{ .P2P.AllowDuplicateIP }}

# Peer connection configuration.
handshake_timeout = "{{ .P2P.HandshakeTimeout }}"
dial_timeout = "{{ .P2P.DialTimeout }}"
`

// ResetTestRoot 在临时目录下创建配置，返回的config已经SetRoot
func ResetTestRoot(rootDir string) *Config {
	EnsureRoot(rootDir)
	config := TestConfig().SetRoot(rootDir)
	WriteConfigFile(config.ConfigFile(), config)
	if err := config.ValidateBasic(); err != nil {
		panic(fmt.Sprintf("invalid test config: %v", err))
	}
	return config
}
