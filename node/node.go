package node

import (
	"bytes"
	cfg "forkchain/config"
	"forkchain/consensus"
	"forkchain/libs/metric"
	"forkchain/mempool"
	"forkchain/monitor"
	"forkchain/network"
	"forkchain/privval"
	"forkchain/state"
	"forkchain/store"
	"forkchain/syncer"
	"forkchain/types"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"
	"strings"
)

const (
	nodeListener = "node"

	blockStoreName = "blockstore"
)

// 节点使用的所有channel
var channels = []byte{
	network.ProposalChannel,
	network.BallotChannel,
	network.BlockChannel,
	network.MempoolChannel,
	network.SyncChannel,
}

type Provider func(*cfg.Config, log.Logger) (*Node, error)

type Node struct {
	service.BaseService

	// config
	config  *cfg.Config
	genDoc  *types.GenesisDoc
	privVal types.PrivValidator

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey
	localHub  *network.LocalHub
	net       network.Network

	// services
	blockStore       *store.KVStore
	engine           *consensus.Engine
	blockExec        state.BlockExecutor
	mempool          *mempool.ListMempool
	mempoolReactor   *mempool.Reactor
	consensusReactor *consensus.Reactor
	syncer           *syncer.Coordinator
	generator        *consensus.ProposalGenerator // nil when disabled
	monitor          *monitor.Server              // nil when disabled
	metricSet        *metric.MetricSet
}

type Option func(*Node)

// WithLocalHub network = local时节点加入该hub
func WithLocalHub(hub *network.LocalHub) Option {
	return func(n *Node) {
		n.localHub = hub
	}
}

// DefaultNewNode 从config指定的文件加载密钥以及genesis
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load or gen node key %s", config.NodeKeyFile())
	}
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}
	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())

	// 单独运行的local节点没有peer
	var options []Option
	if config.Network == cfg.NetworkLocal {
		options = append(options, WithLocalHub(network.NewLocalHub()))
	}
	return NewNode(config, pv, nodeKey, genDoc, logger, options...)
}

// NewNode 创建所有模块，network = local时需要WithLocalHub
func NewNode(
	config *cfg.Config,
	privVal types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	params, err := genDoc.ConsensusParams()
	if err != nil {
		return nil, errors.Wrap(err, "invalid genesis")
	}
	policy, err := confirmationPolicy(config.Consensus)
	if err != nil {
		return nil, err
	}

	node := &Node{
		config:    config,
		genDoc:    genDoc,
		privVal:   privVal,
		nodeKey:   nodeKey,
		metricSet: metric.NewMetricSet(),
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}

	// block store & engine
	node.blockStore, err = initBlockStore(config, genDoc, logger.With("module", "store"))
	if err != nil {
		return nil, err
	}
	verifier := state.NewSmallBankVerifier()
	node.engine, err = consensus.NewEngine(policy, params, verifier, node.blockStore)
	if err != nil {
		node.blockStore.Close()
		return nil, err
	}
	node.engine.SetLogger(logger.With("module", "consensus"))

	// network
	p2pLogger := logger.With("module", "p2p")
	switch config.Network {
	case cfg.NetworkLocal:
		if node.localHub == nil {
			node.blockStore.Close()
			return nil, errors.New("local network requires a LocalHub")
		}
		local := node.localHub.Join(nodeKey.ID())
		local.SetLogger(p2pLogger)
		node.net = local
	case cfg.NetworkP2P:
		netReactor := network.NewReactor(channels...)
		netReactor.SetLogger(p2pLogger)
		node.net = netReactor

		node.nodeInfo, err = makeNodeInfo(config, nodeKey, genDoc)
		if err != nil {
			node.blockStore.Close()
			return nil, err
		}
		node.transport = createTransport(config, node.nodeInfo, nodeKey)
		node.sw = createSwitch(config, node.transport, netReactor, node.nodeInfo, nodeKey, p2pLogger)
	}

	// mempool
	node.mempool = mempool.NewListMempool(config.Mempool, node.engine.Height(),
		mempool.SetPreCheck(func(tx types.Tx) error { return tx.ValidateBasic() }))
	node.mempool.SetLogger(logger.With("module", "mempool"))
	node.blockExec = state.NewBlockExecutor(node.mempool, verifier,
		state.SetMaxTxsPerBlock(config.Generator.MaxTxsPerBlock),
		state.SetMaxBlockTxsBytes(config.Generator.MaxBlockTxsBytes),
	)
	node.blockExec.SetLogger(logger.With("module", "state"))

	// syncer
	node.syncer = syncer.NewCoordinator(node.engine, node.blockStore, node.net,
		syncer.SetRequestTimeout(config.Sync.RequestTimeout),
		syncer.SetRetry(config.Sync.MaxRetries, config.Sync.InitialBackoff, config.Sync.MaxBackoff),
		syncer.SyncOnStart(config.Sync.SyncOnStart),
	)
	node.syncer.SetLogger(logger.With("module", "syncer"))

	node.mempoolReactor = mempool.NewReactor(node.mempool, node.net, mempool.WithSyncingFunc(node.syncer.IsSyncing))
	node.mempoolReactor.SetLogger(logger.With("module", "mempool"))

	// consensus reactor
	conOptions := []consensus.ReactorOption{
		consensus.SetSyncBackend(node.syncer),
		consensus.SetFinalizeInterval(config.Consensus.FinalizeInterval),
	}
	if params.Mode == types.MetadataVote {
		conOptions = append(conOptions, consensus.SetPrivValidator(privVal))
	}
	node.consensusReactor = consensus.NewReactor(node.engine, node.net, conOptions...)
	node.consensusReactor.SetLogger(logger.With("module", "consensus"))

	// generator
	if config.Generator.Enabled {
		genOptions := []consensus.GeneratorOption{
			consensus.SetPollInterval(config.Generator.PollInterval),
			consensus.SetProposeInterval(config.Generator.ProposeInterval),
			consensus.SetGeneratorBallotPool(node.consensusReactor.BallotPool()),
			consensus.SetGeneratorSyncingFunc(node.syncer.IsSyncing),
		}
		if config.Generator.TargetBits > 0 {
			genOptions = append(genOptions, consensus.SetTargetBits(config.Generator.TargetBits))
		}
		node.generator, err = consensus.NewProposalGenerator(node.engine, node.blockExec, privVal, node.net, genOptions...)
		if err != nil {
			node.blockStore.Close()
			return nil, err
		}
		node.generator.SetLogger(logger.With("module", "generator"))
	}

	// metrics & monitor
	for label, item := range map[string]metric.MetricItem{
		"consensus": node.engine.Metric(),
		"mempool":   node.mempool.Metric(),
		"syncer":    node.syncer.Metric(),
	} {
		if err := node.metricSet.SetMetrics(label, item); err != nil {
			node.blockStore.Close()
			return nil, err
		}
	}

	if config.Monitor.ListenAddress != "" {
		rpcConfig := rpcserver.DefaultConfig()
		rpcConfig.MaxOpenConnections = config.Monitor.MaxOpenConnections
		node.monitor = monitor.NewServer(config.Monitor.ListenAddress, &monitor.Environment{
			NodeID:     nodeKey.ID(),
			Engine:     node.engine,
			BlockStore: node.blockStore,
			Mempool:    node.mempool,
			Syncer:     node.syncer,
			MetricSet:  node.metricSet,
		}, monitor.SetServerConfig(rpcConfig))
		node.monitor.SetLogger(logger.With("module", "monitor"))
	}

	return node, nil
}

// initBlockStore 打开block store，为空时写入genesis
func initBlockStore(config *cfg.Config, genDoc *types.GenesisDoc, logger log.Logger) (*store.KVStore, error) {
	kv, err := store.NewKVStore(blockStoreName, store.BackendType(config.DBBackend), config.DBDir(), logger)
	if err != nil {
		return nil, err
	}
	genState, genBlock := state.MakeGenesisState(genDoc)
	if kv.IsEmpty() {
		if err := kv.InitGenesis(genBlock, genState); err != nil {
			kv.Close()
			return nil, err
		}
		logger.Info("Initialized block store with genesis", "hash", genBlock.Hash())
		return kv, nil
	}

	// store中的链必须来自同一个genesis
	stored := kv.BlockByHeight(0)
	if stored == nil || !bytes.Equal(stored.Hash(), genBlock.Hash()) {
		kv.Close()
		return nil, errors.Errorf("block store at %s was created from another genesis", config.DBDir())
	}
	return kv, nil
}

func confirmationPolicy(config *cfg.ConsensusConfig) (consensus.ConfirmationPolicy, error) {
	rankMetric, err := consensus.ParseRankMetric(config.RankMetric)
	if err != nil {
		return consensus.ConfirmationPolicy{}, err
	}
	safePrefix, err := consensus.ParseSafePrefix(config.SafePrefix)
	if err != nil {
		return consensus.ConfirmationPolicy{}, err
	}
	return consensus.ConfirmationPolicy{
		ConfirmationThreshold: config.ConfirmationThreshold,
		Metric:                rankMetric,
		SafePrefix:            safePrefix,
		DeferOnTie:            config.DeferOnTie,
		MaxStoreFailures:      config.MaxStoreFailures,
		OrphanPoolSize:        config.OrphanPoolSize,
		OrphanTTL:             config.OrphanTTL,
	}, nil
}

func createTransport(
	config *cfg.Config,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = p2p.MConnConfig(config.P2P)
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)

	// Limit the number of incoming connections.
	max := config.P2P.MaxNumInboundPeers + len(splitAndTrimEmpty(config.P2P.PersistentPeers, ",", " "))
	p2p.MultiplexTransportMaxIncomingConnections(max)(transport)

	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	netReactor *network.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("NETWORK", netReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			version.P2PProtocol, // global
			version.BlockProtocol,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       version.TMCoreSemVer,
		Channels:      channels,
		Moniker:       config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.Monitor.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress

	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}

	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func (n *Node) OnStart() error {
	// 已经finalize的交易从mempool中删除
	err := n.engine.EventSwitch().AddListenerForEvent(nodeListener, consensus.EventFinalizedBlock, func(data events.EventData) {
		ev := data.(consensus.EventDataFinalizedBlock)
		if err := n.blockExec.Commit(ev.Block); err != nil {
			n.Logger.Error("Failed to update mempool", "height", ev.Block.Height, "err", err)
		}
	})
	if err != nil {
		return err
	}

	if n.sw != nil {
		// start the transport
		addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
		if err != nil {
			return err
		}
		if err := n.transport.Listen(*addr); err != nil {
			return err
		}

		// start the Switch
		if err := n.sw.Start(); err != nil {
			return err
		}
	}

	if n.monitor != nil {
		if err := n.monitor.Start(); err != nil {
			return err
		}
	}
	if err := n.mempoolReactor.Start(); err != nil {
		return err
	}
	if err := n.consensusReactor.Start(); err != nil {
		return err
	}

	if n.sw != nil {
		peers := splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " ")
		if err := n.sw.AddPersistentPeers(peers); err != nil {
			return errors.Wrap(err, "could not add peers from persistent_peers field")
		}
		if err := n.sw.DialPeersAsync(peers); err != nil {
			return errors.Wrap(err, "could not dial peers from persistent_peers field")
		}
	}

	if err := n.syncer.Start(); err != nil {
		return err
	}
	if n.generator != nil {
		if err := n.generator.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) OnStop() {
	n.Logger.Info("Stopping Node")

	if n.generator != nil {
		if err := n.generator.Stop(); err != nil {
			n.Logger.Error("Error stopping generator", "err", err)
		}
	}
	if err := n.syncer.Stop(); err != nil {
		n.Logger.Error("Error stopping syncer", "err", err)
	}
	if err := n.consensusReactor.Stop(); err != nil {
		n.Logger.Error("Error stopping consensus reactor", "err", err)
	}
	if err := n.mempoolReactor.Stop(); err != nil {
		n.Logger.Error("Error stopping mempool reactor", "err", err)
	}
	if n.monitor != nil {
		if err := n.monitor.Stop(); err != nil {
			n.Logger.Error("Error stopping monitor", "err", err)
		}
	}

	if n.sw != nil {
		if err := n.sw.Stop(); err != nil {
			n.Logger.Error("Error closing switch", "err", err)
		}
		if err := n.transport.Close(); err != nil {
			n.Logger.Error("Error closing transport", "err", err)
		}
	}
	if n.localHub != nil {
		n.localHub.Leave(n.nodeKey.ID())
	}

	n.engine.EventSwitch().RemoveListener(nodeListener)
	if err := n.blockStore.Close(); err != nil {
		n.Logger.Error("Error closing block store", "err", err)
	}
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) ID() p2p.ID {
	return n.nodeKey.ID()
}

func (n *Node) Config() *cfg.Config {
	return n.config
}

func (n *Node) Engine() *consensus.Engine {
	return n.engine
}

func (n *Node) BlockStore() store.BlockStore {
	return n.blockStore
}

func (n *Node) Mempool() *mempool.ListMempool {
	return n.mempool
}

func (n *Node) Syncer() *syncer.Coordinator {
	return n.syncer
}

func (n *Node) Monitor() *monitor.Server {
	return n.monitor
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
