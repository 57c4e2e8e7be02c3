package consensus

import (
	"forkchain/network"
	"forkchain/state"
	"forkchain/types"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/libs/service"
	"sync/atomic"
	"time"
)

const (
	generatorListener = "proposal-generator"

	defaultProposeInterval = time.Second
)

// ProposalGenerator 在best fork上生成新的提案
// pow: 搜索nonce，best fork变化时放弃当前的工作
// vote: 只有该高度的leader出块，打包对父区块的ballot
type ProposalGenerator struct {
	service.BaseService

	engine    *Engine
	blockExec state.BlockExecutor
	privVal   types.PrivValidator
	address   types.Address
	net       network.Network
	ballots   *BallotPool

	targetBits      uint32
	pollInterval    uint64
	proposeInterval time.Duration

	isSyncing func() bool

	// EventBestForkChanged到达时置1，挖矿循环轮询该标志
	stopFlag int32
}

type GeneratorOption func(*ProposalGenerator)

func SetTargetBits(bits uint32) GeneratorOption {
	return func(g *ProposalGenerator) {
		g.targetBits = bits
	}
}

func SetPollInterval(n uint64) GeneratorOption {
	return func(g *ProposalGenerator) {
		g.pollInterval = n
	}
}

// SetProposeInterval 两次出块尝试之间的间隔
func SetProposeInterval(d time.Duration) GeneratorOption {
	return func(g *ProposalGenerator) {
		g.proposeInterval = d
	}
}

func SetGeneratorBallotPool(pool *BallotPool) GeneratorOption {
	return func(g *ProposalGenerator) {
		g.ballots = pool
	}
}

// SetGeneratorSyncingFunc 同步过程中不出块
func SetGeneratorSyncingFunc(isSyncing func() bool) GeneratorOption {
	return func(g *ProposalGenerator) {
		g.isSyncing = isSyncing
	}
}

func NewProposalGenerator(
	engine *Engine,
	blockExec state.BlockExecutor,
	privVal types.PrivValidator,
	net network.Network,
	options ...GeneratorOption,
) (*ProposalGenerator, error) {
	pubKey, err := privVal.GetPubKey()
	if err != nil {
		return nil, errors.Wrap(err, "can't get pubkey")
	}

	g := &ProposalGenerator{
		engine:          engine,
		blockExec:       blockExec,
		privVal:         privVal,
		address:         types.GetAddress(pubKey),
		net:             net,
		ballots:         NewBallotPool(),
		targetBits:      engine.Params().MinTargetBits,
		pollInterval:    DefaultPollInterval,
		proposeInterval: defaultProposeInterval,
		isSyncing:       func() bool { return false },
	}
	g.BaseService = *service.NewBaseService(nil, "Generator", g)

	for _, option := range options {
		option(g)
	}
	if g.targetBits < engine.Params().MinTargetBits {
		return nil, errors.Errorf("target bits %d below minimum %d", g.targetBits, engine.Params().MinTargetBits)
	}
	return g, nil
}

func (g *ProposalGenerator) Address() types.Address {
	return g.address
}

// OnStart implements service.Service.
func (g *ProposalGenerator) OnStart() error {
	err := g.engine.EventSwitch().AddListenerForEvent(generatorListener, EventBestForkChanged, func(data events.EventData) {
		atomic.StoreInt32(&g.stopFlag, 1)
	})
	if err != nil {
		return err
	}
	go g.generateRoutine()
	return nil
}

// OnStop implements service.Service.
func (g *ProposalGenerator) OnStop() {
	g.engine.EventSwitch().RemoveListener(generatorListener)
}

func (g *ProposalGenerator) generateRoutine() {
	for {
		if !g.IsRunning() {
			return
		}

		if !g.isSyncing() && !g.engine.Halted() {
			p, err := g.Propose()
			switch {
			case err == nil:
				g.Logger.Info("proposed", "height", p.Height(), "hash", p.Hash(), "txs", len(p.Block.Txs))
			case errors.Is(err, errMiningAborted):
				g.Logger.Debug("best fork changed, mining aborted")
				continue
			case errors.Is(err, errNotLeader):
			default:
				g.Logger.Error("propose failed", "err", err)
			}
		}

		select {
		case <-g.Quit():
			return
		case <-time.After(g.proposeInterval):
		}
	}
}

// Propose 在当前的best fork上生成一个提案，加入engine并广播
func (g *ProposalGenerator) Propose() (*types.Proposal, error) {
	atomic.StoreInt32(&g.stopFlag, 0)
	gen := g.engine.BestTipGeneration()
	fork, err := g.engine.BestFork()
	if err != nil {
		return nil, err
	}

	params := g.engine.Params()
	st := fork.State()
	height := st.LastHeight + 1
	if params.Mode == types.MetadataVote {
		if leader := params.Validators.GetProposer(height); !leader.Address.Equal(g.address) {
			return nil, errNotLeader
		}
	}

	block := g.blockExec.CreateBlock(st, g.address, fork.TxKeys())
	if err := g.privVal.SignBlock(block); err != nil {
		return nil, errors.Wrap(err, "sign block")
	}

	stop := func() bool {
		select {
		case <-g.Quit():
			return true
		default:
		}
		return atomic.LoadInt32(&g.stopFlag) == 1 || g.engine.BestTipGeneration() != gen
	}

	var metadata types.Metadata
	switch params.Mode {
	case types.MetadataPow:
		nonce, err := mine(block.Hash(), g.targetBits, tmrand.Uint64(), g.pollInterval, stop)
		if err != nil {
			g.engine.metrics.aborted.Inc(1)
			return nil, err
		}
		metadata = types.NewPowMetadata(nonce, g.targetBits)
	case types.MetadataVote:
		_, val := params.Validators.GetByAddress(g.address)
		metadata = types.NewVoteMetadata(val.VotingPower, g.ballots.Ballots(block.PrevHash, g.address))
		if stop() {
			g.engine.metrics.aborted.Inc(1)
			return nil, errMiningAborted
		}
	default:
		return nil, errors.Errorf("unknown consensus mode %v", params.Mode)
	}

	proposal := types.NewProposal(block, metadata)
	if _, err := g.engine.AppendProposal(proposal); err != nil && !errors.Is(err, ErrBlockStoreWrite) {
		return nil, err
	}
	g.engine.metrics.mined.Inc(1)
	g.net.Broadcast(network.ProposalChannel, &ProposalMessage{Proposal: proposal})
	return proposal, nil
}
