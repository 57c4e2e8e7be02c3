package consensus

import (
	"forkchain/network"
	"forkchain/types"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"time"
)

const (
	reactorListener = "consensus-reactor"

	recvQueueCapacity       = 1024
	defaultFinalizeInterval = 500 * time.Millisecond
)

// SyncBackend 由syncer实现，reactor在发现落后时通知它
type SyncBackend interface {
	IsSyncing() bool

	// RequestBackfill 向peer请求orphan缺失的祖先，然后重新追加orphan
	RequestBackfill(peer p2p.ID, orphan *types.Proposal)

	// PeerAhead peer finalize的高度超过了本地
	PeerAhead(peer p2p.ID, height int64)
}

type nopSyncBackend struct{}

func (nopSyncBackend) IsSyncing() bool                         { return false }
func (nopSyncBackend) RequestBackfill(p2p.ID, *types.Proposal) {}
func (nopSyncBackend) PeerAhead(p2p.ID, int64)                 {}

// Reactor 处理网络上的提案、finalized区块以及ballot
type Reactor struct {
	service.BaseService

	engine  *Engine
	net     network.Network
	ballots *BallotPool
	privVal types.PrivValidator
	syncer  SyncBackend

	proposals  <-chan network.Envelope
	blocks     <-chan network.Envelope
	ballotMsgs <-chan network.Envelope

	finalizeInterval time.Duration
}

type ReactorOption func(*Reactor)

func SetSyncBackend(backend SyncBackend) ReactorOption {
	return func(conR *Reactor) {
		conR.syncer = backend
	}
}

// SetPrivValidator vote模式下验证者对收到的提案签名ballot
func SetPrivValidator(pv types.PrivValidator) ReactorOption {
	return func(conR *Reactor) {
		conR.privVal = pv
	}
}

func SetBallotPool(pool *BallotPool) ReactorOption {
	return func(conR *Reactor) {
		conR.ballots = pool
	}
}

func SetFinalizeInterval(d time.Duration) ReactorOption {
	return func(conR *Reactor) {
		conR.finalizeInterval = d
	}
}

func NewReactor(engine *Engine, net network.Network, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		engine:           engine,
		net:              net,
		ballots:          NewBallotPool(),
		syncer:           nopSyncBackend{},
		finalizeInterval: defaultFinalizeInterval,
	}
	conR.BaseService = *service.NewBaseService(nil, "Consensus", conR)
	conR.proposals = net.Subscribe(network.ProposalChannel, recvQueueCapacity)
	conR.blocks = net.Subscribe(network.BlockChannel, recvQueueCapacity)
	conR.ballotMsgs = net.Subscribe(network.BallotChannel, recvQueueCapacity)

	for _, option := range options {
		option(conR)
	}
	return conR
}

func (conR *Reactor) Engine() *Engine {
	return conR.engine
}

func (conR *Reactor) BallotPool() *BallotPool {
	return conR.ballots
}

// OnStart implements service.Service.
func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")
	if err := conR.subscribeToBroadcastEvents(); err != nil {
		return err
	}
	go conR.recvRoutine()
	go conR.finalizeRoutine()
	return nil
}

// OnStop implements service.Service.
func (conR *Reactor) OnStop() {
	conR.engine.EventSwitch().RemoveListener(reactorListener)
}

// subscribeToBroadcastEvents 订阅需要广播的事件
func (conR *Reactor) subscribeToBroadcastEvents() error {
	// finalize的区块广播给落后的peer
	return conR.engine.EventSwitch().AddListenerForEvent(reactorListener, EventFinalizedBlock, func(data events.EventData) {
		ev := data.(EventDataFinalizedBlock)
		conR.net.Broadcast(network.BlockChannel, &BlockMessage{Block: ev.Block})
		conR.ballots.PruneBelow(ev.Block.Height)
	})
}

func (conR *Reactor) recvRoutine() {
	for {
		select {
		case <-conR.Quit():
			conR.Logger.Info("recvRoutine quit.")
			return
		case env := <-conR.proposals:
			conR.handleProposal(env)
		case env := <-conR.blocks:
			conR.handleBlock(env)
		case env := <-conR.ballotMsgs:
			conR.handleBallot(env)
		}
	}
}

// finalizeRoutine 定期检查是否可以finalize
func (conR *Reactor) finalizeRoutine() {
	ticker := time.NewTicker(conR.finalizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conR.Quit():
			return
		case <-ticker.C:
			if conR.syncer.IsSyncing() || conR.engine.Halted() {
				continue
			}
			if _, err := conR.engine.TryFinalize(); err != nil {
				conR.Logger.Error("try finalize failed", "err", err)
			}
		}
	}
}

func (conR *Reactor) handleProposal(env network.Envelope) {
	msg, ok := env.Message.(*ProposalMessage)
	if !ok {
		conR.Logger.Error("Unknown message type", "src", env.From, "msg", env.Message)
		return
	}
	// 同步完成之前不处理提案
	if conR.syncer.IsSyncing() {
		return
	}

	p := msg.Proposal
	_, err := conR.engine.AppendProposal(p)
	switch {
	case err == nil || errors.Is(err, ErrBlockStoreWrite):
		if err != nil {
			conR.Logger.Error("finalize after append failed", "err", err)
		}
		conR.net.BroadcastWithExclude(network.ProposalChannel, msg, env.From)
		conR.signBallot(p)
	case errors.Is(err, ErrOrphanProposal):
		conR.Logger.Debug("receive orphan proposal", "src", env.From, "height", p.Height(), "hash", p.Hash())
		conR.syncer.RequestBackfill(env.From, p)
	case errors.Is(err, ErrDuplicateProposal):
	default:
		conR.Logger.Info("drop proposal", "src", env.From, "proposal", p, "err", err)
	}
}

func (conR *Reactor) handleBlock(env network.Envelope) {
	msg, ok := env.Message.(*BlockMessage)
	if !ok {
		conR.Logger.Error("Unknown message type", "src", env.From, "msg", env.Message)
		return
	}
	if conR.syncer.IsSyncing() {
		return
	}

	// 其他节点finalize的区块只作为提示，是否finalize由本地的fork和确认规则决定
	block := msg.Block
	height := conR.engine.Height()
	switch {
	case block.Height <= height:
		return
	case block.Height == height+1 && conR.engine.HasProposal(block.Hash()):
		if _, err := conR.engine.TryFinalize(); err != nil {
			conR.Logger.Error("finalize after finalized block failed", "src", env.From, "err", err)
		}
	default:
		conR.syncer.PeerAhead(env.From, block.Height)
	}
}

func (conR *Reactor) handleBallot(env network.Envelope) {
	msg, ok := env.Message.(*BallotMessage)
	if !ok {
		conR.Logger.Error("Unknown message type", "src", env.From, "msg", env.Message)
		return
	}
	if conR.syncer.IsSyncing() {
		return
	}

	params := conR.engine.Params()
	if params.Mode != types.MetadataVote {
		return
	}
	if err := msg.Ballot.Verify(params.ChainID, params.Validators); err != nil {
		conR.Logger.Info("drop ballot", "src", env.From, "ballot", msg.Ballot, "err", err)
		return
	}
	if conR.ballots.Add(*msg.Ballot) {
		conR.net.BroadcastWithExclude(network.BallotChannel, msg, env.From)
	}
}

// signBallot vote模式下对接受的提案投票，提案人自己不投票
func (conR *Reactor) signBallot(p *types.Proposal) {
	params := conR.engine.Params()
	if params.Mode != types.MetadataVote || conR.privVal == nil {
		return
	}
	pubKey, err := conR.privVal.GetPubKey()
	if err != nil {
		conR.Logger.Error("can't get pubkey", "err", err)
		return
	}
	addr := types.GetAddress(pubKey)
	_, val := params.Validators.GetByAddress(addr)
	if val == nil || addr.Equal(p.Block.ProposerAddr) {
		return
	}

	ballot := &types.Ballot{
		Height:           p.Height(),
		BlockHash:        p.Hash(),
		ValidatorAddress: addr,
		VotingPower:      val.VotingPower,
	}
	if err := conR.privVal.SignBallot(params.ChainID, ballot); err != nil {
		conR.Logger.Error("sign ballot failed", "err", err)
		return
	}
	conR.ballots.Add(*ballot)
	conR.net.Broadcast(network.BallotChannel, &BallotMessage{Ballot: ballot})
}
