package consensus

import (
	"forkchain/network"
	"forkchain/state"
	"forkchain/types"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"sync"
	"testing"
	"time"
)

// fakeSyncer 记录reactor对syncer的调用
type fakeSyncer struct {
	mtx       sync.Mutex
	syncing   bool
	backfills []p2p.ID
	orphans   []*types.Proposal
	ahead     map[p2p.ID]int64
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{ahead: make(map[p2p.ID]int64)}
}

func (s *fakeSyncer) IsSyncing() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.syncing
}

func (s *fakeSyncer) RequestBackfill(peer p2p.ID, orphan *types.Proposal) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.backfills = append(s.backfills, peer)
	s.orphans = append(s.orphans, orphan)
}

func (s *fakeSyncer) PeerAhead(peer p2p.ID, height int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.ahead[peer] = height
}

func (s *fakeSyncer) aheadOf(peer p2p.ID) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.ahead[peer]
}

func (s *fakeSyncer) backfillCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.backfills)
}

func startReactor(t *testing.T, hub *network.LocalHub, id p2p.ID, engine *Engine, options ...ReactorOption) *Reactor {
	conR := NewReactor(engine, hub.Join(id), append([]ReactorOption{SetFinalizeInterval(10 * time.Millisecond)}, options...)...)
	conR.SetLogger(log.TestingLogger().With("node", id))
	require.NoError(t, conR.Start())
	return conR
}

func stopReactors(t *testing.T, reactors ...*Reactor) {
	for _, r := range reactors {
		require.NoError(t, r.Stop())
	}
}

// 提案经过中间节点转发给没有直接连接的节点
func TestReactorRelayProposal(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	hub.SetLink("a", "c", false)
	a := hub.Join("a")

	engineB, _, genState := newTestEngine(t, testPolicy(6))
	engineC, _, _ := newTestEngine(t, testPolicy(6))
	rb := startReactor(t, hub, "b", engineB)
	rc := startReactor(t, hub, "c", engineC)
	defer stopReactors(t, rb, rc)

	p, _ := makeProposal(t, genState)
	a.Broadcast(network.ProposalChannel, &ProposalMessage{Proposal: p})

	assert.Eventually(t, func() bool {
		return engineB.HasProposal(p.Hash()) && engineC.HasProposal(p.Hash())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReactorOrphanBackfill(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := hub.Join("a")
	engine, _, genState := newTestEngine(t, testPolicy(6))
	syncer := newFakeSyncer()
	r := startReactor(t, hub, "b", engine, SetSyncBackend(syncer))
	defer stopReactors(t, r)

	ps, _ := makeChain(t, genState, 2)
	require.True(t, a.Send("b", network.ProposalChannel, &ProposalMessage{Proposal: ps[1]}))

	assert.Eventually(t, func() bool {
		return syncer.backfillCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	syncer.mtx.Lock()
	assert.Equal(t, p2p.ID("a"), syncer.backfills[0])
	assert.Equal(t, ps[1].Hash(), syncer.orphans[0].Hash())
	syncer.mtx.Unlock()
	assert.Equal(t, 1, engine.OrphanCount())

	// 同步过程中不处理提案
	syncer.mtx.Lock()
	syncer.syncing = true
	syncer.mtx.Unlock()
	require.True(t, a.Send("b", network.ProposalChannel, &ProposalMessage{Proposal: ps[0]}))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, engine.HasProposal(ps[0].Hash()))
}

func TestReactorFinalizedBlock(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	x := hub.Join("x")
	blocks := x.Subscribe(network.BlockChannel, 10)

	engineA, _, genState := newTestEngine(t, testPolicy(1))
	engineB, _, _ := newTestEngine(t, testPolicy(1))
	syncer := newFakeSyncer()
	ra := startReactor(t, hub, "a", engineA)
	rb := startReactor(t, hub, "b", engineB, SetSyncBackend(syncer))
	defer stopReactors(t, ra, rb)

	// b与a断开，a finalize之后广播区块
	hub.SetLink("a", "b", false)
	ps, _ := makeChain(t, genState, 3)
	for _, p := range ps {
		_, err := engineA.AppendProposal(p)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, engineA.Height())
	for i := 0; i < 3; i++ {
		select {
		case env := <-blocks:
			msg := env.Message.(*BlockMessage)
			assert.Equal(t, ps[i].Hash(), msg.Block.Hash())
		case <-time.After(time.Second):
			t.Fatalf("finalized block %d was not broadcast", i)
		}
	}

	// b的fork中没有这个区块，只通知syncer
	require.True(t, x.Send("b", network.BlockChannel, &BlockMessage{Block: ps[0].Block}))
	assert.Eventually(t, func() bool {
		return syncer.aheadOf("x") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, engineB.Height())

	// 更高的区块同样通知syncer
	require.True(t, x.Send("b", network.BlockChannel, &BlockMessage{Block: ps[2].Block}))
	assert.Eventually(t, func() bool {
		return syncer.aheadOf("x") == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, engineB.Height())
}

// 其他节点广播的finalized区块不能绕过本地的确认规则
func TestReactorGossipedBlockNotCommitted(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	x := hub.Join("x")
	engine, _, genState := newTestEngine(t, testPolicy(6))
	syncer := newFakeSyncer()
	r := startReactor(t, hub, "b", engine, SetSyncBackend(syncer))
	defer stopReactors(t, r)

	ps, _ := makeChain(t, genState, 5)
	appendAll(t, engine, ps)
	require.Equal(t, []int{5}, forkDepths(engine))
	tip := ps[4].Hash()

	// 没有签名也没有pow的冲突区块
	forged := types.MakeBlock(genState.ChainID, 1, genState.LastHash, nil, genState.AccountsHash(), nil, time.Now())
	require.NotEqual(t, ps[0].Hash(), forged.Hash())
	require.True(t, x.Send("b", network.BlockChannel, &BlockMessage{Block: forged}))
	assert.Eventually(t, func() bool {
		return syncer.aheadOf("x") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, engine.Height())
	assert.Equal(t, []int{5}, forkDepths(engine))
	best, err := engine.BestFork()
	require.NoError(t, err)
	assert.Equal(t, tip, best.TipHash())

	// fork中已有的区块也要等本地深度满足threshold
	require.True(t, x.Send("b", network.BlockChannel, &BlockMessage{Block: ps[0].Block}))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, engine.Height())
	assert.True(t, engine.HasProposal(ps[0].Hash()))
}

// vote模式下验证者对收到的提案签名ballot并广播
func TestReactorBallot(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	vals, privs := types.RandValidatorSet(3, 10)
	params := types.ConsensusParams{ChainID: testChainID, Mode: types.MetadataVote, Validators: vals}
	kv, genState := newTestStore(t)
	engine, err := NewEngine(testPolicy(6), params, state.NewSmallBankVerifier(), kv)
	require.NoError(t, err)

	hub := network.NewLocalHub()
	x := hub.Join("x")
	ballots := x.Subscribe(network.BallotChannel, 10)
	r := startReactor(t, hub, "v0", engine, SetPrivValidator(privs[0]))
	defer stopReactors(t, r)

	// 高度1的leader是vals[1]
	leader := vals.GetProposer(1)
	_, root := state.NewSmallBankVerifier().ExecuteTxs(genState, types.Txs{})
	block := types.MakeBlock(testChainID, 1, genState.LastHash, types.Txs{}, root, leader.Address, genesisTime.Add(time.Second))
	require.NoError(t, privs[1].SignBlock(block))
	p := types.NewProposal(block, types.NewVoteMetadata(leader.VotingPower, nil))
	require.True(t, x.Send("v0", network.ProposalChannel, &ProposalMessage{Proposal: p}))

	select {
	case env := <-ballots:
		msg := env.Message.(*BallotMessage)
		assert.Equal(t, p.Hash(), msg.Ballot.BlockHash)
		assert.NoError(t, msg.Ballot.Verify(testChainID, vals))
		_, val := vals.GetByIndex(0)
		assert.Equal(t, val.Address, msg.Ballot.ValidatorAddress)
	case <-time.After(2 * time.Second):
		t.Fatal("no ballot was broadcast")
	}
	assert.Len(t, r.BallotPool().Ballots(p.Hash(), nil), 1)
}
