package consensus

import (
	"fmt"
	"forkchain/mempool"
	"forkchain/network"
	"forkchain/state"
	"forkchain/types"
	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"testing"
	"time"
)

func newTestGenerator(t *testing.T, engine *Engine, pv types.PrivValidator, net network.Network, txs types.Txs, options ...GeneratorOption) *ProposalGenerator {
	mem := mempool.NewListMempool(cfg.TestMempoolConfig(), 0)
	for _, tx := range txs {
		require.NoError(t, mem.CheckTx(tx, mempool.TxInfo{}))
	}
	blockExec := state.NewBlockExecutor(mem, state.NewSmallBankVerifier())
	g, err := NewProposalGenerator(engine, blockExec, pv, net, options...)
	require.NoError(t, err)
	g.SetLogger(log.TestingLogger())
	return g
}

func TestGeneratorPropose(t *testing.T) {
	engine, _, _ := newTestEngine(t, testPolicy(6))
	hub := network.NewLocalHub()
	peer := hub.Join("peer")
	received := peer.Subscribe(network.ProposalChannel, 10)

	tx := types.NewTx(types.TxDepositChecking, 1, "alice", "10")
	g := newTestGenerator(t, engine, testPV, hub.Join("miner"), types.Txs{tx}, SetTargetBits(4))

	p1, err := g.Propose()
	require.NoError(t, err)
	assert.EqualValues(t, 1, p1.Height())
	assert.Equal(t, types.Txs{tx}, p1.Block.Txs)
	assert.EqualValues(t, 4, p1.Metadata.Pow.TargetBits)
	assert.True(t, types.CheckPow(p1.Hash(), p1.Metadata.Pow.Nonce, 4))
	assert.True(t, engine.HasProposal(p1.Hash()))

	select {
	case env := <-received:
		msg, ok := env.Message.(*ProposalMessage)
		require.True(t, ok)
		assert.Equal(t, p1.Hash(), msg.Proposal.Hash())
	case <-time.After(time.Second):
		t.Fatal("proposal was not broadcast")
	}

	// best fork上已经包含的交易不会被再次打包
	p2, err := g.Propose()
	require.NoError(t, err)
	assert.Equal(t, p1.Hash(), p2.PrevHash())
	assert.Empty(t, p2.Block.Txs)
	assert.Equal(t, []int{2}, forkDepths(engine))
}

func TestGeneratorTargetBelowMinimum(t *testing.T) {
	kv, _ := newTestStore(t)
	params := powParams()
	params.MinTargetBits = 8
	engine, err := NewEngine(testPolicy(6), params, state.NewSmallBankVerifier(), kv)
	require.NoError(t, err)

	mem := mempool.NewListMempool(cfg.TestMempoolConfig(), 0)
	blockExec := state.NewBlockExecutor(mem, state.NewSmallBankVerifier())
	_, err = NewProposalGenerator(engine, blockExec, testPV, network.NewLocalHub().Join("a"), SetTargetBits(4))
	assert.Error(t, err)
}

// best fork变化之后正在进行的挖矿被放弃
func TestGeneratorCancellation(t *testing.T) {
	engine, _, genState := newTestEngine(t, testPolicy(100))
	g := newTestGenerator(t, engine, testPV, network.NewLocalHub().Join("miner"), nil,
		SetTargetBits(types.MaxTargetBits), SetPollInterval(16))

	done := make(chan error, 1)
	go func() {
		_, err := g.Propose()
		done <- err
	}()

	// 不断追加新的提案直到挖矿停止
	st := genState
	timeout := time.After(5 * time.Second)
	for {
		var p *types.Proposal
		p, st = makeProposal(t, st)
		_, err := engine.AppendProposal(p)
		require.NoError(t, err)

		select {
		case err := <-done:
			assert.True(t, errors.Is(err, errMiningAborted), "unexpected error %v", err)
			return
		case <-timeout:
			t.Fatal("mining was not aborted")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestGeneratorStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	engine, _, _ := newTestEngine(t, testPolicy(2))
	g := newTestGenerator(t, engine, testPV, network.NewLocalHub().Join("miner"), nil,
		SetProposeInterval(5*time.Millisecond))

	require.NoError(t, g.Start())
	assert.Eventually(t, func() bool {
		return engine.Height() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, g.Stop())

	// 停止之后不再出块，等待可能正在进行的一次出块结束
	time.Sleep(20 * time.Millisecond)
	height := engine.Height()
	status := engine.Status()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, height, engine.Height())
	assert.Equal(t, status.BestTip, engine.Status().BestTip)
}

func TestGeneratorVoteMode(t *testing.T) {
	vals, privs := types.RandValidatorSet(3, 10)
	params := types.ConsensusParams{ChainID: testChainID, Mode: types.MetadataVote, Validators: vals}

	kv, _ := newTestStore(t)
	engine, err := NewEngine(testPolicy(6), params, state.NewSmallBankVerifier(), kv)
	require.NoError(t, err)
	engine.SetLogger(log.TestingLogger())

	hub := network.NewLocalHub()
	pool := NewBallotPool()
	generators := make([]*ProposalGenerator, len(privs))
	for i, pv := range privs {
		generators[i] = newTestGenerator(t, engine, pv, hub.Join(p2p.ID(fmt.Sprintf("val%d", i))), nil, SetGeneratorBallotPool(pool))
	}

	// 高度1的leader是vals[1]
	_, err = generators[0].Propose()
	assert.True(t, errors.Is(err, errNotLeader))
	p1, err := generators[1].Propose()
	require.NoError(t, err)
	assert.Empty(t, p1.Metadata.Vote.Ballots)
	assert.EqualValues(t, 10, p1.Weight())

	// vals[0]对p1投票，高度2的leader打包该ballot
	_, val := vals.GetByIndex(0)
	ballot := &types.Ballot{
		Height:           p1.Height(),
		BlockHash:        p1.Hash(),
		ValidatorAddress: val.Address,
		VotingPower:      val.VotingPower,
	}
	require.NoError(t, privs[0].SignBallot(testChainID, ballot))
	require.NoError(t, ballot.Verify(testChainID, vals))
	assert.True(t, pool.Add(*ballot))

	p2, err := generators[2].Propose()
	require.NoError(t, err)
	assert.Equal(t, p1.Hash(), p2.PrevHash())
	require.Len(t, p2.Metadata.Vote.Ballots, 1)
	assert.Equal(t, val.Address, p2.Metadata.Vote.Ballots[0].ValidatorAddress)
	assert.EqualValues(t, 20, p2.Weight())

	best, err := engine.BestFork()
	require.NoError(t, err)
	assert.EqualValues(t, 30, best.Rank(RankByWeight))
}
