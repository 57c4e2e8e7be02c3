package syncer

import (
	"forkchain/consensus"
	"forkchain/network"
	"forkchain/state"
	"forkchain/store"
	"forkchain/types"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tm-db/memdb"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

const testChainID = "syncer_test"

var (
	genesisTime = time.Unix(1600000000, 0)
	testPV      = types.NewMockPV()
	blockSeq    int64
)

func genesis() (state.State, *types.Block) {
	genDoc := &types.GenesisDoc{
		ChainID:     testChainID,
		GenesisTime: genesisTime,
		Accounts: []types.GenesisAccount{
			{Name: "alice", Saving: 1000, Checking: 1000},
		},
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		panic(err)
	}
	return state.MakeGenesisState(genDoc)
}

type testNode struct {
	id     p2p.ID
	engine *consensus.Engine
	store  *store.KVStore
	net    *network.LocalNetwork
	syncer *Coordinator
}

func newTestNode(t *testing.T, hub *network.LocalHub, id p2p.ID, threshold int, options ...CoordinatorOption) *testNode {
	st, genBlock := genesis()
	kv, err := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	require.NoError(t, err)
	require.NoError(t, kv.InitGenesis(genBlock, st))

	policy := consensus.DefaultConfirmationPolicy()
	policy.ConfirmationThreshold = threshold
	params := types.ConsensusParams{ChainID: testChainID, Mode: types.MetadataPow}
	engine, err := consensus.NewEngine(policy, params, state.NewSmallBankVerifier(), kv)
	require.NoError(t, err)
	engine.SetLogger(log.TestingLogger().With("node", id))

	net := hub.Join(id)
	options = append([]CoordinatorOption{
		SetRequestTimeout(500 * time.Millisecond),
		SetRetry(3, time.Millisecond, 10*time.Millisecond),
	}, options...)
	c := NewCoordinator(engine, kv, net, options...)
	c.SetLogger(log.TestingLogger().With("node", id))

	return &testNode{id: id, engine: engine, store: kv, net: net, syncer: c}
}

func (n *testNode) start(t *testing.T) {
	require.NoError(t, n.syncer.Start())
}

func (n *testNode) stop(t *testing.T) {
	require.NoError(t, n.syncer.Stop())
}

// makeProposal 在parent之后生成一个签名的pow提案(target 0)
func makeProposal(t *testing.T, parent state.State) (*types.Proposal, state.State) {
	verifier := state.NewSmallBankVerifier()
	txs, root := verifier.ExecuteTxs(parent, nil)
	seq := atomic.AddInt64(&blockSeq, 1)

	block := types.MakeBlock(parent.ChainID, parent.LastHeight+1, parent.LastHash, txs, root,
		types.GetAddress(testPV.PrivKey.PubKey()), genesisTime.Add(time.Duration(seq)*time.Millisecond))
	require.NoError(t, testPV.SignBlock(block))

	delta, err := verifier.Verify(parent, block)
	require.NoError(t, err)
	next := parent.Copy()
	next.ApplyDelta(delta)
	return types.NewProposal(block, types.NewPowMetadata(0, 0)), next
}

func makeChain(t *testing.T, parent state.State, n int) ([]*types.Proposal, state.State) {
	ps := make([]*types.Proposal, n)
	st := parent
	for i := 0; i < n; i++ {
		ps[i], st = makeProposal(t, st)
	}
	return ps, st
}

func appendAll(t *testing.T, engine *consensus.Engine, ps []*types.Proposal) {
	for i, p := range ps {
		_, err := engine.AppendProposal(p)
		require.NoError(t, err, "append #%d", i)
	}
}

func forkDepths(engine *consensus.Engine) []int {
	forks := engine.Forks()
	depths := make([]int, len(forks))
	for i, fc := range forks {
		depths[i] = fc.Depth()
	}
	sort.Sort(sort.Reverse(sort.IntSlice(depths)))
	return depths
}
