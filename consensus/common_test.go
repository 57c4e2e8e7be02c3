package consensus

import (
	"forkchain/state"
	"forkchain/store"
	"forkchain/types"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

const testChainID = "consensus_test"

var (
	genesisTime = time.Unix(1600000000, 0)
	testPV      = types.NewMockPV()

	// 保证同一个父区块上生成的区块hash不同
	blockSeq int64
)

func genesisDoc() *types.GenesisDoc {
	genDoc := &types.GenesisDoc{
		ChainID:     testChainID,
		GenesisTime: genesisTime,
		Accounts: []types.GenesisAccount{
			{Name: "alice", Saving: 1000, Checking: 1000},
			{Name: "bob", Saving: 1000, Checking: 1000},
		},
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		panic(err)
	}
	return genDoc
}

func powParams() types.ConsensusParams {
	return types.ConsensusParams{ChainID: testChainID, Mode: types.MetadataPow}
}

func testPolicy(threshold int) ConfirmationPolicy {
	policy := DefaultConfirmationPolicy()
	policy.ConfirmationThreshold = threshold
	return policy
}

func newTestStore(t *testing.T) (*store.KVStore, state.State) {
	st, genBlock := state.MakeGenesisState(genesisDoc())
	kv, err := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	require.NoError(t, err)
	require.NoError(t, kv.InitGenesis(genBlock, st))
	return kv, st
}

func newTestEngine(t *testing.T, policy ConfirmationPolicy) (*Engine, *store.KVStore, state.State) {
	kv, st := newTestStore(t)
	engine, err := NewEngine(policy, powParams(), state.NewSmallBankVerifier(), kv)
	require.NoError(t, err)
	engine.SetLogger(log.TestingLogger())
	return engine, kv, st
}

// makeProposal 在parent之后生成一个签名的pow提案(target 0)，返回提案以及执行之后的state
func makeProposal(t *testing.T, parent state.State, txs ...types.Tx) (*types.Proposal, state.State) {
	verifier := state.NewSmallBankVerifier()
	valid, root := verifier.ExecuteTxs(parent, txs)
	seq := atomic.AddInt64(&blockSeq, 1)

	block := types.MakeBlock(
		parent.ChainID,
		parent.LastHeight+1,
		parent.LastHash,
		valid,
		root,
		types.GetAddress(testPV.PrivKey.PubKey()),
		genesisTime.Add(time.Duration(seq)*time.Millisecond),
	)
	require.NoError(t, testPV.SignBlock(block))

	delta, err := verifier.Verify(parent, block)
	require.NoError(t, err)
	next := parent.Copy()
	next.ApplyDelta(delta)
	return types.NewProposal(block, types.NewPowMetadata(0, 0)), next
}

// makeChain 在parent之后连续生成n个提案
func makeChain(t *testing.T, parent state.State, n int) ([]*types.Proposal, state.State) {
	ps := make([]*types.Proposal, n)
	st := parent
	for i := 0; i < n; i++ {
		ps[i], st = makeProposal(t, st)
	}
	return ps, st
}

func appendAll(t *testing.T, engine *Engine, ps []*types.Proposal) {
	for i, p := range ps {
		_, err := engine.AppendProposal(p)
		require.NoError(t, err, "append #%d", i)
	}
}

func forkDepths(engine *Engine) []int {
	forks := engine.Forks()
	depths := make([]int, len(forks))
	for i, fc := range forks {
		depths[i] = fc.Depth()
	}
	sort.Sort(sort.Reverse(sort.IntSlice(depths)))
	return depths
}

// forkTips 排序之后的所有fork tip，用于比较两个engine的ForkSet
func forkTips(engine *Engine) []string {
	forks := engine.Forks()
	tips := make([]string, len(forks))
	for i, fc := range forks {
		tips[i] = fc.TipHash().String()
	}
	sort.Strings(tips)
	return tips
}
