package store

import (
	"forkchain/state"
	"forkchain/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"
	"io/ioutil"
	"os"
	"testing"
	"time"
)

func genesis() (state.State, *types.Block) {
	genDoc := &types.GenesisDoc{
		ChainID:     "store_test",
		GenesisTime: time.Unix(1600000000, 0),
		Accounts:    []types.GenesisAccount{{Name: "alice", Saving: 10, Checking: 10}},
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		panic(err)
	}
	return state.MakeGenesisState(genDoc)
}

// nextBlock 在st上生成一个存一笔钱的区块，返回区块以及新的state
func nextBlock(t *testing.T, st state.State) (*types.Block, state.State) {
	verifier := state.NewSmallBankVerifier()
	txs, root := verifier.ExecuteTxs(st, types.Txs{types.NewTx(types.TxDepositChecking, st.LastHeight, "alice", "1")})
	require.Len(t, txs, 1)
	block := types.MakeBlock(st.ChainID, st.LastHeight+1, st.LastHash, txs, root, nil, time.Now())
	delta, err := verifier.Verify(st, block)
	require.NoError(t, err)
	next := st.Copy()
	next.ApplyDelta(delta)
	return block, next
}

func newMemStore(t *testing.T) *KVStore {
	kv, err := NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	require.NoError(t, err)
	return kv
}

func TestKVStoreAppend(t *testing.T) {
	kv := newMemStore(t)
	assert.True(t, kv.IsEmpty())
	height, hash := kv.Last()
	assert.EqualValues(t, -1, height)
	assert.Nil(t, hash)

	st, genBlock := genesis()
	require.NoError(t, kv.InitGenesis(genBlock, st))
	assert.False(t, kv.IsEmpty())

	blocks := []*types.Block{}
	for i := 0; i < 5; i++ {
		var block *types.Block
		block, st = nextBlock(t, st)
		blocks = append(blocks, block)
	}
	require.NoError(t, kv.AppendBlocks(blocks[:3], stateAt(t, genBlock, blocks[:3])))
	require.NoError(t, kv.Append(blocks[3], stateAt(t, genBlock, blocks[:4])))

	height, hash = kv.Last()
	assert.EqualValues(t, 4, height)
	assert.Equal(t, blocks[3].Hash(), hash)

	assert.True(t, kv.HasBlock(blocks[1].Hash()))
	assert.False(t, kv.HasBlock(blocks[4].Hash()))
	assert.Equal(t, blocks[2].Hash(), kv.BlockByHeight(3).Hash())
	assert.Equal(t, blocks[2].Hash(), kv.BlockByHash(blocks[2].Hash()).Hash())
	assert.Nil(t, kv.BlockByHeight(10))

	got, err := kv.GetBlocksAfter(1, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 2, got[0].Height)
	assert.EqualValues(t, 4, got[2].Height)

	got, err = kv.GetBlocksAfter(0, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = kv.GetBlocksAfter(4, 2)
	require.NoError(t, err)
	assert.Empty(t, got)

	loaded, err := kv.LoadState()
	require.NoError(t, err)
	assert.EqualValues(t, 4, loaded.LastHeight)
	assert.EqualValues(t, 14, loaded.Accounts["alice"].Checking)
}

// stateAt 从创世状态依次执行blocks
func stateAt(t *testing.T, genBlock *types.Block, blocks []*types.Block) state.State {
	st, _ := genesis()
	for _, block := range blocks {
		delta, err := state.NewSmallBankVerifier().Verify(st, block)
		require.NoError(t, err)
		st.ApplyDelta(delta)
	}
	return st
}

func TestKVStoreRejectsNonContiguous(t *testing.T) {
	kv := newMemStore(t)
	st, genBlock := genesis()
	require.NoError(t, kv.InitGenesis(genBlock, st))

	b1, s1 := nextBlock(t, st)
	b2, s2 := nextBlock(t, s1)

	// 跳过了b1
	err := kv.Append(b2, s2)
	assert.True(t, errors.Is(err, ErrNonContiguous))

	// batch内部不连续，整个batch都不会写入
	err = kv.AppendBlocks([]*types.Block{b1, b1}, s2)
	assert.True(t, errors.Is(err, ErrNonContiguous))
	height, _ := kv.Last()
	assert.EqualValues(t, 0, height)
	assert.False(t, kv.HasBlock(b1.Hash()))

	// state与最后一个区块不一致
	assert.Error(t, kv.Append(b1, s2))

	require.NoError(t, kv.AppendBlocks([]*types.Block{b1, b2}, s2))
}

func TestNewKVStoreBackends(t *testing.T) {
	dir, err := ioutil.TempDir("", "store_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	kv, err := NewKVStore("blockstore", MemDBBackend, dir, log.TestingLogger())
	require.NoError(t, err)
	assert.True(t, kv.IsEmpty())
	require.NoError(t, kv.Close())

	_, err = NewKVStore("blockstore", BackendType("rocksdb"), dir, log.TestingLogger())
	assert.Error(t, err)
}

func TestKVStoreReopen(t *testing.T) {
	dir, err := ioutil.TempDir("", "store_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	kv, err := NewKVStore("blockstore", GoLevelDBBackend, dir, log.TestingLogger())
	require.NoError(t, err)
	st, genBlock := genesis()
	require.NoError(t, kv.InitGenesis(genBlock, st))
	b1, s1 := nextBlock(t, st)
	require.NoError(t, kv.Append(b1, s1))
	require.NoError(t, kv.Close())

	kv, err = NewKVStore("blockstore", GoLevelDBBackend, dir, log.TestingLogger())
	require.NoError(t, err)
	defer kv.Close()

	height, hash := kv.Last()
	assert.EqualValues(t, 1, height)
	assert.Equal(t, b1.Hash(), hash)
	loaded, err := kv.LoadState()
	require.NoError(t, err)
	assert.Equal(t, s1.AccountsHash(), loaded.AccountsHash())

	// InitGenesis对非空store无效果
	require.NoError(t, kv.InitGenesis(genBlock, st))
	height, _ = kv.Last()
	assert.EqualValues(t, 1, height)
}

func TestMockStore(t *testing.T) {
	mock := NewMockStore(newMemStore(t))
	st, genBlock := genesis()
	require.NoError(t, mock.Append(genBlock, st))

	b1, s1 := nextBlock(t, st)
	mock.FailNext(2)
	assert.Equal(t, ErrInjectedFailure, mock.Append(b1, s1))
	assert.Equal(t, ErrInjectedFailure, mock.Append(b1, s1))
	assert.NoError(t, mock.Append(b1, s1))
	assert.Equal(t, 2, mock.Appends())

	mock.SetFail(true)
	b2, s2 := nextBlock(t, s1)
	assert.Error(t, mock.Append(b2, s2))
	height, _ := mock.Last()
	assert.EqualValues(t, 1, height)
}
