package state

import (
	mempl "forkchain/mempool"
	"forkchain/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"testing"
)

func newBlockExecutor(options ...BlockExecutorOption) (BlockExecutor, *mempl.ListMempool) {
	logger := log.NewFilter(log.TestingLogger(), log.AllowDebug())
	listMempool := mempl.NewListMempool(cfg.TestMempoolConfig(), 0)
	listMempool.SetLogger(logger)
	blockexec := NewBlockExecutor(listMempool, NewSmallBankVerifier(), options...)
	blockexec.SetLogger(logger)

	return blockexec, listMempool
}

// TestCreateBlock 测试打包的正确性
func TestCreateBlock(t *testing.T) {
	genstate, _ := MakeGenesisState(genesisDoc())
	blockExec, listMempool := newBlockExecutor()

	txs := types.Txs{}
	for i := 0; i < 10; i++ {
		tx := sbTx(types.TxDepositChecking, "alice", "1")
		txs = append(txs, tx)
		err := listMempool.CheckTx(tx, mempl.TxInfo{
			SenderID: mempl.UnknownPeerID,
		})
		assert.NoError(t, err, "add %vth tx into mempool failed.", i)
	}
	// 执行失败的交易不会被打包
	require.NoError(t, listMempool.CheckTx(sbTx(types.TxBalance, "nobody"), mempl.TxInfo{}))

	var block *types.Block
	assert.NotPanics(t, func() {
		block = blockExec.CreateBlock(genstate, nil, txs[:2].Keys())
	}, "create block failed.")

	require.Equal(t, 8, len(block.Txs), "block should contain 8 txs, but got %v", len(block.Txs))
	// 理论顺序打包
	for i := 0; i < 8; i++ {
		assert.Equal(t, txs[i+2], block.Txs[i], "%vth tx non-equal", i)
	}
	assert.EqualValues(t, 1, block.Height)
	assert.Equal(t, genstate.LastHash, block.PrevHash)

	_, err := NewSmallBankVerifier().Verify(genstate, block)
	assert.NoError(t, err)
}

func TestCreateBlockMaxTxs(t *testing.T) {
	genstate, _ := MakeGenesisState(genesisDoc())
	blockExec, listMempool := newBlockExecutor(SetMaxTxsPerBlock(3))

	for i := 0; i < 5; i++ {
		require.NoError(t, listMempool.CheckTx(sbTx(types.TxDepositChecking, "bob", "1"), mempl.TxInfo{}))
	}
	block := blockExec.CreateBlock(genstate, nil, nil)
	assert.Len(t, block.Txs, 3)

	_, err := NewSmallBankVerifier().Verify(genstate, block)
	assert.NoError(t, err)
}

func TestCommitUpdatesMempool(t *testing.T) {
	genstate, _ := MakeGenesisState(genesisDoc())
	blockExec, listMempool := newBlockExecutor()

	for i := 0; i < 4; i++ {
		require.NoError(t, listMempool.CheckTx(sbTx(types.TxDepositChecking, "bob", "1"), mempl.TxInfo{}))
	}
	block := blockExec.CreateBlock(genstate, nil, nil)
	require.NoError(t, blockExec.Commit(block))
	assert.Zero(t, listMempool.Size())
}
