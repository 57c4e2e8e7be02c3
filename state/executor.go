package state

import (
	"forkchain/mempool"
	"forkchain/types"
	"github.com/tendermint/tendermint/libs/log"
	tmtime "github.com/tendermint/tendermint/types/time"
)

type BlockExecutor interface {
	// CreateBlock 从mempool按照交易到达的顺序打包交易
	// exclude中的交易(已经在目标fork中)以及执行失败的交易不会被打包
	CreateBlock(state State, proposer types.Address, exclude map[types.TxKey]struct{}) *types.Block

	// Commit 区块finalized之后从mempool删除其中的交易
	Commit(block *types.Block) error

	SetLogger(logger log.Logger)
}

type BlockExecutorOption func(*blockExecutor)

// SetMaxTxsPerBlock 限制每个区块打包的交易数，<=0表示不限制
func SetMaxTxsPerBlock(max int) BlockExecutorOption {
	return func(exec *blockExecutor) {
		exec.maxTxs = max
	}
}

// SetMaxBlockTxsBytes 限制每个区块打包的交易总大小，<0表示不限制
func SetMaxBlockTxsBytes(max int64) BlockExecutorOption {
	return func(exec *blockExecutor) {
		exec.maxBytes = max
	}
}

func NewBlockExecutor(mempool mempool.Mempool, verifier Verifier, options ...BlockExecutorOption) BlockExecutor {
	blockexec := &blockExecutor{
		mempool:  mempool,
		verifier: verifier,
		maxBytes: -1,
		logger:   log.NewNopLogger(),
	}
	for _, option := range options {
		option(blockexec)
	}

	return blockexec
}

type blockExecutor struct {
	mempool  mempool.Mempool
	verifier Verifier

	maxTxs   int
	maxBytes int64

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// CreateBlock implements BlockExecutor
// 返回的区块没有签名
func (exec *blockExecutor) CreateBlock(state State, proposer types.Address, exclude map[types.TxKey]struct{}) *types.Block {
	reaped := exec.mempool.ReapMaxBytes(exec.maxBytes)

	candidates := make(types.Txs, 0, len(reaped))
	for _, tx := range reaped {
		if _, ok := exclude[tx.Key()]; ok {
			continue
		}
		candidates = append(candidates, tx)
	}

	txs, root := exec.verifier.ExecuteTxs(state, candidates)
	if exec.maxTxs > 0 && len(txs) > exec.maxTxs {
		txs, root = exec.verifier.ExecuteTxs(state, txs[:exec.maxTxs])
	}
	exec.logger.Debug("create block", "height", state.LastHeight+1, "reaped", len(reaped), "txs", len(txs))

	return types.MakeBlock(state.ChainID, state.LastHeight+1, state.LastHash, txs, root, proposer, tmtime.Now())
}

// Commit implements BlockExecutor
// 提交成功后更新mempool，首先加锁
func (exec *blockExecutor) Commit(block *types.Block) error {
	exec.mempool.Lock()
	defer exec.mempool.Unlock()

	if err := exec.mempool.Update(block.Height, block.Txs); err != nil {
		exec.logger.Error("update mempool failed", "height", block.Height, "err", err)
		return err
	}
	return nil
}
