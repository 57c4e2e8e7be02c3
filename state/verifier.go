package state

import (
	"forkchain/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"time"
)

// StateDelta - 在某个state上执行一个区块的结果
type StateDelta struct {
	Height    int64
	Hash      tmbytes.HexBytes
	Time      time.Time
	StateRoot tmbytes.HexBytes

	// 被修改过的账户
	Accounts map[string]Account
}

// Verifier 验证一个区块能否在给定state上执行
// 实现必须是纯函数，不能修改传入的state
type Verifier interface {
	Verify(state State, block *types.Block) (StateDelta, error)

	// ExecuteTxs 按顺序执行交易，跳过执行失败的交易
	// 返回成功执行的交易以及执行后的state root，用于打包区块
	ExecuteTxs(state State, txs types.Txs) (types.Txs, []byte)
}
