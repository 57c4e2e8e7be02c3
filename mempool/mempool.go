package mempool

import (
	"forkchain/types"
	"github.com/tendermint/tendermint/p2p"
)

type Mempool interface {
	// CheckTx检验一个新交易是否合法，来决定能否将其加入到mempool中
	CheckTx(types.Tx, TxInfo) error

	// ReapMaxBytes从mempool中打包交易，打包交易的大小小于maxBytes
	// 如果maxBytes是负数则表示取出mempool所有的交易
	ReapMaxBytes(maxBytes int64) types.Txs

	// ReapMaxTxs从mempool中取出caller指定数量的交易
	// 如果max是负数则表示取出mempool所有的交易
	ReapMaxTxs(max int) types.Txs

	// Lock locks the mempool，更新mempool前必须lock mempool
	Lock()

	// UnLock the Mempool
	Unlock()

	// Update 已经finalized的交易从mempool中删去
	// NOTE: 该函数只能在block被提交后才能调用
	// NOTE: caller负责Lock/Unlock
	Update(height int64, txs types.Txs) error

	// Flush将mempool中的所有交易和和cache清空
	Flush()

	// Size返回mempool中的交易条数
	Size() int

	// TxsBytes返回mempool所有交易的byte大小
	TxsBytes() int64
}

//--------------------------------------------------------------------------------
type PreCheckFunc func(types.Tx) error

// UnknownPeerID is the peer ID to use when running CheckTx when there is
// no peer (e.g. RPC)
const UnknownPeerID = p2p.ID("")

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the p2p.ID of the sender, txs are never gossiped back to it.
	SenderID p2p.ID
}
