package store

import (
	"forkchain/state"
	"forkchain/types"
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrNonContiguous = errors.New("blocks are not contiguous with the store")
	ErrNotFound      = errors.New("not found")
)

// BlockStore 保存canonical chain，只能在末尾追加
type BlockStore interface {
	// Append 追加一个区块以及执行完该区块后的state
	Append(block *types.Block, st state.State) error

	// AppendBlocks 原子地追加多个连续的区块，要么全部成功要么全部失败
	AppendBlocks(blocks []*types.Block, st state.State) error

	// GetBlocksAfter 返回高度在(height, height+count]之间的区块
	GetBlocksAfter(height int64, count int) ([]*types.Block, error)

	// Last 返回最后一个区块的高度以及hash，store为空时返回(-1, nil)
	Last() (int64, tmbytes.HexBytes)
	IsEmpty() bool

	BlockByHash(hash []byte) *types.Block
	BlockByHeight(height int64) *types.Block
	HasBlock(hash []byte) bool

	// LoadState 返回最后一次追加时保存的state
	LoadState() (state.State, error)

	Close() error
}
