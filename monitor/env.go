package monitor

import (
	"errors"
	"fmt"
	"forkchain/consensus"
	"forkchain/libs/metric"
	"forkchain/mempool"
	"forkchain/store"
	"forkchain/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/p2p"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

// SyncStatus 只读的同步状态
type SyncStatus interface {
	IsSyncing() bool
}

// Environment 是rpc调用能访问到的节点模块
type Environment struct {
	NodeID     p2p.ID
	Engine     *consensus.Engine
	BlockStore store.BlockStore
	Mempool    mempool.Mempool
	Syncer     SyncStatus

	MetricSet *metric.MetricSet
}

// Routes 返回所有的rpc方法，URI和JSONRPC两种调用方式都可以使用
func (env *Environment) Routes() map[string]*rpcserver.RPCFunc {
	return map[string]*rpcserver.RPCFunc{
		"status":       rpcserver.NewRPCFunc(env.Status, ""),
		"metrics":      rpcserver.NewRPCFunc(env.JSONMetrics, "label"),
		"block":        rpcserver.NewRPCFunc(env.Block, "height"),
		"broadcast_tx": rpcserver.NewRPCFunc(env.BroadcastTx, "tx"),
	}
}

type ResultStatus struct {
	NodeID      p2p.ID                 `json:"node_id"`
	Syncing     bool                   `json:"syncing"`
	Engine      consensus.EngineStatus `json:"engine"`
	MempoolSize int                    `json:"mempool_size"`
}

func (env *Environment) Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	result := &ResultStatus{
		NodeID: env.NodeID,
		Engine: env.Engine.Status(),
	}
	if env.Syncer != nil {
		result.Syncing = env.Syncer.IsSyncing()
	}
	if env.Mempool != nil {
		result.MempoolSize = env.Mempool.Size()
	}
	return result, nil
}

type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics label为空时返回所有模块的metric
func (env *Environment) JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	if env.MetricSet == nil {
		return nil, errors.New("metrics are disabled")
	}
	result := &ResultMetrics{Metrics: make(map[string]string)}

	var labels []string
	if label != "" {
		if !env.MetricSet.HasMetrics(label) {
			return nil, fmt.Errorf("unknown metric label %q", label)
		}
		labels = []string{label}
	} else {
		labels = env.MetricSet.GetAlllabels()
	}

	for _, l := range labels {
		item := env.MetricSet.GetMetrics(l)
		if item != nil {
			result.Metrics[l] = item.JSONString()
		}
	}
	return result, nil
}

type ResultBlock struct {
	Block *types.Block `json:"block"`
}

// Block 返回canonical chain上指定高度的区块
func (env *Environment) Block(ctx *rpctypes.Context, height int64) (*ResultBlock, error) {
	block := env.BlockStore.BlockByHeight(height)
	if block == nil {
		last, _ := env.BlockStore.Last()
		return nil, fmt.Errorf("no block at height %d, last height is %d", height, last)
	}
	return &ResultBlock{Block: block}, nil
}

type ResultBroadcastTx struct {
	Hash tmbytes.HexBytes `json:"hash"`
}

// BroadcastTx 把交易放入mempool，由mempool reactor负责广播
func (env *Environment) BroadcastTx(ctx *rpctypes.Context, tx types.Tx) (*ResultBroadcastTx, error) {
	if env.Mempool == nil {
		return nil, errors.New("mempool is disabled")
	}
	if err := env.Mempool.CheckTx(tx, mempool.TxInfo{SenderID: mempool.UnknownPeerID}); err != nil {
		return nil, err
	}
	return &ResultBroadcastTx{Hash: tx.Hash()}, nil
}
