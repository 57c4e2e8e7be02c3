package syncer

import (
	"errors"
	"fmt"
	"forkchain/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// MaxBatchSize 一个SyncResponse最多携带的区块数
const MaxBatchSize = 10

func init() {
	tmjson.RegisterType(&StatusRequest{}, "forkchain/syncer/StatusRequest")
	tmjson.RegisterType(&StatusResponse{}, "forkchain/syncer/StatusResponse")
	tmjson.RegisterType(&SyncRequest{}, "forkchain/syncer/SyncRequest")
	tmjson.RegisterType(&SyncResponse{}, "forkchain/syncer/SyncResponse")
}

// StatusRequest 询问peer的canonical高度以及best fork
type StatusRequest struct {
	ReqID uint64 `json:"req_id"`
}

func (msg *StatusRequest) ValidateBasic() error {
	return nil
}

func (msg *StatusRequest) String() string {
	return fmt.Sprintf("[StatusRequest #%d]", msg.ReqID)
}

type StatusResponse struct {
	ReqID         uint64           `json:"req_id"`
	Height        int64            `json:"height"`
	TipHash       tmbytes.HexBytes `json:"tip_hash"`
	BestForkDepth int              `json:"best_fork_depth"`
	BestTipHash   tmbytes.HexBytes `json:"best_tip_hash"`
}

func (msg *StatusResponse) ValidateBasic() error {
	if msg.Height < 0 {
		return fmt.Errorf("negative height %d", msg.Height)
	}
	if msg.BestForkDepth < 0 {
		return fmt.Errorf("negative best fork depth %d", msg.BestForkDepth)
	}
	if len(msg.TipHash) == 0 {
		return errors.New("status had no tip hash")
	}
	return nil
}

func (msg *StatusResponse) String() string {
	return fmt.Sprintf("[StatusResponse #%d h=%d depth=%d best=%v]", msg.ReqID, msg.Height, msg.BestForkDepth, msg.BestTipHash)
}

// SyncRequest 请求FromHeight之后的canonical区块
// AncestorHash不为空时只返回到该区块为止，该区块在peer的fork中时附带从fork起点到它的提案
type SyncRequest struct {
	ReqID        uint64           `json:"req_id"`
	FromHeight   int64            `json:"from_height"`
	AncestorHash tmbytes.HexBytes `json:"ancestor_hash"`
	BatchSize    int              `json:"batch_size"`
}

func (msg *SyncRequest) ValidateBasic() error {
	if msg.FromHeight < 0 {
		return fmt.Errorf("negative from height %d", msg.FromHeight)
	}
	if msg.BatchSize <= 0 || msg.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size %d out of range (0, %d]", msg.BatchSize, MaxBatchSize)
	}
	return nil
}

func (msg *SyncRequest) String() string {
	return fmt.Sprintf("[SyncRequest #%d from=%d ancestor=%v batch=%d]", msg.ReqID, msg.FromHeight, msg.AncestorHash, msg.BatchSize)
}

type SyncResponse struct {
	ReqID     uint64            `json:"req_id"`
	Blocks    []*types.Block    `json:"blocks"`
	Proposals []*types.Proposal `json:"proposals"`
}

func (msg *SyncResponse) ValidateBasic() error {
	if len(msg.Blocks) > MaxBatchSize {
		return fmt.Errorf("too many blocks %d, max %d", len(msg.Blocks), MaxBatchSize)
	}
	for i, block := range msg.Blocks {
		if err := block.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid block #%d: %w", i, err)
		}
	}
	for i, p := range msg.Proposals {
		if err := p.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid proposal #%d: %w", i, err)
		}
	}
	return nil
}

func (msg *SyncResponse) String() string {
	return fmt.Sprintf("[SyncResponse #%d blocks=%d proposals=%d]", msg.ReqID, len(msg.Blocks), len(msg.Proposals))
}
