package consensus

import (
	"forkchain/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/p2p"
)

// ------ Event ------
// 只读的事件，供reactor/generator以及外部监控订阅
const (
	EventForkSetChanged  = "ForkSetChanged"
	EventBestForkChanged = "BestForkChanged"
	EventFinalizedBlock  = "FinalizedBlock"
	EventNewProposal     = "NewProposal"
	EventHalted          = "Halted"
	EventSynced          = "Synced"
	EventSyncFailure     = "SyncFailure"
)

var AllEvents = []string{
	EventForkSetChanged,
	EventBestForkChanged,
	EventFinalizedBlock,
	EventNewProposal,
	EventHalted,
	EventSynced,
	EventSyncFailure,
}

type ForkInfo struct {
	ID      int64            `json:"id"`
	Depth   int              `json:"depth"`
	Rank    uint64           `json:"rank"`
	TipHash tmbytes.HexBytes `json:"tip_hash"`
	Status  string           `json:"status"`
}

type EventDataForkSet struct {
	Height int64      `json:"height"`
	Forks  []ForkInfo `json:"forks"`
}

type EventDataBestFork struct {
	TipHash    tmbytes.HexBytes `json:"tip_hash"`
	Depth      int              `json:"depth"`
	Rank       uint64           `json:"rank"`
	Generation int64            `json:"generation"`
}

type EventDataFinalizedBlock struct {
	Block *types.Block `json:"block"`
}

type EventDataNewProposal struct {
	Proposal *types.Proposal `json:"proposal"`
}

type EventDataHalted struct {
	Reason string `json:"reason"`
}

type EventDataSync struct {
	Peer   p2p.ID `json:"peer"`
	Height int64  `json:"height"`
	Err    string `json:"err,omitempty"`
}

type firedEvent struct {
	name string
	data events.EventData
}

// eventBuffer 在持有锁时收集事件，释放锁之后再触发
// 防止listener回调engine时死锁
type eventBuffer struct {
	list []firedEvent
}

func (buf *eventBuffer) add(name string, data events.EventData) {
	buf.list = append(buf.list, firedEvent{name: name, data: data})
}

func (buf *eventBuffer) fire(sw events.EventSwitch) {
	for _, ev := range buf.list {
		sw.FireEvent(ev.name, ev.data)
	}
	buf.list = nil
}
