package network

import (
	"github.com/tendermint/tendermint/p2p"
	"sort"
	"sync"
)

// 各个模块使用的channel
const (
	ProposalChannel = byte(0x21)
	BallotChannel   = byte(0x22)
	BlockChannel    = byte(0x23)
	MempoolChannel  = byte(0x30)
	SyncChannel     = byte(0x40)
)

// Message 是所有在节点之间传输的消息
// 实现需要通过tmjson.RegisterType注册
type Message interface {
	ValidateBasic() error
}

// Envelope - 收到的一条消息以及其来源
type Envelope struct {
	From      p2p.ID
	ChannelID byte
	Message   Message
}

// Network 对上层屏蔽传输细节
// 实现: LocalNetwork(进程内，测试使用) / Reactor(tendermint p2p)
type Network interface {
	ID() p2p.ID

	Broadcast(chID byte, msg Message)
	BroadcastWithExclude(chID byte, msg Message, exclude ...p2p.ID)
	Send(peer p2p.ID, chID byte, msg Message) bool

	// Subscribe 返回chID上收到的消息，capacity满时新消息被丢弃
	Subscribe(chID byte, capacity int) <-chan Envelope

	Peers() []p2p.ID
}

// router 按channel分发收到的消息
type router struct {
	mtx  sync.RWMutex
	subs map[byte][]chan Envelope
}

func newRouter() *router {
	return &router{subs: make(map[byte][]chan Envelope)}
}

func (r *router) subscribe(chID byte, capacity int) <-chan Envelope {
	if capacity <= 0 {
		capacity = 1
	}
	ch := make(chan Envelope, capacity)

	r.mtx.Lock()
	r.subs[chID] = append(r.subs[chID], ch)
	r.mtx.Unlock()
	return ch
}

// dispatch 非阻塞投递，至少有一个订阅者收到时返回true
func (r *router) dispatch(env Envelope) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	delivered := false
	for _, ch := range r.subs[env.ChannelID] {
		select {
		case ch <- env:
			delivered = true
		default:
		}
	}
	return delivered
}

func excluded(id p2p.ID, exclude []p2p.ID) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

func sortIDs(ids []p2p.ID) []p2p.ID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
