package network

import (
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"sync"
)

// LocalHub 连接同一进程内的多个LocalNetwork
// 消息经过完整的编码/解码，可以单独断开两个节点之间的链路
type LocalHub struct {
	mtx   sync.RWMutex
	nodes map[p2p.ID]*LocalNetwork
	down  map[[2]p2p.ID]struct{}
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		nodes: make(map[p2p.ID]*LocalNetwork),
		down:  make(map[[2]p2p.ID]struct{}),
	}
}

// Join 加入一个节点，id已存在时返回原来的节点
func (hub *LocalHub) Join(id p2p.ID) *LocalNetwork {
	hub.mtx.Lock()
	defer hub.mtx.Unlock()

	if n, ok := hub.nodes[id]; ok {
		return n
	}
	n := &LocalNetwork{
		id:     id,
		hub:    hub,
		router: newRouter(),
		logger: log.NewNopLogger(),
	}
	hub.nodes[id] = n
	return n
}

func (hub *LocalHub) Leave(id p2p.ID) {
	hub.mtx.Lock()
	delete(hub.nodes, id)
	hub.mtx.Unlock()
}

// SetLink 断开或恢复a与b之间的链路(双向)
func (hub *LocalHub) SetLink(a, b p2p.ID, up bool) {
	hub.mtx.Lock()
	defer hub.mtx.Unlock()

	key := linkKey(a, b)
	if up {
		delete(hub.down, key)
	} else {
		hub.down[key] = struct{}{}
	}
}

func linkKey(a, b p2p.ID) [2]p2p.ID {
	if a > b {
		a, b = b, a
	}
	return [2]p2p.ID{a, b}
}

// peersOf 返回与id连通的节点，调用方持有读锁
func (hub *LocalHub) peersOf(id p2p.ID) []p2p.ID {
	peers := make([]p2p.ID, 0, len(hub.nodes))
	for other := range hub.nodes {
		if other == id {
			continue
		}
		if _, down := hub.down[linkKey(id, other)]; down {
			continue
		}
		peers = append(peers, other)
	}
	return sortIDs(peers)
}

func (hub *LocalHub) deliver(from, to p2p.ID, chID byte, bz []byte) bool {
	hub.mtx.RLock()
	n, ok := hub.nodes[to]
	_, down := hub.down[linkKey(from, to)]
	hub.mtx.RUnlock()
	if !ok || down {
		return false
	}
	return n.receive(from, chID, bz)
}

// LocalNetwork implements Network
type LocalNetwork struct {
	id  p2p.ID
	hub *LocalHub

	*router
	logger log.Logger
}

var _ Network = (*LocalNetwork)(nil)

func (n *LocalNetwork) SetLogger(logger log.Logger) {
	n.logger = logger
}

func (n *LocalNetwork) ID() p2p.ID {
	return n.id
}

func (n *LocalNetwork) Broadcast(chID byte, msg Message) {
	n.BroadcastWithExclude(chID, msg)
}

func (n *LocalNetwork) BroadcastWithExclude(chID byte, msg Message, exclude ...p2p.ID) {
	bz, err := Encode(msg)
	if err != nil {
		n.logger.Error("Failed to encode message", "msg", msg, "err", err)
		return
	}
	for _, peer := range n.Peers() {
		if excluded(peer, exclude) {
			continue
		}
		n.hub.deliver(n.id, peer, chID, bz)
	}
}

func (n *LocalNetwork) Send(peer p2p.ID, chID byte, msg Message) bool {
	bz, err := Encode(msg)
	if err != nil {
		n.logger.Error("Failed to encode message", "msg", msg, "err", err)
		return false
	}
	return n.hub.deliver(n.id, peer, chID, bz)
}

func (n *LocalNetwork) Subscribe(chID byte, capacity int) <-chan Envelope {
	return n.subscribe(chID, capacity)
}

func (n *LocalNetwork) Peers() []p2p.ID {
	n.hub.mtx.RLock()
	defer n.hub.mtx.RUnlock()
	return n.hub.peersOf(n.id)
}

func (n *LocalNetwork) receive(from p2p.ID, chID byte, bz []byte) bool {
	msg, err := Decode(bz)
	if err != nil {
		n.logger.Error("Error decoding message", "src", from, "chId", chID, "err", err)
		return false
	}
	return n.dispatch(Envelope{From: from, ChannelID: chID, Message: msg})
}
