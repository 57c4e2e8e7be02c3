package network

import (
	"github.com/tendermint/tendermint/p2p"
)

// Reactor 把tendermint p2p.Switch适配成Network
type Reactor struct {
	p2p.BaseReactor

	*router
	channels []*p2p.ChannelDescriptor
}

var _ Network = (*Reactor)(nil)

// NewReactor 为给定的channel创建reactor，需要通过Switch.AddReactor注册
func NewReactor(chIDs ...byte) *Reactor {
	channels := make([]*p2p.ChannelDescriptor, len(chIDs))
	for i, chID := range chIDs {
		channels[i] = &p2p.ChannelDescriptor{
			ID:                  chID,
			Priority:            5,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: MaxMsgSize,
		}
	}
	r := &Reactor{
		router:   newRouter(),
		channels: channels,
	}
	r.BaseReactor = *p2p.NewBaseReactor("Network", r)
	return r
}

// GetChannels implements Reactor
func (r *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return r.channels
}

// AddPeer implements Reactor.
func (r *Reactor) AddPeer(peer p2p.Peer) {
	r.Logger.Debug("Added peer", "peer", peer.ID())
}

// RemovePeer implements Reactor.
func (r *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	r.Logger.Debug("Removed peer", "peer", peer.ID(), "reason", reason)
}

// Receive implements Reactor
// 无法解码的消息会导致断开peer
func (r *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	msg, err := Decode(msgBytes)
	if err != nil {
		r.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		if r.Switch != nil {
			r.Switch.StopPeerForError(src, err)
		}
		return
	}

	if !r.dispatch(Envelope{From: src.ID(), ChannelID: chID, Message: msg}) {
		r.Logger.Debug("Dropped message, no subscriber or queue full", "src", src, "chId", chID)
	}
}

func (r *Reactor) ID() p2p.ID {
	if r.Switch == nil {
		return ""
	}
	return r.Switch.NodeInfo().ID()
}

func (r *Reactor) Broadcast(chID byte, msg Message) {
	r.BroadcastWithExclude(chID, msg)
}

func (r *Reactor) BroadcastWithExclude(chID byte, msg Message, exclude ...p2p.ID) {
	if r.Switch == nil {
		return
	}
	bz, err := Encode(msg)
	if err != nil {
		r.Logger.Error("Failed to encode message", "msg", msg, "err", err)
		return
	}
	for _, peer := range r.Switch.Peers().List() {
		if excluded(peer.ID(), exclude) {
			continue
		}
		if !peer.TrySend(chID, bz) {
			r.Logger.Debug("Send queue is full", "peer", peer.ID(), "chId", chID)
		}
	}
}

func (r *Reactor) Send(peerID p2p.ID, chID byte, msg Message) bool {
	if r.Switch == nil {
		return false
	}
	peer := r.Switch.Peers().Get(peerID)
	if peer == nil {
		return false
	}
	bz, err := Encode(msg)
	if err != nil {
		r.Logger.Error("Failed to encode message", "msg", msg, "err", err)
		return false
	}
	return peer.Send(chID, bz)
}

func (r *Reactor) Subscribe(chID byte, capacity int) <-chan Envelope {
	return r.subscribe(chID, capacity)
}

func (r *Reactor) Peers() []p2p.ID {
	if r.Switch == nil {
		return nil
	}
	peers := r.Switch.Peers().List()
	ids := make([]p2p.ID, len(peers))
	for i, peer := range peers {
		ids[i] = peer.ID()
	}
	return sortIDs(ids)
}
