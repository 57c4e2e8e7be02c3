package mempool

import (
	"errors"
	"fmt"
	"forkchain/network"
	"forkchain/types"
	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
)

const (
	// 接收队列的容量，满了之后新的交易消息被丢弃
	recvQueueCapacity = 1024
)

// TxMessage - 节点之间广播的交易
type TxMessage struct {
	Txs types.Txs `json:"txs"`
}

func (m *TxMessage) ValidateBasic() error {
	if len(m.Txs) == 0 {
		return errors.New("empty TxMessage")
	}
	for i, tx := range m.Txs {
		if err := tx.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid tx #%d: %w", i, err)
		}
	}
	return nil
}

func (m *TxMessage) String() string {
	return fmt.Sprintf("[TxMessage %d txs]", len(m.Txs))
}

func init() {
	tmjson.RegisterType(&TxMessage{}, "forkchain/mempool/TxMessage")
}

// Reactor 在节点之间gossip交易
// 交易不会发回给发送过它的peer
type Reactor struct {
	service.BaseService

	mempool *ListMempool
	net     network.Network
	msgs    <-chan network.Envelope

	// 同步过程中不处理收到的交易
	isSyncing func() bool
}

type ReactorOption func(*Reactor)

// WithSyncingFunc 设置判断节点是否在同步的函数
func WithSyncingFunc(isSyncing func() bool) ReactorOption {
	return func(memR *Reactor) {
		memR.isSyncing = isSyncing
	}
}

func NewReactor(mempool *ListMempool, net network.Network, options ...ReactorOption) *Reactor {
	memR := &Reactor{
		mempool:   mempool,
		net:       net,
		isSyncing: func() bool { return false },
	}
	memR.BaseService = *service.NewBaseService(nil, "Mempool", memR)
	memR.msgs = net.Subscribe(network.MempoolChannel, recvQueueCapacity)

	for _, option := range options {
		option(memR)
	}
	return memR
}

// SetLogger sets the Logger on the reactor and the underlying mempool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

func (memR *Reactor) Mempool() *ListMempool {
	return memR.mempool
}

// OnStart implements service.Service.
func (memR *Reactor) OnStart() error {
	memR.Logger.Info("Mempool Reactor started.")
	go memR.recvRoutine()
	go memR.broadcastTxRoutine()
	return nil
}

func (memR *Reactor) recvRoutine() {
	for {
		select {
		case env := <-memR.msgs:
			memR.receive(env)
		case <-memR.Quit():
			return
		}
	}
}

// receive adds any received transactions to the mempool.
func (memR *Reactor) receive(env network.Envelope) {
	msg, ok := env.Message.(*TxMessage)
	if !ok {
		memR.Logger.Error("Unknown message type", "src", env.From, "msg", env.Message)
		return
	}
	if memR.isSyncing() {
		return
	}

	txInfo := TxInfo{SenderID: env.From}
	for _, tx := range msg.Txs {
		err := memR.mempool.CheckTx(tx, txInfo)
		if err == ErrTxInCache {
			memR.Logger.Debug("Tx already exists in cache", "tx", tx)
		} else if err != nil {
			memR.Logger.Info("Could not check tx", "tx", tx, "err", err)
		}
	}
}

// --------------------------------

// broadcastTxRoutine 按到达顺序遍历mempool的交易并广播
func (memR *Reactor) broadcastTxRoutine() {
	var next *clist.CElement

	for {
		if !memR.IsRunning() {
			return
		}

		if next == nil {
			select {
			case <-memR.mempool.TxsWaitChan():
				if next = memR.mempool.TxsFront(); next == nil {
					continue
				}
			case <-memR.Quit():
				return
			}
		}

		memTx := next.Value.(*mempoolTx)
		memR.net.BroadcastWithExclude(network.MempoolChannel, &TxMessage{Txs: types.Txs{memTx.tx}}, memTx.Senders()...)

		select {
		// 当next有下一个元素时，它的nextWaitch关闭，<-会读出来nil，流程继续
		// 如果没有下一个元素，则会在这里block
		case <-next.NextWaitChan():
			next = next.Next()
		case <-memR.Quit():
			return
		}
	}
}
