package mempool

import (
	"forkchain/libs/metric"
	"forkchain/types"
	lru "github.com/hashicorp/golang-lru"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"sync"
	"sync/atomic"
)

func NewListMempool(config *cfg.MempoolConfig, height int64, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height: height,
		config: config,
		txs:    clist.New(),
		metric: newMemMetric(),
		logger: log.NewNopLogger(),
	}

	if config.CacheSize > 0 {
		mem.cache = newLRUTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	for _, option := range options {
		option(mem)
	}

	return mem
}

// ListMempool 按交易到达的顺序保存交易
type ListMempool struct {
	// Atomic integers
	height   int64 // the last block Update()'d to
	txsBytes int64 // total size of mempool, in bytes

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map // TxKey => *clist.CElement

	// Keep a cache of already-seen txs.
	cache txCache

	metric *memMetric
	logger log.Logger
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(memppol *ListMempool)

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

func (mem *ListMempool) Metric() metric.MetricItem {
	return mem.metric
}

func (mem *ListMempool) CheckTx(tx types.Tx, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	txSize := tx.Size()
	if txSize > mem.config.MaxTxBytes {
		mem.metric.rejected.Inc(1)
		return ErrTxTooLarge{mem.config.MaxTxBytes, txSize}
	}
	if err := mem.isFull(txSize); err != nil {
		mem.metric.rejected.Inc(1)
		return err
	}
	if err := tx.ValidateBasic(); err != nil {
		mem.metric.rejected.Inc(1)
		return ErrPreCheck{err}
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			mem.metric.rejected.Inc(1)
			return ErrPreCheck{err}
		}
	}

	key := tx.Key()
	if !mem.cache.Push(key) {
		// 记录新的sender，避免把交易发回给它
		if e, ok := mem.txsMap.Load(key); ok {
			memTx := e.(*clist.CElement).Value.(*mempoolTx)
			memTx.senders.Store(txInfo.SenderID, struct{}{})
		}
		return ErrTxInCache
	}
	if _, ok := mem.txsMap.Load(key); ok {
		return ErrTxInCache
	}

	memTx := &mempoolTx{
		height: atomic.LoadInt64(&mem.height),
		tx:     tx,
	}
	memTx.senders.Store(txInfo.SenderID, struct{}{})

	mem.addTx(memTx)
	mem.metric.received.Inc(1)
	mem.logger.Debug("Added good transaction", "tx", tx, "height", memTx.height, "total", mem.Size())

	return nil
}

func (mem *ListMempool) isFull(txSize int) error {
	var (
		memSize  = mem.Size()
		txsBytes = mem.TxsBytes()
	)

	if memSize >= mem.config.Size || int64(txSize)+txsBytes > mem.config.MaxTxsBytes {
		return ErrMempoolIsFull{
			memSize, mem.config.Size,
			txsBytes, mem.config.MaxTxsBytes,
		}
	}

	return nil
}

func (mem *ListMempool) ReapMaxBytes(maxBytes int64) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	var totalBytes int64
	txs := make(types.Txs, 0, mem.txs.Len())
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		size := int64(memTx.tx.Size())
		if maxBytes > -1 && totalBytes+size > maxBytes {
			return txs
		}
		totalBytes += size
		txs = append(txs, memTx.tx)
	}
	return txs
}

func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}

	txs := make(types.Txs, 0, max)
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		txs = append(txs, memTx.tx)
	}
	return txs
}

// Lock 锁定mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock 释放mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

// Update implements Mempool
// finalized交易留在cache中，防止重新加入
func (mem *ListMempool) Update(height int64, txs types.Txs) error {
	atomic.StoreInt64(&mem.height, height)

	for _, tx := range txs {
		key := tx.Key()
		mem.cache.Push(key)
		if e, ok := mem.txsMap.Load(key); ok {
			mem.removeTx(key, e.(*clist.CElement))
		}
	}
	mem.metric.committed.Inc(int64(len(txs)))
	mem.metric.markSize(mem.Size(), mem.TxsBytes())
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	atomic.SwapInt64(&mem.txsBytes, 0)
	mem.cache.Reset()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}

	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	mem.metric.markSize(0, 0)
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) Height() int64 {
	return atomic.LoadInt64(&mem.height)
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// addTx 将tx加入到mempool的双向链表；
// 并且更新快速查询表txMap和mempool的tx总大小
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(memTx.tx.Key(), e)
	atomic.AddInt64(&mem.txsBytes, int64(memTx.tx.Size()))
	mem.metric.markSize(mem.Size(), mem.TxsBytes())
}

func (mem *ListMempool) removeTx(key types.TxKey, elem *clist.CElement) {
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(key)
	atomic.AddInt64(&mem.txsBytes, int64(-elem.Value.(*mempoolTx).tx.Size()))
}

// TxsWaitChan returns a channel to wait on transactions. It will be closed
// once the mempool is not empty (ie. the internal `mem.txs` has at least one
// element)
func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

// TxsFront returns the first transaction in the ordered list for peer
// goroutines to call .NextWait() on.
func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// ------------------------------

type txCache interface {
	Reset()
	Push(key types.TxKey) bool
	Remove(key types.TxKey)
}

// lruTxCache 基于golang-lru，超过容量时淘汰最久未见的交易
type lruTxCache struct {
	size  int
	cache *lru.Cache
}

func newLRUTxCache(size int) *lruTxCache {
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &lruTxCache{size: size, cache: cache}
}

func (c *lruTxCache) Reset() {
	c.cache.Purge()
}

// Push 返回false表示交易已经在cache中
func (c *lruTxCache) Push(key types.TxKey) bool {
	exists, _ := c.cache.ContainsOrAdd(key, struct{}{})
	return !exists
}

func (c *lruTxCache) Remove(key types.TxKey) {
	c.cache.Remove(key)
}

type nopTxCache struct {
}

func (cache nopTxCache) Reset() {}

func (cache nopTxCache) Push(types.TxKey) bool {
	return true
}

func (cache nopTxCache) Remove(types.TxKey) {}

type mempoolTx struct {
	height int64

	tx      types.Tx
	senders sync.Map // p2p.ID => struct{}
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() int64 {
	return atomic.LoadInt64(&memTx.height)
}

// Senders 返回所有发送过该交易的peer
func (memTx *mempoolTx) Senders() []p2p.ID {
	var ids []p2p.ID
	memTx.senders.Range(func(key, _ interface{}) bool {
		if id := key.(p2p.ID); id != UnknownPeerID {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}
