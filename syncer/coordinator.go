package syncer

import (
	"bytes"
	"context"
	"forkchain/consensus"
	"forkchain/libs/metric"
	"forkchain/network"
	"forkchain/store"
	"forkchain/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	recvQueueCapacity = 1024

	defaultRequestTimeout  = 2 * time.Second
	defaultMaxRetries      = 5
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

type pendingRequest struct {
	peer p2p.ID
	ch   chan network.Message
}

// Coordinator 从其他节点追赶canonical chain以及fork状态
//
// Syncing: 节点刚启动或者发现自己落后，此时reactor/mempool不处理gossip消息
// Synced:  本地高度达到peer的高度，并且跟踪了peer的best fork
//
// 运行过程中发现orphan时，只向发送者请求缺失的祖先(backfill)，不做完整的同步
type Coordinator struct {
	service.BaseService

	engine     *consensus.Engine
	blockStore store.BlockStore
	net        network.Network
	msgs       <-chan network.Envelope

	syncing     int32
	syncOnStart bool
	trigger     chan struct{}

	reqSeq  uint64
	mtx     sync.Mutex
	pending map[uint64]pendingRequest
	// 正在进行的backfill，key为缺失的祖先hash
	backfills map[string]struct{}
	wg        sync.WaitGroup

	requestTimeout  time.Duration
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	metrics *syncMetric
}

type CoordinatorOption func(*Coordinator)

func SetRequestTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.requestTimeout = d
	}
}

// SetRetry 每个请求最多重试maxRetries次，间隔从initial指数增长到max
func SetRetry(maxRetries uint64, initial, max time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.maxRetries = maxRetries
		c.initialInterval = initial
		c.maxInterval = max
	}
}

// SyncOnStart 启动时处于Syncing状态并立即同步一次
func SyncOnStart(enable bool) CoordinatorOption {
	return func(c *Coordinator) {
		c.syncOnStart = enable
	}
}

func NewCoordinator(engine *consensus.Engine, blockStore store.BlockStore, net network.Network, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		engine:          engine,
		blockStore:      blockStore,
		net:             net,
		trigger:         make(chan struct{}, 1),
		pending:         make(map[uint64]pendingRequest),
		backfills:       make(map[string]struct{}),
		requestTimeout:  defaultRequestTimeout,
		maxRetries:      defaultMaxRetries,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		metrics:         newSyncMetric(),
	}
	c.BaseService = *service.NewBaseService(nil, "Syncer", c)
	c.msgs = net.Subscribe(network.SyncChannel, recvQueueCapacity)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, option := range options {
		option(c)
	}
	if c.syncOnStart {
		c.setSyncing(true)
	}
	return c
}

var _ consensus.SyncBackend = (*Coordinator)(nil)

func (c *Coordinator) Metric() metric.MetricItem {
	return c.metrics
}

// OnStart implements service.Service.
func (c *Coordinator) OnStart() error {
	go c.recvRoutine()
	go c.syncRoutine()
	return nil
}

// OnStop implements service.Service.
// 取消所有正在进行的请求并等待backfill结束
func (c *Coordinator) OnStop() {
	c.cancel()
	c.wg.Wait()
}

// IsSyncing implements consensus.SyncBackend.
func (c *Coordinator) IsSyncing() bool {
	return atomic.LoadInt32(&c.syncing) == 1
}

func (c *Coordinator) setSyncing(syncing bool) {
	if syncing {
		atomic.StoreInt32(&c.syncing, 1)
		c.metrics.syncing.Update(1)
	} else {
		atomic.StoreInt32(&c.syncing, 0)
		c.metrics.syncing.Update(0)
	}
}

// PeerAhead implements consensus.SyncBackend.
func (c *Coordinator) PeerAhead(peer p2p.ID, height int64) {
	if height <= c.engine.Height() {
		return
	}
	c.Logger.Info("peer is ahead, start syncing", "peer", peer, "height", height)
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// RequestBackfill implements consensus.SyncBackend.
// 在后台进行，不阻塞调用者
func (c *Coordinator) RequestBackfill(peer p2p.ID, orphan *types.Proposal) {
	if !c.IsRunning() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Backfill(c.ctx, peer, orphan); err != nil {
			c.Logger.Info("backfill failed", "peer", peer, "orphan", orphan.Hash(), "err", err)
		}
	}()
}

func (c *Coordinator) syncRoutine() {
	if c.syncOnStart {
		c.runSync()
	}
	for {
		select {
		case <-c.Quit():
			return
		case <-c.trigger:
			c.runSync()
		}
	}
}

func (c *Coordinator) runSync() {
	if err := c.Sync(c.ctx); err != nil {
		c.Logger.Error("sync failed", "err", err)
	}
}

// ------------ sync ------------

// Sync 选择最高的peer，拉取canonical区块以及它的best fork
// 失败时回到Synced状态，使用本地已有的状态继续运行，之后的PeerAhead会再次触发同步
func (c *Coordinator) Sync(ctx context.Context) error {
	c.setSyncing(true)
	defer c.setSyncing(false)

	peer, status, err := c.sync(ctx)
	if err != nil {
		c.metrics.failures.Inc(1)
		c.engine.EventSwitch().FireEvent(consensus.EventSyncFailure, consensus.EventDataSync{
			Peer:   peer,
			Height: c.engine.Height(),
			Err:    err.Error(),
		})
		return err
	}

	c.Logger.Info("synced", "peer", peer, "height", c.engine.Height(), "peerHeight", status.Height, "peerDepth", status.BestForkDepth)
	c.engine.EventSwitch().FireEvent(consensus.EventSynced, consensus.EventDataSync{
		Peer:   peer,
		Height: c.engine.Height(),
	})
	return nil
}

func (c *Coordinator) sync(ctx context.Context) (p2p.ID, *StatusResponse, error) {
	peers := c.net.Peers()
	if len(peers) == 0 {
		return "", &StatusResponse{Height: c.engine.Height()}, nil
	}

	peer, status, err := c.bestPeer(ctx, peers)
	if err != nil {
		return "", nil, err
	}
	if status.Height < c.engine.Height() {
		return peer, status, nil
	}

	// 最好的peer优先，失败时轮换到其他peer
	order := append([]p2p.ID{peer}, without(peers, peer)...)
	status, err = c.syncFrom(ctx, order, status)
	return peer, status, err
}

// syncFrom 追赶到status，order[0]是status的来源
func (c *Coordinator) syncFrom(ctx context.Context, order []p2p.ID, status *StatusResponse) (*StatusResponse, error) {
	for !c.caughtUp(status) {
		err := c.retry(ctx, order, func(p p2p.ID) error {
			progress, err := c.step(ctx, p, status.BestTipHash)
			if err != nil {
				return err
			}
			if progress {
				return nil
			}
			// 同步过程中peer可能已经finalize或者prune了原来的best fork
			if fresh, ok := c.refreshStatus(ctx, order[0], status); ok {
				status = fresh
				return nil
			}
			return errNoProgress
		})
		if err != nil {
			return status, err
		}
	}
	return status, nil
}

// refreshStatus 重新询问peer的状态，只接受变化了并且不比原来差的状态
func (c *Coordinator) refreshStatus(ctx context.Context, peer p2p.ID, old *StatusResponse) (*StatusResponse, bool) {
	fresh, err := c.Status(ctx, peer)
	if err != nil {
		c.Logger.Debug("refresh status failed", "peer", peer, "err", err)
		return nil, false
	}
	if fresh.Height == old.Height && bytes.Equal(fresh.BestTipHash, old.BestTipHash) {
		return nil, false
	}
	if betterStatus(old, fresh) {
		return nil, false
	}
	c.Logger.Info("peer status changed during sync", "peer", peer, "height", fresh.Height, "bestTip", fresh.BestTipHash)
	return fresh, true
}

// caughtUp 本地高度不低于peer，并且包含了peer的best tip
func (c *Coordinator) caughtUp(status *StatusResponse) bool {
	if c.engine.Height() < status.Height {
		return false
	}
	return status.BestForkDepth == 0 || c.known(status.BestTipHash)
}

func (c *Coordinator) known(hash []byte) bool {
	return c.engine.HasProposal(hash) || c.blockStore.HasBlock(hash)
}

// bestPeer 询问所有peer的状态，按(高度, best fork深度)选择，相同时选择ID较小的
func (c *Coordinator) bestPeer(ctx context.Context, peers []p2p.ID) (p2p.ID, *StatusResponse, error) {
	var (
		best       p2p.ID
		bestStatus *StatusResponse
	)
	err := c.retry(ctx, peers, func(p2p.ID) error {
		for _, peer := range peers {
			status, err := c.Status(ctx, peer)
			if err != nil {
				c.Logger.Debug("status request failed", "peer", peer, "err", err)
				continue
			}
			if bestStatus == nil || betterStatus(status, bestStatus) ||
				(!betterStatus(bestStatus, status) && peer < best) {
				best, bestStatus = peer, status
			}
		}
		if bestStatus == nil {
			return errors.Wrap(ErrPeerSyncTimeout, "no peer answered status request")
		}
		return nil
	})
	return best, bestStatus, err
}

func betterStatus(a, b *StatusResponse) bool {
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	return a.BestForkDepth > b.BestForkDepth
}

// step 请求一批区块以及提案并应用，返回是否有进展
func (c *Coordinator) step(ctx context.Context, peer p2p.ID, ancestor []byte) (bool, error) {
	from := c.engine.Height()
	resp, err := c.fetch(ctx, peer, from, MaxBatchSize, ancestor)
	if err != nil {
		return false, err
	}

	progress := false
	if len(resp.Blocks) > 0 {
		if err := c.engine.ApplyFinalizedBlocks(resp.Blocks); err != nil {
			if errors.Is(err, consensus.ErrEngineHalted) {
				return false, backoff.Permanent(err)
			}
			return false, errors.Wrapf(ErrInvalidResponse, "apply blocks from %v: %v", peer, err)
		}
		c.metrics.appliedBlocks.Inc(int64(len(resp.Blocks)))
		progress = true
	}

	for _, p := range resp.Proposals {
		_, err := c.engine.AppendProposal(p)
		switch {
		case err == nil:
			progress = true
		case errors.Is(err, consensus.ErrDuplicateProposal), errors.Is(err, consensus.ErrBlockStoreWrite):
		case errors.Is(err, consensus.ErrEngineHalted):
			return false, backoff.Permanent(err)
		default:
			c.Logger.Info("drop synced proposal", "peer", peer, "proposal", p, "err", err)
		}
	}
	return progress, nil
}

// ------------ backfill ------------

// Backfill 向peer请求orphan缺失的祖先，祖先已知之后重新追加orphan
// 对同一个祖先的并发请求只进行一次
func (c *Coordinator) Backfill(ctx context.Context, peer p2p.ID, orphan *types.Proposal) error {
	ancestor := orphan.PrevHash()
	key := string(ancestor)

	c.mtx.Lock()
	if _, ok := c.backfills[key]; ok {
		c.mtx.Unlock()
		c.metrics.coalesced.Inc(1)
		return nil
	}
	c.backfills[key] = struct{}{}
	c.mtx.Unlock()
	defer func() {
		c.mtx.Lock()
		delete(c.backfills, key)
		c.mtx.Unlock()
	}()

	c.metrics.backfills.Inc(1)
	order := append([]p2p.ID{peer}, without(c.net.Peers(), peer)...)
	err := c.retry(ctx, order, func(p p2p.ID) error {
		for !c.known(ancestor) {
			progress, err := c.step(ctx, p, ancestor)
			if err != nil {
				return err
			}
			if !progress {
				return errNoProgress
			}
		}
		return nil
	})
	if err != nil {
		c.metrics.failures.Inc(1)
		c.engine.EventSwitch().FireEvent(consensus.EventSyncFailure, consensus.EventDataSync{
			Peer:   peer,
			Height: c.engine.Height(),
			Err:    err.Error(),
		})
		return err
	}

	// 祖先到达时orphan通常已经被engine自动追加
	_, err = c.engine.AppendProposal(orphan)
	if err != nil && !errors.Is(err, consensus.ErrDuplicateProposal) && !errors.Is(err, consensus.ErrBlockStoreWrite) {
		return err
	}
	c.Logger.Debug("backfill done", "peer", peer, "orphan", orphan.Hash(), "height", c.engine.Height())
	return nil
}

// ------------ requests ------------

// Status 请求peer的状态
func (c *Coordinator) Status(ctx context.Context, peer p2p.ID) (*StatusResponse, error) {
	reqID := c.nextReqID()
	resp, err := c.request(ctx, peer, reqID, &StatusRequest{ReqID: reqID})
	if err != nil {
		return nil, err
	}
	status, ok := resp.(*StatusResponse)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidResponse, "unexpected %T", resp)
	}
	return status, nil
}

// RequestRange 请求fromHeight之后最多batchSize个canonical区块
// 返回的区块必须从fromHeight+1开始严格连续
func (c *Coordinator) RequestRange(ctx context.Context, peer p2p.ID, fromHeight int64, batchSize int) ([]*types.Block, error) {
	resp, err := c.fetch(ctx, peer, fromHeight, batchSize, nil)
	if err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

func (c *Coordinator) fetch(ctx context.Context, peer p2p.ID, fromHeight int64, batchSize int, ancestor []byte) (*SyncResponse, error) {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	reqID := c.nextReqID()
	msg, err := c.request(ctx, peer, reqID, &SyncRequest{
		ReqID:        reqID,
		FromHeight:   fromHeight,
		AncestorHash: ancestor,
		BatchSize:    batchSize,
	})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*SyncResponse)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidResponse, "unexpected %T", msg)
	}
	if err := checkBatch(fromHeight, batchSize, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkBatch 拒绝超过batch大小、不连续或者乱序的区块
func checkBatch(fromHeight int64, batchSize int, resp *SyncResponse) error {
	if len(resp.Blocks) > batchSize {
		return errors.Wrapf(ErrInvalidResponse, "got %d blocks, requested %d", len(resp.Blocks), batchSize)
	}
	for i, block := range resp.Blocks {
		if block.Height != fromHeight+int64(i)+1 {
			return errors.Wrapf(ErrInvalidResponse, "block #%d has height %d, expected %d", i, block.Height, fromHeight+int64(i)+1)
		}
		if i > 0 && !bytes.Equal(block.PrevHash, resp.Blocks[i-1].Hash()) {
			return errors.Wrapf(ErrInvalidResponse, "block #%d does not follow block #%d", i, i-1)
		}
	}
	for i := 1; i < len(resp.Proposals); i++ {
		if !bytes.Equal(resp.Proposals[i].PrevHash(), resp.Proposals[i-1].Hash()) {
			return errors.Wrapf(ErrInvalidResponse, "proposal #%d does not follow proposal #%d", i, i-1)
		}
	}
	return nil
}

func (c *Coordinator) nextReqID() uint64 {
	return atomic.AddUint64(&c.reqSeq, 1)
}

// request 发送请求并等待相同ReqID的响应
func (c *Coordinator) request(ctx context.Context, peer p2p.ID, reqID uint64, msg network.Message) (network.Message, error) {
	ch := make(chan network.Message, 1)
	c.mtx.Lock()
	c.pending[reqID] = pendingRequest{peer: peer, ch: ch}
	c.mtx.Unlock()
	defer func() {
		c.mtx.Lock()
		delete(c.pending, reqID)
		c.mtx.Unlock()
	}()

	c.metrics.requests.Inc(1)
	start := time.Now()
	if !c.net.Send(peer, network.SyncChannel, msg) {
		return nil, errors.Wrapf(errPeerUnreachable, "%v", peer)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		c.metrics.latency.UpdateSince(start)
		return resp, nil
	case <-timer.C:
		c.metrics.timeouts.Inc(1)
		return nil, errors.Wrapf(ErrPeerSyncTimeout, "request #%d to %v after %v", reqID, peer, c.requestTimeout)
	case <-ctx.Done():
		return nil, backoff.Permanent(ctx.Err())
	}
}

// retry 使用指数退避重试op，第i次尝试使用peers[i%len(peers)]
func (c *Coordinator) retry(ctx context.Context, peers []p2p.ID, op func(peer p2p.ID) error) error {
	if len(peers) == 0 {
		return errors.Wrap(ErrPeerSyncTimeout, "no peers")
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialInterval
	eb.MaxInterval = c.maxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		peer := peers[attempt%len(peers)]
		attempt++
		return op(peer)
	}, b, func(err error, next time.Duration) {
		c.Logger.Info("sync attempt failed, retry", "attempt", attempt, "next", next, "err", err)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, consensus.ErrEngineHalted), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrPeerSyncTimeout):
		return err
	default:
		return errors.Wrapf(ErrPeerSyncTimeout, "%d attempts: %v", attempt, err)
	}
}

// ------------ receive / serve ------------

func (c *Coordinator) recvRoutine() {
	for {
		select {
		case <-c.Quit():
			return
		case env := <-c.msgs:
			c.receive(env)
		}
	}
}

func (c *Coordinator) receive(env network.Envelope) {
	switch msg := env.Message.(type) {
	case *StatusRequest:
		c.serveStatus(env.From, msg)
	case *SyncRequest:
		c.serveSync(env.From, msg)
	case *StatusResponse:
		c.deliver(env.From, msg.ReqID, msg)
	case *SyncResponse:
		c.deliver(env.From, msg.ReqID, msg)
	default:
		c.Logger.Error("Unknown message type", "src", env.From, "msg", env.Message)
	}
}

// deliver 只接受来自请求对象的响应
func (c *Coordinator) deliver(from p2p.ID, reqID uint64, msg network.Message) {
	c.mtx.Lock()
	req, ok := c.pending[reqID]
	c.mtx.Unlock()
	if !ok || req.peer != from {
		c.Logger.Debug("drop unexpected response", "src", from, "msg", msg)
		return
	}
	select {
	case req.ch <- msg:
	default:
	}
}

func (c *Coordinator) serveStatus(peer p2p.ID, req *StatusRequest) {
	status := c.engine.Status()
	c.metrics.served.Inc(1)
	c.net.Send(peer, network.SyncChannel, &StatusResponse{
		ReqID:         req.ReqID,
		Height:        status.Height,
		TipHash:       status.TipHash,
		BestForkDepth: status.BestDepth,
		BestTipHash:   status.BestTip,
	})
}

// serveSync 返回FromHeight之后的一批canonical区块
// 区块已经到达本地tip时，附带AncestorHash(为空时为best tip)所在fork从起点到它的提案
func (c *Coordinator) serveSync(peer p2p.ID, req *SyncRequest) {
	c.metrics.served.Inc(1)
	resp := &SyncResponse{ReqID: req.ReqID}

	lastHeight, _ := c.blockStore.Last()
	target := lastHeight
	if len(req.AncestorHash) > 0 {
		if block := c.blockStore.BlockByHash(req.AncestorHash); block != nil {
			target = block.Height
		}
	}

	if req.FromHeight < target {
		count := req.BatchSize
		if int64(count) > target-req.FromHeight {
			count = int(target - req.FromHeight)
		}
		blocks, err := c.blockStore.GetBlocksAfter(req.FromHeight, count)
		if err != nil {
			c.Logger.Error("load blocks failed", "from", req.FromHeight, "count", count, "err", err)
			return
		}
		resp.Blocks = blocks
	}

	if req.FromHeight+int64(len(resp.Blocks)) >= lastHeight {
		resp.Proposals = c.forkPath(req.AncestorHash)
	}
	c.net.Send(peer, network.SyncChannel, resp)
}

func (c *Coordinator) forkPath(ancestor []byte) []*types.Proposal {
	if len(ancestor) == 0 {
		fork, err := c.engine.BestFork()
		if err != nil {
			return nil
		}
		return fork.Proposals()
	}
	path, ok := c.engine.ProposalPath(ancestor)
	if !ok {
		return nil
	}
	return path
}

// without 返回去掉id并排序之后的peers
func without(peers []p2p.ID, id p2p.ID) []p2p.ID {
	out := make([]p2p.ID, 0, len(peers))
	for _, p := range peers {
		if p != id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
