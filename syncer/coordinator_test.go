package syncer

import (
	"context"
	"forkchain/consensus"
	"forkchain/network"
	"forkchain/types"
	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/p2p"
	"sync"
	"testing"
	"time"
)

func TestSyncCanonicalRange(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 1)
	b := newTestNode(t, hub, "b", 1)
	a.start(t)
	b.start(t)
	defer a.stop(t)
	defer b.stop(t)

	// threshold=1，a的每个提案都直接finalize
	st, _ := genesis()
	ps, _ := makeChain(t, st, 23)
	appendAll(t, a.engine, ps)
	require.EqualValues(t, 23, a.engine.Height())

	var mtx sync.Mutex
	var synced []consensus.EventDataSync
	err := b.engine.EventSwitch().AddListenerForEvent("test", consensus.EventSynced, func(data events.EventData) {
		mtx.Lock()
		synced = append(synced, data.(consensus.EventDataSync))
		mtx.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.syncer.Sync(context.Background()))
	assert.False(t, b.syncer.IsSyncing())
	assert.EqualValues(t, 23, b.engine.Height())
	height, hash := b.store.Last()
	assert.EqualValues(t, 23, height)
	assert.Equal(t, ps[22].Hash(), hash)

	// 1次status + 3批区块
	assert.EqualValues(t, 4, b.syncer.metrics.requests.Count())
	assert.EqualValues(t, 23, b.syncer.metrics.appliedBlocks.Count())

	mtx.Lock()
	require.Len(t, synced, 1)
	assert.EqualValues(t, "a", synced[0].Peer)
	assert.EqualValues(t, 23, synced[0].Height)
	mtx.Unlock()
}

func TestRequestRange(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 1)
	b := newTestNode(t, hub, "b", 1)
	a.start(t)
	b.start(t)
	defer a.stop(t)
	defer b.stop(t)

	st, _ := genesis()
	ps, _ := makeChain(t, st, 15)
	appendAll(t, a.engine, ps)

	ctx := context.Background()
	blocks, err := b.syncer.RequestRange(ctx, "a", 0, 4)
	require.NoError(t, err)
	require.Len(t, blocks, 4)
	for i, block := range blocks {
		assert.Equal(t, ps[i].Hash(), block.Hash())
	}

	// batch大小不超过MaxBatchSize
	blocks, err = b.syncer.RequestRange(ctx, "a", 2, 100)
	require.NoError(t, err)
	require.Len(t, blocks, MaxBatchSize)
	assert.EqualValues(t, 3, blocks[0].Height)

	blocks, err = b.syncer.RequestRange(ctx, "a", 12, MaxBatchSize)
	require.NoError(t, err)
	assert.Len(t, blocks, 3)

	blocks, err = b.syncer.RequestRange(ctx, "a", 15, MaxBatchSize)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestCheckBatch(t *testing.T) {
	st, _ := genesis()
	ps, _ := makeChain(t, st, 4)
	blocks := make([]*types.Block, len(ps))
	for i, p := range ps {
		blocks[i] = p.Block
	}

	testCases := []struct {
		name  string
		from  int64
		batch int
		resp  *SyncResponse
		ok    bool
	}{
		{"contiguous", 0, 4, &SyncResponse{Blocks: blocks}, true},
		{"empty", 0, 4, &SyncResponse{}, true},
		{"too many", 0, 3, &SyncResponse{Blocks: blocks}, false},
		{"wrong start", 1, 4, &SyncResponse{Blocks: blocks}, false},
		{"gap", 0, 4, &SyncResponse{Blocks: []*types.Block{blocks[0], blocks[2]}}, false},
		{"out of order", 0, 4, &SyncResponse{Blocks: []*types.Block{blocks[1], blocks[0]}}, false},
		{"proposal path", 0, 4, &SyncResponse{Proposals: ps}, true},
		{"broken proposal path", 0, 4, &SyncResponse{Proposals: []*types.Proposal{ps[0], ps[2]}}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkBatch(tc.from, tc.batch, tc.resp)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidResponse), "%v", err)
			}
		})
	}
}

// 同步节点连接到只有一个深度为1的fork的peer，之后跟踪完全相同的fork
// 继续追加之后得到深度为{3,2,2}的三个fork
func TestSyncTracksPeerFork(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 6)
	b := newTestNode(t, hub, "b", 6)
	a.start(t)
	b.start(t)
	defer a.stop(t)
	defer b.stop(t)

	st, _ := genesis()
	long, _ := makeChain(t, st, 3)
	b1, stB := makeProposal(t, st)
	c1, stC := makeProposal(t, st)
	appendAll(t, a.engine, []*types.Proposal{b1})

	require.NoError(t, b.syncer.Sync(context.Background()))
	assert.Equal(t, []int{1}, forkDepths(b.engine))
	best, err := b.engine.BestFork()
	require.NoError(t, err)
	assert.Equal(t, b1.Hash(), best.TipHash())

	b2, _ := makeProposal(t, stB)
	c2, _ := makeProposal(t, stC)
	appendAll(t, b.engine, long)
	appendAll(t, b.engine, []*types.Proposal{c1, b2, c2})
	assert.Equal(t, []int{3, 2, 2}, forkDepths(b.engine))

	best, err = b.engine.BestFork()
	require.NoError(t, err)
	assert.Equal(t, long[2].Hash(), best.TipHash())
}

// 同时追赶canonical区块以及peer的best fork
func TestSyncBlocksAndFork(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 3)
	b := newTestNode(t, hub, "b", 3)
	a.start(t)
	b.start(t)
	defer a.stop(t)
	defer b.stop(t)

	st, _ := genesis()
	ps, _ := makeChain(t, st, 14)
	appendAll(t, a.engine, ps)
	status := a.engine.Status()
	require.EqualValues(t, 12, status.Height)
	require.Equal(t, 2, status.BestDepth)

	require.NoError(t, b.syncer.Sync(context.Background()))
	assert.EqualValues(t, 12, b.engine.Height())
	assert.Equal(t, []int{2}, forkDepths(b.engine))
	assert.True(t, b.engine.HasProposal(ps[13].Hash()))
}

func TestSyncNoPeers(t *testing.T) {
	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 6)
	require.NoError(t, a.syncer.Sync(context.Background()))
	assert.False(t, a.syncer.IsSyncing())
}

// peer没有响应时按退避重试，最终失败并触发EventSyncFailure
func TestSyncTimeout(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	// 收到请求但从不回复
	silent := hub.Join("silent")
	silent.Subscribe(network.SyncChannel, 100)
	b := newTestNode(t, hub, "b", 6, SetRequestTimeout(20*time.Millisecond), SetRetry(2, time.Millisecond, 5*time.Millisecond))
	b.start(t)
	defer b.stop(t)

	failures := make(chan consensus.EventDataSync, 1)
	err := b.engine.EventSwitch().AddListenerForEvent("test", consensus.EventSyncFailure, func(data events.EventData) {
		failures <- data.(consensus.EventDataSync)
	})
	require.NoError(t, err)

	err = b.syncer.Sync(context.Background())
	assert.True(t, errors.Is(err, ErrPeerSyncTimeout), "%v", err)
	assert.False(t, b.syncer.IsSyncing())
	// 每次尝试都会询问所有peer
	assert.EqualValues(t, 3, b.syncer.metrics.timeouts.Count())

	select {
	case ev := <-failures:
		assert.NotEmpty(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("no sync failure event")
	}
}

// 一个peer不响应时换到另一个peer
func TestSyncRetryOtherPeer(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 1)
	c := newTestNode(t, hub, "c", 1)
	b := newTestNode(t, hub, "b", 1, SetRequestTimeout(50*time.Millisecond))
	for _, n := range []*testNode{a, b, c} {
		n.start(t)
		defer n.stop(t)
	}

	st, _ := genesis()
	ps, _ := makeChain(t, st, 5)
	appendAll(t, a.engine, ps)
	appendAll(t, c.engine, ps)

	// a回答status之后失去连接，剩下的请求由c完成
	ctx := context.Background()
	status, err := b.syncer.Status(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 5, status.Height)
	hub.SetLink("a", "b", false)

	err = b.syncer.retry(ctx, []p2p.ID{"a", "c"}, func(peer p2p.ID) error {
		progress, err := b.syncer.step(ctx, peer, status.BestTipHash)
		if err == nil && !progress {
			return errNoProgress
		}
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, b.engine.Height())
}

// 拿到status之后peer finalize了另一个fork，原来的best tip被prune，重新获取status之后继续同步
func TestSyncRefreshStaleStatus(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 3)
	b := newTestNode(t, hub, "b", 3)
	a.start(t)
	b.start(t)
	defer a.stop(t)
	defer b.stop(t)

	st, _ := genesis()
	xs, _ := makeChain(t, st, 2)
	ys, _ := makeChain(t, st, 3)
	appendAll(t, a.engine, xs)
	appendAll(t, a.engine, ys[:1])
	require.Equal(t, []int{2, 1}, forkDepths(a.engine))

	ctx := context.Background()
	stale, err := b.syncer.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, xs[1].Hash(), stale.BestTipHash)

	// y fork达到threshold，finalize ys[0]并prune x fork
	appendAll(t, a.engine, ys[1:])
	require.EqualValues(t, 1, a.engine.Height())
	require.False(t, a.engine.HasProposal(xs[1].Hash()))

	status, err := b.syncer.syncFrom(ctx, []p2p.ID{"a"}, stale)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Height)
	assert.Equal(t, ys[2].Hash(), status.BestTipHash)
	assert.EqualValues(t, 1, b.engine.Height())
	assert.Equal(t, []int{2}, forkDepths(b.engine))
	assert.True(t, b.engine.HasProposal(ys[2].Hash()))

	// 不接受没有变化或者更差的status
	_, ok := b.syncer.refreshStatus(ctx, "a", status)
	assert.False(t, ok)
	_, ok = b.syncer.refreshStatus(ctx, "a", &StatusResponse{Height: 5})
	assert.False(t, ok)
}

func TestBackfill(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 6)
	b := newTestNode(t, hub, "b", 6)
	a.start(t)
	b.start(t)
	defer a.stop(t)
	defer b.stop(t)

	st, _ := genesis()
	ps, _ := makeChain(t, st, 4)
	appendAll(t, a.engine, ps[:3])

	// b只收到了最新的提案
	_, err := b.engine.AppendProposal(ps[3])
	require.True(t, errors.Is(err, consensus.ErrOrphanProposal))
	require.NoError(t, b.syncer.Backfill(context.Background(), "a", ps[3]))

	assert.Equal(t, []int{4}, forkDepths(b.engine))
	assert.True(t, b.engine.HasProposal(ps[3].Hash()))
	assert.Equal(t, 0, b.engine.OrphanCount())
}

// 缺失的祖先已经被peer finalize
func TestBackfillCanonicalAncestor(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 2)
	b := newTestNode(t, hub, "b", 2)
	a.start(t)
	b.start(t)
	defer a.stop(t)
	defer b.stop(t)

	st, _ := genesis()
	ps, _ := makeChain(t, st, 15)
	appendAll(t, a.engine, ps[:14])
	require.EqualValues(t, 13, a.engine.Height())

	_, err := b.engine.AppendProposal(ps[14])
	require.True(t, errors.Is(err, consensus.ErrOrphanProposal))
	require.NoError(t, b.syncer.Backfill(context.Background(), "a", ps[14]))

	// 13个区块分两批，之后追加ps[13]以及orphan ps[14]，finalize ps[13]
	assert.EqualValues(t, 14, b.engine.Height())
	assert.Equal(t, []int{1}, forkDepths(b.engine))
	assert.True(t, b.engine.HasProposal(ps[14].Hash()))
}

func TestBackfillCoalesced(t *testing.T) {
	hub := network.NewLocalHub()
	b := newTestNode(t, hub, "b", 6)

	st, _ := genesis()
	ps, _ := makeChain(t, st, 2)

	// 同一个祖先已经在请求中
	b.syncer.backfills[string(ps[0].Hash())] = struct{}{}
	require.NoError(t, b.syncer.Backfill(context.Background(), "a", ps[1]))
	assert.EqualValues(t, 1, b.syncer.metrics.coalesced.Count())
	assert.EqualValues(t, 0, b.syncer.metrics.requests.Count())
}

func TestPeerAheadTriggersSync(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 1)
	b := newTestNode(t, hub, "b", 1)
	a.start(t)
	b.start(t)
	defer a.stop(t)
	defer b.stop(t)

	st, _ := genesis()
	ps, _ := makeChain(t, st, 5)
	appendAll(t, a.engine, ps)

	b.syncer.PeerAhead("a", 5)
	assert.Eventually(t, func() bool {
		return b.engine.Height() == 5
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSyncOnStart(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	hub := network.NewLocalHub()
	a := newTestNode(t, hub, "a", 1)
	a.start(t)
	defer a.stop(t)

	st, _ := genesis()
	ps, _ := makeChain(t, st, 3)
	appendAll(t, a.engine, ps)

	b := newTestNode(t, hub, "b", 1, SyncOnStart(true))
	assert.True(t, b.syncer.IsSyncing())
	b.start(t)
	defer b.stop(t)

	assert.Eventually(t, func() bool {
		return !b.syncer.IsSyncing() && b.engine.Height() == 3
	}, 3*time.Second, 10*time.Millisecond)
}
