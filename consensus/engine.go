package consensus

import (
	"bytes"
	"forkchain/libs/metric"
	"forkchain/state"
	"forkchain/store"
	"forkchain/types"
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"sync"
	"sync/atomic"
	"time"
)

// Engine 维护ForkSet，所有对fork的修改都在写锁下完成
// 两个并发的生产者: 网络收到的提案(Reactor)以及本地生成的提案(ProposalGenerator)
type Engine struct {
	mtx sync.RWMutex

	policy   ConfirmationPolicy
	params   types.ConsensusParams
	verifier state.Verifier
	store    store.BlockStore

	// canonical chain最后一个区块执行后的状态
	state state.State

	forks      ForkSet
	nextForkID int64
	orphans    *orphanPool

	eventSwitch events.EventSwitch
	metrics     *consensusMetric
	logger      log.Logger

	bestTip    tmbytes.HexBytes
	bestTipGen int64 // atomic

	storeFailures int
	halted        bool
}

type EngineOption func(*Engine)

// SetEventSwitch 多个模块共享同一个EventSwitch时使用
func SetEventSwitch(sw events.EventSwitch) EngineOption {
	return func(e *Engine) {
		e.eventSwitch = sw
	}
}

// NewEngine 从store中恢复canonical state，store中至少要有创世块
func NewEngine(
	policy ConfirmationPolicy,
	params types.ConsensusParams,
	verifier state.Verifier,
	blockStore store.BlockStore,
	options ...EngineOption,
) (*Engine, error) {
	if err := policy.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid confirmation policy")
	}
	if err := params.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid consensus params")
	}
	if blockStore.IsEmpty() {
		return nil, errors.New("block store is empty, init genesis first")
	}
	st, err := blockStore.LoadState()
	if err != nil {
		return nil, errors.Wrap(err, "load canonical state")
	}
	height, hash := blockStore.Last()
	if st.LastHeight != height || !bytes.Equal(st.LastHash, hash) {
		return nil, errors.Errorf("stored state %d/%v does not match last block %d/%v", st.LastHeight, st.LastHash, height, hash)
	}

	e := &Engine{
		policy:   policy,
		params:   params,
		verifier: verifier,
		store:    blockStore,
		state:    st,
		orphans:  newOrphanPool(policy.OrphanPoolSize, policy.OrphanTTL),
		metrics:  newConsensusMetric(),
		logger:   log.NewNopLogger(),
	}
	for _, option := range options {
		option(e)
	}
	if e.eventSwitch == nil {
		e.eventSwitch = events.NewEventSwitch()
	}

	e.bootstrapLocked()
	e.updateBestLocked(&eventBuffer{})
	e.markMetricsLocked()
	return e, nil
}

func (e *Engine) SetLogger(logger log.Logger) {
	e.logger = logger
}

func (e *Engine) EventSwitch() events.EventSwitch {
	return e.eventSwitch
}

func (e *Engine) Metric() metric.MetricItem {
	return e.metrics
}

func (e *Engine) Policy() ConfirmationPolicy {
	return e.policy
}

func (e *Engine) Params() types.ConsensusParams {
	return e.params
}

// -------- append --------

// AppendProposal 把提案加入ForkSet，成功后尝试finalize并返回新finalize的区块
//
//	1. 提案的父区块是某个fork的tip: 在该fork上追加
//	2. 父区块在某个fork的中间: 复制该前缀得到新的fork再追加
//	3. 父区块是canonical tip: 新建fork
//	4. 父区块未知: ErrOrphanProposal，提案进入orphan pool，父区块到达后自动重新追加
//
// 提案被接受但finalize写store失败时返回ErrBlockStoreWrite
func (e *Engine) AppendProposal(p *types.Proposal) ([]*types.Block, error) {
	if err := p.ValidateBasic(); err != nil {
		e.metrics.invalid.Inc(1)
		return nil, errors.Wrapf(ErrInvalidProposal, "%v", err)
	}

	buf := &eventBuffer{}
	e.mtx.Lock()
	blocks, err := e.appendLocked(p, buf)
	e.markMetricsLocked()
	e.mtx.Unlock()

	buf.fire(e.eventSwitch)
	return blocks, err
}

func (e *Engine) appendLocked(p *types.Proposal, buf *eventBuffer) ([]*types.Block, error) {
	if e.halted {
		return nil, ErrEngineHalted
	}

	hash := p.Hash()
	if e.forks.contains(hash) || e.store.HasBlock(hash) {
		e.metrics.duplicate.Inc(1)
		return nil, errors.Wrapf(ErrDuplicateProposal, "%v", hash)
	}
	if e.orphans.Has(hash) {
		return nil, errors.Wrapf(ErrOrphanProposal, "%v already buffered", hash)
	}

	if err := e.attachLocked(p, buf); err != nil {
		if errors.Is(err, ErrInvalidProposal) {
			e.metrics.invalid.Inc(1)
		}
		return nil, err
	}
	e.recoverOrphansLocked(hash, buf)

	blocks, err := e.tryFinalizeLocked(buf)
	e.updateBestLocked(buf)
	return blocks, err
}

// attachLocked 找到提案的父区块并追加，失败时ForkSet不变
func (e *Engine) attachLocked(p *types.Proposal, buf *eventBuffer) error {
	prev := p.PrevHash()

	if matches := e.forks.matchTip(prev); len(matches) == 1 {
		if err := e.forks[matches[0]].Extend(p, e.verifier, e.params); err != nil {
			return err
		}
		e.onAttachedLocked(p, buf)
		return nil
	} else if len(matches) > 1 {
		// 在副本上追加，全部成功才替换
		clones := make([]*ForkChain, len(matches))
		for i, idx := range matches {
			clone := e.forks[idx].FullClone()
			if err := clone.Extend(p, e.verifier, e.params); err != nil {
				return err
			}
			clones[i] = clone
		}
		for i, idx := range matches {
			e.forks[idx] = clones[i]
		}
		e.forks = e.forks.dedupe()
		e.onAttachedLocked(p, buf)
		return nil
	}

	if parent, idx := e.forks.findInterior(prev); parent != nil {
		fork := parent.clonePrefix(idx + 1)
		if err := fork.Extend(p, e.verifier, e.params); err != nil {
			return err
		}
		e.addForkLocked(fork)
		e.onAttachedLocked(p, buf)
		return nil
	}

	if bytes.Equal(prev, e.state.LastHash) {
		fork := NewForkChain(e.state.LastHash, e.state.LastHeight, e.state)
		if err := fork.Extend(p, e.verifier, e.params); err != nil {
			return err
		}
		e.addForkLocked(fork)
		e.onAttachedLocked(p, buf)
		return nil
	}

	// 父区块已经在canonical chain但不是tip，这个分支永远不可能被finalize
	if e.store.HasBlock(prev) {
		return errors.Wrapf(ErrInvalidProposal, "parent %v is below the canonical tip", prev)
	}
	if p.Height() <= e.state.LastHeight {
		return errors.Wrapf(ErrInvalidProposal, "height %d is not above the canonical height %d", p.Height(), e.state.LastHeight)
	}

	e.orphans.Prune(time.Now())
	e.orphans.Add(p)
	e.metrics.orphaned.Inc(1)
	e.logger.Debug("buffer orphan proposal", "height", p.Height(), "hash", p.Hash(), "prev", prev)
	return errors.Wrapf(ErrOrphanProposal, "parent %v unknown", prev)
}

func (e *Engine) onAttachedLocked(p *types.Proposal, buf *eventBuffer) {
	e.metrics.appended.Inc(1)
	e.logger.Debug("append proposal", "height", p.Height(), "hash", p.Hash(), "forks", len(e.forks))
	buf.add(EventNewProposal, EventDataNewProposal{Proposal: p})
	buf.add(EventForkSetChanged, e.forkSetDataLocked())
}

func (e *Engine) addForkLocked(fork *ForkChain) {
	e.nextForkID++
	fork.id = e.nextForkID
	fork.status = ForkActive
	e.forks = append(e.forks, fork)
}

// recoverOrphansLocked 父区块被接受后，按BFS重新追加orphan pool中的后代
func (e *Engine) recoverOrphansLocked(parent []byte, buf *eventBuffer) {
	queue := []tmbytes.HexBytes{parent}
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		for _, child := range e.orphans.TakeChildren(hash) {
			if err := e.attachLocked(child, buf); err != nil {
				e.logger.Info("drop orphan proposal", "hash", child.Hash(), "err", err)
				continue
			}
			queue = append(queue, child.Hash())
		}
	}
}

// -------- finalize --------

// TryFinalize finalize best fork中安全的前缀，没有满足条件时返回空
func (e *Engine) TryFinalize() ([]*types.Block, error) {
	buf := &eventBuffer{}
	e.mtx.Lock()
	blocks, err := e.tryFinalizeLocked(buf)
	e.updateBestLocked(buf)
	e.markMetricsLocked()
	e.mtx.Unlock()

	buf.fire(e.eventSwitch)
	return blocks, err
}

func (e *Engine) tryFinalizeLocked(buf *eventBuffer) ([]*types.Block, error) {
	if e.halted {
		return nil, ErrEngineHalted
	}
	idx, err := e.forks.BestIndex(e.policy.Metric)
	if err != nil {
		if e.bootstrapLocked() {
			buf.add(EventForkSetChanged, e.forkSetDataLocked())
		}
		return nil, nil
	}

	best := e.forks[idx]
	depth, threshold := best.Depth(), e.policy.ConfirmationThreshold
	if depth < threshold {
		return nil, nil
	}
	k := e.policy.SafePrefix(depth, threshold)
	if k <= 0 {
		return nil, nil
	}
	if k > depth {
		k = depth
	}
	cut := best.proposals[k-1].Hash()

	if e.policy.DeferOnTie {
		rank := best.Rank(e.policy.Metric)
		for i, fc := range e.forks {
			if i != idx && fc.Rank(e.policy.Metric) == rank && !fc.Contains(cut) {
				e.logger.Info("defer finalize on rank tie", "rank", rank, "best", best.ID(), "tied", fc.ID())
				return nil, nil
			}
		}
	}

	blocks := make([]*types.Block, k)
	for i, p := range best.proposals[:k] {
		blocks[i] = p.Block
	}

	best.status = ForkFinalizing
	newState, err := e.verifyCanonicalLocked(blocks)
	if err != nil {
		best.status = ForkActive
		return nil, err
	}
	if err := e.store.AppendBlocks(blocks, newState); err != nil {
		best.status = ForkActive
		return nil, e.storeFailedLocked(err, buf)
	}

	e.commitLocked(blocks, newState, buf)
	e.logger.Info("finalized blocks", "from", blocks[0].Height, "to", newState.LastHeight, "hash", newState.LastHash)
	return blocks, nil
}

// verifyCanonicalLocked 在canonical state上依次执行区块
func (e *Engine) verifyCanonicalLocked(blocks []*types.Block) (state.State, error) {
	st := e.state.Copy()
	for _, block := range blocks {
		delta, err := e.verifier.Verify(st, block)
		if err != nil {
			return state.State{}, errors.Wrapf(ErrInvalidProposal, "block %d: %v", block.Height, err)
		}
		st.ApplyDelta(delta)
	}
	return st, nil
}

// storeFailedLocked 本次finalize没有任何效果，连续失败超过上限后停止engine
func (e *Engine) storeFailedLocked(cause error, buf *eventBuffer) error {
	e.storeFailures++
	e.metrics.storeFailures.Inc(1)
	e.logger.Error("append blocks to store failed", "failures", e.storeFailures, "err", cause)

	if e.storeFailures >= e.policy.MaxStoreFailures {
		e.halted = true
		reason := errors.Wrapf(cause, "%d consecutive store failures", e.storeFailures).Error()
		e.logger.Error("consensus engine halted", "reason", reason)
		buf.add(EventHalted, EventDataHalted{Reason: reason})
	}
	return errors.Wrapf(ErrBlockStoreWrite, "%v", cause)
}

// commitLocked 区块已经写入store，更新canonical state并rebase所有fork
// 包含这些区块的fork去掉前缀继续存在，其余fork被丢弃
func (e *Engine) commitLocked(blocks []*types.Block, newState state.State, buf *eventBuffer) {
	e.storeFailures = 0
	e.state = newState

	n := len(blocks)
	last := blocks[n-1].Hash()
	survivors := make(ForkSet, 0, len(e.forks))
	for _, fc := range e.forks {
		if fc.IndexOf(last) != n-1 {
			fc.status = ForkPruned
			e.metrics.pruned.Inc(1)
			e.logger.Debug("prune fork", "fork", fc)
			continue
		}
		fc.stripPrefix(n)
		fc.status = ForkActive
		if fc.Depth() > 0 {
			survivors = append(survivors, fc)
		}
	}
	e.forks = survivors.dedupe()
	e.bootstrapLocked()
	e.orphans.PruneBelow(newState.LastHeight)

	e.metrics.finalized.Inc(int64(n))
	e.metrics.finalizeBatch.Update(int64(n))
	for _, block := range blocks {
		buf.add(EventFinalizedBlock, EventDataFinalizedBlock{Block: block})
	}
	buf.add(EventForkSetChanged, e.forkSetDataLocked())
}

// ApplyFinalizedBlocks 同步时直接追加其他节点已经finalize的区块
// 区块必须从canonical tip开始连续，全部验证成功后一次性写入store
func (e *Engine) ApplyFinalizedBlocks(blocks []*types.Block) error {
	buf := &eventBuffer{}
	e.mtx.Lock()
	err := e.applyFinalizedLocked(blocks, buf)
	e.updateBestLocked(buf)
	e.markMetricsLocked()
	e.mtx.Unlock()

	buf.fire(e.eventSwitch)
	return err
}

func (e *Engine) applyFinalizedLocked(blocks []*types.Block, buf *eventBuffer) error {
	if e.halted {
		return ErrEngineHalted
	}

	// 跳过已经在store中的区块
	for len(blocks) > 0 && blocks[0] != nil && blocks[0].Height <= e.state.LastHeight {
		if !e.store.HasBlock(blocks[0].Hash()) {
			return errors.Wrapf(ErrInvalidProposal, "block %d/%v conflicts with the canonical chain", blocks[0].Height, blocks[0].Hash())
		}
		blocks = blocks[1:]
	}
	if len(blocks) == 0 {
		return nil
	}

	prevHeight, prevHash := e.state.LastHeight, e.state.LastHash
	for i, block := range blocks {
		if block == nil {
			return errors.Wrapf(ErrInvalidProposal, "nil block #%d", i)
		}
		if block.Height != prevHeight+1 || !bytes.Equal(block.PrevHash, prevHash) {
			return errors.Wrapf(store.ErrNonContiguous, "block #%d %d/%v does not follow %d/%v", i, block.Height, block.PrevHash, prevHeight, prevHash)
		}
		if err := block.ValidateBasic(); err != nil {
			return errors.Wrapf(ErrInvalidProposal, "block %d: %v", block.Height, err)
		}
		prevHeight, prevHash = block.Height, block.Hash()
	}

	newState, err := e.verifyCanonicalLocked(blocks)
	if err != nil {
		return err
	}
	if err := e.store.AppendBlocks(blocks, newState); err != nil {
		return e.storeFailedLocked(err, buf)
	}
	e.commitLocked(blocks, newState, buf)
	// 等待新的canonical tip的orphan
	e.recoverOrphansLocked(newState.LastHash, buf)
	e.logger.Info("applied finalized blocks", "from", blocks[0].Height, "to", newState.LastHeight)
	return nil
}

// -------- bootstrap / best fork --------

// Bootstrap ForkSet为空时在canonical tip上新建一个空的fork
func (e *Engine) Bootstrap() bool {
	buf := &eventBuffer{}
	e.mtx.Lock()
	ok := e.bootstrapLocked()
	if ok {
		buf.add(EventForkSetChanged, e.forkSetDataLocked())
	}
	e.updateBestLocked(buf)
	e.mtx.Unlock()

	buf.fire(e.eventSwitch)
	return ok
}

func (e *Engine) bootstrapLocked() bool {
	if len(e.forks) > 0 {
		return false
	}
	e.addForkLocked(NewForkChain(e.state.LastHash, e.state.LastHeight, e.state))
	return true
}

func (e *Engine) updateBestLocked(buf *eventBuffer) {
	idx, err := e.forks.BestIndex(e.policy.Metric)
	if err != nil {
		e.bestTip = nil
		return
	}
	best := e.forks[idx]
	if bytes.Equal(best.TipHash(), e.bestTip) {
		return
	}
	e.bestTip = best.TipHash()
	gen := atomic.AddInt64(&e.bestTipGen, 1)
	buf.add(EventBestForkChanged, EventDataBestFork{
		TipHash:    best.TipHash(),
		Depth:      best.Depth(),
		Rank:       best.Rank(e.policy.Metric),
		Generation: gen,
	})
}

// BestFork 返回best fork的完整拷贝
func (e *Engine) BestFork() (*ForkChain, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	idx, err := e.forks.BestIndex(e.policy.Metric)
	if err != nil {
		return nil, err
	}
	return e.forks[idx].FullClone(), nil
}

// BestTipGeneration best fork的tip每变化一次加一
func (e *Engine) BestTipGeneration() int64 {
	return atomic.LoadInt64(&e.bestTipGen)
}

// -------- query --------

// ProposalPath 返回从canonical tip到hash(包含)的提案序列
func (e *Engine) ProposalPath(hash []byte) ([]*types.Proposal, bool) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	for _, fc := range e.forks {
		if idx := fc.IndexOf(hash); idx >= 0 {
			path := make([]*types.Proposal, idx+1)
			copy(path, fc.proposals[:idx+1])
			return path, true
		}
	}
	return nil, false
}

// HasProposal 提案是否已经在某个fork或者canonical chain中
func (e *Engine) HasProposal(hash []byte) bool {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.forks.contains(hash) || e.store.HasBlock(hash)
}

// Forks 返回所有fork的拷贝
func (e *Engine) Forks() []*ForkChain {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	forks := make([]*ForkChain, len(e.forks))
	for i, fc := range e.forks {
		forks[i] = fc.FullClone()
	}
	return forks
}

func (e *Engine) Height() int64 {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.state.LastHeight
}

func (e *Engine) CanonicalState() state.State {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.state.Copy()
}

func (e *Engine) Halted() bool {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.halted
}

func (e *Engine) OrphanCount() int {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.orphans.Len()
}

type EngineStatus struct {
	Height         int64            `json:"height"`
	TipHash        tmbytes.HexBytes `json:"tip_hash"`
	Forks          []ForkInfo       `json:"forks"`
	BestIndex      int              `json:"best_index"`
	BestDepth      int              `json:"best_depth"`
	BestTip        tmbytes.HexBytes `json:"best_tip"`
	BestGeneration int64            `json:"best_generation"`
	Orphans        int              `json:"orphans"`
	Halted         bool             `json:"halted"`
}

func (e *Engine) Status() EngineStatus {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	status := EngineStatus{
		Height:         e.state.LastHeight,
		TipHash:        e.state.LastHash,
		Forks:          e.forkSetDataLocked().Forks,
		BestIndex:      -1,
		BestGeneration: e.BestTipGeneration(),
		Orphans:        e.orphans.Len(),
		Halted:         e.halted,
	}
	if idx, err := e.forks.BestIndex(e.policy.Metric); err == nil {
		status.BestIndex = idx
		status.BestDepth = e.forks[idx].Depth()
		status.BestTip = e.forks[idx].TipHash()
	}
	return status
}

func (e *Engine) forkSetDataLocked() EventDataForkSet {
	infos := make([]ForkInfo, len(e.forks))
	for i, fc := range e.forks {
		infos[i] = ForkInfo{
			ID:      fc.ID(),
			Depth:   fc.Depth(),
			Rank:    fc.Rank(e.policy.Metric),
			TipHash: fc.TipHash(),
			Status:  fc.Status().String(),
		}
	}
	return EventDataForkSet{Height: e.state.LastHeight, Forks: infos}
}

func (e *Engine) markMetricsLocked() {
	bestDepth := 0
	if idx, err := e.forks.BestIndex(e.policy.Metric); err == nil {
		bestDepth = e.forks[idx].Depth()
	}
	e.metrics.markForkSet(e.state.LastHeight, len(e.forks), bestDepth, e.orphans.Len())
}
