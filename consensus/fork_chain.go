package consensus

import (
	"bytes"
	"fmt"
	"forkchain/state"
	"forkchain/types"
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

type ForkStatus uint8

const (
	ForkActive ForkStatus = iota
	// 前缀正在被写入store
	ForkFinalizing
	// 不再包含finalized的区块，被丢弃
	ForkPruned
)

func (s ForkStatus) String() string {
	switch s {
	case ForkActive:
		return "active"
	case ForkFinalizing:
		return "finalizing"
	case ForkPruned:
		return "pruned"
	default:
		return "unknown"
	}
}

// ForkChain - 以canonical tip为锚点的一段尚未finalize的提案序列
// proposals[0].PrevHash == anchorHash，之后每个提案的PrevHash等于前一个提案的hash
// state是anchorState依次执行所有提案之后的speculative state
// 只允许在末尾追加以及删除前缀
type ForkChain struct {
	id int64

	anchorHash   tmbytes.HexBytes
	anchorHeight int64
	anchorState  state.State

	proposals []*types.Proposal
	deltas    []state.StateDelta
	state     state.State

	weight uint64
	status ForkStatus
}

// NewForkChain 返回一个空的fork，st为锚点区块执行后的状态
func NewForkChain(anchorHash []byte, anchorHeight int64, st state.State) *ForkChain {
	return &ForkChain{
		anchorHash:   anchorHash,
		anchorHeight: anchorHeight,
		anchorState:  st.Copy(),
		state:        st.Copy(),
		status:       ForkActive,
	}
}

// FullClone 深拷贝提案序列以及speculative state
// 提案本身不可变，共享指针
func (fc *ForkChain) FullClone() *ForkChain {
	return fc.clonePrefix(len(fc.proposals))
}

// clonePrefix 拷贝前k个提案组成的fork
func (fc *ForkChain) clonePrefix(k int) *ForkChain {
	clone := &ForkChain{
		id:           fc.id,
		anchorHash:   fc.anchorHash,
		anchorHeight: fc.anchorHeight,
		anchorState:  fc.anchorState.Copy(),
		proposals:    make([]*types.Proposal, k),
		deltas:       make([]state.StateDelta, k),
		status:       fc.status,
	}
	copy(clone.proposals, fc.proposals[:k])
	copy(clone.deltas, fc.deltas[:k])
	for _, p := range clone.proposals {
		clone.weight += p.Weight()
	}
	if k == len(fc.proposals) {
		clone.state = fc.state.Copy()
	} else {
		clone.state = clone.stateAt(k)
	}
	return clone
}

// stateAt 返回执行完前k个提案之后的状态
func (fc *ForkChain) stateAt(k int) state.State {
	st := fc.anchorState.Copy()
	for _, delta := range fc.deltas[:k] {
		st.ApplyDelta(delta)
	}
	return st
}

// Extend 在tip之后追加一个提案，失败时fork不变
func (fc *ForkChain) Extend(p *types.Proposal, verifier state.Verifier, params types.ConsensusParams) error {
	if !bytes.Equal(p.PrevHash(), fc.TipHash()) {
		return errors.Wrapf(ErrInvalidProposal, "prev hash %v does not match fork tip %v", p.PrevHash(), fc.TipHash())
	}
	if p.Height() != fc.TipHeight()+1 {
		return errors.Wrapf(ErrInvalidProposal, "height %d, expected %d", p.Height(), fc.TipHeight()+1)
	}
	if err := p.Metadata.Verify(p.Block, params); err != nil {
		return errors.Wrapf(ErrInvalidProposal, "metadata: %v", err)
	}
	delta, err := verifier.Verify(fc.state, p.Block)
	if err != nil {
		return errors.Wrapf(ErrInvalidProposal, "verify: %v", err)
	}

	next := fc.state.Copy()
	next.ApplyDelta(delta)

	fc.proposals = append(fc.proposals, p)
	fc.deltas = append(fc.deltas, delta)
	fc.state = next
	fc.weight += p.Weight()
	return nil
}

// stripPrefix 删除前k个提案，fork的锚点移动到第k个提案
func (fc *ForkChain) stripPrefix(k int) {
	if k <= 0 {
		return
	}
	if k > len(fc.proposals) {
		panic(fmt.Sprintf("strip %d proposals from a fork of depth %d", k, len(fc.proposals)))
	}
	last := fc.proposals[k-1]
	fc.anchorState = fc.stateAt(k)
	fc.anchorHash = last.Hash()
	fc.anchorHeight = last.Height()

	for _, p := range fc.proposals[:k] {
		fc.weight -= p.Weight()
	}
	fc.proposals = append([]*types.Proposal(nil), fc.proposals[k:]...)
	fc.deltas = append([]state.StateDelta(nil), fc.deltas[k:]...)
}

func (fc *ForkChain) ID() int64 {
	return fc.id
}

func (fc *ForkChain) AnchorHash() tmbytes.HexBytes {
	return fc.anchorHash
}

func (fc *ForkChain) AnchorHeight() int64 {
	return fc.anchorHeight
}

func (fc *ForkChain) TipHash() tmbytes.HexBytes {
	if len(fc.proposals) == 0 {
		return fc.anchorHash
	}
	return fc.proposals[len(fc.proposals)-1].Hash()
}

func (fc *ForkChain) TipHeight() int64 {
	return fc.anchorHeight + int64(len(fc.proposals))
}

// Depth 分叉点之后未finalize的提案数
func (fc *ForkChain) Depth() int {
	return len(fc.proposals)
}

func (fc *ForkChain) Weight() uint64 {
	return fc.weight
}

// Rank 随提案序列单调递增
func (fc *ForkChain) Rank(metric RankMetric) uint64 {
	if metric == RankByWeight {
		return fc.weight
	}
	return uint64(len(fc.proposals))
}

// Proposals 返回提案序列的只读拷贝
func (fc *ForkChain) Proposals() []*types.Proposal {
	ps := make([]*types.Proposal, len(fc.proposals))
	copy(ps, fc.proposals)
	return ps
}

// State 返回speculative state的拷贝
func (fc *ForkChain) State() state.State {
	return fc.state.Copy()
}

func (fc *ForkChain) Status() ForkStatus {
	return fc.status
}

func (fc *ForkChain) Contains(hash []byte) bool {
	return fc.IndexOf(hash) >= 0
}

// IndexOf 返回hash在fork中的位置，不存在时返回-1
func (fc *ForkChain) IndexOf(hash []byte) int {
	for i := len(fc.proposals) - 1; i >= 0; i-- {
		if bytes.Equal(fc.proposals[i].Hash(), hash) {
			return i
		}
	}
	return -1
}

// TxKeys 返回fork中所有交易，打包新区块时排除
func (fc *ForkChain) TxKeys() map[types.TxKey]struct{} {
	keys := make(map[types.TxKey]struct{})
	for _, p := range fc.proposals {
		for _, tx := range p.Block.Txs {
			keys[tx.Key()] = struct{}{}
		}
	}
	return keys
}

// sameSequence 锚点相同时tip相同即序列相同
func (fc *ForkChain) sameSequence(other *ForkChain) bool {
	return bytes.Equal(fc.anchorHash, other.anchorHash) &&
		len(fc.proposals) == len(other.proposals) &&
		bytes.Equal(fc.TipHash(), other.TipHash())
}

func (fc *ForkChain) String() string {
	return fmt.Sprintf("ForkChain{#%d anchor=%d/%v depth=%d tip=%v %v}",
		fc.id, fc.anchorHeight, fc.anchorHash, len(fc.proposals), fc.TipHash(), fc.status)
}
