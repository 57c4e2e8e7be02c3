package consensus

import (
	"bytes"
)

// ForkSet - 所有从canonical tip分叉出来的fork
// 任意两个fork的提案序列都不相同
type ForkSet []*ForkChain

// BestForkIndex 返回rank最高的fork
// rank相同时选择tip hash较小的fork，hash只依赖内容，所有节点得到的结果一致
func BestForkIndex(forks []*ForkChain, metric RankMetric) (int, error) {
	if len(forks) == 0 {
		return -1, ErrForkSetEmpty
	}
	best := 0
	for i := 1; i < len(forks); i++ {
		if rankAbove(forks[i], forks[best], metric) {
			best = i
		}
	}
	return best, nil
}

func rankAbove(a, b *ForkChain, metric RankMetric) bool {
	ra, rb := a.Rank(metric), b.Rank(metric)
	if ra != rb {
		return ra > rb
	}
	return bytes.Compare(a.TipHash(), b.TipHash()) < 0
}

func (fs ForkSet) BestIndex(metric RankMetric) (int, error) {
	return BestForkIndex(fs, metric)
}

// matchTip 返回tip等于hash的所有fork
func (fs ForkSet) matchTip(hash []byte) []int {
	var idxs []int
	for i, fc := range fs {
		if bytes.Equal(fc.TipHash(), hash) {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// findInterior 返回包含hash(不在tip)的第一个fork以及hash的位置
func (fs ForkSet) findInterior(hash []byte) (*ForkChain, int) {
	for _, fc := range fs {
		if idx := fc.IndexOf(hash); idx >= 0 && idx < fc.Depth()-1 {
			return fc, idx
		}
	}
	return nil, -1
}

func (fs ForkSet) contains(hash []byte) bool {
	for _, fc := range fs {
		if fc.Contains(hash) {
			return true
		}
	}
	return false
}

// dedupe 删除提案序列重复的fork，保留先出现的
func (fs ForkSet) dedupe() ForkSet {
	out := fs[:0]
	for _, fc := range fs {
		dup := false
		for _, kept := range out {
			if kept.sameSequence(fc) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, fc)
		}
	}
	for i := len(out); i < len(fs); i++ {
		fs[i] = nil
	}
	return out
}
