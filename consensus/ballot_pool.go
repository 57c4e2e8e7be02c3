package consensus

import (
	"bytes"
	"forkchain/types"
	"sort"
	"sync"
)

// BallotPool 收集对各个提案的ballot，leader从这里取出对父区块的背书
type BallotPool struct {
	mtx sync.RWMutex

	// block hash -> validator address -> ballot
	ballots map[string]map[string]types.Ballot
	heights map[string]int64
}

func NewBallotPool() *BallotPool {
	return &BallotPool{
		ballots: make(map[string]map[string]types.Ballot),
		heights: make(map[string]int64),
	}
}

// Add 调用方负责验证ballot，返回false表示已经存在
func (pool *BallotPool) Add(ballot types.Ballot) bool {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	hash := string(ballot.BlockHash)
	byVal, ok := pool.ballots[hash]
	if !ok {
		byVal = make(map[string]types.Ballot)
		pool.ballots[hash] = byVal
		pool.heights[hash] = ballot.Height
	}
	addr := string(ballot.ValidatorAddress)
	if _, ok := byVal[addr]; ok {
		return false
	}
	byVal[addr] = ballot
	return true
}

// Ballots 返回对hash的所有ballot，按验证者地址排序，exclude的ballot不返回
func (pool *BallotPool) Ballots(hash []byte, exclude types.Address) []types.Ballot {
	pool.mtx.RLock()
	defer pool.mtx.RUnlock()

	byVal := pool.ballots[string(hash)]
	out := make([]types.Ballot, 0, len(byVal))
	for _, ballot := range byVal {
		if ballot.ValidatorAddress.Equal(exclude) {
			continue
		}
		out = append(out, ballot)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ValidatorAddress, out[j].ValidatorAddress) < 0
	})
	return out
}

// PruneBelow 删除高度小于height的区块的ballot
func (pool *BallotPool) PruneBelow(height int64) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	for hash, h := range pool.heights {
		if h < height {
			delete(pool.ballots, hash)
			delete(pool.heights, hash)
		}
	}
}

// Size 返回ballot总数
func (pool *BallotPool) Size() int {
	pool.mtx.RLock()
	defer pool.mtx.RUnlock()

	n := 0
	for _, byVal := range pool.ballots {
		n += len(byVal)
	}
	return n
}
