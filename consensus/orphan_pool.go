package consensus

import (
	"forkchain/types"
	lru "github.com/hashicorp/golang-lru"
	"time"
)

type orphanEntry struct {
	proposal *types.Proposal
	added    time.Time
}

// orphanPool 缓存父区块未知的提案，容量有限并且有TTL
// 调用方(Engine)负责加锁
type orphanPool struct {
	cache *lru.Cache
	ttl   time.Duration

	// parent hash -> children hashes
	children map[string]map[string]struct{}
}

func newOrphanPool(size int, ttl time.Duration) *orphanPool {
	pool := &orphanPool{
		ttl:      ttl,
		children: make(map[string]map[string]struct{}),
	}
	cache, err := lru.NewWithEvict(size, pool.onEvict)
	if err != nil {
		panic(err)
	}
	pool.cache = cache
	return pool
}

// onEvict 被lru淘汰或者Remove时同步更新children索引
func (pool *orphanPool) onEvict(key interface{}, value interface{}) {
	entry := value.(*orphanEntry)
	parent := string(entry.proposal.PrevHash())
	if kids, ok := pool.children[parent]; ok {
		delete(kids, key.(string))
		if len(kids) == 0 {
			delete(pool.children, parent)
		}
	}
}

// Add 返回false表示已经存在
func (pool *orphanPool) Add(p *types.Proposal) bool {
	key := string(p.Hash())
	if pool.cache.Contains(key) {
		return false
	}
	pool.cache.Add(key, &orphanEntry{proposal: p, added: time.Now()})

	parent := string(p.PrevHash())
	kids, ok := pool.children[parent]
	if !ok {
		kids = make(map[string]struct{})
		pool.children[parent] = kids
	}
	kids[key] = struct{}{}
	return true
}

func (pool *orphanPool) Has(hash []byte) bool {
	return pool.cache.Contains(string(hash))
}

// TakeChildren 取出并删除所有父区块为parent的提案，过期的提案直接丢弃
func (pool *orphanPool) TakeChildren(parent []byte) []*types.Proposal {
	kids, ok := pool.children[string(parent)]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(kids))
	for key := range kids {
		keys = append(keys, key)
	}

	now := time.Now()
	proposals := make([]*types.Proposal, 0, len(keys))
	for _, key := range keys {
		v, ok := pool.cache.Peek(key)
		if !ok {
			continue
		}
		entry := v.(*orphanEntry)
		pool.cache.Remove(key)
		if now.Sub(entry.added) > pool.ttl {
			continue
		}
		proposals = append(proposals, entry.proposal)
	}
	return proposals
}

// Prune 删除过期的提案
func (pool *orphanPool) Prune(now time.Time) int {
	return pool.removeIf(func(entry *orphanEntry) bool {
		return now.Sub(entry.added) > pool.ttl
	})
}

// PruneBelow 删除高度不超过height的提案，它们不可能再被接受
func (pool *orphanPool) PruneBelow(height int64) int {
	return pool.removeIf(func(entry *orphanEntry) bool {
		return entry.proposal.Height() <= height
	})
}

// Remove会触发onEvict，先收集key再删除
func (pool *orphanPool) removeIf(cond func(*orphanEntry) bool) int {
	var stale []interface{}
	for _, key := range pool.cache.Keys() {
		v, ok := pool.cache.Peek(key)
		if ok && cond(v.(*orphanEntry)) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		pool.cache.Remove(key)
	}
	return len(stale)
}

func (pool *orphanPool) Len() int {
	return pool.cache.Len()
}
