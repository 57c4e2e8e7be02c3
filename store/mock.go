package store

import (
	"forkchain/state"
	"forkchain/types"
	"github.com/pkg/errors"
	"sync"
)

var ErrInjectedFailure = errors.New("injected store failure")

// MockStore 包装一个BlockStore，可以让写操作失败，用于测试
type MockStore struct {
	BlockStore

	mtx      sync.Mutex
	failNext int
	failAll  bool
	appends  int
}

func NewMockStore(inner BlockStore) *MockStore {
	return &MockStore{BlockStore: inner}
}

// FailNext 接下来的n次写操作失败
func (mock *MockStore) FailNext(n int) {
	mock.mtx.Lock()
	mock.failNext = n
	mock.mtx.Unlock()
}

// SetFail 之后所有的写操作都失败/恢复正常
func (mock *MockStore) SetFail(fail bool) {
	mock.mtx.Lock()
	mock.failAll = fail
	mock.mtx.Unlock()
}

// Appends 返回成功写入的次数
func (mock *MockStore) Appends() int {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	return mock.appends
}

func (mock *MockStore) shouldFail() bool {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	if mock.failAll {
		return true
	}
	if mock.failNext > 0 {
		mock.failNext--
		return true
	}
	return false
}

func (mock *MockStore) Append(block *types.Block, st state.State) error {
	return mock.AppendBlocks([]*types.Block{block}, st)
}

func (mock *MockStore) AppendBlocks(blocks []*types.Block, st state.State) error {
	if mock.shouldFail() {
		return ErrInjectedFailure
	}
	if err := mock.BlockStore.AppendBlocks(blocks, st); err != nil {
		return err
	}
	mock.mtx.Lock()
	mock.appends++
	mock.mtx.Unlock()
	return nil
}
