package store

import (
	"bytes"
	"fmt"
	"forkchain/state"
	"forkchain/types"
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"
	"sync"
)

// table definition：
// height table: key=H:{height}; value=block hash
// block table:  key=B:{hash};   value=tmjson(block)
// state:        key=S;          value=tmjson(state)
// last:         key=L;          value=tmjson(lastMeta)
var (
	stateKey = []byte("S")
	lastKey  = []byte("L")
)

func heightKey(height int64) []byte {
	return []byte(fmt.Sprintf("H:%d", height))
}

func blockKey(hash []byte) []byte {
	return append([]byte("B:"), hash...)
}

type lastMeta struct {
	Height int64            `json:"height"`
	Hash   tmbytes.HexBytes `json:"hash"`
}

// BackendType 支持的db backend
type BackendType string

const (
	GoLevelDBBackend BackendType = "goleveldb"
	MemDBBackend     BackendType = "memdb"
)

func newDB(name string, backend BackendType, dir string) (tmdb.DB, error) {
	switch backend {
	case GoLevelDBBackend:
		db, err := goleveldb.NewDB(name, dir)
		if err != nil {
			return nil, err
		}
		return db, nil
	case MemDBBackend:
		return memdb.NewDB(), nil
	default:
		return nil, errors.Errorf("unknown db_backend %v, expected one of %v, %v", backend, GoLevelDBBackend, MemDBBackend)
	}
}

// NewKVStore 使用指定backend打开db
func NewKVStore(name string, backend BackendType, dir string, logger log.Logger) (*KVStore, error) {
	db, err := newDB(name, backend, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open %v db %v in %v", backend, name, dir)
	}
	return NewKVStoreWithDB(db, logger)
}

//
func NewKVStoreWithDB(kvdb tmdb.DB, logger log.Logger) (*KVStore, error) {
	kv := &KVStore{kvDB: kvdb, logger: logger, height: -1}

	bz, err := kvdb.Get(lastKey)
	if err != nil {
		return nil, err
	}
	if len(bz) > 0 {
		var meta lastMeta
		if err := tmjson.Unmarshal(bz, &meta); err != nil {
			return nil, errors.Wrap(err, "corrupted last block meta")
		}
		kv.height, kv.hash = meta.Height, meta.Hash
	}
	return kv, nil
}

// KVStore implements BlockStore on tm-db
type KVStore struct {
	kvDB tmdb.DB

	logger log.Logger

	mtx    sync.RWMutex
	height int64
	hash   tmbytes.HexBytes
}

var _ BlockStore = (*KVStore)(nil)

// InitGenesis 在空的store中写入创世块
func (kv *KVStore) InitGenesis(genBlock *types.Block, st state.State) error {
	if !kv.IsEmpty() {
		return nil
	}
	return kv.AppendBlocks([]*types.Block{genBlock}, st)
}

func (kv *KVStore) Append(block *types.Block, st state.State) error {
	return kv.AppendBlocks([]*types.Block{block}, st)
}

// AppendBlocks implements BlockStore
// 所有区块以及最新的state在同一个batch里写入
func (kv *KVStore) AppendBlocks(blocks []*types.Block, st state.State) error {
	if len(blocks) == 0 {
		return nil
	}

	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	if err := kv.checkContiguous(blocks, st); err != nil {
		return err
	}

	var batch tmdb.Batch = nil
	defer func() {
		if batch != nil {
			batch.Close()
		}
	}()

	batch = kv.kvDB.NewBatch()
	for _, block := range blocks {
		hash := block.Hash()
		bz, err := tmjson.Marshal(block)
		if err != nil {
			return errors.Wrapf(err, "marshal block %v", hash)
		}
		if err := batch.Set(blockKey(hash), bz); err != nil {
			return err
		}
		if err := batch.Set(heightKey(block.Height), hash); err != nil {
			return err
		}
	}

	last := blocks[len(blocks)-1]
	meta := lastMeta{Height: last.Height, Hash: last.Hash()}
	metaBz, err := tmjson.Marshal(meta)
	if err != nil {
		return err
	}
	if err := batch.Set(lastKey, metaBz); err != nil {
		return err
	}
	stateBz, err := tmjson.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	if err := batch.Set(stateKey, stateBz); err != nil {
		return err
	}

	if err := batch.WriteSync(); err != nil {
		return err
	}
	if err := batch.Close(); err != nil {
		return err
	}
	batch = nil

	kv.height, kv.hash = meta.Height, meta.Hash
	kv.logger.Debug("appended blocks", "from", blocks[0].Height, "to", last.Height, "hash", meta.Hash)
	return nil
}

// checkContiguous 调用方持有锁
func (kv *KVStore) checkContiguous(blocks []*types.Block, st state.State) error {
	prevHeight, prevHash := kv.height, kv.hash
	for i, block := range blocks {
		if block == nil {
			return errors.Wrapf(ErrNonContiguous, "nil block #%d", i)
		}
		if block.Height != prevHeight+1 {
			return errors.Wrapf(ErrNonContiguous, "block #%d height %d, expected %d", i, block.Height, prevHeight+1)
		}
		if prevHeight >= 0 && !bytes.Equal(block.PrevHash, prevHash) {
			return errors.Wrapf(ErrNonContiguous, "block #%d prev hash %v, expected %v", i, block.PrevHash, prevHash)
		}
		prevHeight, prevHash = block.Height, block.Hash()
	}
	if st.LastHeight != prevHeight || !bytes.Equal(st.LastHash, prevHash) {
		return errors.Errorf("state at %d/%v does not match last block %d/%v", st.LastHeight, st.LastHash, prevHeight, prevHash)
	}
	return nil
}

func (kv *KVStore) GetBlocksAfter(height int64, count int) ([]*types.Block, error) {
	last, _ := kv.Last()
	if count <= 0 || height >= last {
		return []*types.Block{}, nil
	}
	end := height + int64(count)
	if end > last {
		end = last
	}

	blocks := make([]*types.Block, 0, end-height)
	for h := height + 1; h <= end; h++ {
		block := kv.BlockByHeight(h)
		if block == nil {
			return nil, errors.Wrapf(ErrNotFound, "block at height %d", h)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func (kv *KVStore) Last() (int64, tmbytes.HexBytes) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.height, kv.hash
}

func (kv *KVStore) IsEmpty() bool {
	height, _ := kv.Last()
	return height < 0
}

func (kv *KVStore) BlockByHash(hash []byte) *types.Block {
	bz, err := kv.kvDB.Get(blockKey(hash))
	if err != nil {
		kv.logger.Error("load block failed", "hash", tmbytes.HexBytes(hash), "err", err)
		return nil
	}
	if len(bz) == 0 {
		return nil
	}
	block := new(types.Block)
	if err := tmjson.Unmarshal(bz, block); err != nil {
		panic(fmt.Sprintf("corrupted block %X: %v", hash, err))
	}
	return block
}

func (kv *KVStore) BlockByHeight(height int64) *types.Block {
	hash, err := kv.kvDB.Get(heightKey(height))
	if err != nil || len(hash) == 0 {
		return nil
	}
	return kv.BlockByHash(hash)
}

func (kv *KVStore) HasBlock(hash []byte) bool {
	ok, err := kv.kvDB.Has(blockKey(hash))
	return err == nil && ok
}

func (kv *KVStore) LoadState() (state.State, error) {
	bz, err := kv.kvDB.Get(stateKey)
	if err != nil {
		return state.State{}, err
	}
	if len(bz) == 0 {
		return state.State{}, errors.Wrap(ErrNotFound, "state")
	}
	var st state.State
	if err := tmjson.Unmarshal(bz, &st); err != nil {
		return state.State{}, errors.Wrap(err, "corrupted state")
	}
	if st.Accounts == nil {
		st.Accounts = make(map[string]state.Account)
	}
	return st, nil
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.kvDB
}

func (kv *KVStore) Close() error {
	return kv.kvDB.Close()
}
