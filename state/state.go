package state

import (
	"encoding/binary"
	"forkchain/types"
	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"sort"
	"time"
)

// Account - small bank账户，checking允许透支（write_check的罚金）
type Account struct {
	Saving   int64 `json:"saving"`
	Checking int64 `json:"checking"`
}

func (acc Account) Total() int64 {
	return acc.Saving + acc.Checking
}

// State 是某个区块执行之后的状态快照
// canonical state对应store中最后一个区块，fork的speculative state对应fork的tip
// State按值传递，修改前必须Copy
type State struct {
	ChainID string `json:"chain_id"`

	// 最后执行的区块
	LastHeight int64            `json:"last_height"`
	LastHash   tmbytes.HexBytes `json:"last_hash"`
	LastTime   time.Time        `json:"last_time"`

	Accounts map[string]Account `json:"accounts"`
}

// MakeGenesisState 根据genesis doc生成初始状态以及创世块
func MakeGenesisState(genDoc *types.GenesisDoc) (State, *types.Block) {
	accounts := make(map[string]Account, len(genDoc.Accounts))
	for _, acc := range genDoc.Accounts {
		accounts[acc.Name] = Account{Saving: acc.Saving, Checking: acc.Checking}
	}
	genBlock := types.MakeGenesisBlock(genDoc.ChainID, genDoc.GenesisTime, AccountsHash(accounts))

	return State{
		ChainID:    genDoc.ChainID,
		LastHeight: genBlock.Height,
		LastHash:   genBlock.Hash(),
		LastTime:   genBlock.Time,
		Accounts:   accounts,
	}, genBlock
}

// 返回当前state的拷贝副本，deepcopy
func (state State) Copy() State {
	newState := State{
		ChainID:    state.ChainID,
		LastHeight: state.LastHeight,
		LastHash:   make([]byte, len(state.LastHash)),
		LastTime:   state.LastTime,
		Accounts:   make(map[string]Account, len(state.Accounts)),
	}
	copy(newState.LastHash, state.LastHash)
	for name, acc := range state.Accounts {
		newState.Accounts[name] = acc
	}

	return newState
}

func (state State) IsEmpty() bool {
	return state.ChainID == "" && len(state.LastHash) == 0
}

// AccountsHash 即区块头中的StateRoot
func (state State) AccountsHash() []byte {
	return AccountsHash(state.Accounts)
}

// ApplyDelta 将区块执行结果合并到state，调用方负责先Copy
func (state *State) ApplyDelta(delta StateDelta) {
	state.LastHeight = delta.Height
	state.LastHash = delta.Hash
	state.LastTime = delta.Time
	if state.Accounts == nil {
		state.Accounts = make(map[string]Account, len(delta.Accounts))
	}
	for name, acc := range delta.Accounts {
		state.Accounts[name] = acc
	}
}

// AccountsHash 按账户名排序后计算merkle root
func AccountsHash(accounts map[string]Account) []byte {
	names := make([]string, 0, len(accounts))
	for name := range accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	bzs := make([][]byte, len(names))
	for i, name := range names {
		bzs[i] = accountBytes(name, accounts[name])
	}
	return merkle.HashFromByteSlices(bzs)
}

func accountBytes(name string, acc Account) []byte {
	bz := make([]byte, len(name)+1+16)
	copy(bz, name)
	binary.BigEndian.PutUint64(bz[len(name)+1:], uint64(acc.Saving))
	binary.BigEndian.PutUint64(bz[len(name)+9:], uint64(acc.Checking))
	return bz
}
