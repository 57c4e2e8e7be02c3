package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"time"
)

// local blockchain维护的区块的基本单位
// 区块一旦生成即不可变，identity为header的merkle hash
type Block struct {
	Header `json:"header"`
	Data   `json:"data"`

	ProposerPubKey crypto.PubKey    `json:"proposer_pub_key"`
	Signature      tmbytes.HexBytes `json:"signature"` // sign {chainID}{hash}
}

// MakeBlock 返回一个未签名的区块
func MakeBlock(
	chainID string,
	height int64,
	prevHash []byte,
	txs Txs,
	stateRoot []byte,
	proposer Address,
	t time.Time,
) *Block {
	block := &Block{
		Header: Header{
			ChainID:      chainID,
			Height:       height,
			Time:         t,
			PrevHash:     prevHash,
			StateRoot:    stateRoot,
			ProposerAddr: proposer,
		},
		Data: Data{
			Txs: txs,
		},
	}
	block.TxsHash = block.Data.Hash()
	return block
}

func MakeGenesisBlock(chainID string, genesisTime time.Time, stateRoot []byte) *Block {
	return MakeBlock(chainID, 0, []byte{}, Txs{}, stateRoot, nil, genesisTime)
}

func (b *Block) IsGenesis() bool {
	return b.Height == 0
}

// 检验一个block是否合法 - 这里的合法指的是没有明确的错误
// 不涉及状态，状态相关的检查由state.Verifier负责
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.ChainID == "" {
		return errors.New("block had no chain id")
	}
	if b.Height < 0 {
		return fmt.Errorf("negative block height %d", b.Height)
	}
	if !bytes.Equal(b.TxsHash, b.Data.Hash()) {
		return errors.New("wrong TxsHash")
	}
	for i, tx := range b.Txs {
		if err := tx.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid tx #%d: %w", i, err)
		}
	}
	if b.IsGenesis() {
		if len(b.PrevHash) != 0 {
			return errors.New("genesis block must not have a prev hash")
		}
		return nil
	}

	if len(b.PrevHash) != tmhash.Size {
		return fmt.Errorf("expected prev hash size %d, got %d", tmhash.Size, len(b.PrevHash))
	}
	if len(b.StateRoot) == 0 {
		return errors.New("block had no state root")
	}
	if len(b.Signature) == 0 {
		return errors.New("block had no signature")
	}
	if b.ProposerPubKey == nil {
		return errors.New("block had no proposer pubkey")
	}
	if !GetAddress(b.ProposerPubKey).Equal(b.ProposerAddr) {
		return errors.New("proposer pubkey does not match proposer address")
	}
	if !b.ProposerPubKey.VerifySignature(b.SignBytes(), b.Signature) {
		return errors.New("verifying block signature failed")
	}
	return nil
}

func (b *Block) Hash() tmbytes.HexBytes {
	if b == nil {
		return nil
	}
	return b.Header.Hash()
}

func (b *Block) SignBytes() []byte {
	return append([]byte(b.ChainID), b.Hash()...)
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{#%d %v prev=%v txs=%d}", b.Height, b.Hash(), b.PrevHash, len(b.Txs))
}

type Header struct {
	// 基本的区块信息
	ChainID string    `json:"chain_id"`
	Height  int64     `json:"height"`
	Time    time.Time `json:"time"` // 区块产生的时间，创世块则是系统开始运转的时间

	// 数据hash
	PrevHash     tmbytes.HexBytes `json:"prev_hash"`     // 上一个区块的hash
	TxsHash      tmbytes.HexBytes `json:"txs_hash"`      // transactions
	StateRoot    tmbytes.HexBytes `json:"state_root"`    // 执行完区块交易后的账户状态root
	ProposerAddr Address          `json:"proposer_addr"` // 提案者地址
}

func (h *Header) Hash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	return merkle.HashFromByteSlices([][]byte{
		[]byte(h.ChainID),
		int64Bytes(h.Height),
		int64Bytes(h.Time.UnixNano()),
		h.PrevHash,
		h.TxsHash,
		h.StateRoot,
		h.ProposerAddr,
	})
}

type Data struct {
	Txs Txs `json:"txs"` // transactions
}

func (d *Data) Hash() tmbytes.HexBytes {
	if d == nil {
		return (Txs{}).Hash()
	}
	return d.Txs.Hash()
}

func int64Bytes(v int64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(v))
	return bz
}
