package types

import (
	"errors"
	"fmt"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Proposal - 等待被接受的区块以及其共识附加信息
// 创建者构造完成并广播之后不可再修改
type Proposal struct {
	Block    *Block   `json:"block"`
	Metadata Metadata `json:"metadata"`
}

func NewProposal(block *Block, metadata Metadata) *Proposal {
	return &Proposal{
		Block:    block,
		Metadata: metadata,
	}
}

func (p *Proposal) Hash() tmbytes.HexBytes {
	if p == nil || p.Block == nil {
		return nil
	}
	return p.Block.Hash()
}

func (p *Proposal) Height() int64 {
	return p.Block.Height
}

func (p *Proposal) PrevHash() tmbytes.HexBytes {
	return p.Block.PrevHash
}

func (p *Proposal) Weight() uint64 {
	return p.Metadata.Weight()
}

func (p *Proposal) ValidateBasic() error {
	if p == nil || p.Block == nil {
		return errors.New("proposal had no block")
	}
	if p.Block.IsGenesis() {
		return errors.New("genesis block can not be proposed")
	}
	if err := p.Block.ValidateBasic(); err != nil {
		return err
	}
	return p.Metadata.ValidateBasic()
}

func (p *Proposal) String() string {
	if p == nil {
		return "nil-Proposal"
	}
	return fmt.Sprintf("Proposal{%v %v w=%d}", p.Block, p.Metadata.Type, p.Weight())
}
