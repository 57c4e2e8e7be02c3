package consensus

import (
	"errors"
	"fmt"
	"forkchain/types"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

func init() {
	tmjson.RegisterType(&ProposalMessage{}, "forkchain/consensus/ProposalMessage")
	tmjson.RegisterType(&BlockMessage{}, "forkchain/consensus/BlockMessage")
	tmjson.RegisterType(&BallotMessage{}, "forkchain/consensus/BallotMessage")
}

// ProposalMessage - 新的提案
type ProposalMessage struct {
	Proposal *types.Proposal `json:"proposal"`
}

func (msg *ProposalMessage) ValidateBasic() error {
	return msg.Proposal.ValidateBasic()
}

func (msg *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %v]", msg.Proposal)
}

// BlockMessage - 已经finalize的区块
type BlockMessage struct {
	Block *types.Block `json:"block"`
}

func (msg *BlockMessage) ValidateBasic() error {
	if msg.Block == nil {
		return errors.New("nil block")
	}
	return msg.Block.ValidateBasic()
}

func (msg *BlockMessage) String() string {
	return fmt.Sprintf("[Block %v]", msg.Block)
}

// BallotMessage - 验证者对提案的背书
type BallotMessage struct {
	Ballot *types.Ballot `json:"ballot"`
}

func (msg *BallotMessage) ValidateBasic() error {
	return msg.Ballot.ValidateBasic()
}

func (msg *BallotMessage) String() string {
	return fmt.Sprintf("[Ballot %v]", msg.Ballot)
}
