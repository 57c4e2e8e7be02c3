package types

import (
	"errors"
	"fmt"
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Ballot - 验证者对某个区块的背书，一个验证者对同一个区块只能投一票
// 下一高度的leader把指向其父区块的ballot打包进提案的metadata
type Ballot struct {
	Height           int64            `json:"height"` // 被背书区块的高度
	BlockHash        tmbytes.HexBytes `json:"block_hash"`
	ValidatorAddress Address          `json:"validator_address"`
	VotingPower      int64            `json:"voting_power"`
	Signature        tmbytes.HexBytes `json:"signature"`
}

func BallotSignBytes(chainID string, ballot *Ballot) []byte {
	return merkle.HashFromByteSlices([][]byte{
		[]byte(chainID),
		int64Bytes(ballot.Height),
		ballot.BlockHash,
		ballot.ValidatorAddress,
		int64Bytes(ballot.VotingPower),
	})
}

func (ballot *Ballot) ValidateBasic() error {
	if ballot == nil {
		return errors.New("nil ballot")
	}
	if ballot.Height < 0 {
		return errors.New("negative ballot height")
	}
	if len(ballot.BlockHash) != tmhash.Size {
		return fmt.Errorf("expected ballot block hash size %d, got %d", tmhash.Size, len(ballot.BlockHash))
	}
	if len(ballot.ValidatorAddress) == 0 {
		return errors.New("ballot had no validator address")
	}
	if ballot.VotingPower <= 0 {
		return errors.New("ballot voting power must be positive")
	}
	if len(ballot.Signature) == 0 {
		return errors.New("ballot had no signature")
	}
	return nil
}

// Verify 根据验证者集合检查投票人、投票权重以及签名
func (ballot *Ballot) Verify(chainID string, vals *ValidatorSet) error {
	if err := ballot.ValidateBasic(); err != nil {
		return err
	}
	_, val := vals.GetByAddress(ballot.ValidatorAddress)
	if val == nil {
		return fmt.Errorf("ballot from unknown validator %v", ballot.ValidatorAddress)
	}
	if val.VotingPower != ballot.VotingPower {
		return fmt.Errorf("ballot claims voting power %d, validator has %d", ballot.VotingPower, val.VotingPower)
	}
	if !val.PubKey.VerifySignature(BallotSignBytes(chainID, ballot), ballot.Signature) {
		return errors.New("ballot signature error")
	}
	return nil
}

func (ballot *Ballot) String() string {
	return fmt.Sprintf("Ballot{#%d %v by %v}", ballot.Height, ballot.BlockHash, ballot.ValidatorAddress)
}
