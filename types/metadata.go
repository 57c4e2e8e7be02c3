package types

import (
	"bytes"
	"errors"
	"fmt"
)

type MetadataType uint8

const (
	MetadataPow  = MetadataType(1)
	MetadataVote = MetadataType(2)
)

func (t MetadataType) String() string {
	switch t {
	case MetadataPow:
		return "pow"
	case MetadataVote:
		return "vote"
	default:
		return "unknown"
	}
}

func ParseMetadataType(s string) (MetadataType, error) {
	switch s {
	case "pow":
		return MetadataPow, nil
	case "vote":
		return MetadataVote, nil
	default:
		return 0, fmt.Errorf("unknown consensus mode %q", s)
	}
}

// PowMetadata - 挖矿得到的nonce以及本区块声明的难度
type PowMetadata struct {
	Nonce      uint64 `json:"nonce"`
	TargetBits uint32 `json:"target_bits"`
}

// VoteMetadata - leader自身的权重以及收集到的对父区块的背书
type VoteMetadata struct {
	ProposerPower int64    `json:"proposer_power"`
	Ballots       []Ballot `json:"ballots"`
}

// Metadata 是提案的共识附加信息，按Type区分使用哪一个分支
type Metadata struct {
	Type MetadataType  `json:"type"`
	Pow  *PowMetadata  `json:"pow,omitempty"`
	Vote *VoteMetadata `json:"vote,omitempty"`
}

func NewPowMetadata(nonce uint64, targetBits uint32) Metadata {
	return Metadata{
		Type: MetadataPow,
		Pow:  &PowMetadata{Nonce: nonce, TargetBits: targetBits},
	}
}

func NewVoteMetadata(proposerPower int64, ballots []Ballot) Metadata {
	return Metadata{
		Type: MetadataVote,
		Vote: &VoteMetadata{ProposerPower: proposerPower, Ballots: ballots},
	}
}

func (m Metadata) ValidateBasic() error {
	switch m.Type {
	case MetadataPow:
		if m.Pow == nil || m.Vote != nil {
			return errors.New("pow metadata must carry only the pow variant")
		}
		if m.Pow.TargetBits > MaxTargetBits {
			return fmt.Errorf("target bits %d exceeds max %d", m.Pow.TargetBits, MaxTargetBits)
		}
	case MetadataVote:
		if m.Vote == nil || m.Pow != nil {
			return errors.New("vote metadata must carry only the vote variant")
		}
		if m.Vote.ProposerPower <= 0 {
			return errors.New("proposer power must be positive")
		}
		for i := range m.Vote.Ballots {
			if err := m.Vote.Ballots[i].ValidateBasic(); err != nil {
				return fmt.Errorf("invalid ballot #%d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown metadata type %d", m.Type)
	}
	return nil
}

// Weight 单个提案对fork rank的贡献
func (m Metadata) Weight() uint64 {
	switch m.Type {
	case MetadataPow:
		if m.Pow == nil {
			return 0
		}
		return uint64(1) << m.Pow.TargetBits
	case MetadataVote:
		if m.Vote == nil {
			return 0
		}
		w := uint64(m.Vote.ProposerPower)
		for _, b := range m.Vote.Ballots {
			w += uint64(b.VotingPower)
		}
		return w
	}
	return 0
}

// Verify 检查metadata与区块以及共识参数是否一致
func (m Metadata) Verify(block *Block, params ConsensusParams) error {
	if err := m.ValidateBasic(); err != nil {
		return err
	}
	if m.Type != params.Mode {
		return fmt.Errorf("metadata type %v does not match consensus mode %v", m.Type, params.Mode)
	}

	switch m.Type {
	case MetadataPow:
		return m.verifyPow(block, params)
	case MetadataVote:
		return m.verifyVote(block, params)
	}
	return fmt.Errorf("unknown metadata type %d", m.Type)
}

func (m Metadata) verifyPow(block *Block, params ConsensusParams) error {
	if m.Pow.TargetBits < params.MinTargetBits {
		return fmt.Errorf("target bits %d below minimum %d", m.Pow.TargetBits, params.MinTargetBits)
	}
	if !CheckPow(block.Hash(), m.Pow.Nonce, m.Pow.TargetBits) {
		return errors.New("proof of work does not meet target")
	}
	return nil
}

func (m Metadata) verifyVote(block *Block, params ConsensusParams) error {
	vals := params.Validators
	if vals.IsNilOrEmpty() {
		return errors.New("vote metadata requires a validator set")
	}

	// 验证提案人是否是该高度的leader
	proposer := vals.GetProposer(block.Height)
	if !proposer.Address.Equal(block.ProposerAddr) {
		return fmt.Errorf("%v is not the leader of height %d, expected: %v",
			block.ProposerAddr, block.Height, proposer.Address)
	}
	if proposer.VotingPower != m.Vote.ProposerPower {
		return fmt.Errorf("proposer power %d does not match validator power %d",
			m.Vote.ProposerPower, proposer.VotingPower)
	}

	seen := make(map[string]struct{}, len(m.Vote.Ballots))
	for i := range m.Vote.Ballots {
		ballot := &m.Vote.Ballots[i]
		if !bytes.Equal(ballot.BlockHash, block.PrevHash) || ballot.Height != block.Height-1 {
			return fmt.Errorf("ballot #%d does not endorse the parent block", i)
		}
		if ballot.ValidatorAddress.Equal(block.ProposerAddr) {
			return fmt.Errorf("ballot #%d is from the proposer itself", i)
		}
		key := ballot.ValidatorAddress.String()
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicated ballot from %v", key)
		}
		seen[key] = struct{}{}
		if err := ballot.Verify(params.ChainID, vals); err != nil {
			return fmt.Errorf("ballot #%d: %w", i, err)
		}
	}
	return nil
}
