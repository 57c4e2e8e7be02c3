package types

import (
	"errors"
	"fmt"
)

// ConsensusParams - 验证提案metadata需要的链上参数
type ConsensusParams struct {
	ChainID       string        `json:"chain_id"`
	Mode          MetadataType  `json:"mode"`
	MinTargetBits uint32        `json:"min_target_bits"`
	Validators    *ValidatorSet `json:"validators"`
}

func (params ConsensusParams) ValidateBasic() error {
	if params.ChainID == "" {
		return errors.New("consensus params had no chain id")
	}
	switch params.Mode {
	case MetadataPow:
		if params.MinTargetBits > MaxTargetBits {
			return fmt.Errorf("min target bits %d exceeds max %d", params.MinTargetBits, MaxTargetBits)
		}
	case MetadataVote:
		if err := params.Validators.ValidateBasic(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown consensus mode %d", params.Mode)
	}
	return nil
}
