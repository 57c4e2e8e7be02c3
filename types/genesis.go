// fork from github.com/tendermint/tendermint/types/genesis.go
package types

import (
	"errors"
	"fmt"
	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"
	"io/ioutil"
	"time"
)

const (
	// MaxChainIDLen is a maximum length of the chain ID.
	MaxChainIDLen = 50
)

// GenesisValidator is an initial validator.
type GenesisValidator struct {
	Address Address       `json:"address"`
	PubKey  crypto.PubKey `json:"pub_key"`
	Power   int64         `json:"power"`
	Name    string        `json:"name"`
}

// GenesisAccount - small bank的初始账户
type GenesisAccount struct {
	Name     string `json:"name"`
	Saving   int64  `json:"saving"`
	Checking int64  `json:"checking"`
}

// GenesisDoc defines the initial conditions for a blockchain, in particular its validator set.
type GenesisDoc struct {
	GenesisTime   time.Time          `json:"genesis_time"`
	ChainID       string             `json:"chain_id"`
	ConsensusMode string             `json:"consensus_mode"` // pow / vote
	MinTargetBits uint32             `json:"min_target_bits"`
	Validators    []GenesisValidator `json:"validators,omitempty"`
	Accounts      []GenesisAccount   `json:"accounts,omitempty"`
}

// SaveAs is a utility method for saving GenensisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tmos.WriteFile(file, genDocBytes, 0644)
}

// ValidatorSet 由genesis中的验证者构造验证者集合
func (genDoc *GenesisDoc) ValidatorSet() *ValidatorSet {
	vals := make([]*Validator, len(genDoc.Validators))
	for i, v := range genDoc.Validators {
		vals[i] = NewValidator(v.PubKey, v.Power)
	}
	return NewValidatorSet(vals)
}

// ConsensusParams 返回验证提案需要的参数
func (genDoc *GenesisDoc) ConsensusParams() (ConsensusParams, error) {
	mode, err := ParseMetadataType(genDoc.ConsensusMode)
	if err != nil {
		return ConsensusParams{}, err
	}
	params := ConsensusParams{
		ChainID:       genDoc.ChainID,
		Mode:          mode,
		MinTargetBits: genDoc.MinTargetBits,
	}
	if len(genDoc.Validators) > 0 {
		params.Validators = genDoc.ValidatorSet()
	}
	return params, params.ValidateBasic()
}

// ValidateAndComplete checks that all necessary fields are present
// and fills in defaults for optional fields left empty
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.ChainID) > MaxChainIDLen {
		return fmt.Errorf("chain_id in genesis doc is too long (max: %d)", MaxChainIDLen)
	}
	if genDoc.ConsensusMode == "" {
		genDoc.ConsensusMode = MetadataPow.String()
	}
	if _, err := ParseMetadataType(genDoc.ConsensusMode); err != nil {
		return err
	}

	for i, v := range genDoc.Validators {
		if v.Power <= 0 {
			return fmt.Errorf("the genesis file cannot contain validators with no voting power: %v", v)
		}
		if len(v.Address) > 0 && !GetAddress(v.PubKey).Equal(v.Address) {
			return fmt.Errorf("incorrect address for validator %v in the genesis file, should be %v", v, v.PubKey.Address())
		}
		if len(v.Address) == 0 {
			genDoc.Validators[i].Address = GetAddress(v.PubKey)
		}
	}
	if genDoc.ConsensusMode == MetadataVote.String() && len(genDoc.Validators) == 0 {
		return errors.New("vote mode requires at least one genesis validator")
	}

	names := make(map[string]struct{}, len(genDoc.Accounts))
	for _, acc := range genDoc.Accounts {
		if acc.Name == "" {
			return errors.New("genesis account had no name")
		}
		if acc.Saving < 0 || acc.Checking < 0 {
			return fmt.Errorf("genesis account %v has negative balance", acc.Name)
		}
		if _, ok := names[acc.Name]; ok {
			return fmt.Errorf("duplicated genesis account %v", acc.Name)
		}
		names[acc.Name] = struct{}{}
	}

	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = tmtime.Now()
	}

	return nil
}

//------------------------------------------------------------
// Make genesis state from file

// GenesisDocFromJSON unmarshalls JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	err := tmjson.Unmarshal(jsonBlob, &genDoc)
	if err != nil {
		return nil, err
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}

	return &genDoc, err
}

// GenesisDocFromFile reads JSON data from a file and unmarshalls it into a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %s: %w", genDocFile, err)
	}
	return genDoc, nil
}
