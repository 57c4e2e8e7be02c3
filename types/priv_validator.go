package types

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivValidator defines the functionality of a local validator
// that signs blocks and ballots.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	SignBlock(block *Block) error
	SignBallot(chainID string, ballot *Ballot) error
}

// SignBlockWith 用给定私钥签名区块，区块的ProposerAddr必须与私钥对应
func SignBlockWith(privKey crypto.PrivKey, block *Block) error {
	pubKey := privKey.PubKey()
	if !GetAddress(pubKey).Equal(block.ProposerAddr) {
		return fmt.Errorf("block proposer %v is not the signer %v", block.ProposerAddr, GetAddress(pubKey))
	}
	sig, err := privKey.Sign(block.SignBytes())
	if err != nil {
		return err
	}
	block.ProposerPubKey = pubKey
	block.Signature = sig
	return nil
}

// SignBallotWith 用给定私钥签名ballot
func SignBallotWith(privKey crypto.PrivKey, chainID string, ballot *Ballot) error {
	if !GetAddress(privKey.PubKey()).Equal(ballot.ValidatorAddress) {
		return errors.New("ballot validator address is not the signer")
	}
	sig, err := privKey.Sign(BallotSignBytes(chainID, ballot))
	if err != nil {
		return err
	}
	ballot.Signature = sig
	return nil
}

type PrivValidatorsByAddress []PrivValidator

func (pvs PrivValidatorsByAddress) Len() int {
	return len(pvs)
}

func (pvs PrivValidatorsByAddress) Less(i, j int) bool {
	pvi, err := pvs[i].GetPubKey()
	if err != nil {
		panic(err)
	}
	pvj, err := pvs[j].GetPubKey()
	if err != nil {
		panic(err)
	}

	return bytes.Compare(pvi.Address(), pvj.Address()) == -1
}

func (pvs PrivValidatorsByAddress) Swap(i, j int) {
	pvs[i], pvs[j] = pvs[j], pvs[i]
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{ed25519.GenPrivKey()}
}

// Implements PrivValidator.
func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

// Implements PrivValidator.
func (pv MockPV) SignBlock(block *Block) error {
	return SignBlockWith(pv.PrivKey, block)
}

// Implements PrivValidator.
func (pv MockPV) SignBallot(chainID string, ballot *Ballot) error {
	return SignBallotWith(pv.PrivKey, chainID, ballot)
}

// String returns a string representation of the MockPV.
func (pv MockPV) String() string {
	return fmt.Sprintf("MockPV{%v}", GetAddress(pv.PrivKey.PubKey()))
}
