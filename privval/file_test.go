package privval

import (
	"forkchain/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempKeyFile(t *testing.T) string {
	dir, err := ioutil.TempDir("", "privval_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "priv_validator_key.json")
}

func TestSaveAndLoadFilePV(t *testing.T) {
	keyFile := tempKeyFile(t)
	pv := GenFilePV(keyFile)
	pv.Save()

	loaded, err := loadFilePV(keyFile)
	require.NoError(t, err)
	assert.Equal(t, pv.GetAddress(), loaded.GetAddress())
	assert.True(t, pv.Key.PubKey.Equals(loaded.Key.PubKey))

	// 已存在时直接加载
	again := LoadOrGenFilePV(keyFile)
	assert.Equal(t, pv.GetAddress(), again.GetAddress())
}

func TestLoadBrokenFilePV(t *testing.T) {
	keyFile := tempKeyFile(t)
	require.NoError(t, ioutil.WriteFile(keyFile, []byte(`{"address":""}`), 0600))
	_, err := loadFilePV(keyFile)
	assert.Error(t, err)

	_, err = loadFilePV(keyFile + ".missing")
	assert.Error(t, err)
}

func TestGenFilePVWithSeed(t *testing.T) {
	a := GenFilePVWithSeed(tempKeyFile(t), []byte("validator-1"))
	b := GenFilePVWithSeed(tempKeyFile(t), []byte("validator-1"))
	c := GenFilePVWithSeed(tempKeyFile(t), []byte("validator-2"))
	assert.Equal(t, a.GetAddress(), b.GetAddress())
	assert.NotEqual(t, a.GetAddress(), c.GetAddress())
}

func TestFilePVSign(t *testing.T) {
	pv := GenFilePV(tempKeyFile(t))
	prev := tmhash.Sum([]byte("parent"))

	block := types.MakeBlock("privval_test", 1, prev, types.Txs{}, tmhash.Sum([]byte("root")), pv.GetAddress(), time.Now())
	require.NoError(t, pv.SignBlock(block))
	assert.NoError(t, block.ValidateBasic())

	// 提案者地址与签名者不一致
	other := types.MakeBlock("privval_test", 1, prev, types.Txs{}, tmhash.Sum([]byte("root")), GenFilePV("").GetAddress(), time.Now())
	assert.Error(t, pv.SignBlock(other))

	pubKey, err := pv.GetPubKey()
	require.NoError(t, err)
	vals := types.NewValidatorSet([]*types.Validator{types.NewValidator(pubKey, 10)})
	ballot := &types.Ballot{
		Height:           block.Height,
		BlockHash:        block.Hash(),
		ValidatorAddress: pv.GetAddress(),
		VotingPower:      10,
	}
	require.NoError(t, pv.SignBallot("privval_test", ballot))
	assert.NoError(t, ballot.Verify("privval_test", vals))
	assert.Error(t, ballot.Verify("other_chain", vals))
}
