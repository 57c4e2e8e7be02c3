package types

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatorSetSortedAndRoundRobin(t *testing.T) {
	vals, privs := RandValidatorSet(4, 5)
	require.NoError(t, vals.ValidateBasic())
	assert.EqualValues(t, 20, vals.TotalVotingPower())

	for i := 1; i < vals.Size(); i++ {
		assert.True(t, bytes.Compare(vals.Validators[i-1].Address, vals.Validators[i].Address) < 0)
	}
	for i, pv := range privs {
		pub, _ := pv.GetPubKey()
		assert.True(t, GetAddress(pub).Equal(vals.Validators[i].Address))
	}

	for h := int64(0); h < 8; h++ {
		assert.Equal(t, vals.Validators[h%4].Address, vals.GetProposer(h).Address)
	}

	idx, val := vals.GetByAddress(vals.Validators[2].Address)
	assert.EqualValues(t, 2, idx)
	assert.NotNil(t, val)
	idx, val = vals.GetByAddress([]byte("nobody"))
	assert.EqualValues(t, -1, idx)
	assert.Nil(t, val)

	assert.Equal(t, vals.Hash(), vals.Copy().Hash())
	assert.Nil(t, (&ValidatorSet{}).GetProposer(1))
}

func TestGenesisDoc(t *testing.T) {
	dir, err := ioutil.TempDir("", "genesis")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	pv := NewMockPV()
	pub, _ := pv.GetPubKey()
	genDoc := &GenesisDoc{
		ChainID:       "genesis-test",
		ConsensusMode: "vote",
		Validators:    []GenesisValidator{{PubKey: pub, Power: 10, Name: "v0"}},
		Accounts:      []GenesisAccount{{Name: "alice", Saving: 10, Checking: 5}},
	}
	require.NoError(t, genDoc.ValidateAndComplete())
	assert.True(t, genDoc.Validators[0].Address.Equal(GetAddress(pub)))

	file := filepath.Join(dir, "genesis.json")
	require.NoError(t, genDoc.SaveAs(file))

	loaded, err := GenesisDocFromFile(file)
	require.NoError(t, err)
	assert.Equal(t, genDoc.ChainID, loaded.ChainID)
	assert.Len(t, loaded.Accounts, 1)

	params, err := loaded.ConsensusParams()
	require.NoError(t, err)
	assert.Equal(t, MetadataVote, params.Mode)
	assert.Equal(t, 1, params.Validators.Size())

	bad := &GenesisDoc{ChainID: "x", ConsensusMode: "vote"}
	assert.Error(t, bad.ValidateAndComplete())
	bad = &GenesisDoc{ChainID: "x", Accounts: []GenesisAccount{{Name: "a"}, {Name: "a"}}}
	assert.Error(t, bad.ValidateAndComplete())
}
