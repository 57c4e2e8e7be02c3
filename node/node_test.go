package node

import (
	"bytes"
	cfg "forkchain/config"
	"forkchain/network"
	"forkchain/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"testing"
	"time"
)

func testGenesis(t *testing.T) *types.GenesisDoc {
	genDoc := &types.GenesisDoc{
		ChainID:     "node_test",
		GenesisTime: time.Unix(1600000000, 0),
		Accounts: []types.GenesisAccount{
			{Name: "alice", Saving: 1000, Checking: 1000},
			{Name: "bob", Saving: 1000, Checking: 1000},
		},
	}
	require.NoError(t, genDoc.ValidateAndComplete())
	return genDoc
}

func newTestNode(t *testing.T, hub *network.LocalHub, genDoc *types.GenesisDoc, generate bool) *Node {
	config := cfg.TestConfig()
	config.Generator.Enabled = generate

	nodeKey := &p2p.NodeKey{PrivKey: ed25519.GenPrivKey()}
	n, err := NewNode(config, types.NewMockPV(), nodeKey, genDoc,
		log.TestingLogger().With("node", nodeKey.ID()), WithLocalHub(hub))
	require.NoError(t, err)
	return n
}

func startNode(t *testing.T, n *Node) {
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		if n.IsRunning() {
			require.NoError(t, n.Stop())
		}
	})
}

func TestNodeRequiresLocalHub(t *testing.T) {
	nodeKey := &p2p.NodeKey{PrivKey: ed25519.GenPrivKey()}
	_, err := NewNode(cfg.TestConfig(), types.NewMockPV(), nodeKey, testGenesis(t), log.TestingLogger())
	assert.Error(t, err)
}

func TestNodeRejectsInvalidConfig(t *testing.T) {
	config := cfg.TestConfig()
	config.Consensus.RankMetric = "height"
	nodeKey := &p2p.NodeKey{PrivKey: ed25519.GenPrivKey()}
	_, err := NewNode(config, types.NewMockPV(), nodeKey, testGenesis(t), log.TestingLogger(),
		WithLocalHub(network.NewLocalHub()))
	assert.Error(t, err)
}

func TestSingleNodeFinalizes(t *testing.T) {
	n := newTestNode(t, network.NewLocalHub(), testGenesis(t), true)
	require.NotNil(t, n.generator)
	assert.Nil(t, n.Monitor())
	assert.True(t, n.MetricSet().HasMetrics("syncer"))

	startNode(t, n)
	require.Eventually(t, func() bool {
		return n.Engine().Height() >= 2
	}, 10*time.Second, 10*time.Millisecond)

	// finalize的区块按高度写入store
	for h := int64(1); h <= 2; h++ {
		block := n.BlockStore().BlockByHeight(h)
		require.NotNil(t, block)
		assert.Equal(t, h, block.Height)
	}
}

// 只有node0出块，其余节点通过gossip以及同步跟上
func TestNodesConverge(t *testing.T) {
	hub := network.NewLocalHub()
	genDoc := testGenesis(t)
	nodes := []*Node{
		newTestNode(t, hub, genDoc, true),
		newTestNode(t, hub, genDoc, false),
		newTestNode(t, hub, genDoc, false),
	}
	for _, n := range nodes {
		startNode(t, n)
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Engine().Height() < 3 {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond)

	// 后加入的节点先同步到已经finalize的高度
	joinHeight := nodes[0].Engine().Height()
	late := newTestNode(t, hub, genDoc, false)
	startNode(t, late)
	require.Eventually(t, func() bool {
		return late.Engine().Height() >= joinHeight && !late.Syncer().IsSyncing()
	}, 20*time.Second, 20*time.Millisecond)
	nodes = append(nodes, late)

	// 所有节点的canonical链一致
	for h := int64(1); h <= joinHeight; h++ {
		want := nodes[0].BlockStore().BlockByHeight(h)
		require.NotNil(t, want)
		for _, n := range nodes[1:] {
			got := n.BlockStore().BlockByHeight(h)
			require.NotNil(t, got, "node %v missing block %d", n.ID(), h)
			assert.True(t, bytes.Equal(want.Hash(), got.Hash()), "node %v diverged at %d", n.ID(), h)
		}
	}
}

func TestSplitAndTrimEmpty(t *testing.T) {
	testCases := []struct {
		s        string
		sep      string
		cutset   string
		expected []string
	}{
		{"a,b,c", ",", " ", []string{"a", "b", "c"}},
		{" a , b , c ", ",", " ", []string{"a", "b", "c"}},
		{" a, ,b , c ", ",", " ", []string{"a", "b", "c"}},
		{"   ", ",", " ", []string{}},
		{"", ",", " ", []string{}},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, splitAndTrimEmpty(tc.s, tc.sep, tc.cutset), "%s", tc.s)
	}
}
