package network

import (
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"testing"
	"time"
)

// connect N network reactors through N switches
func makeAndConnectReactors(config *cfg.Config, n int) []*Reactor {
	reactors := make([]*Reactor, n)
	logger := log.TestingLogger()
	for i := 0; i < n; i++ {
		reactors[i] = NewReactor(ProposalChannel, BlockChannel)
		reactors[i].SetLogger(logger.With("validator", i))
	}

	p2p.MakeConnectedSwitches(config.P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("NETWORK", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors
}

func stopReactors(t *testing.T, reactors []*Reactor) {
	for _, r := range reactors {
		if err := r.Switch.Stop(); err != nil {
			assert.NoError(t, err)
		}
	}
}

func TestReactorBroadcast(t *testing.T) {
	config := cfg.TestConfig()
	const N = 3
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	subs := make([]<-chan Envelope, N)
	for i, r := range reactors {
		subs[i] = r.Subscribe(ProposalChannel, 10)
		require.Len(t, r.Peers(), N-1)
	}

	reactors[0].BroadcastWithExclude(ProposalChannel, &testMessage{Value: "hi"}, reactors[2].ID())

	env := recv(t, subs[1])
	assert.Equal(t, reactors[0].ID(), env.From)
	assert.Equal(t, "hi", env.Message.(*testMessage).Value)
	ensureNoMsg(t, subs[2])
	ensureNoMsg(t, subs[0])

	assert.True(t, reactors[1].Send(reactors[2].ID(), ProposalChannel, &testMessage{Value: "direct"}))
	assert.Equal(t, "direct", recv(t, subs[2]).Message.(*testMessage).Value)

	assert.False(t, reactors[1].Send("unknown", ProposalChannel, &testMessage{Value: "x"}))
}

func TestReactorStopsPeerOnBadMessage(t *testing.T) {
	config := cfg.TestConfig()
	reactors := makeAndConnectReactors(config, 2)
	defer stopReactors(t, reactors)

	peer := reactors[0].Switch.Peers().List()[0]
	require.True(t, peer.Send(ProposalChannel, []byte("not a message")))

	assert.Eventually(t, func() bool {
		return len(reactors[1].Peers()) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReactorWithoutSwitch(t *testing.T) {
	r := NewReactor(ProposalChannel)
	assert.Empty(t, r.ID())
	assert.Nil(t, r.Peers())
	assert.False(t, r.Send("x", ProposalChannel, &testMessage{Value: "x"}))
	r.Broadcast(ProposalChannel, &testMessage{Value: "x"})
}

func TestReactorNoLeak(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}
	config := cfg.TestConfig()
	reactors := makeAndConnectReactors(config, 2)
	stopReactors(t, reactors)

	leaktest.CheckTimeout(t, 10*time.Second)()
}
