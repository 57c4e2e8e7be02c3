package network

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"
	"testing"
	"time"
)

type testMessage struct {
	Value string `json:"value"`
	Seq   int64  `json:"seq"`
}

func (msg *testMessage) ValidateBasic() error {
	if msg.Value == "" {
		return errors.New("empty value")
	}
	return nil
}

func init() {
	tmjson.RegisterType(&testMessage{}, "forkchain/network/testMessage")
}

func TestCodec(t *testing.T) {
	bz, err := Encode(&testMessage{Value: "hello", Seq: 7})
	require.NoError(t, err)

	msg, err := Decode(bz)
	require.NoError(t, err)
	assert.Equal(t, &testMessage{Value: "hello", Seq: 7}, msg)

	// ValidateBasic失败的消息不能解码成功
	bz = MustEncode(&testMessage{})
	_, err = Decode(bz)
	assert.Error(t, err)

	_, err = Decode([]byte("garbage"))
	assert.Error(t, err)
	_, err = Encode(nil)
	assert.Error(t, err)
}

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Envelope{}
}

func ensureNoMsg(t *testing.T, ch <-chan Envelope) {
	select {
	case env := <-ch:
		t.Fatalf("unexpected message %v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalHub(t *testing.T) {
	hub := NewLocalHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	assert.Equal(t, a, hub.Join("a"))

	subB := b.Subscribe(ProposalChannel, 10)
	subC := c.Subscribe(ProposalChannel, 10)
	otherC := c.Subscribe(BlockChannel, 10)

	assert.Equal(t, []p2p.ID{"b", "c"}, a.Peers())

	a.Broadcast(ProposalChannel, &testMessage{Value: "x"})
	env := recv(t, subB)
	assert.Equal(t, p2p.ID("a"), env.From)
	assert.Equal(t, ProposalChannel, env.ChannelID)
	recv(t, subC)
	ensureNoMsg(t, otherC)

	a.BroadcastWithExclude(ProposalChannel, &testMessage{Value: "y"}, "b")
	recv(t, subC)
	ensureNoMsg(t, subB)

	// 链路断开后不再收到消息
	hub.SetLink("a", "c", false)
	assert.Equal(t, []p2p.ID{"b"}, a.Peers())
	assert.False(t, a.Send("c", ProposalChannel, &testMessage{Value: "z"}))
	hub.SetLink("c", "a", true)
	assert.True(t, a.Send("c", ProposalChannel, &testMessage{Value: "z"}))
	assert.Equal(t, "z", recv(t, subC).Message.(*testMessage).Value)

	hub.Leave("c")
	assert.Equal(t, []p2p.ID{"b"}, a.Peers())
	assert.False(t, a.Send("c", ProposalChannel, &testMessage{Value: "z"}))
}

func TestLocalHubQueueFull(t *testing.T) {
	hub := NewLocalHub()
	a, b := hub.Join("a"), hub.Join("b")
	sub := b.Subscribe(ProposalChannel, 1)

	assert.True(t, a.Send("b", ProposalChannel, &testMessage{Value: "1"}))
	assert.False(t, a.Send("b", ProposalChannel, &testMessage{Value: "2"}))
	assert.Equal(t, "1", recv(t, sub).Message.(*testMessage).Value)
}
