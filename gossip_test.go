package overlay

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGossip(t *testing.T) *gossip {
	t.Helper()

	return newGossip(newTestIdentity(t), createTestLogger(t), newTestMetrics(t), 128, time.Minute)
}

// sentTo collects the peers of the sendGossipAction values that carry messages.
func sentTo(actions []action) []peer.ID {
	var out []peer.ID

	for _, a := range actions {
		if s, ok := a.(sendGossipAction); ok && len(s.rpc.Messages) > 0 {
			out = append(out, s.peer)
		}
	}

	return out
}

func delivered(actions []action) []*Message {
	var out []*Message

	for _, a := range actions {
		if d, ok := a.(deliverAction); ok {
			out = append(out, d.msg)
		}
	}

	return out
}

func subscribeRPC(topic string) *gossipRPC {
	return &gossipRPC{Subscriptions: []wireSubscription{{Subscribe: true, Topic: topic}}}
}

func TestGossipOnConnectedAnnouncesSubscriptions(t *testing.T) {
	g := newTestGossip(t)
	p := newTestIdentity(t).ID()

	assert.Empty(t, g.onConnected(p), "nothing to announce without subscriptions")

	g.setSubscription("b", true)
	g.setSubscription("a", true)

	q := newTestIdentity(t).ID()
	actions := g.onConnected(q)
	require.Len(t, actions, 1)

	send, ok := actions[0].(sendGossipAction)
	require.True(t, ok)
	assert.Equal(t, q, send.peer)
	assert.Equal(t, []wireSubscription{{Subscribe: true, Topic: "a"}, {Subscribe: true, Topic: "b"}}, send.rpc.Subscriptions)
}

func TestGossipSetSubscription(t *testing.T) {
	g := newTestGossip(t)
	peers := testPeers(t, 2)

	for _, p := range peers {
		g.onConnected(p)
	}

	actions := g.setSubscription("chat", true)
	assert.Len(t, actions, 2, "every connected peer is told")
	assert.Empty(t, g.setSubscription("chat", true), "subscribing twice is a no-op")

	actions = g.setSubscription("chat", false)
	require.Len(t, actions, 2)
	assert.False(t, actions[0].(sendGossipAction).rpc.Subscriptions[0].Subscribe)
	assert.False(t, g.subscribed("chat"))
}

func TestGossipPeerStates(t *testing.T) {
	g := newTestGossip(t)
	peers := testPeers(t, 3)

	g.addExplicitPeer(peers[0])
	g.onRPC(peers[1], subscribeRPC("chat"))
	g.onRPC(peers[2], subscribeRPC("other"))

	states := g.peerStates("chat")
	assert.Equal(t, PeerStateExplicit, states[peers[0]])
	assert.Equal(t, PeerStateFanout, states[peers[1]])
	assert.NotContains(t, states, peers[2])

	g.setSubscription("chat", true)
	assert.Equal(t, PeerStateMesh, g.peerStates("chat")[peers[1]])

	g.removeExplicitPeer(peers[0])
	assert.NotContains(t, g.peerStates("chat"), peers[0])

	assert.Equal(t, "mesh", PeerStateMesh.String())
	assert.Equal(t, "unknown", PeerState(42).String())
}

func TestGossipPublish(t *testing.T) {
	g := newTestGossip(t)
	peers := testPeers(t, 3)

	for _, p := range peers {
		g.onConnected(p)
	}

	g.onRPC(peers[0], subscribeRPC("chat"))
	g.addExplicitPeer(peers[1])

	// peers[2] is connected but neither subscribed nor explicit
	msg, actions, err := g.publish("chat", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, msg.Validate())

	assert.Empty(t, delivered(actions), "not delivered locally without a subscription")
	assert.ElementsMatch(t, []peer.ID{peers[0], peers[1]}, sentTo(actions))

	g.setSubscription("chat", true)

	_, actions, err = g.publish("chat", []byte("again"))
	require.NoError(t, err)
	assert.Len(t, delivered(actions), 1, "publisher receives its own message when subscribed")

	assert.InDelta(t, 2, testutil.ToFloat64(g.metrics.gossipPublished), 0)
}

func TestGossipPublishSkipsDisconnectedPeers(t *testing.T) {
	g := newTestGossip(t)
	p := newTestIdentity(t).ID()

	g.onConnected(p)
	g.onRPC(p, subscribeRPC("chat"))
	g.onDisconnected(p)

	_, actions, err := g.publish("chat", []byte("hello"))
	require.NoError(t, err)
	assert.Empty(t, sentTo(actions))
	assert.Empty(t, g.topics, "remote subscriptions are forgotten on disconnect")
}

func TestGossipHandleMessage(t *testing.T) {
	g := newTestGossip(t)
	g.setSubscription("chat", true)

	author := newTestIdentity(t)
	peers := testPeers(t, 3)

	for _, p := range peers {
		g.onConnected(p)
		g.onRPC(p, subscribeRPC("chat"))
	}

	msg, err := newMessage(author, "chat", []byte("hello"), 1)
	require.NoError(t, err)

	actions := g.onRPC(peers[0], &gossipRPC{Messages: []wireMessage{msg.toWire()}})

	got := delivered(actions)
	require.Len(t, got, 1)
	assert.Equal(t, peers[0], got[0].ReceivedFrom)
	assert.ElementsMatch(t, []peer.ID{peers[1], peers[2]}, sentTo(actions), "relayed to everyone except the sender")

	// the same message from another neighbour is dropped
	actions = g.onRPC(peers[1], &gossipRPC{Messages: []wireMessage{msg.toWire()}})
	assert.Empty(t, actions)
	assert.InDelta(t, 1, testutil.ToFloat64(g.metrics.gossipDuplicate), 0)

	assert.InDelta(t, 1, testutil.ToFloat64(g.metrics.gossipDelivered), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(g.metrics.gossipRelayed), 0)
}

func TestGossipDropsInvalidMessages(t *testing.T) {
	g := newTestGossip(t)
	g.setSubscription("chat", true)

	p := newTestIdentity(t).ID()
	g.onConnected(p)

	msg, err := newMessage(newTestIdentity(t), "chat", []byte("hello"), 1)
	require.NoError(t, err)

	wm := msg.toWire()
	wm.Data = []byte("tampered")

	assert.Empty(t, g.onRPC(p, &gossipRPC{Messages: []wireMessage{wm}}))
	assert.InDelta(t, 1, testutil.ToFloat64(g.metrics.gossipInvalid), 0)

	// the untampered copy is still accepted: invalid copies do not poison the seen cache
	actions := g.onRPC(p, &gossipRPC{Messages: []wireMessage{msg.toWire()}})
	assert.Len(t, delivered(actions), 1)
}

func TestGossipIgnoresUnsubscribedTopics(t *testing.T) {
	g := newTestGossip(t)
	p := newTestIdentity(t).ID()
	g.onConnected(p)

	msg, err := newMessage(newTestIdentity(t), "elsewhere", []byte("hello"), 1)
	require.NoError(t, err)

	assert.Empty(t, g.onRPC(p, &gossipRPC{Messages: []wireMessage{msg.toWire()}}))
	assert.InDelta(t, 0, testutil.ToFloat64(g.metrics.gossipDelivered), 0)
}

func TestGossipDropsOwnEcho(t *testing.T) {
	g := newTestGossip(t)
	g.setSubscription("chat", true)

	p := newTestIdentity(t).ID()
	g.onConnected(p)

	msg, err := newMessage(g.identity, "chat", []byte("mine"), 99)
	require.NoError(t, err)

	assert.Empty(t, g.onRPC(p, &gossipRPC{Messages: []wireMessage{msg.toWire()}}))
}

func TestGossipUnsubscribeRPC(t *testing.T) {
	g := newTestGossip(t)
	p := newTestIdentity(t).ID()

	g.onRPC(p, subscribeRPC("chat"))
	require.Contains(t, g.topics, "chat")

	g.onRPC(p, &gossipRPC{Subscriptions: []wireSubscription{{Subscribe: false, Topic: "chat"}}})
	assert.NotContains(t, g.topics, "chat")
}
