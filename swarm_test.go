package overlay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSwarm builds a swarm bound to loopback without starting its loop.
func newTestSwarm(t *testing.T, mutate func(cfg *Config)) *swarm {
	t.Helper()

	cfg := createBasicConfig(t.Name())
	if mutate != nil {
		mutate(&cfg)
	}

	cfg = cfg.withDefaults()

	s, err := newSwarm(cfg, newTestIdentity(t), nopLogger{}, newTestMetrics(t), nil, nil, swarmHooks{})
	require.NoError(t, err)

	t.Cleanup(s.stop)

	return s
}

// pipeConn returns a yamux session over an in-memory pipe, closed with the test.
func pipeConn(t *testing.T, remote *Identity, outbound bool) *secureConn {
	t.Helper()

	a, b := net.Pipe()

	local, err := yamux.DefaultTransport.NewConn(a, !outbound, &network.NullScope{})
	require.NoError(t, err)

	other, err := yamux.DefaultTransport.NewConn(b, outbound, &network.NullScope{})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = local.Close()
		_ = other.Close()
	})

	return &secureConn{muxed: local, remote: remote.ID(), outbound: outbound}
}

func TestSwarmBackpressureDisconnectsSlowPeer(t *testing.T) {
	s := newTestSwarm(t, func(cfg *Config) {
		cfg.SendQueueSize = 2
		cfg.MaxSendStrikes = 3
	})

	remote := newTestIdentity(t)
	c := newConnection(s, pipeConn(t, remote, true))

	s.mu.Lock()
	s.conns[remote.ID()] = c
	s.mu.Unlock()

	// no write loop runs, so the queue never drains
	send := func() { s.sendGossip(sendGossipAction{peer: remote.ID(), rpc: &gossipRPC{}}) }

	send()
	send()
	assert.Equal(t, 0, c.strikes)

	send()
	send()
	assert.Equal(t, 2, c.strikes)

	// a successful enqueue resets the strikes
	<-c.queue
	send()
	assert.Equal(t, 0, c.strikes)

	send()
	send()
	send()

	select {
	case <-c.done:
	default:
		t.Fatal("slow peer should be disconnected")
	}

	assert.InDelta(t, 1, testutil.ToFloat64(s.metrics.backpressureDrops), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(s.metrics.gossipQueueOverflow), 0)
}

func TestSwarmSendGossipUnknownPeer(t *testing.T) {
	s := newTestSwarm(t, nil)

	s.sendGossip(sendGossipAction{peer: newTestIdentity(t).ID(), rpc: &gossipRPC{}})
	assert.InDelta(t, 0, testutil.ToFloat64(s.metrics.gossipQueueOverflow), 0)
}

func TestConnectionDialer(t *testing.T) {
	s := newTestSwarm(t, nil)
	remote := newTestIdentity(t)

	out := newConnection(s, pipeConn(t, remote, true))
	in := newConnection(s, pipeConn(t, remote, false))

	assert.Equal(t, s.identity.ID(), out.dialer())
	assert.Equal(t, remote.ID(), in.dialer())
}

func TestSwarmConnectRejectsSelfAndUnknown(t *testing.T) {
	s := newTestSwarm(t, nil)

	_, err := s.connect(context.Background(), s.selfInfo())
	require.Error(t, err)

	_, err = s.connect(context.Background(), peer.AddrInfo{ID: newTestIdentity(t).ID()})
	require.Error(t, err, "no addresses known")
}

func TestSwarmListenAddrs(t *testing.T) {
	s := newTestSwarm(t, func(cfg *Config) {
		cfg.AdvertiseAddresses = []string{"203.0.113.7"}
	})

	require.Len(t, s.listenAddrs(), 1)
	assert.NotZero(t, s.listenPort())

	local := s.localAddrs()
	require.Len(t, local, 1)
	assert.Contains(t, local[0].String(), "/ip4/203.0.113.7/tcp/")
}

func TestSwarmPostAfterStop(t *testing.T) {
	s := newTestSwarm(t, nil)
	s.stop()

	assert.False(t, s.post(connClosedEvent{}))
}

func TestSwarmExpiresPeerWithinTTL(t *testing.T) {
	s := newTestSwarm(t, func(cfg *Config) {
		cfg.DiscoveryInterval = 10 * time.Second
	})

	s.start(context.Background())

	silent := peer.AddrInfo{
		ID:    newTestIdentity(t).ID(),
		Addrs: []multiaddr.Multiaddr{mustMultiaddr(t, "/ip4/127.0.0.1/tcp/1")},
	}

	ttl := 300 * time.Millisecond
	start := time.Now()

	require.True(t, s.post(announcementEvent{peer: silent, ttl: ttl, at: start}))
	require.Eventually(t, func() bool { return s.peers.Len() == 1 }, time.Second, 5*time.Millisecond)

	// the sweep follows the peer's expiry rather than the announcement interval
	require.Eventually(t, func() bool { return s.peers.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), ttl+500*time.Millisecond)
}

func TestPeerSetNextExpiry(t *testing.T) {
	ps := NewPeerSet()

	_, ok := ps.NextExpiry()
	assert.False(t, ok)

	now := time.Now()
	ids := testPeers(t, 2)

	ps.Upsert(ids[0], nil, now, 5*time.Second)
	ps.Upsert(ids[1], nil, now, time.Second)

	next, ok := ps.NextExpiry()
	require.True(t, ok)
	assert.True(t, now.Add(time.Second).Equal(next))
}

// remoteAbove returns an identity whose ID sorts after local.
func remoteAbove(t *testing.T, local peer.ID) *Identity {
	t.Helper()

	for {
		if id := newTestIdentity(t); id.ID() > local {
			return id
		}
	}
}

func TestSwarmReplacedConnectionResendsSubscriptions(t *testing.T) {
	s := newTestSwarm(t, nil)
	s.gossip.setSubscription("chat", true)

	remote := remoteAbove(t, s.identity.ID())

	// the remote dialed first, so its connection holds our earlier subscription frame
	existing := newConnection(s, pipeConn(t, remote, false))

	s.mu.Lock()
	s.conns[remote.ID()] = existing
	s.mu.Unlock()

	s.gossip.onConnected(remote.ID())

	// our own dial wins because the smaller ID dialed it
	c, err := s.register(pipeConn(t, remote, true), nil)
	require.NoError(t, err)
	require.NotSame(t, existing, c)
	assert.Same(t, c, s.conn(remote.ID()))

	select {
	case <-existing.done:
	default:
		t.Fatal("losing connection should be closed")
	}

	ev := <-s.events
	require.IsType(t, connReplacedEvent{}, ev)

	s.handle(ev)

	select {
	case rpc := <-c.queue:
		require.Len(t, rpc.Subscriptions, 1)
		assert.Equal(t, wireSubscription{Subscribe: true, Topic: "chat"}, rpc.Subscriptions[0])
	case <-time.After(time.Second):
		t.Fatal("subscriptions not queued on the surviving connection")
	}
}

func TestSwarmRegisterKeepsWinningConnection(t *testing.T) {
	s := newTestSwarm(t, nil)
	remote := remoteAbove(t, s.identity.ID())

	// we dialed first, so a later inbound duplicate loses
	existing := newConnection(s, pipeConn(t, remote, true))

	s.mu.Lock()
	s.conns[remote.ID()] = existing
	s.mu.Unlock()

	c, err := s.register(pipeConn(t, remote, false), nil)
	require.NoError(t, err)
	assert.Same(t, existing, c)

	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %T", ev)
	default:
	}
}

func TestSwarmConcurrentConnectSharesDial(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil)

	ctx, cancel := createTestContext(10 * time.Second)
	defer cancel()

	a.start(ctx)
	b.start(ctx)

	const callers = 8

	conns := make([]*connection, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)

		go func() {
			defer wg.Done()
			conns[i], errs[i] = a.connect(ctx, b.selfInfo())
		}()
	}

	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, conns[0], conns[i], "caller %d got a different connection", i)
	}

	require.Eventually(t, func() bool { return b.isConnected(a.identity.ID()) }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	assert.Len(t, a.connectedPeers(), 1)
	assert.Len(t, b.connectedPeers(), 1)
	assert.Same(t, conns[0], a.conn(b.identity.ID()))
}

func TestSwarmSubscribeCommandFollowsNodeState(t *testing.T) {
	s := newTestSwarm(t, nil)

	wanted := false
	s.hooks.subscribed = func(string) bool { return wanted }

	// the subscribe and its cancel reach the loop in the wrong order; the loop still
	// settles on the current state
	wanted = true
	s.handle(subscribeCommand{topic: "chat"})
	s.handle(subscribeCommand{topic: "chat"})
	assert.True(t, s.gossip.subscribed("chat"))

	wanted = false
	s.handle(subscribeCommand{topic: "chat"})
	assert.False(t, s.gossip.subscribed("chat"))
}
