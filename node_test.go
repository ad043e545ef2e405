package overlay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNode(t *testing.T) {
	identity := newTestIdentity(t)
	privHex, err := identity.MarshalHex()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		check   func(t *testing.T, n *Node)
	}{
		{
			name: "generated identity",
			check: func(t *testing.T, n *Node) {
				assert.NotEmpty(t, n.HostID())
				require.Len(t, n.Addrs(), 1)
			},
		},
		{
			name:   "identity from private key",
			mutate: func(c *Config) { c.PrivateKey = privHex },
			check: func(t *testing.T, n *Node) {
				assert.Equal(t, identity.ID(), n.HostID())
				require.Len(t, n.P2PAddrs(), 1)
				assert.Contains(t, n.P2PAddrs()[0], "/p2p/"+identity.ID().String())
			},
		},
		{
			name:    "bad private key",
			mutate:  func(c *Config) { c.PrivateKey = "not-hex" },
			wantErr: true,
		},
		{
			name:    "bad shared key",
			mutate:  func(c *Config) { c.SharedKey = "abcd" },
			wantErr: true,
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.ListenAddresses = []string{"not-an-ip"} },
			wantErr: true,
		},
		{
			name:   "connection gater",
			mutate: func(c *Config) { c.EnableConnGater = true },
			check: func(t *testing.T, n *Node) {
				require.NotNil(t, n.ConnectionGater())
			},
		},
		{
			name:   "defaults applied",
			mutate: func(c *Config) { c.ProcessName = "" },
			check: func(t *testing.T, n *Node) {
				assert.Equal(t, "overlay", n.GetProcessName())
				assert.Equal(t, defaultBucketSize, n.config.BucketSize)
				assert.Equal(t, 3*defaultDiscoveryInterval, n.config.DiscoveryTTL())
			},
		},
		{
			name: "metrics registered",
			mutate: func(c *Config) {
				c.MetricsRegisterer = prometheus.NewRegistry()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := createBasicConfig("test-node")
			if tt.mutate != nil {
				tt.mutate(&config)
			}

			node, err := NewNode(context.Background(), createTestLogger(t), config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			setupNodeCleanup(t, node, tt.name)

			if tt.check != nil {
				tt.check(t, node)
			}
		})
	}
}

func TestNewNodeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewNode(ctx, createTestLogger(t), createBasicConfig("cancelled"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNodeLifecycle(t *testing.T) {
	ctx, cancel := createTestContext(10 * time.Second)
	defer cancel()

	node, err := NewNode(ctx, nopLogger{}, createBasicConfig("lifecycle"))
	require.NoError(t, err)

	require.NoError(t, node.Start(ctx, "chat"))
	require.Error(t, node.Start(ctx), "starting twice fails")

	require.NoError(t, node.Stop(ctx))
	require.NoError(t, node.Stop(ctx), "stop is idempotent")

	require.ErrorIs(t, node.Start(ctx), ErrNodeStopped)
	require.ErrorIs(t, node.Publish(ctx, "chat", []byte("late")), ErrNodeStopped)
	require.ErrorIs(t, node.Connect(ctx, addrInfo(node)), ErrNodeStopped)

	_, err = node.GetRecord(ctx, []byte("key"))
	require.ErrorIs(t, err, ErrNodeStopped)

	_, err = node.Subscribe("other")
	require.ErrorIs(t, err, ErrNodeStopped)
}

func TestNodeSubscriptions(t *testing.T) {
	ctx, cancel := createTestContext(10 * time.Second)
	defer cancel()

	node := startTestNode(t, ctx, createBasicConfig("subs"))

	_, err := node.Subscribe("")
	require.Error(t, err)

	first, err := node.Subscribe("chat")
	require.NoError(t, err)
	second, err := node.Subscribe("chat")
	require.NoError(t, err)
	assert.Equal(t, "chat", first.Topic())

	require.NoError(t, node.Publish(ctx, "chat", []byte("hello")))

	for _, sub := range []*Subscription{first, second} {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), msg.Data)
		assert.Equal(t, node.HostID(), msg.From)
	}

	first.Cancel()

	_, err = first.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionCancelled)

	require.NoError(t, node.Unsubscribe("chat"))

	_, err = second.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionCancelled)

	require.NoError(t, node.Unsubscribe("never-joined"))

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()

	sub, err := node.Subscribe("quiet")
	require.NoError(t, err)

	_, err = sub.Next(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNodeSetTopicHandler(t *testing.T) {
	ctx, cancel := createTestContext(10 * time.Second)
	defer cancel()

	node := startTestNode(t, ctx, createBasicConfig("handler"))

	received := make(chan string, 1)

	require.NoError(t, node.SetTopicHandler(ctx, "chat", func(_ context.Context, msg []byte, from string) {
		assert.Equal(t, node.HostID().String(), from)
		received <- string(msg)
	}))

	err := node.SetTopicHandler(ctx, "chat", func(context.Context, []byte, string) {})
	require.Error(t, err, "one handler per topic")

	require.NoError(t, node.Publish(ctx, "chat", []byte("hi")))

	select {
	case msg := <-received:
		assert.Equal(t, "hi", msg)
	case <-ctx.Done():
		t.Fatal("handler not called")
	}

	// unsubscribing frees the topic for a new handler
	require.NoError(t, node.Unsubscribe("chat"))
	require.NoError(t, node.SetTopicHandler(ctx, "chat", func(context.Context, []byte, string) {}))
}

func TestNodeLocalRecords(t *testing.T) {
	ctx, cancel := createTestContext(10 * time.Second)
	defer cancel()

	node := startTestNode(t, ctx, createBasicConfig("records"))

	require.NoError(t, node.PutRecord(ctx, []byte("key"), []byte("value"), 0))

	r, err := node.GetRecord(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), r.Value)
	assert.Equal(t, node.HostID(), r.Publisher)

	_, err = node.GetRecord(ctx, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	err = node.PutRecord(ctx, []byte("key"), []byte("value"), 2)
	require.ErrorIs(t, err, ErrQuorumNotMet, "an isolated node is only one ack")

	peers, err := node.FindClosestPeers(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Empty(t, peers)

	require.NoError(t, node.Announce(ctx, "movie.mkv"))

	provider, err := node.Lookup(ctx, "movie.mkv")
	require.NoError(t, err)
	assert.Equal(t, node.HostID(), provider.Publisher)
	require.Len(t, provider.Addrs, 1)
	assert.Equal(t, node.Addrs()[0].String(), provider.Addrs[0].String())

	_, err = node.Lookup(ctx, "unknown.mkv")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNodeLookupRejectsForeignValue(t *testing.T) {
	ctx, cancel := createTestContext(10 * time.Second)
	defer cancel()

	node := startTestNode(t, ctx, createBasicConfig("foreign"))

	key, err := ContentKey("movie.mkv")
	require.NoError(t, err)

	require.NoError(t, node.PutRecord(ctx, key, []byte("not cbor provider"), 1))

	_, err = node.Lookup(ctx, "movie.mkv")
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNodeDisconnectUnknownPeer(t *testing.T) {
	ctx, cancel := createTestContext(10 * time.Second)
	defer cancel()

	node := startTestNode(t, ctx, createBasicConfig("disconnect"))

	err := node.DisconnectPeer(ctx, newTestIdentity(t).ID())
	require.Error(t, err)
}

func TestNodePeerCachePersists(t *testing.T) {
	ctx, cancel := createTestContext(15 * time.Second)
	defer cancel()

	cacheFile := filepath.Join(t.TempDir(), "peers.cbor")

	config := createBasicConfig("cached")
	config.EnablePeerCache = true
	config.PeerCacheFile = cacheFile

	a := startTestNode(t, ctx, config)
	b := startTestNode(t, ctx, createBasicConfig("remote"))

	connectNodes(t, ctx, a, b)

	require.Eventually(t, func() bool {
		return a.peerCache.Len() == 1
	}, 5*time.Second, 20*time.Millisecond, "connection is recorded by the loop")

	require.NoError(t, a.Stop(ctx))

	cache, err := LoadPeerCache(cacheFile)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	cached, ok := cache.Get(b.HostID())
	require.True(t, ok)
	assert.Equal(t, 1, cached.Connections)
	assert.NotEmpty(t, cached.Addrs)

	// a restarted node redials the cached peer on its own
	c := startTestNode(t, ctx, config)

	require.Eventually(t, func() bool {
		return isConnectedTo(c, b.HostID())
	}, 10*time.Second, 50*time.Millisecond)
}

func TestNodeStaticPeers(t *testing.T) {
	ctx, cancel := createTestContext(15 * time.Second)
	defer cancel()

	b := startTestNode(t, ctx, createBasicConfig("static-target"))

	config := createBasicConfig("static-dialer")
	config.StaticPeers = append(b.P2PAddrs(), "garbage")

	a := startTestNode(t, ctx, config)

	require.Eventually(t, func() bool {
		return isConnectedTo(a, b.HostID())
	}, 10*time.Second, 50*time.Millisecond)

	ips := a.GetPeerIPs(b.HostID())
	assert.Equal(t, []string{testLocalhost}, ips)
}

func TestNodeDiscoveryRequiresMulticastGroup(t *testing.T) {
	ctx, cancel := createTestContext(10 * time.Second)
	defer cancel()

	config := createBasicConfig("unicast")
	config.EnableDiscovery = true
	config.DiscoveryAddress = "127.0.0.1:4777"

	node, err := NewNode(ctx, nopLogger{}, config)
	require.NoError(t, err)
	setupNodeCleanup(t, node, "unicast")

	err = node.Start(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNodeStopped))
}
