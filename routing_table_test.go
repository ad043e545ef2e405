package overlay

import (
	"testing"

	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peersInBucket generates n peers that share exactly cpl prefix bits with local.
func peersInBucket(t *testing.T, local peer.ID, cpl, n int) []peer.ID {
	t.Helper()

	localKey := kbucket.ConvertPeerID(local)
	out := make([]peer.ID, 0, n)

	for attempts := 0; len(out) < n; attempts++ {
		require.Less(t, attempts, 10000, "could not generate peers for bucket %d", cpl)

		id := newTestIdentity(t).ID()
		if kbucket.CommonPrefixLen(localKey, kbucket.ConvertPeerID(id)) == cpl {
			out = append(out, id)
		}
	}

	return out
}

func TestRoutingTableInsert(t *testing.T) {
	local := newTestIdentity(t).ID()
	rt := NewRoutingTable(local, 2)
	localKey := kbucket.ConvertPeerID(local)

	peers := peersInBucket(t, local, 0, 3)

	res, _ := rt.Insert(local, nil)
	assert.Equal(t, InsertSelf, res)

	res, _ = rt.Insert(peers[0], nil)
	assert.Equal(t, InsertAdded, res)
	res, _ = rt.Insert(peers[1], nil)
	assert.Equal(t, InsertAdded, res)
	assert.Equal(t, 2, rt.Size())

	res, _ = rt.Insert(peers[1], addrs(t, "/ip4/10.0.0.2/tcp/1"))
	assert.Equal(t, InsertUpdated, res)

	info, ok := rt.Find(peers[1])
	require.True(t, ok)
	assert.Len(t, info.Addrs, 1)

	// peers[0] is now the least recently contacted entry
	res, oldest := rt.Insert(peers[2], nil)
	if closer(localKey, kbucket.ConvertPeerID(peers[2]), kbucket.ConvertPeerID(peers[0])) {
		assert.Equal(t, InsertFull, res)
		assert.Equal(t, peers[0], oldest)
	} else {
		assert.Equal(t, InsertRejected, res)
		assert.Empty(t, oldest)
	}

	assert.Equal(t, 2, rt.Size(), "a full bucket never grows")
	assert.Equal(t, []peer.ID{peers[1], peers[0]}, rt.BucketPeers(0))
}

func TestRoutingTableTouchReplaceRemove(t *testing.T) {
	local := newTestIdentity(t).ID()
	rt := NewRoutingTable(local, 2)
	peers := peersInBucket(t, local, 0, 3)

	rt.Insert(peers[0], nil)
	rt.Insert(peers[1], nil)

	require.True(t, rt.Touch(peers[0]))
	assert.Equal(t, []peer.ID{peers[0], peers[1]}, rt.BucketPeers(0))
	assert.False(t, rt.Touch(peers[2]))

	require.True(t, rt.Replace(peers[1], peers[2], nil))
	assert.Equal(t, 2, rt.Size())
	assert.Equal(t, []peer.ID{peers[2], peers[0]}, rt.BucketPeers(0))

	assert.False(t, rt.Replace(peers[1], peers[2], nil), "old peer is gone")

	require.True(t, rt.Remove(peers[0]))
	assert.False(t, rt.Remove(peers[0]))
	assert.Equal(t, 1, rt.Size())

	_, ok := rt.Find(peers[0])
	assert.False(t, ok)
}

func TestRoutingTableReplaceAcrossBuckets(t *testing.T) {
	local := newTestIdentity(t).ID()
	rt := NewRoutingTable(local, 2)

	a := peersInBucket(t, local, 0, 1)[0]
	b := peersInBucket(t, local, 1, 1)[0]

	rt.Insert(a, nil)
	assert.False(t, rt.Replace(a, b, nil))
	assert.Nil(t, rt.BucketPeers(-1))
	assert.Nil(t, rt.BucketPeers(keyBits))
}

func TestRoutingTableNearestPeers(t *testing.T) {
	local := newTestIdentity(t).ID()
	rt := NewRoutingTable(local, 20)

	ids := make([]peer.ID, 0, 30)
	for i := 0; i < 30; i++ {
		id := newTestIdentity(t).ID()
		if res, _ := rt.Insert(id, nil); res == InsertAdded {
			ids = append(ids, id)
		}
	}

	target := kbucket.ConvertKey("target")
	nearest := rt.NearestPeers(target, 5)
	require.Len(t, nearest, 5)

	for i := 1; i < len(nearest); i++ {
		assert.False(t, closer(target, kbucket.ConvertPeerID(nearest[i].ID), kbucket.ConvertPeerID(nearest[i-1].ID)),
			"results are ordered by distance")
	}

	// nothing outside the result is closer than the last result
	inResult := make(map[peer.ID]bool)
	for _, info := range nearest {
		inResult[info.ID] = true
	}

	last := kbucket.ConvertPeerID(nearest[len(nearest)-1].ID)
	for _, id := range ids {
		if !inResult[id] {
			assert.False(t, closer(target, kbucket.ConvertPeerID(id), last))
		}
	}

	assert.Len(t, rt.NearestPeers(target, 1000), len(ids))
}

func TestCloser(t *testing.T) {
	target := kbucket.ID{0x00, 0x00}
	a := kbucket.ID{0x00, 0x01}
	b := kbucket.ID{0x80, 0x00}

	assert.True(t, closer(target, a, b))
	assert.False(t, closer(target, b, a))
	assert.False(t, closer(target, a, a))
	assert.Equal(t, []byte{0x80, 0x01}, xorDistance(a, b))
}
