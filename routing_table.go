package overlay

import (
	"bytes"
	"container/list"
	"sort"
	"sync"
	"time"

	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const keyBits = 256

// InsertResult reports what RoutingTable.Insert did with a candidate.
type InsertResult int

const (
	// InsertAdded means the peer was added to a bucket with spare capacity.
	InsertAdded InsertResult = iota
	// InsertUpdated means the peer was already present and was moved to the front.
	InsertUpdated
	// InsertFull means the bucket is full and the candidate is closer than the least
	// recently contacted entry, which must pass a liveness check to stay.
	InsertFull
	// InsertRejected means the bucket is full and the candidate is not closer.
	InsertRejected
	// InsertSelf means the candidate is the local peer.
	InsertSelf
)

type bucketEntry struct {
	id          peer.ID
	key         kbucket.ID
	addrs       []multiaddr.Multiaddr
	lastContact time.Time
}

// bucket is an LRU list: front is the most recently contacted peer.
type bucket struct {
	entries *list.List
	index   map[peer.ID]*list.Element
}

func newBucket() *bucket {
	return &bucket{entries: list.New(), index: make(map[peer.ID]*list.Element)}
}

// RoutingTable groups known peers into buckets by the length of the prefix their key
// shares with the local key. A peer lives in at most one bucket.
type RoutingTable struct {
	mu         sync.RWMutex
	local      peer.ID
	localKey   kbucket.ID
	bucketSize int
	buckets    [keyBits]*bucket
	size       int
}

// NewRoutingTable creates an empty table for local with buckets holding bucketSize peers.
func NewRoutingTable(local peer.ID, bucketSize int) *RoutingTable {
	rt := &RoutingTable{
		local:      local,
		localKey:   kbucket.ConvertPeerID(local),
		bucketSize: bucketSize,
	}

	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}

	return rt
}

// bucketIndex returns the bucket a key belongs to.
func (rt *RoutingTable) bucketIndex(key kbucket.ID) int {
	cpl := kbucket.CommonPrefixLen(rt.localKey, key)
	if cpl >= keyBits {
		cpl = keyBits - 1
	}

	return cpl
}

// Insert offers a peer to the table. When the peer is already present it is marked as
// contacted and its addresses refreshed. When the result is InsertFull the returned peer
// is the least recently contacted entry of the bucket, which the caller should ping and
// then either Touch or Replace.
func (rt *RoutingTable) Insert(id peer.ID, addrs []multiaddr.Multiaddr) (InsertResult, peer.ID) {
	if id == rt.local {
		return InsertSelf, ""
	}

	key := kbucket.ConvertPeerID(id)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(key)]

	if el, ok := b.index[id]; ok {
		e := el.Value.(*bucketEntry)
		e.lastContact = time.Now()

		if len(addrs) > 0 {
			e.addrs = addrs
		}

		b.entries.MoveToFront(el)

		return InsertUpdated, ""
	}

	if b.entries.Len() < rt.bucketSize {
		b.index[id] = b.entries.PushFront(&bucketEntry{id: id, key: key, addrs: addrs, lastContact: time.Now()})
		rt.size++

		return InsertAdded, ""
	}

	oldest := b.entries.Back().Value.(*bucketEntry)
	if closer(rt.localKey, key, oldest.key) {
		return InsertFull, oldest.id
	}

	return InsertRejected, ""
}

// Touch marks a present peer as just contacted.
func (rt *RoutingTable) Touch(id peer.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(kbucket.ConvertPeerID(id))]

	el, ok := b.index[id]
	if !ok {
		return false
	}

	el.Value.(*bucketEntry).lastContact = time.Now()
	b.entries.MoveToFront(el)

	return true
}

// Replace evicts old and inserts replacement in its place. Both must map to the same
// bucket, old must be present and replacement absent.
func (rt *RoutingTable) Replace(old, replacement peer.ID, addrs []multiaddr.Multiaddr) bool {
	key := kbucket.ConvertPeerID(replacement)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndex(key)
	if idx != rt.bucketIndex(kbucket.ConvertPeerID(old)) {
		return false
	}

	b := rt.buckets[idx]

	el, ok := b.index[old]
	if !ok {
		return false
	}

	if _, exists := b.index[replacement]; exists {
		return false
	}

	b.entries.Remove(el)
	delete(b.index, old)
	b.index[replacement] = b.entries.PushFront(&bucketEntry{id: replacement, key: key, addrs: addrs, lastContact: time.Now()})

	return true
}

// Remove drops a peer from the table.
func (rt *RoutingTable) Remove(id peer.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(kbucket.ConvertPeerID(id))]

	el, ok := b.index[id]
	if !ok {
		return false
	}

	b.entries.Remove(el)
	delete(b.index, id)
	rt.size--

	return true
}

// Find returns the stored addresses of a peer.
func (rt *RoutingTable) Find(id peer.ID) (peer.AddrInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	el, ok := rt.buckets[rt.bucketIndex(kbucket.ConvertPeerID(id))].index[id]
	if !ok {
		return peer.AddrInfo{}, false
	}

	e := el.Value.(*bucketEntry)

	return peer.AddrInfo{ID: e.id, Addrs: e.addrs}, true
}

// NearestPeers returns up to count peers ordered by XOR distance to key.
func (rt *RoutingTable) NearestPeers(key kbucket.ID, count int) []peer.AddrInfo {
	rt.mu.RLock()

	entries := make([]*bucketEntry, 0, rt.size)
	for _, b := range rt.buckets {
		for el := b.entries.Front(); el != nil; el = el.Next() {
			entries = append(entries, el.Value.(*bucketEntry))
		}
	}

	rt.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return closer(key, entries[i].key, entries[j].key)
	})

	if count > len(entries) {
		count = len(entries)
	}

	result := make([]peer.AddrInfo, 0, count)
	for _, e := range entries[:count] {
		result = append(result, peer.AddrInfo{ID: e.id, Addrs: e.addrs})
	}

	return result
}

// BucketPeers returns the peers of bucket i, most recently contacted first.
func (rt *RoutingTable) BucketPeers(i int) []peer.ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if i < 0 || i >= keyBits {
		return nil
	}

	ids := make([]peer.ID, 0, rt.buckets[i].entries.Len())
	for el := rt.buckets[i].entries.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*bucketEntry).id)
	}

	return ids
}

// Size returns the number of peers in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	return rt.size
}

func xorDistance(a, b kbucket.ID) []byte {
	d := make([]byte, len(a))
	for i := range a {
		d[i] = a[i] ^ b[i]
	}

	return d
}

// closer reports whether a is strictly closer to target than b.
func closer(target, a, b kbucket.ID) bool {
	return bytes.Compare(xorDistance(a, target), xorDistance(b, target)) < 0
}
