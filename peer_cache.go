package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	// DefaultCacheTTL is how long a peer stays cached without being seen.
	DefaultCacheTTL = 30 * 24 * time.Hour
	// DefaultMaxCachedPeers bounds the cache written on stop.
	DefaultMaxCachedPeers = 100

	peerCacheVersion = 2

	// a cached peer is forgotten after this many consecutive failed redials
	maxDialFailures = 5
)

// CachedPeer is what the node remembers about a peer between runs.
type CachedPeer struct {
	peer.AddrInfo

	LastSeen      time.Time
	LastConnected time.Time
	Connections   int
	Failures      int
}

func (p *CachedPeer) score() float64 {
	return float64(p.Connections) / float64(p.Connections+p.Failures+1)
}

// peerCacheFile is the on-disk form. Peers are stored in the same encoding the DHT uses
// on the wire.
type peerCacheFile struct {
	Version int               `cbor:"1,keyasint"`
	Peers   []cachedPeerEntry `cbor:"2,keyasint"`
}

type cachedPeerEntry struct {
	Peer          wirePeer `cbor:"1,keyasint"`
	LastSeen      int64    `cbor:"2,keyasint"`
	LastConnected int64    `cbor:"3,keyasint,omitempty"`
	Connections   int      `cbor:"4,keyasint,omitempty"`
	Failures      int      `cbor:"5,keyasint,omitempty"`
}

// PeerCache remembers peers the node has been connected to, so a restarted node can
// redial them before discovery finds anyone.
type PeerCache struct {
	mu    sync.RWMutex
	peers map[peer.ID]*CachedPeer
}

// NewPeerCache returns an empty cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{peers: make(map[peer.ID]*CachedPeer)}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, path[2:]), nil
}

// LoadPeerCache reads the cache at path. A missing file or one written by another
// format version yields an empty cache; entries with unreadable peer IDs are skipped.
func LoadPeerCache(path string) (*PeerCache, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewPeerCache(), nil
		}

		return nil, fmt.Errorf("failed to read peer cache: %w", err)
	}

	var file peerCacheFile
	if err := cbor.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse peer cache: %w", err)
	}

	pc := NewPeerCache()

	if file.Version != peerCacheVersion {
		return pc, nil
	}

	for _, e := range file.Peers {
		info, err := fromWirePeer(e.Peer)
		if err != nil {
			continue
		}

		cp := &CachedPeer{
			AddrInfo:    info,
			LastSeen:    time.Unix(0, e.LastSeen),
			Connections: e.Connections,
			Failures:    e.Failures,
		}

		if e.LastConnected != 0 {
			cp.LastConnected = time.Unix(0, e.LastConnected)
		}

		pc.peers[info.ID] = cp
	}

	return pc, nil
}

// Save writes the cache through a temporary file so a crash never leaves a torn file.
func (pc *PeerCache) Save(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	pc.mu.RLock()

	file := peerCacheFile{Version: peerCacheVersion, Peers: make([]cachedPeerEntry, 0, len(pc.peers))}

	for _, p := range pc.peers {
		e := cachedPeerEntry{
			Peer:        toWirePeer(p.AddrInfo),
			LastSeen:    p.LastSeen.UnixNano(),
			Connections: p.Connections,
			Failures:    p.Failures,
		}

		if !p.LastConnected.IsZero() {
			e.LastConnected = p.LastConnected.UnixNano()
		}

		file.Peers = append(file.Peers, e)
	}

	pc.mu.RUnlock()

	data, err := cbor.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode peer cache: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write peer cache: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to rename peer cache: %w", err)
	}

	return nil
}

// Connected records an established connection. Known addresses are replaced when addrs
// is not empty and the failure streak ends.
func (pc *PeerCache) Connected(id peer.ID, addrs []multiaddr.Multiaddr) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	now := time.Now()

	p, ok := pc.peers[id]
	if !ok {
		p = &CachedPeer{AddrInfo: peer.AddrInfo{ID: id}}
		pc.peers[id] = p
	}

	if len(addrs) > 0 {
		p.Addrs = append([]multiaddr.Multiaddr(nil), addrs...)
	}

	p.LastSeen = now
	p.LastConnected = now
	p.Connections++
	p.Failures = 0
}

// Failed records a failed dial. Only peers already in the cache are tracked, and a peer
// is forgotten once its failure streak reaches the limit.
func (pc *PeerCache) Failed(id peer.ID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	p, ok := pc.peers[id]
	if !ok {
		return
	}

	p.Failures++

	if p.Failures >= maxDialFailures {
		delete(pc.peers, id)
	}
}

// Get returns a copy of the cached entry for id.
func (pc *PeerCache) Get(id peer.ID) (CachedPeer, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	p, ok := pc.peers[id]
	if !ok {
		return CachedPeer{}, false
	}

	return *p, true
}

// ranked returns the peers seen within ttl, most reliable first. Callers hold the lock.
func (pc *PeerCache) ranked(ttl time.Duration) []*CachedPeer {
	cutoff := time.Now().Add(-ttl)

	out := make([]*CachedPeer, 0, len(pc.peers))
	for _, p := range pc.peers {
		if p.LastSeen.After(cutoff) {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if si, sj := out[i].score(), out[j].score(); si != sj {
			return si > sj
		}

		return out[i].LastConnected.After(out[j].LastConnected)
	})

	return out
}

// Candidates returns up to limit dialable peers seen within ttl, most reliable first.
func (pc *PeerCache) Candidates(limit int, ttl time.Duration) []peer.AddrInfo {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	out := make([]peer.AddrInfo, 0, limit)

	for _, p := range pc.ranked(ttl) {
		if len(out) == limit {
			break
		}

		if len(p.Addrs) == 0 {
			continue
		}

		out = append(out, peer.AddrInfo{ID: p.ID, Addrs: append([]multiaddr.Multiaddr(nil), p.Addrs...)})
	}

	return out
}

// Prune drops peers not seen within ttl and keeps the maxPeers most reliable of the rest.
func (pc *PeerCache) Prune(maxPeers int, ttl time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	keep := pc.ranked(ttl)
	if len(keep) > maxPeers {
		keep = keep[:maxPeers]
	}

	peers := make(map[peer.ID]*CachedPeer, len(keep))
	for _, p := range keep {
		peers[p.ID] = p
	}

	pc.peers = peers
}

// Len returns the number of cached peers.
func (pc *PeerCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	return len(pc.peers)
}

// Remove forgets id.
func (pc *PeerCache) Remove(id peer.ID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	delete(pc.peers, id)
}
