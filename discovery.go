package overlay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/net/ipv4"
)

const (
	announcementVersion = 2
	maxDatagramSize     = 8 << 10
)

// PeerRecord is a peer learned from a local-network announcement.
type PeerRecord struct {
	ID       peer.ID
	Addrs    []multiaddr.Multiaddr
	LastSeen time.Time
	Expires  time.Time
}

// PeerSet is the set of currently reachable peers seen by discovery.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[peer.ID]*PeerRecord
}

// NewPeerSet creates an empty peer set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[peer.ID]*PeerRecord)}
}

// Upsert inserts or refreshes a peer seen at now with the given ttl and reports
// whether the peer was not in the set before. Expiry never moves backwards, so
// duplicated or reordered announcements are harmless.
func (ps *PeerSet) Upsert(id peer.ID, addrs []multiaddr.Multiaddr, now time.Time, ttl time.Duration) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	expires := now.Add(ttl)

	rec, ok := ps.peers[id]
	if !ok {
		ps.peers[id] = &PeerRecord{ID: id, Addrs: addrs, LastSeen: now, Expires: expires}
		return true
	}

	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}

	if expires.After(rec.Expires) {
		rec.Expires = expires
	}

	if len(addrs) > 0 {
		rec.Addrs = addrs
	}

	return false
}

// Expire removes every peer whose expiry is at or before now and returns their IDs.
func (ps *PeerSet) Expire(now time.Time) []peer.ID {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var expired []peer.ID

	for id, rec := range ps.peers {
		if !now.Before(rec.Expires) {
			delete(ps.peers, id)
			expired = append(expired, id)
		}
	}

	return expired
}

// NextExpiry returns the earliest expiry in the set.
func (ps *PeerSet) NextExpiry() (time.Time, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var next time.Time

	for _, rec := range ps.peers {
		if next.IsZero() || rec.Expires.Before(next) {
			next = rec.Expires
		}
	}

	return next, !next.IsZero()
}

// Get returns a copy of a peer record.
func (ps *PeerSet) Get(id peer.ID) (PeerRecord, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	rec, ok := ps.peers[id]
	if !ok {
		return PeerRecord{}, false
	}

	return *rec, true
}

// List returns copies of all records ordered by peer ID.
func (ps *PeerSet) List() []PeerRecord {
	ps.mu.RLock()
	records := make([]PeerRecord, 0, len(ps.peers))

	for _, rec := range ps.peers {
		records = append(records, *rec)
	}
	ps.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return records
}

// Len returns the number of known peers.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	return len(ps.peers)
}

// announcement is the presence datagram.
type announcement struct {
	Version int      `cbor:"1,keyasint"`
	Peer    []byte   `cbor:"2,keyasint"`
	Addrs   [][]byte `cbor:"3,keyasint"`
	TTL     uint32   `cbor:"4,keyasint"` // milliseconds
}

// ttlMillis converts ttl for the wire, rounding up so a positive TTL never encodes as
// zero.
func ttlMillis(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}

	ms := (ttl + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(ms)
}

func encodeAnnouncement(id peer.ID, addrs []multiaddr.Multiaddr, ttl time.Duration) ([]byte, error) {
	a := announcement{
		Version: announcementVersion,
		Peer:    []byte(id),
		TTL:     ttlMillis(ttl),
	}

	for _, addr := range addrs {
		a.Addrs = append(a.Addrs, addr.Bytes())
	}

	return cbor.Marshal(a)
}

// decodeAnnouncement parses a datagram received from src. Unspecified addresses are
// rewritten to the source IP of the packet.
func decodeAnnouncement(data []byte, src net.Addr) (peer.AddrInfo, time.Duration, error) {
	var a announcement
	if err := cbor.Unmarshal(data, &a); err != nil {
		return peer.AddrInfo{}, 0, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if a.Version != announcementVersion {
		return peer.AddrInfo{}, 0, fmt.Errorf("%w: unsupported announcement version %d", ErrInvalidMessage, a.Version)
	}

	if a.TTL == 0 {
		return peer.AddrInfo{}, 0, fmt.Errorf("%w: zero ttl", ErrInvalidMessage)
	}

	info, err := fromWirePeer(wirePeer{ID: a.Peer, Addrs: a.Addrs})
	if err != nil {
		return peer.AddrInfo{}, 0, err
	}

	if udp, ok := src.(*net.UDPAddr); ok {
		info.Addrs = resolveUnspecified(info.Addrs, udp.IP)
	}

	return info, time.Duration(a.TTL) * time.Millisecond, nil
}

// listenMulticast joins group on every multicast capable interface with loopback
// enabled, so several nodes on one host see each other.
func listenMulticast(group *net.UDPAddr) (net.PacketConn, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("[Discovery] error listening on %s: %w", group, err)
	}

	pc := ipv4.NewPacketConn(conn)

	if ifaces, err := net.Interfaces(); err == nil {
		for i := range ifaces {
			if ifaces[i].Flags&net.FlagUp == 0 || ifaces[i].Flags&net.FlagMulticast == 0 {
				continue
			}

			_ = pc.JoinGroup(&ifaces[i], group)
		}
	}

	if err := pc.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("[Discovery] error enabling multicast loopback: %w", err)
	}

	return conn, nil
}

// discovery announces the local node and turns received announcements into events.
type discovery struct {
	conn     net.PacketConn
	target   net.Addr
	local    peer.ID
	addrs    func() []multiaddr.Multiaddr
	interval time.Duration
	ttl      time.Duration
	logger   Logger
	post     func(event) bool
}

func (d *discovery) run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = d.conn.Close()
	}()

	go d.readLoop(ctx)

	d.announce()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.announce()
		}
	}
}

func (d *discovery) announce() {
	data, err := encodeAnnouncement(d.local, d.addrs(), d.ttl)
	if err != nil {
		d.logger.Errorf("[Discovery] error encoding announcement: %v", err)
		return
	}

	// a missed broadcast is not retried, expiry covers it
	if _, err := d.conn.WriteTo(data, d.target); err != nil {
		d.logger.Debugf("[Discovery] error sending announcement: %v", err)
	}
}

func (d *discovery) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)

	for {
		n, src, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			d.logger.Debugf("[Discovery] read error: %v", err)

			continue
		}

		info, ttl, err := decodeAnnouncement(buf[:n], src)
		if err != nil {
			d.logger.Debugf("[Discovery] dropping announcement from %s: %v", src, err)
			continue
		}

		if info.ID == d.local {
			continue
		}

		if !d.post(announcementEvent{peer: info, ttl: ttl, at: time.Now()}) {
			return
		}
	}
}
