package overlay

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ConnectionGater decides which peers and addresses the swarm may talk to. It is
// consulted before dialing, on accept and after the handshake; a secured connection
// holds one of the peer's slots until the swarm releases it on close.
type ConnectionGater struct {
	logger   Logger
	maxConns int

	mu      sync.Mutex
	peers   map[peer.ID]time.Time // blocked until
	subnets []netip.Prefix
	slots   map[peer.ID]int
}

// NewConnectionGater returns a gater allowing maxConnsPerPeer secured connections per
// peer; zero or less disables the limit.
func NewConnectionGater(logger Logger, maxConnsPerPeer int) *ConnectionGater {
	return &ConnectionGater{
		logger:   logger,
		maxConns: maxConnsPerPeer,
		peers:    make(map[peer.ID]time.Time),
		slots:    make(map[peer.ID]int),
	}
}

// BlockPeer refuses p for d. Existing connections are not touched; see Node.BlockPeer.
func (cg *ConnectionGater) BlockPeer(p peer.ID, d time.Duration) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	cg.peers[p] = time.Now().Add(d)
}

// UnblockPeer lifts a block on p.
func (cg *ConnectionGater) UnblockPeer(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	delete(cg.peers, p)
}

// BlockedPeers lists the peers currently blocked.
func (cg *ConnectionGater) BlockedPeers() []peer.ID {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	now := time.Now()
	out := make([]peer.ID, 0, len(cg.peers))

	for p, until := range cg.peers {
		if now.Before(until) {
			out = append(out, p)
		}
	}

	return out
}

// BlockSubnet refuses addresses inside a CIDR such as "10.1.0.0/16". A bare IP blocks
// that single host.
func (cg *ConnectionGater) BlockSubnet(subnet string) error {
	var (
		prefix netip.Prefix
		err    error
	)

	if strings.Contains(subnet, "/") {
		prefix, err = netip.ParsePrefix(subnet)
	} else {
		var addr netip.Addr

		addr, err = netip.ParseAddr(subnet)
		if err == nil {
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
	}

	if err != nil {
		return err
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()

	cg.subnets = append(cg.subnets, prefix.Masked())

	return nil
}

func (cg *ConnectionGater) peerBlocked(p peer.ID) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	until, ok := cg.peers[p]
	if !ok {
		return false
	}

	if time.Now().Before(until) {
		return true
	}

	delete(cg.peers, p)

	return false
}

// addrBlocked reports whether addr falls in a blocked subnet. Addresses without an IP
// component, such as dns multiaddrs, are never blocked.
func (cg *ConnectionGater) addrBlocked(addr multiaddr.Multiaddr) bool {
	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}

	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}

	a = a.Unmap()

	cg.mu.Lock()
	defer cg.mu.Unlock()

	for _, prefix := range cg.subnets {
		if prefix.Contains(a) {
			return true
		}
	}

	return false
}

// InterceptPeerDial is called before dialing a peer.
func (cg *ConnectionGater) InterceptPeerDial(p peer.ID) bool {
	if cg.peerBlocked(p) {
		cg.logger.Debugf("[Gater] refusing dial to blocked peer %s", p)
		return false
	}

	return true
}

// InterceptAddrDial is called before dialing one of the peer's addresses.
func (cg *ConnectionGater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) bool {
	if cg.peerBlocked(p) || cg.addrBlocked(addr) {
		cg.logger.Debugf("[Gater] refusing dial to %s at %s", p, addr)
		return false
	}

	return true
}

// InterceptAccept is called before the handshake of an inbound connection.
func (cg *ConnectionGater) InterceptAccept(conn network.ConnMultiaddrs) bool {
	if cg.addrBlocked(conn.RemoteMultiaddr()) {
		cg.logger.Debugf("[Gater] refusing connection from %s", conn.RemoteMultiaddr())
		return false
	}

	return true
}

// InterceptSecured runs once the remote peer is authenticated and takes a slot.
func (cg *ConnectionGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if cg.peerBlocked(p) {
		cg.logger.Debugf("[Gater] refusing secured connection from blocked peer %s", p)
		return false
	}

	if cg.maxConns <= 0 {
		return true
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.slots[p] >= cg.maxConns {
		cg.logger.Debugf("[Gater] peer %s already holds %d connections", p, cg.maxConns)
		return false
	}

	cg.slots[p]++

	return true
}

// InterceptUpgraded always allows: the swarm multiplexes every connection the same way.
func (cg *ConnectionGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// ReleaseConn returns the slot taken by a secured connection to p.
func (cg *ConnectionGater) ReleaseConn(p peer.ID) {
	if cg.maxConns <= 0 {
		return
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.slots[p] <= 1 {
		delete(cg.slots, p)
		return
	}

	cg.slots[p]--
}

// ConnCount returns the number of slots p holds.
func (cg *ConnectionGater) ConnCount(p peer.ID) int {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	return cg.slots[p]
}

var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)
