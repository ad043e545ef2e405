package overlay

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// buildAdvertiseMultiAddrs turns host or host:port strings into dialable multiaddrs.
// Hosts that are not IP addresses are advertised as dns4 names.
func buildAdvertiseMultiAddrs(log Logger, addrs []string, defaultPort int) []multiaddr.Multiaddr {
	result := make([]multiaddr.Multiaddr, 0, len(addrs))

	for _, addr := range addrs {
		hostStr := addr
		portNum := defaultPort

		if h, p, err := net.SplitHostPort(addr); err == nil {
			hostStr = h

			var pi int

			pi, err = strconv.Atoi(p)
			if err != nil {
				log.Debugf("[Node] invalid port in advertise address: %s, error: %v", addr, err)
				continue
			}

			portNum = pi
		}

		var (
			maddr multiaddr.Multiaddr
			err   error
		)

		if net.ParseIP(hostStr) != nil {
			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf(multiAddrIPTemplate, hostStr, portNum))
		} else {
			if strings.Contains(hostStr, ":") {
				log.Debugf("[Node] invalid DNS name in advertise address: %s", addr)
				continue
			}

			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf("/dns4/%s/tcp/%d", hostStr, portNum))
		}

		if err != nil {
			log.Debugf("[Node] invalid advertise address: %s, error: %v", addr, err)
			continue
		}

		result = append(result, maddr)
	}

	return result
}

// resolveUnspecified replaces a leading 0.0.0.0 or :: in each address with observed.
// Addresses are returned unchanged when observed is nil.
func resolveUnspecified(addrs []multiaddr.Multiaddr, observed net.IP) []multiaddr.Multiaddr {
	if observed == nil {
		return addrs
	}

	out := make([]multiaddr.Multiaddr, 0, len(addrs))

	for _, addr := range addrs {
		ip, err := manet.ToIP(addr)
		if err != nil || !ip.IsUnspecified() {
			out = append(out, addr)
			continue
		}

		ipAddr, err := manet.FromIP(observed)
		if err != nil {
			out = append(out, addr)
			continue
		}

		if _, rest := multiaddr.SplitFirst(addr); rest != nil {
			ipAddr = ipAddr.Encapsulate(rest)
		}

		out = append(out, ipAddr)
	}

	return out
}

// remoteIP returns the IP of a connection multiaddr, or nil.
func remoteIP(addr multiaddr.Multiaddr) net.IP {
	if addr == nil {
		return nil
	}

	ip, err := manet.ToIP(addr)
	if err != nil {
		return nil
	}

	return ip
}

// extractIPFromMultiaddr returns the IP component of addr as a string, or "".
func extractIPFromMultiaddr(addr multiaddr.Multiaddr) string {
	if ip := remoteIP(addr); ip != nil {
		return ip.String()
	}

	return ""
}

// parsePeerAddr parses a multiaddr ending in /p2p/<id>.
func parsePeerAddr(addr string) (*peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %s: %w", addr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get peer info from %s: %w", addr, err)
	}

	return info, nil
}
