package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bsv-blockchain/go-overlay/internal/throttle"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/sec"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	ppnet "github.com/libp2p/go-libp2p/p2p/net/pnet"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/multiformats/go-multistream"
	"golang.org/x/time/rate"
)

// secureConn is an authenticated, encrypted and multiplexed connection.
type secureConn struct {
	muxed    network.MuxedConn
	raw      manet.Conn
	remote   peer.ID
	outbound bool
}

// upgrader turns raw TCP connections into secure channels: optional private network
// protection, multistream-select of the security protocol, a Noise XX handshake keyed
// by the node identity and yamux multiplexing on top.
type upgrader struct {
	local    peer.ID
	noise    *noise.Transport
	security *multistream.MultistreamMuxer[protocol.ID]
	psk      pnet.PSK
	timeout  time.Duration
	up, down *rate.Limiter
}

func newUpgrader(identity *Identity, psk pnet.PSK, timeout time.Duration, up, down *rate.Limiter) (*upgrader, error) {
	tpt, err := noise.New(noise.ID, identity.PrivKey(), nil)
	if err != nil {
		return nil, fmt.Errorf("[Transport] error creating noise transport: %w", err)
	}

	security := multistream.NewMultistreamMuxer[protocol.ID]()
	security.AddHandler(noise.ID, nil)

	return &upgrader{
		local:    identity.ID(),
		noise:    tpt,
		security: security,
		psk:      psk,
		timeout:  timeout,
		up:       up,
		down:     down,
	}, nil
}

// secureChannel runs the handshake on raw. For outbound connections hint must be the
// expected remote peer and a different authenticated key fails the handshake. On any
// failure raw is closed and a *HandshakeError is returned.
func (u *upgrader) secureChannel(ctx context.Context, raw manet.Conn, hint peer.ID, outbound bool) (_ *secureConn, err error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	defer func() {
		if err != nil {
			_ = raw.Close()

			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				err = fmt.Errorf("%w: %w", err, ErrTimeout)
			}

			err = &HandshakeError{Peer: hint, Err: err}
		}
	}()

	deadline, _ := ctx.Deadline()
	if err = raw.SetDeadline(deadline); err != nil {
		return nil, err
	}

	var conn net.Conn = throttle.WrapConn(raw, u.up, u.down)

	if u.psk != nil {
		if conn, err = ppnet.NewProtectedConn(u.psk, conn); err != nil {
			return nil, fmt.Errorf("private network: %w", err)
		}
	}

	if outbound {
		err = multistream.SelectProtoOrFail(noise.ID, conn)
	} else {
		_, _, err = u.security.Negotiate(conn)
	}

	if err != nil {
		return nil, fmt.Errorf("unsupported protocol: %w", err)
	}

	var sc sec.SecureConn

	if outbound {
		sc, err = u.noise.SecureOutbound(ctx, conn, hint)
	} else {
		sc, err = u.noise.SecureInbound(ctx, conn, "")
	}

	if err != nil {
		return nil, err
	}

	remote := sc.RemotePeer()
	if remote == u.local {
		return nil, errors.New("connected to self")
	}

	if err = raw.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	muxed, err := yamux.DefaultTransport.NewConn(sc, !outbound, &network.NullScope{})
	if err != nil {
		return nil, fmt.Errorf("muxer: %w", err)
	}

	return &secureConn{muxed: muxed, raw: raw, remote: remote, outbound: outbound}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// decodeSharedKey builds a private network key from a hex encoded 32 byte secret.
func decodeSharedKey(sharedKey string) (pnet.PSK, error) {
	s := ""
	s += fmt.Sprintln("/key/swarm/psk/1.0.0/")
	s += fmt.Sprintln("/base16/")
	s += sharedKey

	return pnet.DecodeV1PSK(bytes.NewBufferString(s))
}
