package overlay

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multistream"
)

// connection is one secure channel to a peer with its gossip send queue.
type connection struct {
	s       *swarm
	remote  peer.ID
	sc      *secureConn
	opened  time.Time
	queue   chan *gossipRPC
	strikes int // consecutive failed enqueues, loop only
	done    chan struct{}
	once    sync.Once
}

func newConnection(s *swarm, sc *secureConn) *connection {
	return &connection{
		s:      s,
		remote: sc.remote,
		sc:     sc,
		opened: time.Now(),
		queue:  make(chan *gossipRPC, s.cfg.SendQueueSize),
		done:   make(chan struct{}),
	}
}

// dialer returns the peer that initiated the connection.
func (c *connection) dialer() peer.ID {
	if c.sc.outbound {
		return c.s.identity.ID()
	}

	return c.remote
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sc.muxed.Close()

		if c.s.gater != nil {
			c.s.gater.ReleaseConn(c.remote)
		}
	})
}

func (c *connection) start() {
	c.s.wg.Add(2)

	go c.serve()
	go c.writeLoop()
}

// serve accepts inbound streams until the connection dies, then unregisters it.
func (c *connection) serve() {
	defer c.s.wg.Done()

	for {
		st, err := c.sc.muxed.AcceptStream()
		if err != nil {
			break
		}

		c.s.wg.Add(1)

		go func() {
			defer c.s.wg.Done()
			c.handleStream(st)
		}()
	}

	c.close()

	if c.s.removeConn(c) {
		c.s.logger.Debugf("[Swarm] peer disconnected: %s", c.remote)
		c.s.post(connClosedEvent{peer: c.remote})
	}
}

func (c *connection) handleStream(st network.MuxedStream) {
	_ = st.SetDeadline(time.Now().Add(c.s.cfg.RequestTimeout))

	proto, _, err := c.s.protocols.Negotiate(st)
	if err != nil {
		c.s.logger.Debugf("[Swarm] stream negotiation with %s failed: %v", c.remote, err)
		_ = st.Reset()

		return
	}

	switch proto {
	case ProtocolGossip:
		_ = st.SetDeadline(time.Time{})
		c.readGossip(st)
	case ProtocolDHT:
		c.serveDHT(st)
	default:
		_ = st.Reset()
	}
}

// readGossip posts frames to the loop one at a time so they are handled in arrival order.
func (c *connection) readGossip(st network.MuxedStream) {
	defer func() { _ = st.Close() }()

	fr := newFrameReader(st)

	for {
		var rpc gossipRPC

		n, err := fr.next(&rpc)
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				c.s.logger.Debugf("[Gossip] undecodable frame from %s: %v", c.remote, err)
				continue
			}

			if !errors.Is(err, io.EOF) {
				c.s.logger.Debugf("[Gossip] stream from %s closed: %v", c.remote, err)
			}

			return
		}

		c.s.recordRecv(n)

		if !c.s.post(gossipRPCEvent{from: c.remote, rpc: &rpc}) {
			return
		}
	}
}

func (c *connection) serveDHT(st network.MuxedStream) {
	defer func() { _ = st.Close() }()

	var req dhtMessage

	n, err := newFrameReader(st).next(&req)
	if err != nil {
		c.s.logger.Debugf("[DHT] bad request from %s: %v", c.remote, err)
		return
	}

	c.s.recordRecv(n)

	from, err := fromWirePeer(req.Sender)
	if err != nil || from.ID != c.remote {
		c.s.logger.Debugf("[DHT] request sender does not match channel peer %s", c.remote)
		return
	}

	from.Addrs = resolveUnspecified(from.Addrs, remoteIP(c.sc.raw.RemoteMultiaddr()))

	reply := make(chan *dhtMessage, 1)
	if !c.s.post(dhtRequestEvent{from: from, req: &req, reply: reply}) {
		return
	}

	timer := time.NewTimer(c.s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		n, err := writeFrame(st, resp)
		if err != nil {
			c.s.logger.Debugf("[DHT] error replying to %s: %v", c.remote, err)
			return
		}

		c.s.recordSent(n)
	case <-timer.C:
		_ = st.Reset()
	case <-c.done:
	}
}

// writeLoop owns the outbound gossip stream of the connection.
func (c *connection) writeLoop() {
	defer c.s.wg.Done()

	st, err := c.sc.muxed.OpenStream(c.s.ctx)
	if err != nil {
		c.close()
		return
	}

	defer func() { _ = st.Close() }()

	if err := multistream.SelectProtoOrFail(ProtocolGossip, st); err != nil {
		c.s.logger.Debugf("[Gossip] peer %s does not speak gossip: %v", c.remote, err)
		c.close()

		return
	}

	for {
		select {
		case <-c.done:
			return
		case rpc := <-c.queue:
			n, err := writeFrame(st, rpc)
			if err != nil {
				c.s.logger.Debugf("[Gossip] error writing to %s: %v", c.remote, err)
				c.close()

				return
			}

			c.s.recordSent(n)
		}
	}
}
