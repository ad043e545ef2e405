package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsv-blockchain/go-overlay/internal/throttle"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/multiformats/go-multistream"
	"golang.org/x/sync/singleflight"
)

// swarmHooks connect the loop to the node facade.
type swarmHooks struct {
	deliver    func(msg *Message)
	connected  func(p peer.ID, addrs []multiaddr.Multiaddr)
	dialFailed func(p peer.ID, err error)
	subscribed func(topic string) bool
}

// swarm owns the transport and runs the single event loop that drives discovery,
// gossip and the DHT. Behaviour state is only touched by the loop goroutine; the
// connection table is shared with connection goroutines under mu.
type swarm struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg       Config
	identity  *Identity
	logger    Logger
	metrics   *metrics
	gater     *ConnectionGater
	upgrader  *upgrader
	protocols *multistream.MultistreamMuxer[protocol.ID]
	dialer    manet.Dialer
	listeners []manet.Listener
	advertise []multiaddr.Multiaddr
	hooks     swarmHooks

	events chan event
	peers  *PeerSet
	gossip *gossip
	dht    *dht

	dialing map[peer.ID]struct{} // loop only
	dials   singleflight.Group   // one outbound dial per peer at a time

	mu       sync.RWMutex
	conns    map[peer.ID]*connection
	addrBook map[peer.ID][]multiaddr.Multiaddr

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	lastSend      atomic.Int64
	lastRecv      atomic.Int64
}

func newSwarm(cfg Config, identity *Identity, logger Logger, m *metrics, gater *ConnectionGater, psk pnet.PSK, hooks swarmHooks) (*swarm, error) {
	up := throttle.NewLimiter(cfg.MaxUploadRate, cfg.BurstBytes)
	down := throttle.NewLimiter(cfg.MaxDownloadRate, cfg.BurstBytes)

	u, err := newUpgrader(identity, psk, cfg.HandshakeTimeout, up, down)
	if err != nil {
		return nil, err
	}

	protocols := multistream.NewMultistreamMuxer[protocol.ID]()
	protocols.AddHandler(ProtocolGossip, nil)
	protocols.AddHandler(ProtocolDHT, nil)

	ctx, cancel := context.WithCancel(context.Background())

	s := &swarm{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		identity:  identity,
		logger:    logger,
		metrics:   m,
		gater:     gater,
		upgrader:  u,
		protocols: protocols,
		hooks:     hooks,
		events:    make(chan event, cfg.EventQueueSize),
		peers:     NewPeerSet(),
		gossip:    newGossip(identity, logger, m, cfg.SeenMessagesSize, cfg.SeenMessagesTTL),
		dialing:   make(map[peer.ID]struct{}),
		conns:     make(map[peer.ID]*connection),
		addrBook:  make(map[peer.ID][]multiaddr.Multiaddr),
	}

	s.dht = newDHT(identity, logger, m, dhtConfig{
		bucketSize:   cfg.BucketSize,
		alpha:        cfg.Alpha,
		maxHops:      cfg.MaxHops,
		queryTimeout: cfg.QueryTimeout,
		maxRecordTTL: cfg.MaxRecordTTL,
	}, s.selfInfo)

	if err := s.listen(); err != nil {
		cancel()
		return nil, err
	}

	s.advertise = buildAdvertiseMultiAddrs(logger, cfg.AdvertiseAddresses, s.listenPort())

	return s, nil
}

func (s *swarm) listen() error {
	for _, addr := range s.cfg.ListenAddresses {
		maddr, err := multiaddr.NewMultiaddr(fmt.Sprintf(multiAddrIPTemplate, addr, s.cfg.Port))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("[Swarm] invalid listen address %s: %w", addr, err)
		}

		l, err := manet.Listen(maddr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("[Swarm] error listening on %s: %w", maddr, err)
		}

		s.listeners = append(s.listeners, l)
	}

	return nil
}

func (s *swarm) closeListeners() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// listenPort returns the TCP port of the first listener, which is the one picked by the
// OS when the configured port is zero.
func (s *swarm) listenPort() int {
	if len(s.listeners) == 0 {
		return s.cfg.Port
	}

	if tcp, ok := s.listeners[0].Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}

	return s.cfg.Port
}

// listenAddrs returns the bound listener addresses.
func (s *swarm) listenAddrs() []multiaddr.Multiaddr {
	addrs := make([]multiaddr.Multiaddr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Multiaddr())
	}

	return addrs
}

// localAddrs returns the addresses other peers should dial.
func (s *swarm) localAddrs() []multiaddr.Multiaddr {
	if len(s.advertise) > 0 {
		return s.advertise
	}

	return s.listenAddrs()
}

func (s *swarm) selfInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: s.identity.ID(), Addrs: s.localAddrs()}
}

// start launches the loop and the accept loops. The swarm stops when ctx is done or
// stop is called.
func (s *swarm) start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	s.wg.Add(1 + len(s.listeners))

	go s.run()

	for _, l := range s.listeners {
		go s.acceptLoop(l)
	}
}

func (s *swarm) stop() {
	s.cancel()
	s.closeListeners()

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	s.wg.Wait()
}

// post hands an event to the loop. It returns false once the swarm is stopping.
func (s *swarm) post(ev event) bool {
	if s.ctx.Err() != nil {
		return false
	}

	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *swarm) run() {
	defer s.wg.Done()

	peerSweep := time.NewTimer(s.cfg.DiscoveryInterval)
	defer peerSweep.Stop()

	recordSweep := time.NewTicker(s.cfg.RecordSweepInterval)
	defer recordSweep.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)

			if _, ok := ev.(announcementEvent); ok {
				peerSweep.Reset(s.nextPeerSweep())
			}
		case <-peerSweep.C:
			s.handle(timerEvent{kind: timerPeerSweep})
			peerSweep.Reset(s.nextPeerSweep())
		case <-recordSweep.C:
			s.handle(timerEvent{kind: timerRecordSweep})
		}
	}
}

// nextPeerSweep returns the delay until the earliest discovered peer expires, so a
// silent peer is dropped when its TTL runs out.
func (s *swarm) nextPeerSweep() time.Duration {
	next, ok := s.peers.NextExpiry()
	if !ok {
		return s.cfg.DiscoveryInterval
	}

	return max(time.Until(next), 0)
}

// handle dispatches one event to the behaviours and executes the resulting actions.
func (s *swarm) handle(ev event) {
	switch ev := ev.(type) {
	case announcementEvent:
		if s.peers.Upsert(ev.peer.ID, ev.peer.Addrs, ev.at, ev.ttl) {
			s.handle(peerDiscoveredEvent{peer: ev.peer})
		} else {
			s.rememberAddrs(ev.peer)
		}

	case peerDiscoveredEvent:
		s.logger.Infof("[Discovery] discovered peer %s %v", ev.peer.ID, ev.peer.Addrs)
		s.metrics.discoveredPeers.Inc()
		s.rememberAddrs(ev.peer)
		s.gossip.addExplicitPeer(ev.peer.ID)
		s.execute(s.dht.observe(ev.peer))

		if !s.isConnected(ev.peer.ID) {
			s.execute([]action{dialAction{peer: ev.peer}})
		}

	case peerExpiredEvent:
		s.logger.Infof("[Discovery] peer expired %s", ev.peer)
		s.metrics.expiredPeers.Inc()
		s.gossip.removeExplicitPeer(ev.peer)
		s.dht.onPeerExpired(ev.peer, s.isConnected(ev.peer))

	case connEstablishedEvent:
		delete(s.dialing, ev.peer)
		s.metrics.connectedPeers.Inc()
		s.logger.Debugf("[Swarm] peer connected: %s (outbound=%t)", ev.peer, ev.outbound)

		addrs := ev.addrs
		if len(addrs) == 0 {
			addrs = s.knownAddrs(ev.peer)
		}

		s.execute(s.gossip.onConnected(ev.peer))
		s.execute(s.dht.observe(peer.AddrInfo{ID: ev.peer, Addrs: addrs}))

		if s.hooks.connected != nil {
			s.hooks.connected(ev.peer, addrs)
		}

	case connReplacedEvent:
		// subscriptions sent on the losing connection died with it
		s.logger.Debugf("[Swarm] duplicate connection to %s replaced", ev.peer)
		s.execute(s.gossip.onConnected(ev.peer))

	case connClosedEvent:
		s.metrics.connectedPeers.Dec()
		s.gossip.onDisconnected(ev.peer)

	case dialFailedEvent:
		delete(s.dialing, ev.peer)
		s.metrics.dialFailures.Inc()
		s.logger.Debugf("[Swarm] dial to %s failed: %v", ev.peer, ev.err)

		if s.hooks.dialFailed != nil {
			s.hooks.dialFailed(ev.peer, ev.err)
		}

	case gossipRPCEvent:
		s.execute(s.gossip.onRPC(ev.from, ev.rpc))

	case dhtRequestEvent:
		s.execute(s.dht.onRequest(ev, time.Now()))

	case dhtResponseEvent:
		s.execute(s.dht.onResponse(ev, time.Now()))

	case timerEvent:
		switch ev.kind {
		case timerPeerSweep:
			for _, id := range s.peers.Expire(time.Now()) {
				s.handle(peerExpiredEvent{peer: id})
			}
		case timerRecordSweep:
			if n := s.dht.store.Sweep(time.Now()); n > 0 {
				s.logger.Debugf("[DHT] removed %d expired records", n)
			}
		case timerQueryDeadline:
			s.dht.onDeadline(ev.queryID)
		}

	case subscribeCommand:
		want := s.hooks.subscribed != nil && s.hooks.subscribed(ev.topic)
		s.execute(s.gossip.setSubscription(ev.topic, want))

	case publishCommand:
		_, actions, err := s.gossip.publish(ev.topic, ev.data)
		s.execute(actions)
		ev.result <- err

	case queryCommand:
		s.execute(s.dht.startQuery(ev, time.Now()))
	}
}

// execute carries out actions without blocking the loop: anything that waits on the
// network runs in its own goroutine and reports back with an event.
func (s *swarm) execute(actions []action) {
	for _, a := range actions {
		switch a := a.(type) {
		case dialAction:
			if _, busy := s.dialing[a.peer.ID]; busy || s.isConnected(a.peer.ID) {
				continue
			}

			s.dialing[a.peer.ID] = struct{}{}
			s.wg.Add(1)

			go s.dial(a.peer)

		case sendGossipAction:
			s.sendGossip(a)

		case sendDHTRequestAction:
			s.wg.Add(1)

			go s.sendRequest(a)

		case replyDHTAction:
			select {
			case a.reply <- a.resp:
			default:
			}

		case startTimerAction:
			timer := a.timer
			time.AfterFunc(a.after, func() { s.post(timer) })

		case deliverAction:
			if s.hooks.deliver != nil {
				s.hooks.deliver(a.msg)
			}

		case disconnectAction:
			s.disconnect(a.peer)
		}
	}
}

// sendGossip enqueues a frame on the peer's connection. A peer whose queue stays full
// for MaxSendStrikes consecutive frames is disconnected.
func (s *swarm) sendGossip(a sendGossipAction) {
	c := s.conn(a.peer)
	if c == nil {
		return
	}

	select {
	case c.queue <- a.rpc:
		c.strikes = 0
		return
	default:
	}

	c.strikes++
	s.metrics.gossipQueueOverflow.Inc()

	if c.strikes >= s.cfg.MaxSendStrikes {
		s.logger.Warnf("[Swarm] dropping slow peer %s after %d full sends", a.peer, c.strikes)
		s.metrics.backpressureDrops.Inc()
		s.execute([]action{disconnectAction{peer: a.peer}})
	}
}

func (s *swarm) dial(info peer.AddrInfo) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout+s.cfg.RequestTimeout)
	defer cancel()

	if _, err := s.connect(ctx, info); err != nil {
		s.post(dialFailedEvent{peer: info.ID, err: err})
	}
}

func (s *swarm) sendRequest(a sendDHTRequestAction) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.request(ctx, a.peer, a.req)
	s.post(dhtResponseEvent{queryID: a.queryID, peer: a.peer.ID, resp: resp, err: err})
}

// request performs one DHT exchange on a fresh stream, dialing the peer if needed.
func (s *swarm) request(ctx context.Context, info peer.AddrInfo, req *dhtMessage) (*dhtMessage, error) {
	c, err := s.connect(ctx, info)
	if err != nil {
		return nil, err
	}

	st, err := c.sc.muxed.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("[DHT] error opening stream to %s: %w", info.ID, err)
	}

	defer func() { _ = st.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}

	if err := multistream.SelectProtoOrFail(ProtocolDHT, st); err != nil {
		_ = st.Reset()
		return nil, fmt.Errorf("[DHT] peer %s does not speak %s: %w", info.ID, ProtocolDHT, err)
	}

	n, err := writeFrame(st, req)
	if err != nil {
		_ = st.Reset()
		return nil, err
	}

	s.recordSent(n)

	var resp dhtMessage

	n, err = newFrameReader(st).next(&resp)
	if err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("%w: %w", err, ErrTimeout)
		}

		return nil, fmt.Errorf("[DHT] error reading response from %s: %w", info.ID, err)
	}

	s.recordRecv(n)

	return &resp, nil
}

// connect returns the open connection to a peer, dialing its known addresses in order
// when there is none. Concurrent callers for the same peer share one dial, which is
// bounded by the swarm rather than by any single caller's ctx.
func (s *swarm) connect(ctx context.Context, info peer.AddrInfo) (*connection, error) {
	if info.ID == s.identity.ID() {
		return nil, errors.New("[Swarm] cannot dial self")
	}

	if c := s.conn(info.ID); c != nil {
		return c, nil
	}

	ch := s.dials.DoChan(string(info.ID), func() (interface{}, error) {
		dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout+s.cfg.RequestTimeout)
		defer cancel()

		return s.dialAddrs(dialCtx, info)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*connection), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("[Swarm] error dialing %s: %w", info.ID, ctx.Err())
	}
}

func (s *swarm) dialAddrs(ctx context.Context, info peer.AddrInfo) (*connection, error) {
	if c := s.conn(info.ID); c != nil {
		return c, nil
	}

	addrs := info.Addrs
	if len(addrs) == 0 {
		addrs = s.knownAddrs(info.ID)
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("[Swarm] no addresses for peer %s", info.ID)
	}

	if s.gater != nil && !s.gater.InterceptPeerDial(info.ID) {
		return nil, fmt.Errorf("[Swarm] dial to %s blocked", info.ID)
	}

	var lastErr error

	for _, addr := range addrs {
		if s.gater != nil && !s.gater.InterceptAddrDial(info.ID, addr) {
			lastErr = fmt.Errorf("[Swarm] dial to %s blocked", addr)
			continue
		}

		raw, err := s.dialer.DialContext(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}

		sc, err := s.upgrader.secureChannel(ctx, raw, info.ID, true)
		if err != nil {
			lastErr = err
			continue
		}

		c, err := s.register(sc, []multiaddr.Multiaddr{addr})
		if err != nil {
			lastErr = err
			continue
		}

		s.rememberAddrs(peer.AddrInfo{ID: info.ID, Addrs: addrs})

		return c, nil
	}

	return nil, fmt.Errorf("[Swarm] error dialing %s: %w", info.ID, lastErr)
}

func (s *swarm) acceptLoop(l manet.Listener) {
	defer s.wg.Done()

	for {
		raw, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Debugf("[Swarm] accept error: %v", err)

			continue
		}

		if s.gater != nil && !s.gater.InterceptAccept(raw) {
			_ = raw.Close()
			continue
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			sc, err := s.upgrader.secureChannel(s.ctx, raw, "", false)
			if err != nil {
				s.logger.Debugf("[Swarm] inbound handshake from %s failed: %v", raw.RemoteMultiaddr(), err)
				return
			}

			if _, err := s.register(sc, nil); err != nil {
				s.logger.Debugf("[Swarm] inbound connection rejected: %v", err)
			}
		}()
	}
}

// register adds an upgraded connection. When the peer is already connected only the
// connection dialed by the peer with the smaller ID survives, so both sides keep the
// same one.
func (s *swarm) register(sc *secureConn, addrs []multiaddr.Multiaddr) (*connection, error) {
	dir := network.DirInbound
	if sc.outbound {
		dir = network.DirOutbound
	}

	if s.gater != nil && !s.gater.InterceptSecured(dir, sc.remote, sc.raw) {
		_ = sc.muxed.Close()
		return nil, fmt.Errorf("[Swarm] secured connection to %s refused by gater", sc.remote)
	}

	c := newConnection(s, sc)

	s.mu.Lock()

	if s.ctx.Err() != nil {
		s.mu.Unlock()
		c.close()

		return nil, ErrNodeStopped
	}

	existing := s.conns[c.remote]
	if existing != nil {
		if c.dialer() >= existing.dialer() {
			s.mu.Unlock()
			c.close()

			return existing, nil
		}

		s.conns[c.remote] = c
		s.mu.Unlock()

		existing.close()

		if !s.post(connReplacedEvent{peer: c.remote}) {
			c.close()
			return nil, ErrNodeStopped
		}

		c.start()

		return c, nil
	}

	s.conns[c.remote] = c
	s.mu.Unlock()

	if !s.post(connEstablishedEvent{peer: c.remote, addrs: addrs, outbound: sc.outbound}) {
		c.close()
		return nil, ErrNodeStopped
	}

	c.start()

	return c, nil
}

// removeConn unregisters c if it is still the current connection to its peer.
func (s *swarm) removeConn(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns[c.remote] != c {
		return false
	}

	delete(s.conns, c.remote)

	return true
}

func (s *swarm) conn(p peer.ID) *connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conns[p]
}

func (s *swarm) isConnected(p peer.ID) bool {
	return s.conn(p) != nil
}

func (s *swarm) disconnect(p peer.ID) bool {
	c := s.conn(p)
	if c == nil {
		return false
	}

	c.close()

	return true
}

// connectedPeers returns a snapshot of the open connections.
func (s *swarm) connectedPeers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]PeerInfo, 0, len(s.conns))

	for id, c := range s.conns {
		connTime := c.opened

		addrs := s.addrBook[id]
		if len(addrs) == 0 {
			addrs = []multiaddr.Multiaddr{c.sc.raw.RemoteMultiaddr()}
		}

		peers = append(peers, PeerInfo{
			ID:       id,
			Addrs:    addrs,
			Outbound: c.sc.outbound,
			ConnTime: &connTime,
		})
	}

	return peers
}

func (s *swarm) rememberAddrs(info peer.AddrInfo) {
	if len(info.Addrs) == 0 {
		return
	}

	s.mu.Lock()
	s.addrBook[info.ID] = info.Addrs
	s.mu.Unlock()
}

func (s *swarm) knownAddrs(p peer.ID) []multiaddr.Multiaddr {
	s.mu.RLock()
	addrs := s.addrBook[p]
	s.mu.RUnlock()

	if len(addrs) > 0 {
		return addrs
	}

	if info, ok := s.dht.table.Find(p); ok {
		return info.Addrs
	}

	return nil
}

func (s *swarm) recordSent(n int) {
	s.bytesSent.Add(uint64(n))
	s.lastSend.Store(time.Now().Unix())
}

func (s *swarm) recordRecv(n int) {
	s.bytesReceived.Add(uint64(n))
	s.lastRecv.Store(time.Now().Unix())
}
