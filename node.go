package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
)

const cachedPeerDialParallelism = 8

// NewNode creates and initializes a new overlay node with the provided configuration.
// This constructor performs the core setup of the networking stack, including:
//   - Setting up the node's cryptographic identity (private key)
//   - Opening the TCP listeners and preparing the secure transport
//   - Creating the gossip and DHT behaviours driven by the swarm loop
//
// Parameters:
//   - ctx: Context for controlling the initialization process
//   - logger: Logger for recording initialization and operational events
//   - config: configuration parameters defining network behavior
//
// Returns an initialized node ready for starting, or an error if initialization fails.
func NewNode(ctx context.Context, logger Logger, config Config) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Infof("[Node] Creating node")

	config = config.withDefaults()

	var (
		identity *Identity
		err      error
	)

	if config.PrivateKey == "" {
		identity, err = GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("[Node] error generating private key: %w", err)
		}
	} else {
		identity, err = IdentityFromHex(config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("[Node] error decoding private key: %w", err)
		}
	}

	var psk pnet.PSK

	if config.SharedKey != "" {
		psk, err = decodeSharedKey(config.SharedKey)
		if err != nil {
			return nil, fmt.Errorf("[Node] error decoding shared key: %w", err)
		}
	}

	m, err := newMetrics(config.MetricsRegisterer, config.ProcessName)
	if err != nil {
		return nil, fmt.Errorf("[Node] error registering metrics: %w", err)
	}

	node := &Node{
		config:         config,
		logger:         logger,
		identity:       identity,
		metrics:        m,
		subs:           make(map[string][]*Subscription),
		handlerByTopic: make(map[string]Handler),
	}

	if config.EnableConnGater || len(config.BlockedSubnets) > 0 {
		node.gater = NewConnectionGater(logger, config.MaxConnsPerPeer)

		for _, subnet := range config.BlockedSubnets {
			if err := node.gater.BlockSubnet(subnet); err != nil {
				return nil, fmt.Errorf("[Node] invalid blocked subnet %q: %w", subnet, err)
			}
		}
	}

	if config.EnablePeerCache {
		node.peerCache, err = LoadPeerCache(config.PeerCacheFile)
		if err != nil {
			logger.Warnf("[Node] error loading peer cache, starting empty: %v", err)
			node.peerCache = NewPeerCache()
		}
	}

	node.swarm, err = newSwarm(config, identity, logger, m, node.gater, psk, swarmHooks{
		deliver:    node.deliver,
		connected:  node.peerConnected,
		dialFailed: node.peerDialFailed,
		subscribed: node.hasSubscribers,
	})
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating swarm: %w", err)
	}

	logger.Infof("[Node] peer ID: %s", identity.ID())
	logger.Infof("[Node] Connect to me on:")

	for _, addr := range node.P2PAddrs() {
		logger.Infof("[Node]   %s", addr)
	}

	return node, nil
}

// Start launches the swarm loop, local discovery, the static peer connector and dials to
// cached peers, then subscribes to topicNames.
func (s *Node) Start(ctx context.Context, topicNames ...string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.stopped {
		return ErrNodeStopped
	}

	if s.started {
		return errors.New("[Node] already started")
	}

	s.started = true

	s.swarm.start(ctx)

	if s.config.EnableDiscovery {
		if err := s.startDiscovery(); err != nil {
			return err
		}
	}

	s.startStaticPeerConnector(s.swarm.ctx)
	s.dialCachedPeers(s.swarm.ctx)

	for _, topic := range topicNames {
		if _, err := s.Subscribe(topic); err != nil {
			return err
		}
	}

	return nil
}

func (s *Node) startDiscovery() error {
	group, err := net.ResolveUDPAddr("udp4", s.config.DiscoveryAddress)
	if err != nil {
		return fmt.Errorf("[Node] invalid discovery address %s: %w", s.config.DiscoveryAddress, err)
	}

	if !group.IP.IsMulticast() {
		return fmt.Errorf("[Node] discovery address %s is not a multicast group", s.config.DiscoveryAddress)
	}

	conn, err := listenMulticast(group)
	if err != nil {
		return err
	}

	d := &discovery{
		conn:     conn,
		target:   group,
		local:    s.identity.ID(),
		addrs:    s.swarm.localAddrs,
		interval: s.config.DiscoveryInterval,
		ttl:      s.config.DiscoveryTTL(),
		logger:   s.logger,
		post:     s.swarm.post,
	}

	s.logger.Infof("[Node] announcing on %s every %s", group, s.config.DiscoveryInterval)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		d.run(s.swarm.ctx)
	}()

	return nil
}

// startStaticPeerConnector keeps the configured static peers connected. It retries every
// few seconds while any is missing and checks again periodically once all are connected.
func (s *Node) startStaticPeerConnector(ctx context.Context) {
	if len(s.config.StaticPeers) == 0 {
		s.logger.Infof("[Node] no static peers to connect to - skipping connection attempt")
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		logged := false
		delay := time.Duration(0)

		for {
			timer := time.NewTimer(delay)

			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}

			allConnected := s.connectToStaticPeers(ctx, s.config.StaticPeers)

			if ctx.Err() != nil {
				return
			}

			if allConnected {
				if !logged {
					s.logger.Infof("[Node] all static peers connected")
				}

				logged = true
				delay = defaultStaticPeerCheck
			} else {
				s.logger.Infof("[Node] all static peers NOT connected")

				logged = false
				delay = defaultStaticPeerRetry
			}
		}
	}()
}

func (s *Node) connectToStaticPeers(ctx context.Context, staticPeers []string) bool {
	missing := len(staticPeers)

	for _, peerAddr := range staticPeers {
		if ctx.Err() != nil {
			return false
		}

		info, err := parsePeerAddr(peerAddr)
		if err != nil {
			s.logger.Errorf("[Node] %v", err)
			continue
		}

		if s.swarm.isConnected(info.ID) {
			missing--
			continue
		}

		if err := s.Connect(ctx, *info); err != nil {
			s.logger.Debugf("[Node] failed to connect to static peer %s: %v", peerAddr, err)
			continue
		}

		missing--

		s.logger.Infof("[Node] connected to static peer: %s", peerAddr)
	}

	return missing == 0
}

// dialCachedPeers redials the most reliable peers from the cache in the background.
func (s *Node) dialCachedPeers(ctx context.Context) {
	if s.peerCache == nil {
		return
	}

	candidates := s.peerCache.Candidates(s.config.MaxCachedPeers, s.config.PeerCacheTTL)
	if len(candidates) == 0 {
		return
	}

	s.logger.Infof("[Node] dialing %d cached peers", len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cachedPeerDialParallelism)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		for _, info := range candidates {
			info := info
			g.Go(func() error {
				dialCtx, cancel := context.WithTimeout(gctx, s.config.HandshakeTimeout)
				defer cancel()

				_, err := s.swarm.connect(dialCtx, info)
				if err == nil {
					return nil
				}

				s.logger.Debugf("[Node] failed to connect to cached peer %s: %v", info.ID, err)

				// the address now belongs to another key
				if errors.Is(err, ErrHandshake) {
					s.peerCache.Remove(info.ID)
				} else {
					s.peerCache.Failed(info.ID)
				}

				return nil
			})
		}

		_ = g.Wait()
	}()
}

// Stop shuts the node down, closes every connection and persists the peer cache.
func (s *Node) Stop(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.stopped {
		return nil
	}

	s.stopped = true

	s.logger.Infof("[Node] stopping")

	s.swarm.stop()
	s.wg.Wait()

	s.subsMu.Lock()
	for topic, subs := range s.subs {
		for _, sub := range subs {
			sub.close()
		}

		delete(s.subs, topic)
	}
	s.subsMu.Unlock()

	if s.peerCache == nil {
		return nil
	}

	s.peerCache.Prune(s.config.MaxCachedPeers, s.config.PeerCacheTTL)

	if err := s.peerCache.Save(s.config.PeerCacheFile); err != nil {
		return fmt.Errorf("[Node] error saving peer cache: %w", err)
	}

	return nil
}

// HostID returns the peer ID of the node.
func (s *Node) HostID() peer.ID {
	return s.identity.ID()
}

// Addrs returns the addresses other peers can dial.
func (s *Node) Addrs() []multiaddr.Multiaddr {
	return s.swarm.localAddrs()
}

// P2PAddrs returns the dialable addresses with the /p2p/<id> suffix.
func (s *Node) P2PAddrs() []string {
	addrs := s.Addrs()
	out := make([]string, 0, len(addrs))

	for _, addr := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, s.identity.ID()))
	}

	return out
}

// GetProcessName returns the name of the current process.
func (s *Node) GetProcessName() string {
	return s.config.ProcessName
}

// Subscribe joins a topic and returns a subscription for its messages.
func (s *Node) Subscribe(topic string) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("[Node] empty topic name")
	}

	sub := &Subscription{
		topic: topic,
		ch:    make(chan *Message, s.config.SubscriptionBuffer),
		done:  make(chan struct{}),
		node:  s,
	}

	s.subsMu.Lock()
	first := len(s.subs[topic]) == 0
	s.subs[topic] = append(s.subs[topic], sub)
	s.subsMu.Unlock()

	if first && !s.swarm.post(subscribeCommand{topic: topic}) {
		s.removeSubscription(sub)
		return nil, ErrNodeStopped
	}

	return sub, nil
}

// Unsubscribe cancels every subscription to topic and leaves it.
func (s *Node) Unsubscribe(topic string) error {
	s.subsMu.Lock()
	subs := s.subs[topic]
	delete(s.subs, topic)
	delete(s.handlerByTopic, topic)
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	if len(subs) == 0 {
		return nil
	}

	if !s.swarm.post(subscribeCommand{topic: topic}) {
		return ErrNodeStopped
	}

	return nil
}

func (s *Node) removeSubscription(sub *Subscription) {
	sub.close()

	s.subsMu.Lock()

	subs := s.subs[sub.topic]
	last := false

	for i, other := range subs {
		if other == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			last = len(subs) == 0

			break
		}
	}

	if len(subs) == 0 {
		delete(s.subs, sub.topic)
	} else {
		s.subs[sub.topic] = subs
	}

	s.subsMu.Unlock()

	if last {
		s.swarm.post(subscribeCommand{topic: sub.topic})
	}
}

// hasSubscribers is read by the swarm loop when it handles a subscribeCommand, so
// commands posted out of order still settle on the current state.
func (s *Node) hasSubscribers(topic string) bool {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	return len(s.subs[topic]) > 0
}

// deliver runs on the swarm loop and must not block.
func (s *Node) deliver(msg *Message) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for _, sub := range s.subs[msg.Topic] {
		if !sub.offer(msg) {
			s.logger.Warnf("[Node] subscription buffer full for topic %s, dropping message %s", msg.Topic, msg.ID)
		}
	}
}

// SetTopicHandler subscribes to a topic and calls handler for every message on a
// dedicated goroutine until ctx is done or the topic is unsubscribed.
func (s *Node) SetTopicHandler(ctx context.Context, topicName string, handler Handler) error {
	s.subsMu.Lock()
	if _, ok := s.handlerByTopic[topicName]; ok {
		s.subsMu.Unlock()
		return fmt.Errorf("[Node][SetTopicHandler] handler already exists for topic: %s", topicName)
	}

	s.handlerByTopic[topicName] = handler
	s.subsMu.Unlock()

	sub, err := s.Subscribe(topicName)
	if err != nil {
		s.subsMu.Lock()
		delete(s.handlerByTopic, topicName)
		s.subsMu.Unlock()

		return err
	}

	go func() {
		s.logger.Infof("[Node][SetTopicHandler] starting handler for topic: %s", topicName)

		for {
			m, err := sub.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSubscriptionCancelled) {
					s.logger.Errorf("[Node][SetTopicHandler] error getting msg from %s topic: %v", topicName, err)
				}

				s.logger.Infof("[Node][SetTopicHandler] shutting down handler for topic: %s", topicName)

				return
			}

			s.logger.Debugf("[Node][SetTopicHandler]: topic: %s - from: %s - message: %s", m.Topic, m.From.ShortString(), strings.TrimSpace(string(m.Data)))
			handler(ctx, m.Data, m.From.String())
		}
	}()

	return nil
}

// Publish signs msgBytes and disseminates it on topicName. It returns once the message
// is queued to every neighbour; delivery is best effort.
func (s *Node) Publish(ctx context.Context, topicName string, msgBytes []byte) error {
	result := make(chan error, 1)

	if !s.swarm.post(publishCommand{topic: topicName, data: msgBytes, result: result}) {
		return ErrNodeStopped
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("[Node][Publish] publish error: %w", err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.swarm.ctx.Done():
		return ErrNodeStopped
	}
}

// Connect dials a peer and waits for the secure channel.
func (s *Node) Connect(ctx context.Context, info peer.AddrInfo) error {
	if s.swarm.ctx.Err() != nil {
		return ErrNodeStopped
	}

	_, err := s.swarm.connect(ctx, info)

	return err
}

// DisconnectPeer closes the connection to the specified peer.
func (s *Node) DisconnectPeer(_ context.Context, peerID peer.ID) error {
	if !s.swarm.disconnect(peerID) {
		return fmt.Errorf("[Node] not connected to %s", peerID)
	}

	return nil
}

// BlockPeer refuses peerID for d and closes any open connection to it. It fails when
// the connection gater is disabled.
func (s *Node) BlockPeer(_ context.Context, peerID peer.ID, d time.Duration) error {
	if s.gater == nil {
		return fmt.Errorf("[Node] connection gater is disabled")
	}

	s.gater.BlockPeer(peerID, d)
	s.swarm.disconnect(peerID)

	return nil
}

// ConnectedPeers returns information about currently connected peers.
func (s *Node) ConnectedPeers() []PeerInfo {
	return s.swarm.connectedPeers()
}

// DiscoveredPeers returns the peers currently known from local discovery.
func (s *Node) DiscoveredPeers() []PeerRecord {
	return s.swarm.peers.List()
}

// GetPeerIPs returns the IP addresses known for a specific peer.
func (s *Node) GetPeerIPs(peerID peer.ID) []string {
	addrs := s.swarm.knownAddrs(peerID)
	ips := make([]string, 0, len(addrs))

	for _, addr := range addrs {
		if ip := extractIPFromMultiaddr(addr); ip != "" {
			ips = append(ips, ip)
		}
	}

	return ips
}

// RoutingTableSize returns the number of peers in the DHT routing table.
func (s *Node) RoutingTableSize() int {
	return s.swarm.dht.table.Size()
}

// ConnectionGater returns the gater, or nil when neither EnableConnGater nor
// BlockedSubnets is set.
func (s *Node) ConnectionGater() *ConnectionGater {
	return s.gater
}

func (s *Node) query(ctx context.Context, cmd queryCommand) (queryResult, error) {
	cmd.result = make(chan queryResult, 1)

	if !s.swarm.post(cmd) {
		return queryResult{}, ErrNodeStopped
	}

	select {
	case res := <-cmd.result:
		return res, nil
	case <-ctx.Done():
		return queryResult{}, ctx.Err()
	case <-s.swarm.ctx.Done():
		return queryResult{}, ErrNodeStopped
	}
}

// PutRecord signs a record and stores it on the peers closest to key. It succeeds once
// quorum peers, the local node included, acknowledged the store. A quorum below one
// uses Config.PutQuorum.
func (s *Node) PutRecord(ctx context.Context, key, value []byte, quorum int) error {
	if quorum < 1 {
		quorum = s.config.PutQuorum
	}

	r, err := NewRecord(s.identity, key, value, s.config.RecordTTL)
	if err != nil {
		return fmt.Errorf("[Node] error signing record: %w", err)
	}

	res, err := s.query(ctx, queryCommand{kind: queryPutValue, key: key, record: r, quorum: quorum})
	if err != nil {
		return err
	}

	if res.err != nil {
		return fmt.Errorf("[DHT] put %x: %w", key, res.err)
	}

	s.logger.Debugf("[DHT] stored %x on %d peers", key, res.acks)

	return nil
}

// GetRecord returns the preferred valid record stored under key.
func (s *Node) GetRecord(ctx context.Context, key []byte) (*Record, error) {
	res, err := s.query(ctx, queryCommand{kind: queryGetValue, key: key, quorum: s.config.GetQuorum})
	if err != nil {
		return nil, err
	}

	if res.err != nil {
		return nil, fmt.Errorf("[DHT] get %x: %w", key, res.err)
	}

	return res.record, nil
}

// FindClosestPeers runs an iterative lookup and returns the closest peers to key that
// answered. On timeout the peers found so far are returned along with the error.
func (s *Node) FindClosestPeers(ctx context.Context, key []byte) ([]peer.AddrInfo, error) {
	res, err := s.query(ctx, queryCommand{kind: queryFindNode, key: key})
	if err != nil {
		return nil, err
	}

	return res.peers, res.err
}

type providerValue struct {
	ContentID string   `cbor:"1,keyasint"`
	Addrs     [][]byte `cbor:"2,keyasint"`
}

// Announce publishes the local node as provider of contentID.
func (s *Node) Announce(ctx context.Context, contentID string) error {
	key, err := ContentKey(contentID)
	if err != nil {
		return err
	}

	pv := providerValue{ContentID: contentID}
	for _, addr := range s.Addrs() {
		pv.Addrs = append(pv.Addrs, addr.Bytes())
	}

	value, err := cbor.Marshal(pv)
	if err != nil {
		return fmt.Errorf("[Node] error encoding provider: %w", err)
	}

	return s.PutRecord(ctx, key, value, s.config.PutQuorum)
}

// Lookup finds a provider previously announced for contentID.
func (s *Node) Lookup(ctx context.Context, contentID string) (*ContentProvider, error) {
	key, err := ContentKey(contentID)
	if err != nil {
		return nil, err
	}

	r, err := s.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	var pv providerValue
	if err := cbor.Unmarshal(r.Value, &pv); err != nil {
		return nil, fmt.Errorf("%w: provider value: %w", ErrInvalidMessage, err)
	}

	if pv.ContentID != contentID {
		return nil, fmt.Errorf("%w: provider value is for %q", ErrInvalidMessage, pv.ContentID)
	}

	provider := &ContentProvider{ContentID: contentID, Publisher: r.Publisher, Expires: r.Expires}

	for _, b := range pv.Addrs {
		addr, err := multiaddr.NewMultiaddrBytes(b)
		if err != nil {
			continue
		}

		provider.Addrs = append(provider.Addrs, addr)
	}

	return provider, nil
}

// LastSend returns the timestamp of the last frame sent.
func (s *Node) LastSend() time.Time {
	return time.Unix(s.swarm.lastSend.Load(), 0)
}

// LastRecv returns the timestamp of the last frame received.
func (s *Node) LastRecv() time.Time {
	return time.Unix(s.swarm.lastRecv.Load(), 0)
}

// BytesSent returns the total number of framed bytes sent by this node.
func (s *Node) BytesSent() uint64 {
	return s.swarm.bytesSent.Load()
}

// BytesReceived returns the total number of framed bytes received by this node.
func (s *Node) BytesReceived() uint64 {
	return s.swarm.bytesReceived.Load()
}

// SetPeerConnectedCallback sets a callback function to be called when a new peer connects
func (s *Node) SetPeerConnectedCallback(callback func(context.Context, peer.ID)) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()

	s.onPeerConnected = callback
}

// peerConnected runs on the swarm loop.
func (s *Node) peerConnected(p peer.ID, addrs []multiaddr.Multiaddr) {
	if s.peerCache != nil {
		s.peerCache.Connected(p, addrs)
	}

	s.callbackMutex.RLock()
	callback := s.onPeerConnected
	s.callbackMutex.RUnlock()

	if callback != nil {
		go callback(s.swarm.ctx, p)
	}
}

func (s *Node) peerDialFailed(p peer.ID, _ error) {
	if s.peerCache != nil {
		s.peerCache.Failed(p)
	}
}
