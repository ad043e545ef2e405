package overlay

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerState is the role a peer plays for a topic.
type PeerState int

const (
	// PeerStateExplicit peers were added by discovery and receive every topic.
	PeerStateExplicit PeerState = iota
	// PeerStateMesh peers share a topic the local node is subscribed to.
	PeerStateMesh
	// PeerStateFanout peers are subscribed to a topic the local node only publishes to.
	PeerStateFanout
)

func (s PeerState) String() string {
	switch s {
	case PeerStateExplicit:
		return "explicit"
	case PeerStateMesh:
		return "mesh"
	case PeerStateFanout:
		return "fanout"
	default:
		return "unknown"
	}
}

// gossip is the dissemination behaviour. It is only touched by the swarm loop and
// returns the actions the loop has to carry out.
type gossip struct {
	identity *Identity
	logger   Logger
	metrics  *metrics

	seen  *expirable.LRU[string, struct{}]
	seqno uint64

	mySubs    map[string]struct{}
	topics    map[string]map[peer.ID]struct{} // remote subscriptions announced by connected peers
	explicit  map[peer.ID]struct{}
	connected map[peer.ID]struct{}
}

func newGossip(identity *Identity, logger Logger, m *metrics, seenSize int, seenTTL time.Duration) *gossip {
	return &gossip{
		identity:  identity,
		logger:    logger,
		metrics:   m,
		seen:      expirable.NewLRU[string, struct{}](seenSize, nil, seenTTL),
		seqno:     uint64(time.Now().UnixNano()),
		mySubs:    make(map[string]struct{}),
		topics:    make(map[string]map[peer.ID]struct{}),
		explicit:  make(map[peer.ID]struct{}),
		connected: make(map[peer.ID]struct{}),
	}
}

func (g *gossip) subscribed(topic string) bool {
	_, ok := g.mySubs[topic]
	return ok
}

// peerStates returns the GossipPeerSet entry of a topic.
func (g *gossip) peerStates(topic string) map[peer.ID]PeerState {
	states := make(map[peer.ID]PeerState)

	for p := range g.explicit {
		states[p] = PeerStateExplicit
	}

	state := PeerStateFanout
	if g.subscribed(topic) {
		state = PeerStateMesh
	}

	for p := range g.topics[topic] {
		states[p] = state
	}

	return states
}

// targets returns the connected peers a message on topic is forwarded to, sorted for
// deterministic fan-out, without the excluded peers.
func (g *gossip) targets(topic string, exclude ...peer.ID) []peer.ID {
	var out []peer.ID

	for p := range g.peerStates(topic) {
		if _, ok := g.connected[p]; !ok {
			continue
		}

		skip := false

		for _, e := range exclude {
			if p == e {
				skip = true
				break
			}
		}

		if !skip {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

func (g *gossip) addExplicitPeer(p peer.ID) {
	g.explicit[p] = struct{}{}
}

func (g *gossip) removeExplicitPeer(p peer.ID) {
	delete(g.explicit, p)
}

// onConnected announces every local subscription to a new neighbour.
func (g *gossip) onConnected(p peer.ID) []action {
	g.connected[p] = struct{}{}

	if len(g.mySubs) == 0 {
		return nil
	}

	rpc := &gossipRPC{}
	for _, topic := range g.subscriptionList() {
		rpc.Subscriptions = append(rpc.Subscriptions, wireSubscription{Subscribe: true, Topic: topic})
	}

	return []action{sendGossipAction{peer: p, rpc: rpc}}
}

func (g *gossip) onDisconnected(p peer.ID) {
	delete(g.connected, p)

	for topic, peers := range g.topics {
		delete(peers, p)

		if len(peers) == 0 {
			delete(g.topics, topic)
		}
	}
}

func (g *gossip) subscriptionList() []string {
	topics := make([]string, 0, len(g.mySubs))
	for topic := range g.mySubs {
		topics = append(topics, topic)
	}

	sort.Strings(topics)

	return topics
}

// setSubscription registers or drops local interest in a topic and tells every
// connected peer about it.
func (g *gossip) setSubscription(topic string, subscribe bool) []action {
	if g.subscribed(topic) == subscribe {
		return nil
	}

	if subscribe {
		g.mySubs[topic] = struct{}{}
		g.logger.Infof("[Gossip] joined topic: %s", topic)
	} else {
		delete(g.mySubs, topic)
		g.logger.Infof("[Gossip] left topic: %s", topic)
	}

	peers := make([]peer.ID, 0, len(g.connected))
	for p := range g.connected {
		peers = append(peers, p)
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	actions := make([]action, 0, len(peers))
	for _, p := range peers {
		actions = append(actions, sendGossipAction{
			peer: p,
			rpc:  &gossipRPC{Subscriptions: []wireSubscription{{Subscribe: subscribe, Topic: topic}}},
		})
	}

	return actions
}

// publish signs and fans out a new message.
func (g *gossip) publish(topic string, data []byte) (*Message, []action, error) {
	g.seqno++

	msg, err := newMessage(g.identity, topic, data, g.seqno)
	if err != nil {
		return nil, nil, err
	}

	g.seen.Add(msg.ID, struct{}{})
	g.metrics.gossipPublished.Inc()

	var actions []action
	if g.subscribed(topic) {
		actions = append(actions, deliverAction{msg: msg})
	}

	return msg, append(actions, g.forward(msg)...), nil
}

func (g *gossip) forward(msg *Message, exclude ...peer.ID) []action {
	targets := g.targets(msg.Topic, exclude...)
	if len(targets) == 0 {
		return nil
	}

	wm := msg.toWire()
	actions := make([]action, 0, len(targets))

	for _, p := range targets {
		actions = append(actions, sendGossipAction{peer: p, rpc: &gossipRPC{Messages: []wireMessage{wm}}})
	}

	return actions
}

// onRPC processes a frame received from a neighbour, in arrival order.
func (g *gossip) onRPC(from peer.ID, rpc *gossipRPC) []action {
	for _, sub := range rpc.Subscriptions {
		peers := g.topics[sub.Topic]

		if sub.Subscribe {
			if peers == nil {
				peers = make(map[peer.ID]struct{})
				g.topics[sub.Topic] = peers
			}

			peers[from] = struct{}{}

			continue
		}

		delete(peers, from)

		if len(peers) == 0 {
			delete(g.topics, sub.Topic)
		}
	}

	var actions []action

	for _, wm := range rpc.Messages {
		acts, err := g.handleMessage(from, wm)
		if err != nil {
			g.logger.Debugf("[Gossip] dropping message from %s: %v", from, err)
			continue
		}

		actions = append(actions, acts...)
	}

	return actions
}

var errDuplicateMessage = errors.New("duplicate message")

// handleMessage validates, deduplicates, delivers and relays one message. Invalid
// messages are neither delivered nor relayed.
func (g *gossip) handleMessage(from peer.ID, wm wireMessage) ([]action, error) {
	msg, err := messageFromWire(wm, from)
	if err != nil {
		g.metrics.gossipInvalid.Inc()
		return nil, err
	}

	if err := msg.Validate(); err != nil {
		g.metrics.gossipInvalid.Inc()
		return nil, err
	}

	if g.seen.Contains(msg.ID) {
		g.metrics.gossipDuplicate.Inc()
		return nil, errDuplicateMessage
	}

	g.seen.Add(msg.ID, struct{}{})

	if msg.From == g.identity.ID() {
		return nil, fmt.Errorf("%w: own message echoed", errDuplicateMessage)
	}

	if !g.subscribed(msg.Topic) {
		return nil, nil
	}

	g.metrics.gossipDelivered.Inc()

	actions := []action{deliverAction{msg: msg}}
	relays := g.forward(msg, from, msg.From)
	g.metrics.gossipRelayed.Add(float64(len(relays)))

	return append(actions, relays...), nil
}
