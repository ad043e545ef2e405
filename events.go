package overlay

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// event is everything the swarm loop reacts to. The set of variants is closed.
type event interface {
	isEvent()
}

type (
	// announcementEvent is a presence datagram received by discovery.
	announcementEvent struct {
		peer peer.AddrInfo
		ttl  time.Duration
		at   time.Time
	}

	peerDiscoveredEvent struct {
		peer peer.AddrInfo
	}

	peerExpiredEvent struct {
		peer peer.ID
	}

	connEstablishedEvent struct {
		peer     peer.ID
		addrs    []multiaddr.Multiaddr // dialable addresses, empty for inbound connections
		outbound bool
	}

	// connReplacedEvent reports that a duplicate connection to an already connected
	// peer won and took over its traffic.
	connReplacedEvent struct {
		peer peer.ID
	}

	connClosedEvent struct {
		peer peer.ID
	}

	dialFailedEvent struct {
		peer peer.ID
		err  error
	}

	gossipRPCEvent struct {
		from peer.ID
		rpc  *gossipRPC
	}

	dhtRequestEvent struct {
		from  peer.AddrInfo // sender metadata with unspecified addresses resolved
		req   *dhtMessage
		reply chan *dhtMessage
	}

	dhtResponseEvent struct {
		queryID string
		peer    peer.ID
		resp    *dhtMessage
		err     error
	}

	timerEvent struct {
		kind    timerKind
		queryID string
	}

	// subscribeCommand asks the loop to bring the gossip subscription for topic in line
	// with the node's current subscribers.
	subscribeCommand struct {
		topic string
	}

	publishCommand struct {
		topic  string
		data   []byte
		result chan error
	}

	queryCommand struct {
		kind   queryKind
		key    []byte
		record *Record
		quorum int
		result chan queryResult
	}
)

type timerKind int

const (
	timerPeerSweep timerKind = iota
	timerRecordSweep
	timerQueryDeadline
)

func (announcementEvent) isEvent()    {}
func (peerDiscoveredEvent) isEvent()  {}
func (peerExpiredEvent) isEvent()     {}
func (connEstablishedEvent) isEvent() {}
func (connReplacedEvent) isEvent()    {}
func (connClosedEvent) isEvent()      {}
func (dialFailedEvent) isEvent()      {}
func (gossipRPCEvent) isEvent()       {}
func (dhtRequestEvent) isEvent()      {}
func (dhtResponseEvent) isEvent()     {}
func (timerEvent) isEvent()           {}
func (subscribeCommand) isEvent()     {}
func (publishCommand) isEvent()       {}
func (queryCommand) isEvent()         {}

// action is an outbound effect requested by a behaviour. The set of variants is closed
// and the loop executes every action without blocking.
type action interface {
	isAction()
}

type (
	dialAction struct {
		peer peer.AddrInfo
	}

	sendGossipAction struct {
		peer peer.ID
		rpc  *gossipRPC
	}

	sendDHTRequestAction struct {
		queryID string
		peer    peer.AddrInfo
		req     *dhtMessage
	}

	replyDHTAction struct {
		reply chan *dhtMessage
		resp  *dhtMessage
	}

	startTimerAction struct {
		after time.Duration
		timer timerEvent
	}

	deliverAction struct {
		msg *Message
	}

	disconnectAction struct {
		peer peer.ID
	}
)

func (dialAction) isAction()           {}
func (sendGossipAction) isAction()     {}
func (sendDHTRequestAction) isAction() {}
func (replyDHTAction) isAction()       {}
func (startTimerAction) isAction()     {}
func (deliverAction) isAction()        {}
func (disconnectAction) isAction()     {}
