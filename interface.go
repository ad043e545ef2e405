package overlay

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// NodeI defines the interface for overlay node functionality.
// This interface abstracts the concrete implementation to allow for better testability.
// It covers node lifecycle, topic publish/subscribe, peer management and the DHT.
type NodeI interface {
	// Core lifecycle methods
	Start(ctx context.Context, topicNames ...string) error
	Stop(ctx context.Context) error

	// Topic-related methods
	Subscribe(topic string) (*Subscription, error)
	Unsubscribe(topic string) error
	SetTopicHandler(ctx context.Context, topicName string, handler Handler) error
	Publish(ctx context.Context, topicName string, msgBytes []byte) error

	// Peer management methods
	HostID() peer.ID
	Addrs() []multiaddr.Multiaddr
	Connect(ctx context.Context, info peer.AddrInfo) error
	ConnectedPeers() []PeerInfo
	DiscoveredPeers() []PeerRecord
	DisconnectPeer(ctx context.Context, peerID peer.ID) error
	BlockPeer(ctx context.Context, peerID peer.ID, d time.Duration) error
	SetPeerConnectedCallback(callback func(context.Context, peer.ID))
	GetPeerIPs(peerID peer.ID) []string

	// DHT methods
	PutRecord(ctx context.Context, key, value []byte, quorum int) error
	GetRecord(ctx context.Context, key []byte) (*Record, error)
	FindClosestPeers(ctx context.Context, key []byte) ([]peer.AddrInfo, error)
	Announce(ctx context.Context, contentID string) error
	Lookup(ctx context.Context, contentID string) (*ContentProvider, error)

	// Stats methods
	LastSend() time.Time
	LastRecv() time.Time
	BytesSent() uint64
	BytesReceived() uint64
	GetProcessName() string
}

var _ NodeI = (*Node)(nil)
