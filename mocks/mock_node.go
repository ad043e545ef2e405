// Package mocks provides mock implementations of the overlay node interface used in testing.
package mocks

import (
	"context"
	"time"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/mock"
)

// MockNode is a mock implementation of the overlay.NodeI interface
type MockNode struct {
	mock.Mock
}

var _ overlay.NodeI = (*MockNode)(nil)

// Start mocks the Start method
func (m *MockNode) Start(ctx context.Context, topicNames ...string) error {
	args := m.Called(ctx, topicNames)
	return args.Error(0)
}

// Stop mocks the Stop method
func (m *MockNode) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Subscribe mocks the Subscribe method
func (m *MockNode) Subscribe(topic string) (*overlay.Subscription, error) {
	args := m.Called(topic)
	if sub := args.Get(0); sub != nil {
		return sub.(*overlay.Subscription), args.Error(1)
	}

	return nil, args.Error(1)
}

// Unsubscribe mocks the Unsubscribe method
func (m *MockNode) Unsubscribe(topic string) error {
	args := m.Called(topic)
	return args.Error(0)
}

// SetTopicHandler mocks the SetTopicHandler method
func (m *MockNode) SetTopicHandler(ctx context.Context, topicName string, handler overlay.Handler) error {
	args := m.Called(ctx, topicName, handler)
	return args.Error(0)
}

// Publish mocks the Publish method
func (m *MockNode) Publish(ctx context.Context, topicName string, msgBytes []byte) error {
	args := m.Called(ctx, topicName, msgBytes)
	return args.Error(0)
}

// HostID mocks the HostID method
func (m *MockNode) HostID() peer.ID {
	args := m.Called()
	return args.Get(0).(peer.ID)
}

// Addrs mocks the Addrs method
func (m *MockNode) Addrs() []multiaddr.Multiaddr {
	args := m.Called()
	if addrs := args.Get(0); addrs != nil {
		return addrs.([]multiaddr.Multiaddr)
	}

	return nil
}

// Connect mocks the Connect method
func (m *MockNode) Connect(ctx context.Context, info peer.AddrInfo) error {
	args := m.Called(ctx, info)
	return args.Error(0)
}

// ConnectedPeers mocks the ConnectedPeers method
func (m *MockNode) ConnectedPeers() []overlay.PeerInfo {
	args := m.Called()
	if peers := args.Get(0); peers != nil {
		return peers.([]overlay.PeerInfo)
	}

	return nil
}

// DiscoveredPeers mocks the DiscoveredPeers method
func (m *MockNode) DiscoveredPeers() []overlay.PeerRecord {
	args := m.Called()
	if peers := args.Get(0); peers != nil {
		return peers.([]overlay.PeerRecord)
	}

	return nil
}

// DisconnectPeer mocks the DisconnectPeer method
func (m *MockNode) DisconnectPeer(ctx context.Context, peerID peer.ID) error {
	args := m.Called(ctx, peerID)
	return args.Error(0)
}

// BlockPeer mocks the BlockPeer method
func (m *MockNode) BlockPeer(ctx context.Context, peerID peer.ID, d time.Duration) error {
	args := m.Called(ctx, peerID, d)
	return args.Error(0)
}

// SetPeerConnectedCallback mocks the SetPeerConnectedCallback method
func (m *MockNode) SetPeerConnectedCallback(callback func(context.Context, peer.ID)) {
	m.Called(callback)
}

// GetPeerIPs mocks the GetPeerIPs method
func (m *MockNode) GetPeerIPs(peerID peer.ID) []string {
	args := m.Called(peerID)
	if ips := args.Get(0); ips != nil {
		return ips.([]string)
	}

	return nil
}

// PutRecord mocks the PutRecord method
func (m *MockNode) PutRecord(ctx context.Context, key, value []byte, quorum int) error {
	args := m.Called(ctx, key, value, quorum)
	return args.Error(0)
}

// GetRecord mocks the GetRecord method
func (m *MockNode) GetRecord(ctx context.Context, key []byte) (*overlay.Record, error) {
	args := m.Called(ctx, key)
	if r := args.Get(0); r != nil {
		return r.(*overlay.Record), args.Error(1)
	}

	return nil, args.Error(1)
}

// FindClosestPeers mocks the FindClosestPeers method
func (m *MockNode) FindClosestPeers(ctx context.Context, key []byte) ([]peer.AddrInfo, error) {
	args := m.Called(ctx, key)
	if peers := args.Get(0); peers != nil {
		return peers.([]peer.AddrInfo), args.Error(1)
	}

	return nil, args.Error(1)
}

// Announce mocks the Announce method
func (m *MockNode) Announce(ctx context.Context, contentID string) error {
	args := m.Called(ctx, contentID)
	return args.Error(0)
}

// Lookup mocks the Lookup method
func (m *MockNode) Lookup(ctx context.Context, contentID string) (*overlay.ContentProvider, error) {
	args := m.Called(ctx, contentID)
	if p := args.Get(0); p != nil {
		return p.(*overlay.ContentProvider), args.Error(1)
	}

	return nil, args.Error(1)
}

// LastSend mocks the LastSend method
func (m *MockNode) LastSend() time.Time {
	args := m.Called()
	return args.Get(0).(time.Time)
}

// LastRecv mocks the LastRecv method
func (m *MockNode) LastRecv() time.Time {
	args := m.Called()
	return args.Get(0).(time.Time)
}

// BytesSent mocks the BytesSent method
func (m *MockNode) BytesSent() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

// BytesReceived mocks the BytesReceived method
func (m *MockNode) BytesReceived() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

// GetProcessName mocks the GetProcessName method
func (m *MockNode) GetProcessName() string {
	args := m.Called()
	return args.String(0)
}
