package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

const testLocalhost = "127.0.0.1"

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	t testing.TB
}

// Debugf logs debug messages with formatted output
func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.t.Logf("[DEBUG] "+format, args...)
}

// Infof logs info messages with formatted output
func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.t.Logf("[INFO] "+format, args...)
}

// Warnf logs warning messages with formatted output
func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.t.Logf("[WARN] "+format, args...)
}

// Errorf logs error messages with formatted output
func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.t.Logf("[ERROR] "+format, args...)
}

// Fatalf logs fatal messages with formatted output and terminates the test
func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.t.Fatalf("[FATAL] "+format, args...)
}

// nopLogger discards everything; used where a test outlives its *testing.T.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Fatalf(string, ...interface{}) {}

func createTestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func createTestLogger(t testing.TB) *MockLogger {
	return &MockLogger{t: t}
}

// createBasicConfig creates a loopback configuration with fast timers.
func createBasicConfig(processName string) Config {
	return Config{
		ProcessName:      processName,
		ListenAddresses:  []string{testLocalhost},
		Port:             0,
		QueryTimeout:     5 * time.Second,
		RequestTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}
}

func setupNodeCleanup(t testing.TB, node *Node, nodeName string) {
	t.Helper()

	t.Cleanup(func() {
		if err := node.Stop(context.Background()); err != nil {
			t.Logf("Failed to stop %s in cleanup: %v", nodeName, err)
		}
	})
}

// startTestNode creates and starts a node that is stopped when the test ends.
func startTestNode(t testing.TB, ctx context.Context, config Config, topics ...string) *Node {
	t.Helper()

	node, err := NewNode(ctx, nopLogger{}, config)
	require.NoError(t, err)
	setupNodeCleanup(t, node, config.ProcessName)

	require.NoError(t, node.Start(ctx, topics...))

	return node
}

func addrInfo(n *Node) peer.AddrInfo {
	return peer.AddrInfo{ID: n.HostID(), Addrs: n.Addrs()}
}

func connectNodes(t testing.TB, ctx context.Context, a, b *Node) {
	t.Helper()

	require.NoError(t, a.Connect(ctx, addrInfo(b)))
	require.Eventually(t, func() bool {
		return isConnectedTo(a, b.HostID()) && isConnectedTo(b, a.HostID())
	}, 5*time.Second, 20*time.Millisecond, "nodes should connect")
}

func isConnectedTo(n *Node, p peer.ID) bool {
	for _, info := range n.ConnectedPeers() {
		if info.ID == p {
			return true
		}
	}

	return false
}

func newTestIdentity(t testing.TB) *Identity {
	t.Helper()

	id, err := GenerateIdentity()
	require.NoError(t, err)

	return id
}

func mustMultiaddr(t testing.TB, s string) multiaddr.Multiaddr {
	t.Helper()

	maddr, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)

	return maddr
}

// newTestMetrics builds unregistered collectors.
func newTestMetrics(t testing.TB) *metrics {
	t.Helper()

	m, err := newMetrics(nil, t.Name())
	require.NoError(t, err)

	return m
}
