package overlay

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	multiAddrIPTemplate = "/ip4/%s/tcp/%d"

	// DefaultDiscoveryAddress is the multicast group used for local-network announcements.
	DefaultDiscoveryAddress = "239.255.70.77:4777"

	defaultDiscoveryInterval      = 5 * time.Second
	defaultDiscoveryTTLMultiplier = 3
	defaultSeenMessagesSize       = 8192
	defaultSeenMessagesTTL        = 2 * time.Minute
	defaultSendQueueSize          = 256
	defaultMaxSendStrikes         = 16
	defaultSubscriptionBuffer     = 64
	defaultEventQueueSize         = 1024
	defaultBucketSize             = 20
	defaultAlpha                  = 3
	defaultMaxHops                = 10
	defaultQueryTimeout           = 30 * time.Second
	defaultRequestTimeout         = 10 * time.Second
	defaultHandshakeTimeout       = 10 * time.Second
	defaultRecordTTL              = 24 * time.Hour
	defaultMaxRecordTTL           = 48 * time.Hour
	defaultRecordSweepInterval    = time.Minute
	defaultStaticPeerRetry        = 5 * time.Second
	defaultStaticPeerCheck        = 30 * time.Second
	defaultMaxConnsPerPeer        = 3
)

// Node is the overlay node facade. It owns the swarm event loop and exposes topic
// publish/subscribe, DHT records and content announcement to applications.
//
// The Node encapsulates several components:
// - the swarm, which owns every connection and runs the event loop
// - local-network discovery feeding peers into gossip and the DHT
// - the peer cache and connection gater kept across restarts and connections
//
// All methods are safe for concurrent use.
type Node struct {
	config          Config                         // Configuration parameters for the node
	logger          Logger                         // Logger for overlay operations
	identity        *Identity                      // Long-term identity of the node
	swarm           *swarm                         // Transport and event loop
	metrics         *metrics                       // Prometheus collectors
	gater           *ConnectionGater               // Optional connection gater
	peerCache       *PeerCache                     // Peer cache for persistence across restarts
	onPeerConnected func(context.Context, peer.ID) // Callback for peer connection events
	callbackMutex   sync.RWMutex                   // Mutex for thread-safe callback access
	wg              sync.WaitGroup                 // discovery and static peer goroutines

	subsMu         sync.RWMutex
	subs           map[string][]*Subscription // local subscriptions by topic
	handlerByTopic map[string]Handler         // Map of topic handlers for message processing

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// Handler defines the function signature for topic message handlers.
//
// Parameters:
//   - ctx: Context for the handler execution, allowing for cancellation and timeouts
//   - msg: Message payload
//   - from: Peer ID of the original publisher
//
// Handlers run on a dedicated goroutine per topic; long-running work should be moved
// to separate goroutines so the subscription buffer does not fill up.
type Handler func(ctx context.Context, msg []byte, from string)

// Config defines the configuration parameters for an overlay node.
// Zero values are replaced by defaults when the node is created.
type Config struct {
	ProcessName        string   // Identifier for this node in logs and metrics
	ListenAddresses    []string // IPs to listen on for incoming connections
	AdvertiseAddresses []string // Addresses to advertise to other peers (may differ from listen addresses)
	Port               int      // TCP port for overlay connections, 0 picks a free one
	PrivateKey         string   // Hex encoded Ed25519 private key, generated when empty
	SharedKey          string   // Hex encoded 32 byte pre-shared key for a private network
	StaticPeers        []string // Multiaddrs with /p2p/ID to always keep connected
	// Discovery configuration
	EnableDiscovery        bool          // Whether to announce and listen on the local network
	DiscoveryAddress       string        // UDP group (or unicast address) for announcements
	DiscoveryInterval      time.Duration // Interval between announcements (default: 5s)
	DiscoveryTTLMultiplier int           // Announcement TTL as a multiple of the interval (default: 3)
	// Gossip configuration
	SeenMessagesSize   int           // Capacity of the duplicate detection cache (default: 8192)
	SeenMessagesTTL    time.Duration // How long a message ID is remembered (default: 2m)
	SendQueueSize      int           // Per-connection outbound gossip queue length (default: 256)
	MaxSendStrikes     int           // Consecutive full-queue sends before a peer is dropped (default: 16)
	SubscriptionBuffer int           // Buffered messages per local subscription (default: 64)
	EventQueueSize     int           // Length of the swarm event queue (default: 1024)
	// DHT configuration
	BucketSize          int           // Routing table bucket capacity and replication factor k (default: 20)
	Alpha               int           // Lookup parallelism (default: 3)
	MaxHops             int           // Maximum lookup depth (default: 10)
	QueryTimeout        time.Duration // Deadline of a DHT query (default: 30s)
	RequestTimeout      time.Duration // Deadline of a single DHT request (default: 10s)
	HandshakeTimeout    time.Duration // Deadline of a connection handshake (default: 10s)
	RecordTTL           time.Duration // Lifetime of published records (default: 24h)
	MaxRecordTTL        time.Duration // Longest record lifetime accepted from peers (default: 48h)
	RecordSweepInterval time.Duration // Interval of the expired record sweep (default: 1m)
	PutQuorum           int           // Acknowledgements required by Announce (default: 1)
	GetQuorum           int           // Records collected by lookups before answering (default: 1)
	// Bandwidth configuration
	MaxUploadRate   int // Upload limit in bytes per second, 0 disables
	MaxDownloadRate int // Download limit in bytes per second, 0 disables
	BurstBytes      int // Token bucket burst in bytes (default: a tenth of the rate)
	// Peer persistence configuration
	EnablePeerCache bool          // Whether to enable peer caching for persistence across restarts
	PeerCacheFile   string        // Path to the peer cache file (default: "~/.overlay/peers.cbor")
	MaxCachedPeers  int           // Maximum number of peers to cache (default: 100)
	PeerCacheTTL    time.Duration // How long to keep cached peers (default: 30 days)
	// Connection management configuration
	EnableConnGater bool     // Whether to enable connection gater for fine-grained control
	MaxConnsPerPeer int      // Maximum connections allowed per peer (default: 3)
	BlockedSubnets  []string // CIDRs or single IPs refused by the gater
	// Metrics
	MetricsRegisterer prometheus.Registerer // Registry for node metrics, nil disables registration
}

// withDefaults returns a copy of the configuration with zero values replaced.
func (c Config) withDefaults() Config {
	if c.ProcessName == "" {
		c.ProcessName = "overlay"
	}

	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = []string{"0.0.0.0"}
	}

	if c.DiscoveryAddress == "" {
		c.DiscoveryAddress = DefaultDiscoveryAddress
	}

	setDuration(&c.DiscoveryInterval, defaultDiscoveryInterval)
	setInt(&c.DiscoveryTTLMultiplier, defaultDiscoveryTTLMultiplier)
	setInt(&c.SeenMessagesSize, defaultSeenMessagesSize)
	setDuration(&c.SeenMessagesTTL, defaultSeenMessagesTTL)
	setInt(&c.SendQueueSize, defaultSendQueueSize)
	setInt(&c.MaxSendStrikes, defaultMaxSendStrikes)
	setInt(&c.SubscriptionBuffer, defaultSubscriptionBuffer)
	setInt(&c.EventQueueSize, defaultEventQueueSize)
	setInt(&c.BucketSize, defaultBucketSize)
	setInt(&c.Alpha, defaultAlpha)
	setInt(&c.MaxHops, defaultMaxHops)
	setDuration(&c.QueryTimeout, defaultQueryTimeout)
	setDuration(&c.RequestTimeout, defaultRequestTimeout)
	setDuration(&c.HandshakeTimeout, defaultHandshakeTimeout)
	setDuration(&c.RecordTTL, defaultRecordTTL)
	setDuration(&c.MaxRecordTTL, defaultMaxRecordTTL)
	setDuration(&c.RecordSweepInterval, defaultRecordSweepInterval)
	setInt(&c.PutQuorum, 1)
	setInt(&c.GetQuorum, 1)

	if c.PeerCacheFile == "" {
		c.PeerCacheFile = "~/.overlay/peers.cbor"
	}

	setInt(&c.MaxCachedPeers, DefaultMaxCachedPeers)
	setDuration(&c.PeerCacheTTL, DefaultCacheTTL)
	setInt(&c.MaxConnsPerPeer, defaultMaxConnsPerPeer)

	return c
}

// DiscoveryTTL is how long a peer stays in the peer set after its last announcement.
// It tolerates DiscoveryTTLMultiplier-1 missed announcements.
func (c Config) DiscoveryTTL() time.Duration {
	return c.DiscoveryInterval * time.Duration(c.DiscoveryTTLMultiplier)
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

// Logger defines the interface for logging within the overlay node.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// PeerInfo contains information about a connected peer.
type PeerInfo struct {
	ID       peer.ID
	Addrs    []multiaddr.Multiaddr
	Outbound bool       // Whether the local node dialed the connection
	ConnTime *time.Time // Connection time (nil if not connected)
}

// ContentProvider is the decoded value of a content announcement.
type ContentProvider struct {
	ContentID string
	Publisher peer.ID
	Addrs     []multiaddr.Multiaddr
	Expires   time.Time
}
