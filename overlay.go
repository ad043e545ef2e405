// Package overlay provides a peer-to-peer overlay node built from libp2p primitives:
// an authenticated Noise/yamux transport, local-network discovery, topic-based gossip
// with signed messages and a Kademlia-style DHT for content announcement, all driven
// by a single swarm event loop.
package overlay
