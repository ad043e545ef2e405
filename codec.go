package overlay

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
)

const (
	// ProtocolGossip is negotiated on streams carrying gossip RPC frames.
	ProtocolGossip protocol.ID = "/overlay/gossip/1.0.0"
	// ProtocolDHT is negotiated on streams carrying one DHT request/response exchange.
	ProtocolDHT protocol.ID = "/overlay/kad/1.0.0"

	maxFrameSize = 4 << 20
)

// Peer IDs travel as bytes: they are binary multihashes and not valid text strings.

type wireSubscription struct {
	Subscribe bool   `cbor:"1,keyasint"`
	Topic     string `cbor:"2,keyasint"`
}

type wireMessage struct {
	ID        string `cbor:"1,keyasint"`
	Topic     string `cbor:"2,keyasint"`
	Data      []byte `cbor:"3,keyasint"`
	From      []byte `cbor:"4,keyasint"`
	Seqno     uint64 `cbor:"5,keyasint"`
	Signature []byte `cbor:"6,keyasint"`
}

// gossipRPC is a single frame on a gossip stream.
type gossipRPC struct {
	Subscriptions []wireSubscription `cbor:"1,keyasint,omitempty"`
	Messages      []wireMessage      `cbor:"2,keyasint,omitempty"`
}

type wirePeer struct {
	ID    []byte   `cbor:"1,keyasint"`
	Addrs [][]byte `cbor:"2,keyasint,omitempty"`
}

type wireRecord struct {
	Key       []byte `cbor:"1,keyasint"`
	Value     []byte `cbor:"2,keyasint"`
	Publisher []byte `cbor:"3,keyasint"`
	Expires   int64  `cbor:"4,keyasint"`
	Signature []byte `cbor:"5,keyasint"`
}

type dhtMessageType uint8

const (
	dhtPing dhtMessageType = iota + 1
	dhtFindNode
	dhtGetValue
	dhtPutValue
)

func (t dhtMessageType) String() string {
	switch t {
	case dhtPing:
		return "ping"
	case dhtFindNode:
		return "find_node"
	case dhtGetValue:
		return "get_value"
	case dhtPutValue:
		return "put_value"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// dhtMessage is used for both requests and responses. Sender always carries the
// metadata of the node that wrote the frame so the reader can update its routing table.
type dhtMessage struct {
	Type        dhtMessageType `cbor:"1,keyasint"`
	Key         []byte         `cbor:"2,keyasint,omitempty"`
	Record      *wireRecord    `cbor:"3,keyasint,omitempty"`
	CloserPeers []wirePeer     `cbor:"4,keyasint,omitempty"`
	Sender      wirePeer       `cbor:"5,keyasint"`
	Error       string         `cbor:"6,keyasint,omitempty"`
}

func writeFrame(w io.Writer, v any) (int, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding frame: %w", err)
	}

	if err := msgio.NewVarintWriter(w).WriteMsg(data); err != nil {
		return 0, err
	}

	return len(data), nil
}

// frameReader reads consecutive frames from a stream.
type frameReader struct {
	r msgio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: msgio.NewVarintReaderSize(r, maxFrameSize)}
}

func (fr *frameReader) next(v any) (int, error) {
	data, err := fr.r.ReadMsg()
	if err != nil {
		return 0, err
	}

	if err := cbor.Unmarshal(data, v); err != nil {
		return len(data), fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	return len(data), nil
}

func toWirePeer(info peer.AddrInfo) wirePeer {
	wp := wirePeer{ID: []byte(info.ID)}
	for _, addr := range info.Addrs {
		wp.Addrs = append(wp.Addrs, addr.Bytes())
	}

	return wp
}

// fromWirePeer decodes a peer, skipping addresses that do not parse.
func fromWirePeer(wp wirePeer) (peer.AddrInfo, error) {
	id, err := peer.IDFromBytes(wp.ID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: bad peer id: %w", ErrInvalidMessage, err)
	}

	info := peer.AddrInfo{ID: id}

	for _, raw := range wp.Addrs {
		addr, err := multiaddr.NewMultiaddrBytes(raw)
		if err != nil {
			continue
		}

		info.Addrs = append(info.Addrs, addr)
	}

	return info, nil
}
