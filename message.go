package overlay

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
)

const messageSigningPrefix = "overlay-gossip:"

// Message is a signed gossip message. It is immutable once created.
type Message struct {
	ID           string  // base58 sha2-256 multihash of the signed fields
	Topic        string  // topic the message was published on
	Data         []byte  // application payload
	From         peer.ID // original publisher
	Seqno        uint64  // publisher sequence number
	Signature    []byte  // publisher signature over the signed fields
	ReceivedFrom peer.ID // neighbour that relayed the message to us, empty for local publishes
}

// signedFields is the canonical encoding covered by both the message ID and the signature.
type signedFields struct {
	_     struct{} `cbor:",toarray"`
	From  []byte
	Seqno uint64
	Topic string
	Data  []byte
}

func messageSigningBytes(from peer.ID, seqno uint64, topic string, data []byte) ([]byte, error) {
	return cbor.Marshal(signedFields{From: []byte(from), Seqno: seqno, Topic: topic, Data: data})
}

func messageID(signed []byte) (string, error) {
	mh, err := multihash.Sum(signed, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}

	return mh.B58String(), nil
}

func newMessage(identity *Identity, topic string, data []byte, seqno uint64) (*Message, error) {
	signed, err := messageSigningBytes(identity.ID(), seqno, topic, data)
	if err != nil {
		return nil, fmt.Errorf("[Gossip] error encoding message: %w", err)
	}

	id, err := messageID(signed)
	if err != nil {
		return nil, fmt.Errorf("[Gossip] error hashing message: %w", err)
	}

	sig, err := identity.Sign(append([]byte(messageSigningPrefix), signed...))
	if err != nil {
		return nil, fmt.Errorf("[Gossip] error signing message: %w", err)
	}

	return &Message{
		ID:        id,
		Topic:     topic,
		Data:      data,
		From:      identity.ID(),
		Seqno:     seqno,
		Signature: sig,
	}, nil
}

// Validate recomputes the message ID and verifies the signature against the public key
// embedded in From. Any failure wraps ErrInvalidMessage.
func (m *Message) Validate() error {
	signed, err := messageSigningBytes(m.From, m.Seqno, m.Topic, m.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	id, err := messageID(signed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if id != m.ID {
		return fmt.Errorf("%w: message id mismatch", ErrInvalidMessage)
	}

	return verifySignature(m.From, append([]byte(messageSigningPrefix), signed...), m.Signature)
}

func (m *Message) toWire() wireMessage {
	return wireMessage{
		ID:        m.ID,
		Topic:     m.Topic,
		Data:      m.Data,
		From:      []byte(m.From),
		Seqno:     m.Seqno,
		Signature: m.Signature,
	}
}

func messageFromWire(wm wireMessage, receivedFrom peer.ID) (*Message, error) {
	from, err := peer.IDFromBytes(wm.From)
	if err != nil {
		return nil, fmt.Errorf("%w: bad sender: %w", ErrInvalidMessage, err)
	}

	return &Message{
		ID:           wm.ID,
		Topic:        wm.Topic,
		Data:         wm.Data,
		From:         from,
		Seqno:        wm.Seqno,
		Signature:    wm.Signature,
		ReceivedFrom: receivedFrom,
	}, nil
}
