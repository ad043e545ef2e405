package overlay

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrHandshake is returned when a connection cannot be authenticated or upgraded.
	ErrHandshake = errors.New("handshake failed")
	// ErrInvalidMessage marks gossip messages and DHT records that fail decoding or signature checks.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrQuorumNotMet is returned by PutRecord when too few peers acknowledged the store.
	ErrQuorumNotMet = errors.New("quorum not met")
	// ErrNotFound is returned by GetRecord when no peer returned a valid record.
	ErrNotFound = errors.New("record not found")
	// ErrTimeout is wrapped into query and handshake failures caused by a deadline.
	ErrTimeout = errors.New("timeout")
	// ErrNodeStopped is returned by operations issued after the node was stopped.
	ErrNodeStopped = errors.New("node stopped")
)

// HandshakeError describes a failed connection upgrade.
type HandshakeError struct {
	Peer peer.ID // expected or authenticated remote peer, empty when unknown
	Err  error
}

func (e *HandshakeError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("%s: %v", ErrHandshake, e.Err)
	}

	return fmt.Sprintf("%s with %s: %v", ErrHandshake, e.Peer, e.Err)
}

// Unwrap allows errors.Is to match both ErrHandshake and the underlying cause.
func (e *HandshakeError) Unwrap() []error {
	return []error{ErrHandshake, e.Err}
}

func timeoutError(sentinel error) error {
	return fmt.Errorf("%w: %w", sentinel, ErrTimeout)
}
