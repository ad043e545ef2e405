package overlay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the long-term keypair of a node together with the peer ID derived from it.
// The peer ID is a multihash of the public key, so it can be checked against any key the
// remote side proves possession of.
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID
}

// GenerateIdentity creates a fresh Ed25519 identity.
// It only fails when the system entropy source fails.
func GenerateIdentity() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("[Identity] error generating key: %w", err)
	}

	return NewIdentity(priv)
}

// IdentityFromHex restores an identity from a hex encoded raw Ed25519 private key,
// the same format MarshalHex produces.
func IdentityFromHex(hexEncodedPrivateKey string) (*Identity, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("[Identity] error decoding hex key: %w", err)
	}

	priv, err := crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("[Identity] error unmarshalling key: %w", err)
	}

	return NewIdentity(priv)
}

// NewIdentity wraps an existing private key.
func NewIdentity(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("[Identity] error deriving peer ID: %w", err)
	}

	return &Identity{priv: priv, id: id}, nil
}

// ID returns the peer ID of the identity.
func (i *Identity) ID() peer.ID {
	return i.id
}

// PrivKey returns the private key.
func (i *Identity) PrivKey() crypto.PrivKey {
	return i.priv
}

// Sign signs data with the identity key.
func (i *Identity) Sign(data []byte) ([]byte, error) {
	return i.priv.Sign(data)
}

// MarshalHex returns the hex encoded raw private key.
func (i *Identity) MarshalHex() (string, error) {
	raw, err := i.priv.Raw()
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(raw), nil
}

// verifySignature checks sig over data against the public key embedded in signer.
func verifySignature(signer peer.ID, data, sig []byte) error {
	pub, err := signer.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("%w: cannot extract public key of %s: %w", ErrInvalidMessage, signer, err)
	}

	ok, err := pub.Verify(data, sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if !ok {
		return fmt.Errorf("%w: bad signature from %s", ErrInvalidMessage, signer)
	}

	return nil
}
