package overlay

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
)

const recordSigningPrefix = "overlay-record:"

// Record is a signed DHT value.
type Record struct {
	Key       []byte
	Value     []byte
	Publisher peer.ID
	Expires   time.Time
	Signature []byte
}

type recordSignedFields struct {
	_         struct{} `cbor:",toarray"`
	Key       []byte
	Value     []byte
	Publisher []byte
	Expires   int64
}

func (r *Record) signingBytes() ([]byte, error) {
	signed, err := cbor.Marshal(recordSignedFields{
		Key:       r.Key,
		Value:     r.Value,
		Publisher: []byte(r.Publisher),
		Expires:   r.Expires.UnixNano(),
	})
	if err != nil {
		return nil, err
	}

	return append([]byte(recordSigningPrefix), signed...), nil
}

// NewRecord creates a record published by identity that expires after ttl.
func NewRecord(identity *Identity, key, value []byte, ttl time.Duration) (*Record, error) {
	r := &Record{
		Key:       key,
		Value:     value,
		Publisher: identity.ID(),
		Expires:   time.Unix(0, time.Now().Add(ttl).UnixNano()),
	}

	signed, err := r.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("[DHT] error encoding record: %w", err)
	}

	if r.Signature, err = identity.Sign(signed); err != nil {
		return nil, fmt.Errorf("[DHT] error signing record: %w", err)
	}

	return r, nil
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.Expires)
}

// Validate checks the publisher signature and expiry.
func (r *Record) Validate(now time.Time) error {
	if r.Expired(now) {
		return fmt.Errorf("%w: record expired", ErrInvalidMessage)
	}

	signed, err := r.signingBytes()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	return verifySignature(r.Publisher, signed, r.Signature)
}

func (r *Record) toWire() *wireRecord {
	return &wireRecord{
		Key:       r.Key,
		Value:     r.Value,
		Publisher: []byte(r.Publisher),
		Expires:   r.Expires.UnixNano(),
		Signature: r.Signature,
	}
}

func recordFromWire(wr *wireRecord) (*Record, error) {
	publisher, err := peer.IDFromBytes(wr.Publisher)
	if err != nil {
		return nil, fmt.Errorf("%w: bad publisher: %w", ErrInvalidMessage, err)
	}

	return &Record{
		Key:       wr.Key,
		Value:     wr.Value,
		Publisher: publisher,
		Expires:   time.Unix(0, wr.Expires),
		Signature: wr.Signature,
	}, nil
}

// betterRecord reports whether a wins over b: the furthest expiry wins, then the lower
// publisher ID, then the lower value bytes so the choice is total.
func betterRecord(a, b *Record) bool {
	if !a.Expires.Equal(b.Expires) {
		return a.Expires.After(b.Expires)
	}

	if a.Publisher != b.Publisher {
		return a.Publisher < b.Publisher
	}

	return bytes.Compare(a.Value, b.Value) < 0
}

// SelectRecord picks the winning record among conflicting values for the same key.
func SelectRecord(records []*Record) *Record {
	var best *Record

	for _, r := range records {
		if best == nil || betterRecord(r, best) {
			best = r
		}
	}

	return best
}

// ContentKey derives the DHT key used to announce a content identifier.
func ContentKey(contentID string) ([]byte, error) {
	mh, err := multihash.Sum([]byte(contentID), multihash.SHA2_256, -1)
	if err != nil {
		return nil, err
	}

	return mh, nil
}

// RecordStore holds the records this node serves.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*Record)}
}

// Put stores r unless the store already holds a record for the key that wins over it.
// It returns whether r is now the stored record.
func (s *RecordStore) Put(r *Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[string(r.Key)]; ok && !betterRecord(r, existing) {
		return false
	}

	s.records[string(r.Key)] = r

	return true
}

// Get returns the unexpired record for key.
func (s *RecordStore) Get(key []byte, now time.Time) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[string(key)]
	if !ok || r.Expired(now) {
		return nil, false
	}

	return r, true
}

// Sweep removes records that expired at or before now and returns how many were removed.
func (s *RecordStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for k, r := range s.records {
		if r.Expired(now) {
			delete(s.records, k)
			removed++
		}
	}

	return removed
}

// Len returns the number of stored records, expired ones included until the next sweep.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}
