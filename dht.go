package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
)

type dhtConfig struct {
	bucketSize   int
	alpha        int
	maxHops      int
	queryTimeout time.Duration
	maxRecordTTL time.Duration
}

// eviction is a liveness check of a full bucket's oldest peer on behalf of a closer candidate.
type eviction struct {
	old       peer.ID
	candidate peer.AddrInfo
}

// dht is the routing behaviour. Like gossip it is only touched by the swarm loop.
type dht struct {
	identity *Identity
	logger   Logger
	metrics  *metrics
	cfg      dhtConfig

	table *RoutingTable
	store *RecordStore
	self  func() peer.AddrInfo

	queries   map[string]*PendingQuery
	evictions map[string]eviction
	evicting  map[peer.ID]struct{}
}

func newDHT(identity *Identity, logger Logger, m *metrics, cfg dhtConfig, self func() peer.AddrInfo) *dht {
	return &dht{
		identity:  identity,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		table:     NewRoutingTable(identity.ID(), cfg.bucketSize),
		store:     NewRecordStore(),
		self:      self,
		queries:   make(map[string]*PendingQuery),
		evictions: make(map[string]eviction),
		evicting:  make(map[peer.ID]struct{}),
	}
}

func (d *dht) newRequest(t dhtMessageType, key []byte) *dhtMessage {
	return &dhtMessage{Type: t, Key: key, Sender: toWirePeer(d.self())}
}

// observe offers a contacted or discovered peer to the routing table. A full bucket
// with a closer candidate triggers a ping of its least recently contacted peer.
func (d *dht) observe(info peer.AddrInfo) []action {
	if info.ID == "" || info.ID == d.identity.ID() {
		return nil
	}

	if len(info.Addrs) == 0 {
		d.table.Touch(info.ID)
		return nil
	}

	res, oldest := d.table.Insert(info.ID, info.Addrs)
	if res != InsertFull {
		return nil
	}

	if _, busy := d.evicting[oldest]; busy {
		return nil
	}

	old, ok := d.table.Find(oldest)
	if !ok {
		return nil
	}

	id := uuid.NewString()
	d.evictions[id] = eviction{old: oldest, candidate: info}
	d.evicting[oldest] = struct{}{}

	return []action{sendDHTRequestAction{queryID: id, peer: old, req: d.newRequest(dhtPing, nil)}}
}

func (d *dht) onPeerExpired(id peer.ID, connected bool) {
	if connected {
		return
	}

	if d.table.Remove(id) {
		d.logger.Debugf("[DHT] removed expired peer %s from routing table", id)
	}
}

// onRequest serves an inbound request and always replies exactly once.
func (d *dht) onRequest(ev dhtRequestEvent, now time.Time) []action {
	d.metrics.dhtRequests.WithLabelValues(ev.req.Type.String()).Inc()

	actions := d.observe(ev.from)
	resp := d.newRequest(ev.req.Type, ev.req.Key)

	switch ev.req.Type {
	case dhtPing:
	case dhtFindNode:
		resp.CloserPeers = d.closerPeers(ev.req.Key, ev.from.ID)
	case dhtGetValue:
		if r, ok := d.store.Get(ev.req.Key, now); ok {
			resp.Record = r.toWire()
		}

		resp.CloserPeers = d.closerPeers(ev.req.Key, ev.from.ID)
	case dhtPutValue:
		if err := d.acceptRecord(ev.req, now); err != nil {
			d.logger.Debugf("[DHT] rejecting record from %s: %v", ev.from.ID, err)
			resp.Error = err.Error()
		}
	default:
		resp.Error = fmt.Sprintf("unsupported request %s", ev.req.Type)
	}

	return append(actions, replyDHTAction{reply: ev.reply, resp: resp})
}

func (d *dht) closerPeers(key []byte, requester peer.ID) []wirePeer {
	nearest := d.table.NearestPeers(kbucket.ConvertKey(string(key)), d.cfg.bucketSize+1)

	peers := make([]wirePeer, 0, len(nearest))
	for _, info := range nearest {
		if info.ID == requester || len(peers) == d.cfg.bucketSize {
			continue
		}

		peers = append(peers, toWirePeer(info))
	}

	return peers
}

func (d *dht) acceptRecord(req *dhtMessage, now time.Time) error {
	if req.Record == nil {
		return fmt.Errorf("%w: missing record", ErrInvalidMessage)
	}

	r, err := recordFromWire(req.Record)
	if err != nil {
		return err
	}

	if !bytes.Equal(r.Key, req.Key) {
		return fmt.Errorf("%w: record key mismatch", ErrInvalidMessage)
	}

	if r.Expires.Sub(now) > d.cfg.maxRecordTTL {
		return fmt.Errorf("%w: record expiry too far in the future", ErrInvalidMessage)
	}

	if err := r.Validate(now); err != nil {
		return err
	}

	d.store.Put(r)

	return nil
}

// startQuery creates a pending query seeded from the routing table.
func (d *dht) startQuery(cmd queryCommand, now time.Time) []action {
	q := newPendingQuery(uuid.NewString(), cmd, now.Add(d.cfg.queryTimeout))

	if q.Kind == queryGetValue {
		if r, ok := d.store.Get(q.Key, now); ok {
			q.records = append(q.records, r)

			if len(q.records) >= q.Quorum {
				d.finish(q, queryResult{record: r})
				return nil
			}
		}
	}

	for _, info := range d.table.NearestPeers(q.target, d.cfg.bucketSize) {
		q.addCandidate(info, 1)
	}

	d.queries[q.ID] = q
	d.logger.Debugf("[DHT] starting %s query %s with %d seeds", q.Kind, q.ID, len(q.candidates))

	actions := []action{startTimerAction{
		after: d.cfg.queryTimeout,
		timer: timerEvent{kind: timerQueryDeadline, queryID: q.ID},
	}}

	return append(actions, d.advance(q)...)
}

// advance keeps up to alpha requests in flight to the closest unasked candidates and
// ends the lookup once the k closest candidates have all answered or failed.
func (d *dht) advance(q *PendingQuery) []action {
	var actions []action

	for _, c := range q.closest(d.cfg.bucketSize, false) {
		if q.inflight >= d.cfg.alpha {
			break
		}

		if c.state != candidatePending {
			continue
		}

		c.state = candidateWaiting
		q.inflight++

		actions = append(actions, sendDHTRequestAction{
			queryID: q.ID,
			peer:    c.info,
			req:     d.newRequest(q.Kind.requestType(), q.Key),
		})
	}

	if q.inflight == 0 {
		return d.lookupDone(q)
	}

	return actions
}

func (d *dht) lookupDone(q *PendingQuery) []action {
	switch q.Kind {
	case queryFindNode:
		d.finish(q, queryResult{peers: q.closestPeers(d.cfg.bucketSize)})
	case queryGetValue:
		if len(q.records) > 0 {
			d.finish(q, queryResult{record: SelectRecord(q.records)})
		} else {
			d.finish(q, queryResult{err: ErrNotFound})
		}
	case queryPutValue:
		return d.startStore(q)
	}

	return nil
}

// startStore sends the record to the k closest peers that answered the lookup. The
// local node stores it too when it is itself among the k closest.
func (d *dht) startStore(q *PendingQuery) []action {
	q.storing = true

	targets := q.closest(d.cfg.bucketSize, true)
	localKey := kbucket.ConvertPeerID(d.identity.ID())

	if len(targets) < d.cfg.bucketSize || closer(q.target, localKey, targets[len(targets)-1].key) {
		if len(targets) == d.cfg.bucketSize {
			targets = targets[:len(targets)-1]
		}

		d.store.Put(q.record)
		q.acks++
	}

	actions := make([]action, 0, len(targets))
	for _, c := range targets {
		req := d.newRequest(dhtPutValue, q.Key)
		req.Record = q.record.toWire()
		actions = append(actions, sendDHTRequestAction{queryID: q.ID, peer: c.info, req: req})
	}

	q.storeInflight = len(targets)

	switch {
	case q.acks >= q.Quorum:
		d.finish(q, queryResult{acks: q.acks, record: q.record})
	case q.storeInflight == 0:
		d.finish(q, queryResult{acks: q.acks, err: ErrQuorumNotMet})
	}

	return actions
}

func (d *dht) onResponse(ev dhtResponseEvent, now time.Time) []action {
	if e, ok := d.evictions[ev.queryID]; ok {
		delete(d.evictions, ev.queryID)
		delete(d.evicting, e.old)

		if ev.err != nil {
			d.logger.Debugf("[DHT] evicting unresponsive peer %s for %s", e.old, e.candidate.ID)
			d.table.Replace(e.old, e.candidate.ID, e.candidate.Addrs)
		} else {
			d.table.Touch(e.old)
		}

		return nil
	}

	q, ok := d.queries[ev.queryID]
	if !ok {
		// late answer for a query that already finished
		return nil
	}

	c := q.candidates[ev.peer]
	if c == nil {
		return nil
	}

	failed := ev.err != nil || ev.resp == nil || ev.resp.Error != ""

	if q.storing {
		q.storeInflight--

		if !failed {
			q.acks++
		}

		switch {
		case q.acks >= q.Quorum:
			d.finish(q, queryResult{acks: q.acks, record: q.record})
		case q.storeInflight == 0:
			d.finish(q, queryResult{acks: q.acks, err: ErrQuorumNotMet})
		}

		return nil
	}

	q.inflight--

	if failed {
		c.state = candidateFailed
		d.logger.Debugf("[DHT] query %s: peer %s failed: %v", q.ID, ev.peer, responseError(ev))

		return d.advance(q)
	}

	c.state = candidateSucceeded
	actions := d.observe(c.info)

	if c.hop < d.cfg.maxHops {
		for _, wp := range ev.resp.CloserPeers {
			info, err := fromWirePeer(wp)
			if err != nil || info.ID == d.identity.ID() || len(info.Addrs) == 0 {
				continue
			}

			q.addCandidate(info, c.hop+1)
		}
	}

	if q.Kind == queryGetValue && ev.resp.Record != nil {
		if r, err := d.validResponseRecord(q, ev.resp.Record, now); err != nil {
			d.logger.Debugf("[DHT] query %s: invalid record from %s: %v", q.ID, ev.peer, err)
		} else {
			q.records = append(q.records, r)

			if len(q.records) >= q.Quorum {
				d.finish(q, queryResult{record: SelectRecord(q.records)})
				return actions
			}
		}
	}

	return append(actions, d.advance(q)...)
}

func responseError(ev dhtResponseEvent) error {
	if ev.err != nil {
		return ev.err
	}

	if ev.resp == nil {
		return errors.New("empty response")
	}

	return errors.New(ev.resp.Error)
}

func (d *dht) validResponseRecord(q *PendingQuery, wr *wireRecord, now time.Time) (*Record, error) {
	r, err := recordFromWire(wr)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(r.Key, q.Key) {
		return nil, fmt.Errorf("%w: record key mismatch", ErrInvalidMessage)
	}

	if err := r.Validate(now); err != nil {
		return nil, err
	}

	return r, nil
}

// onDeadline resolves a query that ran out of time as a failure. A get that already
// collected valid records still returns the best of them.
func (d *dht) onDeadline(queryID string) {
	q, ok := d.queries[queryID]
	if !ok {
		return
	}

	d.logger.Debugf("[DHT] query %s timed out", q.ID)

	switch q.Kind {
	case queryFindNode:
		d.finish(q, queryResult{peers: q.closestPeers(d.cfg.bucketSize), err: ErrTimeout})
	case queryGetValue:
		if len(q.records) > 0 {
			d.finish(q, queryResult{record: SelectRecord(q.records)})
		} else {
			d.finish(q, queryResult{err: timeoutError(ErrNotFound)})
		}
	case queryPutValue:
		d.finish(q, queryResult{acks: q.acks, err: timeoutError(ErrQuorumNotMet)})
	}
}

func (d *dht) finish(q *PendingQuery, res queryResult) {
	delete(d.queries, q.ID)

	outcome := "ok"
	if res.err != nil {
		outcome = "error"
	}

	d.metrics.dhtQueries.WithLabelValues(q.Kind.String(), outcome).Inc()

	select {
	case q.result <- res:
	default:
	}
}
