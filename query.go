package overlay

import (
	"sort"
	"time"

	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
)

type queryKind int

const (
	queryFindNode queryKind = iota
	queryGetValue
	queryPutValue
)

func (k queryKind) String() string {
	switch k {
	case queryFindNode:
		return "find_node"
	case queryGetValue:
		return "get_value"
	case queryPutValue:
		return "put_value"
	default:
		return "unknown"
	}
}

func (k queryKind) requestType() dhtMessageType {
	if k == queryGetValue {
		return dhtGetValue
	}

	return dhtFindNode
}

type queryResult struct {
	peers  []peer.AddrInfo
	record *Record
	acks   int
	err    error
}

type candidateState int

const (
	candidatePending candidateState = iota
	candidateWaiting
	candidateSucceeded
	candidateFailed
)

type candidate struct {
	info  peer.AddrInfo
	key   kbucket.ID
	hop   int
	state candidateState
}

// PendingQuery is an outbound DHT operation in progress. It lives until its result is
// delivered or its deadline passes, whichever happens first.
type PendingQuery struct {
	ID       string
	Kind     queryKind
	Key      []byte
	Quorum   int
	Deadline time.Time

	target     kbucket.ID
	record     *Record
	candidates map[peer.ID]*candidate
	inflight   int

	storing       bool
	storeInflight int
	acks          int

	records []*Record
	result  chan queryResult
}

func newPendingQuery(id string, cmd queryCommand, deadline time.Time) *PendingQuery {
	return &PendingQuery{
		ID:         id,
		Kind:       cmd.kind,
		Key:        cmd.key,
		Quorum:     cmd.quorum,
		Deadline:   deadline,
		target:     kbucket.ConvertKey(string(cmd.key)),
		record:     cmd.record,
		candidates: make(map[peer.ID]*candidate),
		result:     cmd.result,
	}
}

// addCandidate records a peer to ask, ignoring peers already known to the query.
func (q *PendingQuery) addCandidate(info peer.AddrInfo, hop int) bool {
	if _, ok := q.candidates[info.ID]; ok {
		return false
	}

	q.candidates[info.ID] = &candidate{info: info, key: kbucket.ConvertPeerID(info.ID), hop: hop}

	return true
}

// closest returns up to n candidates ordered by distance to the target. Failed
// candidates are skipped; when onlySucceeded is set only peers that answered count.
func (q *PendingQuery) closest(n int, onlySucceeded bool) []*candidate {
	list := make([]*candidate, 0, len(q.candidates))

	for _, c := range q.candidates {
		if c.state == candidateFailed {
			continue
		}

		if onlySucceeded && c.state != candidateSucceeded {
			continue
		}

		list = append(list, c)
	}

	sort.Slice(list, func(i, j int) bool { return closer(q.target, list[i].key, list[j].key) })

	if len(list) > n {
		list = list[:n]
	}

	return list
}

func (q *PendingQuery) closestPeers(n int) []peer.AddrInfo {
	cs := q.closest(n, true)
	peers := make([]peer.AddrInfo, 0, len(cs))

	for _, c := range cs {
		peers = append(peers, c.info)
	}

	return peers
}
