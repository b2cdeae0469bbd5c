// Package pdsub implements the PD subscriber index: a fingerprint-matched
// subscription table that demultiplexes inbound PD packets, enforces
// per-subscription receive timeouts, and exposes both a pull (Get) and a
// push (callback) API.
package pdsub

import (
	"container/heap"
	"errors"
	"net"
	"sync"
	"time"

	"trdp/fingerprint"
	"trdp/internal/slab"
	"trdp/wire"
)

// TimeoutPolicy selects what Get returns once a subscription's receive
// timeout has already been reported once.
type TimeoutPolicy int

const (
	// PolicyKeepLast returns the stale payload with ErrTimeout forever,
	// until fresh data arrives.
	PolicyKeepLast TimeoutPolicy = iota
	// PolicyZeroOnTimeout clears the slot on the call following the first
	// timeout report; Get then returns ErrNoData like a never-arrived
	// subscription.
	PolicyZeroOnTimeout
	// PolicyInvalidate returns ErrTimeout (with no payload) on every call
	// following the first, until fresh data arrives.
	PolicyInvalidate
)

var (
	ErrNoData         = errors.New("pdsub: no data received")
	ErrTimeout        = errors.New("pdsub: receive timeout")
	ErrDuplicate      = errors.New("pdsub: fingerprint already subscribed")
	ErrUnknownHandle  = errors.New("pdsub: unknown subscription handle")
)

// PDInfo accompanies a delivered or stale sample.
type PDInfo struct {
	ArrivalTime     time.Time
	SourceAddr      net.IP
	SequenceCounter uint32
}

// GroupManager is the multicast-refcount subset of *mux.Mux a subscription
// with a multicast destination needs.
type GroupManager interface {
	JoinGroup(group net.IP, ifi *net.Interface) error
	LeaveGroup(group net.IP, ifi *net.Interface) error
}

// PullHandler forwards a PD pull request (Pr) to the owning session's
// publisher index. *pdpub.Index satisfies this implicitly.
type PullHandler interface {
	HandlePullRequest(comID uint32, replyDest *net.UDPAddr) error
}

// Subscription is the caller-facing configuration of one PD subscription.
type Subscription struct {
	Pattern        fingerprint.Fingerprint
	Timeout        time.Duration // 0 disables the timeout sweep for this subscription
	Policy         TimeoutPolicy
	MulticastGroup net.IP // non-nil if Pattern's destination is a multicast group
	Interface      *net.Interface
	// Callback, if set, is invoked on every matching delivery and on
	// timeout (push mode). Nil means pull mode: the caller polls Get.
	Callback func(payload []byte, info PDInfo, err error)
}

type entry struct {
	sub      Subscription
	payload  []byte
	arrival  time.Time
	source   net.IP
	sequence uint32

	expired        bool
	calledBack     bool
	timeoutReports int

	heapIdx  int
	deadline time.Time
}

// Index is one session's PD subscriber table.
type Index struct {
	mu       sync.Mutex
	groups   GroupManager
	pull     PullHandler
	pool     *slab.Pool[*entry]
	exact    map[fingerprint.Fingerprint]slab.Handle
	wildcard map[slab.Handle]struct{}
	timeoutQ timeoutQueue
}

// New constructs an Index whose multicast subscriptions join/leave groups
// through groups, and whose inbound pull requests are forwarded to pull.
func New(groups GroupManager, pull PullHandler) *Index {
	return &Index{
		groups:   groups,
		pull:     pull,
		pool:     slab.NewPool[*entry](),
		exact:    make(map[fingerprint.Fingerprint]slab.Handle),
		wildcard: make(map[slab.Handle]struct{}),
	}
}

// Subscribe registers sub, joining its multicast group if any. Returns
// ErrDuplicate if an identical pattern is already subscribed (extended
// uniqueness: at most one subscription per session per distinct pattern).
func (idx *Index) Subscribe(sub Subscription) (slab.Handle, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.patternExistsLocked(sub.Pattern) {
		return slab.Handle(0), ErrDuplicate
	}
	if sub.MulticastGroup != nil && idx.groups != nil {
		if err := idx.groups.JoinGroup(sub.MulticastGroup, sub.Interface); err != nil {
			return slab.Handle(0), err
		}
	}

	e := &entry{sub: sub, heapIdx: -1}
	h := idx.pool.Insert(e)
	if sub.Pattern.HasWildcard() {
		idx.wildcard[h] = struct{}{}
	} else {
		idx.exact[sub.Pattern] = h
	}
	return h, nil
}

func (idx *Index) patternExistsLocked(p fingerprint.Fingerprint) bool {
	if !p.HasWildcard() {
		_, ok := idx.exact[p]
		return ok
	}
	for h := range idx.wildcard {
		if e, ok := idx.pool.Get(h); ok && e.sub.Pattern == p {
			return true
		}
	}
	return false
}

// Unsubscribe removes h, symmetrically leaving its multicast group if any.
func (idx *Index) Unsubscribe(h slab.Handle) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.pool.Get(h)
	if !ok {
		return ErrUnknownHandle
	}
	if e.sub.Pattern.HasWildcard() {
		delete(idx.wildcard, h)
	} else {
		delete(idx.exact, e.sub.Pattern)
	}
	if e.heapIdx >= 0 {
		heap.Remove(&idx.timeoutQ, e.heapIdx)
	}
	if e.sub.MulticastGroup != nil && idx.groups != nil {
		if err := idx.groups.LeaveGroup(e.sub.MulticastGroup, e.sub.Interface); err != nil {
			idx.pool.Remove(h)
			return err
		}
	}
	idx.pool.Remove(h)
	return nil
}

// Deliver matches an inbound PD data packet against every subscription and
// updates each match. Returns the number of subscriptions updated — more
// than one under wildcard overlap.
func (idx *Index) Deliver(in fingerprint.Fingerprint, pkt *wire.Packet, src net.IP, now time.Time) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	matched := 0
	if h, ok := idx.exact[in]; ok {
		idx.deliverTo(h, pkt, src, now)
		matched++
	}
	for h := range idx.wildcard {
		e, ok := idx.pool.Get(h)
		if !ok || !e.sub.Pattern.Matches(in) {
			continue
		}
		idx.deliverTo(h, pkt, src, now)
		matched++
	}
	return matched
}

func (idx *Index) deliverTo(h slab.Handle, pkt *wire.Packet, src net.IP, now time.Time) {
	e, ok := idx.pool.Get(h)
	if !ok {
		return
	}
	e.payload = pkt.Payload
	e.arrival = now
	e.source = src
	e.sequence = pkt.Header.SequenceCounter
	e.expired = false
	e.calledBack = false
	e.timeoutReports = 0

	if e.sub.Timeout > 0 {
		e.deadline = now.Add(e.sub.Timeout)
		if e.heapIdx >= 0 {
			heap.Fix(&idx.timeoutQ, e.heapIdx)
		} else {
			heap.Push(&idx.timeoutQ, e)
		}
	}

	if e.sub.Callback != nil {
		info := PDInfo{ArrivalTime: e.arrival, SourceAddr: e.source, SequenceCounter: e.sequence}
		e.sub.Callback(e.payload, info, nil)
	}
}

// Sweep processes every subscription whose receive-timeout deadline has
// passed. Push-mode subscriptions fire their callback once; pull-mode
// subscriptions are left for Get to resolve via the configured policy.
func (idx *Index) Sweep(now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for idx.timeoutQ.Len() > 0 && !idx.timeoutQ[0].deadline.After(now) {
		e := heap.Pop(&idx.timeoutQ).(*entry)
		e.heapIdx = -1
		e.expired = true
		if e.sub.Callback != nil && !e.calledBack {
			e.calledBack = true
			info := PDInfo{ArrivalTime: e.arrival, SourceAddr: e.source, SequenceCounter: e.sequence}
			e.sub.Callback(e.payload, info, ErrTimeout)
		}
	}
}

// Get returns h's current sample per the pull API. The first call after a
// timeout always reports ErrTimeout; subsequent calls follow the
// subscription's configured TimeoutPolicy.
func (idx *Index) Get(h slab.Handle, now time.Time) ([]byte, PDInfo, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.pool.Get(h)
	if !ok {
		return nil, PDInfo{}, ErrUnknownHandle
	}
	if e.arrival.IsZero() {
		return nil, PDInfo{}, ErrNoData
	}
	info := PDInfo{ArrivalTime: e.arrival, SourceAddr: e.source, SequenceCounter: e.sequence}
	if !e.expired {
		return e.payload, info, nil
	}
	if e.timeoutReports == 0 {
		e.timeoutReports++
		return e.payload, info, ErrTimeout
	}
	switch e.sub.Policy {
	case PolicyZeroOnTimeout:
		e.payload = nil
		e.arrival = time.Time{}
		e.expired = false
		e.timeoutReports = 0
		return nil, PDInfo{}, ErrNoData
	case PolicyInvalidate:
		return nil, info, ErrTimeout
	default: // PolicyKeepLast
		return e.payload, info, ErrTimeout
	}
}

// ForwardPullRequest forwards an inbound PD pull request (Pr) with comID to
// this index's PullHandler, which answers every matching pull-only
// publication to replyDest.
func (idx *Index) ForwardPullRequest(comID uint32, replyDest *net.UDPAddr) error {
	if idx.pull == nil {
		return errors.New("pdsub: no pull handler configured")
	}
	return idx.pull.HandlePullRequest(comID, replyDest)
}

// Len reports the number of currently registered subscriptions.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.pool.Len()
}

// timeoutQueue is a container/heap priority queue ordered by deadline,
// supporting decrease-key via heap.Fix when a subscription receives fresh
// data before its previous deadline elapses.
type timeoutQueue []*entry

func (q timeoutQueue) Len() int            { return len(q) }
func (q timeoutQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q timeoutQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIdx = i
	q[j].heapIdx = j
}

func (q *timeoutQueue) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*q)
	*q = append(*q, e)
}

func (q *timeoutQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*q = old[:n-1]
	return e
}
