package pdsub

import (
	"net"
	"testing"
	"time"

	"trdp/fingerprint"
	"trdp/wire"
)

type fakeGroups struct {
	joined map[string]int
}

func newFakeGroups() *fakeGroups { return &fakeGroups{joined: make(map[string]int)} }

func (f *fakeGroups) JoinGroup(group net.IP, ifi *net.Interface) error {
	f.joined[group.String()]++
	return nil
}

func (f *fakeGroups) LeaveGroup(group net.IP, ifi *net.Interface) error {
	f.joined[group.String()]--
	return nil
}

type fakePull struct {
	comID     uint32
	replyDest *net.UDPAddr
	called    int
}

func (f *fakePull) HandlePullRequest(comID uint32, replyDest *net.UDPAddr) error {
	f.comID = comID
	f.replyDest = replyDest
	f.called++
	return nil
}

func pkt(seq uint32, payload string) *wire.Packet {
	return &wire.Packet{
		Header:  wire.Header{SequenceCounter: seq},
		Payload: []byte(payload),
	}
}

func TestGetBeforeAnyDeliveryIsNoData(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	h, err := idx.Subscribe(Subscription{Pattern: fingerprint.Fingerprint{ComID: 1000}, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_, _, err = idx.Get(h, time.Now())
	if err != ErrNoData {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestDeliverThenGetReturnsPayload(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	h, _ := idx.Subscribe(Subscription{Pattern: fingerprint.Fingerprint{ComID: 1000}, Timeout: time.Second})

	now := time.Now()
	n := idx.Deliver(fingerprint.Fingerprint{ComID: 1000}, pkt(1, "hello"), net.ParseIP("10.0.1.1"), now)
	if n != 1 {
		t.Fatalf("Deliver matched %d subscriptions, want 1", n)
	}

	payload, info, err := idx.Get(h, now)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want hello", payload)
	}
	if info.SequenceCounter != 1 {
		t.Fatalf("sequence = %d, want 1", info.SequenceCounter)
	}
}

func TestWildcardOverlapDeliversToAll(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	h1, _ := idx.Subscribe(Subscription{Pattern: fingerprint.Fingerprint{ComID: 1000}, Timeout: time.Second})
	h2, _ := idx.Subscribe(Subscription{Pattern: fingerprint.Fingerprint{ComID: 0}, Timeout: time.Second}) // wildcard on ComID

	now := time.Now()
	n := idx.Deliver(fingerprint.Fingerprint{ComID: 1000}, pkt(1, "hello"), net.ParseIP("10.0.1.1"), now)
	if n != 2 {
		t.Fatalf("Deliver matched %d subscriptions, want 2 (exact + wildcard)", n)
	}
	if _, _, err := idx.Get(h1, now); err != nil {
		t.Fatalf("Get h1: %v", err)
	}
	if _, _, err := idx.Get(h2, now); err != nil {
		t.Fatalf("Get h2: %v", err)
	}
}

func TestDuplicateSubscriptionRejected(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	pattern := fingerprint.Fingerprint{ComID: 1000}
	if _, err := idx.Subscribe(Subscription{Pattern: pattern, Timeout: time.Second}); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := idx.Subscribe(Subscription{Pattern: pattern, Timeout: time.Second}); err != ErrDuplicate {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestTimeoutPolicyKeepLast(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	h, _ := idx.Subscribe(Subscription{
		Pattern: fingerprint.Fingerprint{ComID: 1000},
		Timeout: 100 * time.Millisecond,
		Policy:  PolicyKeepLast,
	})
	start := time.Now()
	idx.Deliver(fingerprint.Fingerprint{ComID: 1000}, pkt(1, "hello"), net.ParseIP("10.0.1.1"), start)

	after := start.Add(200 * time.Millisecond)
	idx.Sweep(after)

	payload, _, err := idx.Get(h, after)
	if err != ErrTimeout {
		t.Fatalf("first post-expiry Get err = %v, want ErrTimeout", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want hello (stale data still returned)", payload)
	}

	// keep-last: every subsequent call still returns stale data + Timeout.
	payload, _, err = idx.Get(h, after)
	if err != ErrTimeout || string(payload) != "hello" {
		t.Fatalf("second Get = (%q, %v), want (hello, ErrTimeout)", payload, err)
	}
}

func TestTimeoutPolicyZeroOnTimeout(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	h, _ := idx.Subscribe(Subscription{
		Pattern: fingerprint.Fingerprint{ComID: 1000},
		Timeout: 100 * time.Millisecond,
		Policy:  PolicyZeroOnTimeout,
	})
	start := time.Now()
	idx.Deliver(fingerprint.Fingerprint{ComID: 1000}, pkt(1, "hello"), net.ParseIP("10.0.1.1"), start)

	after := start.Add(200 * time.Millisecond)
	idx.Sweep(after)

	if _, _, err := idx.Get(h, after); err != ErrTimeout {
		t.Fatalf("first post-expiry Get err = %v, want ErrTimeout", err)
	}
	if _, _, err := idx.Get(h, after); err != ErrNoData {
		t.Fatalf("second post-expiry Get err = %v, want ErrNoData (slot cleared)", err)
	}
}

func TestTimeoutPolicyInvalidate(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	h, _ := idx.Subscribe(Subscription{
		Pattern: fingerprint.Fingerprint{ComID: 1000},
		Timeout: 100 * time.Millisecond,
		Policy:  PolicyInvalidate,
	})
	start := time.Now()
	idx.Deliver(fingerprint.Fingerprint{ComID: 1000}, pkt(1, "hello"), net.ParseIP("10.0.1.1"), start)

	after := start.Add(200 * time.Millisecond)
	idx.Sweep(after)

	idx.Get(h, after) // first report
	if _, _, err := idx.Get(h, after); err != ErrTimeout {
		t.Fatalf("second post-expiry Get err = %v, want ErrTimeout (invalidate keeps reporting)", err)
	}
	if _, _, err := idx.Get(h, after.Add(time.Second)); err != ErrTimeout {
		t.Fatalf("Get stays ErrTimeout until fresh data, got %v", err)
	}
}

func TestFreshDeliveryResetsTimeoutState(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	h, _ := idx.Subscribe(Subscription{
		Pattern: fingerprint.Fingerprint{ComID: 1000},
		Timeout: 100 * time.Millisecond,
		Policy:  PolicyInvalidate,
	})
	start := time.Now()
	idx.Deliver(fingerprint.Fingerprint{ComID: 1000}, pkt(1, "hello"), net.ParseIP("10.0.1.1"), start)
	after := start.Add(200 * time.Millisecond)
	idx.Sweep(after)
	idx.Get(h, after)

	idx.Deliver(fingerprint.Fingerprint{ComID: 1000}, pkt(2, "fresh"), net.ParseIP("10.0.1.1"), after)
	payload, _, err := idx.Get(h, after)
	if err != nil {
		t.Fatalf("Get after fresh delivery: %v", err)
	}
	if string(payload) != "fresh" {
		t.Fatalf("payload = %q, want fresh", payload)
	}
}

func TestPushCallbackFiresOnDeliveryAndTimeout(t *testing.T) {
	idx := New(newFakeGroups(), nil)
	var gotErr error
	var calls int
	idx.Subscribe(Subscription{
		Pattern: fingerprint.Fingerprint{ComID: 1000},
		Timeout: 100 * time.Millisecond,
		Policy:  PolicyKeepLast,
		Callback: func(payload []byte, info PDInfo, err error) {
			calls++
			gotErr = err
		},
	})
	start := time.Now()
	idx.Deliver(fingerprint.Fingerprint{ComID: 1000}, pkt(1, "hello"), net.ParseIP("10.0.1.1"), start)
	if calls != 1 || gotErr != nil {
		t.Fatalf("after delivery: calls=%d err=%v, want 1/nil", calls, gotErr)
	}

	idx.Sweep(start.Add(200 * time.Millisecond))
	if calls != 2 || gotErr != ErrTimeout {
		t.Fatalf("after sweep: calls=%d err=%v, want 2/ErrTimeout", calls, gotErr)
	}

	// Sweeping again before fresh data must not re-fire the callback.
	idx.Sweep(start.Add(300 * time.Millisecond))
	if calls != 2 {
		t.Fatalf("calls after second sweep = %d, want 2 (no repeat firing)", calls)
	}
}

func TestMulticastSubscribeJoinsAndUnsubscribeLeaves(t *testing.T) {
	groups := newFakeGroups()
	idx := New(groups, nil)
	group := net.ParseIP("239.0.1.1")
	h, err := idx.Subscribe(Subscription{
		Pattern:        fingerprint.Fingerprint{ComID: 1000},
		Timeout:        time.Second,
		MulticastGroup: group,
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if groups.joined[group.String()] != 1 {
		t.Fatalf("refcount after subscribe = %d, want 1", groups.joined[group.String()])
	}
	if err := idx.Unsubscribe(h); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if groups.joined[group.String()] != 0 {
		t.Fatalf("refcount after unsubscribe = %d, want 0", groups.joined[group.String()])
	}
}

func TestForwardPullRequest(t *testing.T) {
	pull := &fakePull{}
	idx := New(newFakeGroups(), pull)
	dest := &net.UDPAddr{IP: net.ParseIP("10.0.1.101"), Port: 17224}
	if err := idx.ForwardPullRequest(1000, dest); err != nil {
		t.Fatalf("ForwardPullRequest: %v", err)
	}
	if pull.called != 1 || pull.comID != 1000 {
		t.Fatalf("pull handler called=%d comID=%d, want 1/1000", pull.called, pull.comID)
	}
}
