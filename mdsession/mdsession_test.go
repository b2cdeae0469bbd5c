package mdsession

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"trdp/fingerprint"
	"trdp/mux"
	"trdp/wire"
)

type sentFrame struct {
	peerUDP *net.UDPAddr
	peerTCP string
	header  wire.Header
	payload []byte
}

type fakeTCPRef struct {
	mu       *sync.Mutex
	released *int
	dead     *bool
}

func (r fakeTCPRef) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.released++
}

func (r fakeTCPRef) Dead() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.dead
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentFrame
	fail     error
	acquired int
	released int
	dead     bool
}

// killConn marks every fakeTCPRef handed out so far as dead, simulating a
// mid-transaction TCP drop observed by the read loop.
func (f *fakeSender) killConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
}

func (f *fakeSender) SendMDUDP(dst *net.UDPAddr, h *wire.Header, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentFrame{peerUDP: dst, header: *h, payload: payload})
	return nil
}

func (f *fakeSender) SendMDTCP(peer string, h *wire.Header, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentFrame{peerTCP: peer, header: *h, payload: payload})
	return nil
}

func (f *fakeSender) AcquireTCP(peer string) (mux.TCPRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return fakeTCPRef{mu: &f.mu, released: &f.released, dead: &f.dead}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func dest() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("10.0.1.102"), Port: 17225}
}

func TestNotifyFiresListenerOnceWithZeroSessionID(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	var got InboundMessage
	calls := 0
	idx.AddListener(fingerprint.Fingerprint{ComID: 5000}, "", 0, 0, func(msg InboundMessage) {
		calls++
		got = msg
	})

	if err := idx.Notify(dest(), "", 5000, []byte("payload32bytes--------------xxxx"), "", ""); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	pkt := &wire.Packet{Header: sender.last().header, Payload: sender.last().payload}
	idx.HandleInbound(time.Now(), pkt, dest(), "")

	if calls != 1 {
		t.Fatalf("listener calls = %d, want 1", calls)
	}
	if !got.Notify {
		t.Fatal("expected Notify=true")
	}
	if got.SessionID != (uuid.UUID{}) {
		t.Fatalf("SessionID = %v, want all-zero", got.SessionID)
	}
	if idx.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 (notify creates no session)", idx.Len())
	}
}

func TestRequestReplyUDPNoRetryOnSuccess(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	var gotErr error
	var gotPayload []byte
	id, err := idx.Request(time.Now(), dest(), "", 5000, []byte("req"), PatternRequestReply,
		500*time.Millisecond, 1, "A", "B", func(payload []byte, err error) {
			gotPayload = payload
			gotErr = err
		})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d frames, want 1", sender.count())
	}

	reply := &wire.Packet{
		Header:  wire.Header{MsgType: wire.MsgMDReply, SessionID: [16]byte(id)},
		Payload: []byte("ok"),
	}
	if err := idx.HandleInbound(time.Now(), reply, dest(), ""); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if gotErr != nil || string(gotPayload) != "ok" {
		t.Fatalf("callback = (%q, %v), want (ok, nil)", gotPayload, gotErr)
	}

	// No retry must follow: Sweep well past the reply deadline changes nothing.
	idx.Sweep(time.Now().Add(time.Second))
	if sender.count() != 1 {
		t.Fatalf("sent %d frames after sweep, want still 1 (no retry after success)", sender.count())
	}
}

func TestReplyTimeoutFiresAfterRetriesPlusOneIntervals(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	const replyTimeout = 100 * time.Millisecond
	const retries = 2

	var firedAt time.Time
	var gotErr error
	calls := 0
	start := time.Now()
	idx.Request(start, dest(), "", 5000, []byte("req"), PatternRequestReply, replyTimeout, retries, "", "",
		func(payload []byte, err error) {
			calls++
			gotErr = err
		})

	// Sweeping before (retries+1)*replyTimeout must not fire timeout yet.
	for i := 1; i <= retries; i++ {
		now := start.Add(time.Duration(i)*replyTimeout + time.Millisecond)
		idx.Sweep(now)
		if gotErr != nil {
			t.Fatalf("timeout fired early at retry %d", i)
		}
	}
	if sender.count() != retries+1 {
		t.Fatalf("sent %d frames, want %d (initial + %d retries)", sender.count(), retries+1, retries)
	}

	firedAt = start.Add(time.Duration(retries+1)*replyTimeout + time.Millisecond)
	idx.Sweep(firedAt)
	if gotErr != ErrReplyTimeout {
		t.Fatalf("err = %v, want ErrReplyTimeout", gotErr)
	}

	// Fires exactly once: a later sweep must not call the callback again.
	idx.Sweep(firedAt.Add(time.Second))
	if calls != 1 {
		t.Fatal("timeout callback fired more than once")
	}
}

func TestRequestReplyConfirmTCP(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	var initiatorReply []byte
	id, err := idx.Request(time.Now(), nil, "10.0.1.50:17225", 6000, []byte("req"),
		PatternRequestReplyConfirm, time.Second, 0, "", "", func(payload []byte, err error) {
			initiatorReply = payload
		})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if sender.acquired != 1 {
		t.Fatalf("acquired = %d, want 1", sender.acquired)
	}

	replyQ := &wire.Packet{Header: wire.Header{MsgType: wire.MsgMDReplyQ, SessionID: [16]byte(id)}, Payload: []byte("query-reply")}
	if err := idx.HandleInbound(time.Now(), replyQ, nil, "10.0.1.50:17225"); err != nil {
		t.Fatalf("HandleInbound Mq: %v", err)
	}
	if string(initiatorReply) != "query-reply" {
		t.Fatalf("initiator reply = %q, want query-reply", initiatorReply)
	}

	if err := idx.Confirm(time.Now(), id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if sender.count() != 2 {
		t.Fatalf("sent %d frames, want 2 (request + confirm)", sender.count())
	}
	if sender.last().header.MsgType != wire.MsgMDConfirm {
		t.Fatalf("last frame type = %v, want Mc", sender.last().header.MsgType)
	}
	if sender.released != 1 {
		t.Fatalf("released = %d, want 1 after Confirm reaches Done", sender.released)
	}
}

func TestResponderReplyQueryThenConfirm(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	var msg InboundMessage
	idx.AddListener(fingerprint.Fingerprint{ComID: 7000}, "", 0, 0, func(m InboundMessage) {
		msg = m
	})

	reqID := uuid.UUID{1, 2, 3}
	req := &wire.Packet{Header: wire.Header{MsgType: wire.MsgMDRequest, ComID: 7000, SessionID: [16]byte(reqID)}, Payload: []byte("req")}
	if err := idx.HandleInbound(time.Now(), req, dest(), ""); err != nil {
		t.Fatalf("HandleInbound Mr: %v", err)
	}
	if msg.SessionID != reqID {
		t.Fatalf("listener saw sessionID %v, want %v", msg.SessionID, reqID)
	}

	var confirmErr error
	gotConfirm := false
	if err := idx.ReplyQuery(time.Now(), msg.SessionID, []byte("ans"), 200*time.Millisecond, func(err error) {
		gotConfirm = true
		confirmErr = err
	}); err != nil {
		t.Fatalf("ReplyQuery: %v", err)
	}
	if sender.last().header.MsgType != wire.MsgMDReplyQ {
		t.Fatalf("sent type = %v, want Mq", sender.last().header.MsgType)
	}

	confirm := &wire.Packet{Header: wire.Header{MsgType: wire.MsgMDConfirm, SessionID: [16]byte(reqID)}}
	if err := idx.HandleInbound(time.Now(), confirm, dest(), ""); err != nil {
		t.Fatalf("HandleInbound Mc: %v", err)
	}
	if !gotConfirm || confirmErr != nil {
		t.Fatalf("confirm callback = (%v, %v), want (true, nil)", gotConfirm, confirmErr)
	}
}

func TestResponderConfirmTimeoutFiresOnce(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	idx.AddListener(fingerprint.Fingerprint{ComID: 7001}, "", 0, 0, func(InboundMessage) {})

	reqID := uuid.UUID{9, 9, 9}
	req := &wire.Packet{Header: wire.Header{MsgType: wire.MsgMDRequest, ComID: 7001, SessionID: [16]byte(reqID)}, Payload: []byte("req")}
	idx.HandleInbound(time.Now(), req, dest(), "")

	start := time.Now()
	calls := 0
	var gotErr error
	idx.ReplyQuery(start, reqID, []byte("ans"), 100*time.Millisecond, func(err error) {
		calls++
		gotErr = err
	})

	idx.Sweep(start.Add(50 * time.Millisecond))
	if calls != 0 {
		t.Fatal("confirm timeout fired early")
	}
	idx.Sweep(start.Add(150 * time.Millisecond))
	if calls != 1 || gotErr != ErrConfirmTimeout {
		t.Fatalf("calls=%d err=%v, want 1/ErrConfirmTimeout", calls, gotErr)
	}
	idx.Sweep(start.Add(250 * time.Millisecond))
	if calls != 1 {
		t.Fatalf("confirm timeout fired more than once: calls=%d", calls)
	}
}

func TestListenerRateLimitDropsExcessRequests(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	calls := 0
	idx.AddListener(fingerprint.Fingerprint{ComID: 8000}, "", 1, 1, func(InboundMessage) {
		calls++
	})

	mk := func(id byte) *wire.Packet {
		return &wire.Packet{Header: wire.Header{MsgType: wire.MsgMDRequest, ComID: 8000, SessionID: [16]byte{id}}}
	}
	idx.HandleInbound(time.Now(), mk(1), dest(), "")
	idx.HandleInbound(time.Now(), mk(2), dest(), "")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (burst=1 token bucket)", calls)
	}
}

func TestAbortDrainsSessionsWithoutNetworkTraffic(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	var gotErr error
	idx.Request(time.Now(), dest(), "", 9000, []byte("req"), PatternRequestReply, time.Second, 3, "", "",
		func(payload []byte, err error) {
			gotErr = err
		})
	sentBefore := sender.count()

	idx.Abort(time.Now())
	if gotErr != ErrAborted {
		t.Fatalf("err = %v, want ErrAborted", gotErr)
	}
	if sender.count() != sentBefore {
		t.Fatalf("Abort sent %d additional frames, want 0", sender.count()-sentBefore)
	}
}

func TestReplyFromWithinListenerCallbackDoesNotDeadlock(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	var replyErr error
	idx.AddListener(fingerprint.Fingerprint{ComID: 7500}, "", 0, 0, func(msg InboundMessage) {
		// A responder replying synchronously from inside its own listener
		// callback must not re-lock a mutex this same goroutine already
		// holds.
		replyErr = idx.Reply(time.Now(), msg.SessionID, []byte("pong"))
	})

	reqID := uuid.UUID{4, 5, 6}
	req := &wire.Packet{Header: wire.Header{MsgType: wire.MsgMDRequest, ComID: 7500, SessionID: [16]byte(reqID)}, Payload: []byte("ping")}
	if err := idx.HandleInbound(time.Now(), req, dest(), ""); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if replyErr != nil {
		t.Fatalf("Reply from within callback: %v", replyErr)
	}
	if sender.count() != 1 || sender.last().header.MsgType != wire.MsgMDReply {
		t.Fatalf("sent = %+v, want one Mp reply", sender.last())
	}
}

func TestDeadTCPConnSurfacesNoConnWithoutSilentRedial(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	var gotErr error
	start := time.Now()
	idx.Request(start, nil, "10.0.1.50:17225", 6100, []byte("req"), PatternRequestReply,
		50*time.Millisecond, 3, "", "", func(payload []byte, err error) {
			gotErr = err
		})
	if sender.count() != 1 {
		t.Fatalf("sent %d frames, want 1", sender.count())
	}

	// Simulate the read loop observing the peer drop the connection.
	sender.killConn()

	// Even though retries remain, a dead connection must fail the session
	// immediately rather than silently resolving the peer string back
	// through the pool onto a fresh connection.
	idx.Sweep(start.Add(100 * time.Millisecond))
	if gotErr != mux.ErrNoConn {
		t.Fatalf("err = %v, want mux.ErrNoConn", gotErr)
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d frames after drop, want still 1 (no retry over a fresh connection)", sender.count())
	}
}

func TestNextDeadlineTracksEarliestPendingReply(t *testing.T) {
	sender := &fakeSender{}
	idx := New(sender, Config{})

	if _, ok := idx.NextDeadline(); ok {
		t.Fatal("expected no deadline with no sessions")
	}

	start := time.Now()
	idx.Request(start, dest(), "", 1, nil, PatternRequestReply, 50*time.Millisecond, 0, "", "", func([]byte, error) {})
	idx.Request(start, dest(), "", 2, nil, PatternRequestReply, 200*time.Millisecond, 0, "", "", func([]byte, error) {})

	deadline, ok := idx.NextDeadline()
	if !ok {
		t.Fatal("expected a pending deadline")
	}
	if !deadline.Equal(start.Add(50 * time.Millisecond)) {
		t.Fatalf("deadline = %v, want %v", deadline, start.Add(50*time.Millisecond))
	}
}
