package scheduler

import (
	"context"
	"net"
	"testing"
	"time"

	"trdp/fingerprint"
	"trdp/mux"
	"trdp/wire"
)

type fakePub struct {
	advanced  []time.Time
	pullComID uint32
	pullDest  *net.UDPAddr
}

func (f *fakePub) Advance(now time.Time) { f.advanced = append(f.advanced, now) }
func (f *fakePub) HandlePullRequest(comID uint32, dest *net.UDPAddr) error {
	f.pullComID = comID
	f.pullDest = dest
	return nil
}

type fakeSub struct {
	deliverCalls  int
	sweepCalls    int
	forwardComID  uint32
	forwardDest   *net.UDPAddr
}

func (f *fakeSub) Deliver(in fingerprint.Fingerprint, pkt *wire.Packet, src net.IP, now time.Time) int {
	f.deliverCalls++
	return 1
}
func (f *fakeSub) Sweep(now time.Time) { f.sweepCalls++ }
func (f *fakeSub) ForwardPullRequest(comID uint32, dest *net.UDPAddr) error {
	f.forwardComID = comID
	f.forwardDest = dest
	return nil
}

type fakeMD struct {
	handledCount int
	sweepCalls   int
	aborted      bool
	deadline     time.Time
	hasDeadline  bool
}

func (f *fakeMD) HandleInbound(now time.Time, pkt *wire.Packet, src *net.UDPAddr, tcpPeer string) error {
	f.handledCount++
	return nil
}
func (f *fakeMD) Sweep(now time.Time) { f.sweepCalls++ }
func (f *fakeMD) NextDeadline() (time.Time, bool) { return f.deadline, f.hasDeadline }
func (f *fakeMD) Abort(now time.Time)             { f.aborted = true }

type fakeWaiter struct {
	events    []mux.Event
	idx       int
	reapCalls int
}

func (f *fakeWaiter) Wait(deadline time.Time) (mux.Event, bool) {
	if f.idx < len(f.events) {
		ev := f.events[f.idx]
		f.idx++
		return ev, true
	}
	return mux.Event{}, false
}
func (f *fakeWaiter) ReapIdle(now time.Time, threshold time.Duration) int {
	f.reapCalls++
	return 0
}

func addr() *net.UDPAddr { return &net.UDPAddr{IP: net.ParseIP("10.0.1.1"), Port: 17225} }

func TestDispatchPDDataDeliversToSubscriber(t *testing.T) {
	sub := &fakeSub{}
	sch := New(&fakeWaiter{}, &fakePub{}, sub, &fakeMD{}, Config{})

	ev := mux.Event{Plane: mux.PlanePD, Packet: &wire.Packet{Header: wire.Header{MsgType: wire.MsgPDData, ComID: 1000}}, SrcAddr: addr()}
	sch.dispatch(time.Now(), ev)

	if sub.deliverCalls != 1 {
		t.Fatalf("deliverCalls = %d, want 1", sub.deliverCalls)
	}
}

func TestDispatchPDRequestForwardsToSourceByDefault(t *testing.T) {
	sub := &fakeSub{}
	sch := New(&fakeWaiter{}, &fakePub{}, sub, &fakeMD{}, Config{})

	ev := mux.Event{Plane: mux.PlanePD, Packet: &wire.Packet{Header: wire.Header{MsgType: wire.MsgPDRequest, ComID: 1000}}, SrcAddr: addr()}
	sch.dispatch(time.Now(), ev)

	if sub.forwardComID != 1000 {
		t.Fatalf("forwardComID = %d, want 1000", sub.forwardComID)
	}
	if !sub.forwardDest.IP.Equal(addr().IP) {
		t.Fatalf("forwardDest = %v, want reply to source", sub.forwardDest)
	}
}

func TestDispatchPDRequestUsesReplyIPAddressWhenSet(t *testing.T) {
	sub := &fakeSub{}
	sch := New(&fakeWaiter{}, &fakePub{}, sub, &fakeMD{}, Config{})

	// 10.0.1.200 encoded big-endian.
	replyIP := uint32(10)<<24 | uint32(0)<<16 | uint32(1)<<8 | uint32(200)
	ev := mux.Event{
		Plane:   mux.PlanePD,
		Packet:  &wire.Packet{Header: wire.Header{MsgType: wire.MsgPDRequest, ComID: 1000, ReplyIPAddress: replyIP}},
		SrcAddr: addr(),
	}
	sch.dispatch(time.Now(), ev)

	want := net.ParseIP("10.0.1.200").To4()
	if !sub.forwardDest.IP.Equal(want) {
		t.Fatalf("forwardDest.IP = %v, want %v", sub.forwardDest.IP, want)
	}
}

func TestDispatchMDRoutesToTable(t *testing.T) {
	md := &fakeMD{}
	sch := New(&fakeWaiter{}, &fakePub{}, &fakeSub{}, md, Config{})

	ev := mux.Event{Plane: mux.PlaneMD, Packet: &wire.Packet{Header: wire.Header{MsgType: wire.MsgMDRequest}}, SrcAddr: addr()}
	sch.dispatch(time.Now(), ev)

	if md.handledCount != 1 {
		t.Fatalf("handledCount = %d, want 1", md.handledCount)
	}
}

func TestTickAdvancesSweepsAndReaps(t *testing.T) {
	pub := &fakePub{}
	sub := &fakeSub{}
	md := &fakeMD{}
	waiter := &fakeWaiter{}
	sch := New(waiter, pub, sub, md, Config{})

	now := time.Now()
	sch.tick(now)

	if len(pub.advanced) != 1 {
		t.Fatalf("Advance called %d times, want 1", len(pub.advanced))
	}
	if sub.sweepCalls != 1 || md.sweepCalls != 1 {
		t.Fatalf("sweepCalls sub=%d md=%d, want 1/1", sub.sweepCalls, md.sweepCalls)
	}
	if waiter.reapCalls != 1 {
		t.Fatalf("reapCalls = %d, want 1", waiter.reapCalls)
	}
}

func TestNextDeadlineBoundedByMDDeadline(t *testing.T) {
	now := time.Now()
	md := &fakeMD{deadline: now.Add(500 * time.Microsecond), hasDeadline: true}
	sch := New(&fakeWaiter{}, &fakePub{}, &fakeSub{}, md, Config{TickInterval: time.Millisecond})

	deadline := sch.nextDeadline(now)
	if !deadline.Equal(md.deadline) {
		t.Fatalf("deadline = %v, want md.deadline %v (sooner than tick interval)", deadline, md.deadline)
	}
}

func TestNextDeadlineFallsBackToTickInterval(t *testing.T) {
	now := time.Now()
	sch := New(&fakeWaiter{}, &fakePub{}, &fakeSub{}, &fakeMD{}, Config{TickInterval: time.Millisecond})

	deadline := sch.nextDeadline(now)
	if !deadline.Equal(now.Add(time.Millisecond)) {
		t.Fatalf("deadline = %v, want now+TickInterval", deadline)
	}
}

func TestRunCooperativeAbortsMDOnCancel(t *testing.T) {
	md := &fakeMD{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sch := New(&fakeWaiter{}, &fakePub{}, &fakeSub{}, md, Config{})
	err := sch.Run(ctx)

	if err != context.Canceled {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if !md.aborted {
		t.Fatal("expected MD table to be aborted on cancellation")
	}
}
