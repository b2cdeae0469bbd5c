// Package mdsession implements the MD session table: sessionId-correlated
// request/reply/confirm and fire-and-forget notify, for both the initiator
// and responder side of a transaction, plus the listener table a responder
// registers callbacks against.
package mdsession

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trdp/fingerprint"
	"trdp/internal/slab"
	"trdp/mux"
	"trdp/wire"
)

// Sender is the subset of *mux.Mux the session table needs. *mux.Mux
// satisfies this implicitly.
type Sender interface {
	SendMDUDP(dst *net.UDPAddr, h *wire.Header, payload []byte) error
	SendMDTCP(peer string, h *wire.Header, payload []byte) error
	AcquireTCP(peer string) (mux.TCPRef, error)
}

// Stats receives diagnostic counters; a nil Stats is a no-op.
type Stats interface {
	IncDropped(reason string)
}

type noopStats struct{}

func (noopStats) IncDropped(string) {}

// Role distinguishes which side of a transaction a Session represents.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Pattern is the three MD exchange shapes a transaction can follow.
type Pattern int

const (
	PatternNotify Pattern = iota
	PatternRequestReply
	PatternRequestReplyConfirm
)

// State is a Session's place in its (role-specific) state machine.
type State int

const (
	StateAwaitReply State = iota
	StateReceived
	StateAwaitConfirm
	StateDone
	StateTimedOut
	StateAborted
)

var (
	ErrUnknownSession  = errors.New("mdsession: unknown session id")
	ErrWrongState      = errors.New("mdsession: session is not in the expected state")
	ErrReplyTimeout    = errors.New("mdsession: reply timeout")
	ErrConfirmTimeout  = errors.New("mdsession: confirm timeout")
	ErrAborted         = errors.New("mdsession: session aborted by session close")
	ErrPeerError       = errors.New("mdsession: peer reported an error")
	ErrUnknownListener = errors.New("mdsession: unknown listener handle")
)

// InboundMessage is what a Listener's callback receives for every matching
// Mr (request) or Mn (notify). A notify carries the all-zero SessionID and
// has no corresponding session — there is nothing to Reply/ReplyQuery to.
type InboundMessage struct {
	SessionID      uuid.UUID
	Notify         bool
	ComID          uint32
	Payload        []byte
	SourceURI      string
	DestinationURI string
}

// Listener matches inbound Mr/Mn traffic and materializes a responder
// session (or, for Mn, just invokes Callback with no session).
type Listener struct {
	Pattern    fingerprint.Fingerprint
	URIPattern string // "" matches any destinationURI
	Callback   func(msg InboundMessage)
	limiter    *rate.Limiter
}

// Session is one MD transaction, initiator- or responder-side.
type Session struct {
	ID         uuid.UUID
	Conformant bool
	Role       Role
	Pattern    Pattern
	State      State

	peerUDP *net.UDPAddr
	peerTCP string
	tcpRef  mux.TCPRef

	comID         uint32
	etbTopoCnt    uint32
	opTrnTopoCnt  uint32
	sourceURI     string // our own URI as seen by the peer
	destURI       string // the peer's URI, where replies are addressed

	retriesLeft     int
	replyTimeout    time.Duration
	replyDeadline   time.Time
	confirmDeadline time.Time
	terminalAt      time.Time

	request []byte
	reply   []byte

	onReply   func(payload []byte, err error)
	onConfirm func(err error)
}

// Config configures an Index at construction time.
type Config struct {
	// ReaperDelay is how long a terminal session is kept (absorbing late
	// duplicate replies/confirms) before it is forgotten. Zero defaults to
	// 2s.
	ReaperDelay time.Duration
	// RetryJitter, if set, is added to the exact replyTimeout boundary on
	// each retry's resend. Nil preserves the exact-boundary default.
	RetryJitter func(attempt int) time.Duration
	Stats       Stats
	Logger      *zap.Logger
}

func (c *Config) setDefaults() {
	if c.ReaperDelay <= 0 {
		c.ReaperDelay = 2 * time.Second
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Index is one session's MD session table: active transactions keyed by
// sessionId, plus the responder's listener table. mu is a plain, non-
// reentrant mutex: every method that invokes a user callback (Listener.
// Callback, a Session's onReply/onConfirm) releases mu first, so a callback
// is free to call Reply/ReplyQuery/Confirm/Request back into this same Index
// from the goroutine that is running it.
type Index struct {
	mu sync.Mutex

	cfg    Config
	sender Sender

	sessions map[uuid.UUID]*Session

	listenerPool *slab.Pool[*Listener]
	listenerIDs  map[slab.Handle]struct{}
}

// New constructs an Index that sends outbound MD traffic via sender.
func New(sender Sender, cfg Config) *Index {
	cfg.setDefaults()
	return &Index{
		cfg:          cfg,
		sender:       sender,
		sessions:     make(map[uuid.UUID]*Session),
		listenerPool: slab.NewPool[*Listener](),
		listenerIDs:  make(map[slab.Handle]struct{}),
	}
}

func (idx *Index) newSessionID() (uuid.UUID, bool) {
	id, err := uuid.NewUUID()
	if err == nil {
		return id, true
	}
	id, _ = uuid.NewRandom()
	return id, false
}

// AddListener registers a responder listener. rate<=0 disables intake
// limiting for this listener.
func (idx *Index) AddListener(pattern fingerprint.Fingerprint, uriPattern string, r float64, burst int, callback func(InboundMessage)) (slab.Handle, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	l := &Listener{Pattern: pattern, URIPattern: uriPattern, Callback: callback}
	if r > 0 {
		// The limiter is created once here, at registration time, and
		// shared across every inbound request this listener matches —
		// never rebuilt per request.
		l.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	h := idx.listenerPool.Insert(l)
	idx.listenerIDs[h] = struct{}{}
	return h, nil
}

// DelListener removes a previously registered listener.
func (idx *Index) DelListener(h slab.Handle) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.listenerPool.Get(h); !ok {
		return ErrUnknownListener
	}
	delete(idx.listenerIDs, h)
	idx.listenerPool.Remove(h)
	return nil
}

// Request sends Mr (request/reply) or Mr with confirm-required signaled by
// pattern, allocates a session, and returns its sessionId. peerTCP non-empty
// selects TCP transport; otherwise peerUDP is used. onReply is invoked
// exactly once, with the reply payload on success or a non-nil error
// (ErrReplyTimeout, mux.ErrNoConn, ErrPeerError, or ErrAborted) on failure.
func (idx *Index) Request(now time.Time, peerUDP *net.UDPAddr, peerTCP string, comID uint32, payload []byte, pattern Pattern, replyTimeout time.Duration, retries int, sourceURI, destURI string, onReply func(payload []byte, err error)) (uuid.UUID, error) {
	return idx.request(now, peerUDP, peerTCP, comID, 0, 0, payload, pattern, replyTimeout, retries, sourceURI, destURI, onReply)
}

// RequestWithTopo is Request with the session-level topology counters
// stamped on the outgoing header, for callers tracking ETB/operational
// train topology (left at zero by plain Request).
func (idx *Index) RequestWithTopo(now time.Time, peerUDP *net.UDPAddr, peerTCP string, comID, etbTopoCnt, opTrnTopoCnt uint32, payload []byte, pattern Pattern, replyTimeout time.Duration, retries int, sourceURI, destURI string, onReply func(payload []byte, err error)) (uuid.UUID, error) {
	return idx.request(now, peerUDP, peerTCP, comID, etbTopoCnt, opTrnTopoCnt, payload, pattern, replyTimeout, retries, sourceURI, destURI, onReply)
}

func (idx *Index) request(now time.Time, peerUDP *net.UDPAddr, peerTCP string, comID, etbTopoCnt, opTrnTopoCnt uint32, payload []byte, pattern Pattern, replyTimeout time.Duration, retries int, sourceURI, destURI string, onReply func(payload []byte, err error)) (uuid.UUID, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, conformant := idx.newSessionID()
	sess := &Session{
		ID:           id,
		Conformant:   conformant,
		Role:         RoleInitiator,
		Pattern:      pattern,
		State:        StateAwaitReply,
		peerUDP:      peerUDP,
		peerTCP:      peerTCP,
		comID:        comID,
		etbTopoCnt:   etbTopoCnt,
		opTrnTopoCnt: opTrnTopoCnt,
		sourceURI:    sourceURI,
		destURI:      destURI,
		retriesLeft:  retries,
		replyTimeout: replyTimeout,
		request:      payload,
		onReply:      onReply,
	}
	if peerTCP != "" {
		ref, err := idx.sender.AcquireTCP(peerTCP)
		if err != nil {
			return uuid.Nil, err
		}
		sess.tcpRef = ref
	}

	if err := idx.send(sess, wire.MsgMDRequest, payload); err != nil {
		if sess.tcpRef != nil {
			sess.tcpRef.Release()
		}
		return uuid.Nil, err
	}
	sess.replyDeadline = now.Add(replyTimeout)
	idx.sessions[id] = sess
	return id, nil
}

// Notify sends Mn: fire-and-forget, no session is created, sessionId is
// all-zero on the wire.
func (idx *Index) Notify(peerUDP *net.UDPAddr, peerTCP string, comID uint32, payload []byte, sourceURI, destURI string) error {
	return idx.notify(peerUDP, peerTCP, comID, 0, 0, payload, sourceURI, destURI)
}

// NotifyWithTopo is Notify with the session-level topology counters stamped
// on the outgoing header.
func (idx *Index) NotifyWithTopo(peerUDP *net.UDPAddr, peerTCP string, comID, etbTopoCnt, opTrnTopoCnt uint32, payload []byte, sourceURI, destURI string) error {
	return idx.notify(peerUDP, peerTCP, comID, etbTopoCnt, opTrnTopoCnt, payload, sourceURI, destURI)
}

func (idx *Index) notify(peerUDP *net.UDPAddr, peerTCP string, comID, etbTopoCnt, opTrnTopoCnt uint32, payload []byte, sourceURI, destURI string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sess := &Session{peerUDP: peerUDP, peerTCP: peerTCP, comID: comID, etbTopoCnt: etbTopoCnt, opTrnTopoCnt: opTrnTopoCnt, sourceURI: sourceURI, destURI: destURI}
	return idx.send(sess, wire.MsgMDNotify, payload)
}

// Reply sends Mp (reply, no confirm needed) for a responder session created
// by a matched Listener, and transitions it to Done.
func (idx *Index) Reply(now time.Time, id uuid.UUID, payload []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sess, ok := idx.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if sess.Role != RoleResponder || sess.State != StateReceived {
		return ErrWrongState
	}
	if err := idx.send(sess, wire.MsgMDReply, payload); err != nil {
		return err
	}
	idx.finish(sess, now)
	return nil
}

// ReplyQuery sends Mq (reply, confirm required) and transitions the session
// to AwaitConfirm with the given confirm deadline. onConfirm is invoked
// exactly once: nil on a matching Mc, ErrConfirmTimeout if it never arrives,
// or ErrAborted on session close.
func (idx *Index) ReplyQuery(now time.Time, id uuid.UUID, payload []byte, confirmTimeout time.Duration, onConfirm func(error)) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sess, ok := idx.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if sess.Role != RoleResponder || sess.State != StateReceived {
		return ErrWrongState
	}
	if err := idx.send(sess, wire.MsgMDReplyQ, payload); err != nil {
		return err
	}
	sess.State = StateAwaitConfirm
	sess.confirmDeadline = now.Add(confirmTimeout)
	sess.onConfirm = onConfirm
	return nil
}

// Confirm sends Mc for an initiator session currently in AwaitConfirm
// (reached after a matching Mq reply) and transitions it to Done.
func (idx *Index) Confirm(now time.Time, id uuid.UUID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sess, ok := idx.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if sess.Role != RoleInitiator || sess.State != StateAwaitConfirm {
		return ErrWrongState
	}
	if err := idx.send(sess, wire.MsgMDConfirm, nil); err != nil {
		return err
	}
	idx.finish(sess, now)
	return nil
}

// send encodes and transmits one MD frame for sess over its bound transport.
// A session holding a tcpRef that has since died fails with mux.ErrNoConn
// rather than silently resending over a fresh connection the pool would
// otherwise hand back for the same peer string.
func (idx *Index) send(sess *Session, msgType wire.MsgType, payload []byte) error {
	if sess.tcpRef != nil && sess.tcpRef.Dead() {
		return mux.ErrNoConn
	}
	h := &wire.Header{
		MsgType:        msgType,
		ComID:          sess.comID,
		EtbTopoCnt:     sess.etbTopoCnt,
		OpTrnTopoCnt:   sess.opTrnTopoCnt,
		SessionID:      [16]byte(sess.ID),
		ReplyTimeout:   uint32(sess.replyTimeout.Microseconds()),
		SourceURI:      encodeURI(sess.sourceURI),
		DestinationURI: encodeURI(sess.destURI),
	}
	if sess.peerTCP != "" {
		return idx.sender.SendMDTCP(sess.peerTCP, h, payload)
	}
	return idx.sender.SendMDUDP(sess.peerUDP, h, payload)
}

// HandleInbound dispatches one decoded MD packet: src is set for a
// UDP-origin packet, tcpPeer for a TCP-origin one (mutually exclusive).
func (idx *Index) HandleInbound(now time.Time, pkt *wire.Packet, src *net.UDPAddr, tcpPeer string) error {
	switch pkt.Header.MsgType {
	case wire.MsgMDNotify:
		idx.handleInboundRequest(pkt, src, tcpPeer, true)
		return nil
	case wire.MsgMDRequest:
		idx.handleInboundRequest(pkt, src, tcpPeer, false)
		return nil
	case wire.MsgMDReply, wire.MsgMDReplyQ:
		return idx.handleInboundReply(now, pkt)
	case wire.MsgMDConfirm:
		return idx.handleInboundConfirm(now, pkt)
	case wire.MsgMDError:
		return idx.handleInboundError(now, pkt)
	}
	return nil
}

// handleInboundRequest matches an inbound Mr/Mn against the listener table
// and invokes its Callback. idx.mu is released before the callback runs so a
// responder can call Reply/ReplyQuery synchronously from within it without
// deadlocking against this same goroutine.
func (idx *Index) handleInboundRequest(pkt *wire.Packet, src *net.UDPAddr, tcpPeer string, notify bool) {
	idx.mu.Lock()

	in := fingerprint.Fingerprint{ComID: pkt.Header.ComID, TopoCount: pkt.Header.EtbTopoCnt, OpTrnTopo: pkt.Header.OpTrnTopoCnt}
	requesterURI := decodeURI(pkt.Header.SourceURI)
	ownURI := decodeURI(pkt.Header.DestinationURI)

	var match *Listener
	for h := range idx.listenerIDs {
		l, ok := idx.listenerPool.Get(h)
		if !ok || !l.Pattern.Matches(in) {
			continue
		}
		if l.URIPattern != "" && l.URIPattern != ownURI {
			continue
		}
		match = l
		break
	}
	if match == nil {
		idx.cfg.Stats.IncDropped("md_no_listener")
		idx.mu.Unlock()
		return
	}
	if match.limiter != nil && !match.limiter.Allow() {
		idx.cfg.Stats.IncDropped("md_rate_limited")
		idx.mu.Unlock()
		return
	}

	msg := InboundMessage{
		Notify:         notify,
		ComID:          pkt.Header.ComID,
		Payload:        pkt.Payload,
		SourceURI:      requesterURI,
		DestinationURI: ownURI,
	}

	if notify {
		idx.mu.Unlock()
		match.Callback(msg)
		return
	}

	id := uuid.UUID(pkt.Header.SessionID)
	msg.SessionID = id
	sess := &Session{
		ID:           id,
		Role:         RoleResponder,
		State:        StateReceived,
		peerUDP:      src,
		peerTCP:      tcpPeer,
		comID:        pkt.Header.ComID,
		etbTopoCnt:   pkt.Header.EtbTopoCnt,
		opTrnTopoCnt: pkt.Header.OpTrnTopoCnt,
		sourceURI:    ownURI,
		destURI:      requesterURI,
		request:      pkt.Payload,
	}
	if tcpPeer != "" {
		if ref, err := idx.sender.AcquireTCP(tcpPeer); err == nil {
			sess.tcpRef = ref
		}
	}
	idx.sessions[id] = sess
	idx.mu.Unlock()
	match.Callback(msg)
}

func (idx *Index) handleInboundReply(now time.Time, pkt *wire.Packet) error {
	idx.mu.Lock()

	id := uuid.UUID(pkt.Header.SessionID)
	sess, ok := idx.sessions[id]
	if !ok || sess.Role != RoleInitiator || sess.State != StateAwaitReply {
		idx.mu.Unlock()
		return nil // unknown or late/duplicate reply: drop
	}
	sess.reply = pkt.Payload
	if pkt.Header.MsgType == wire.MsgMDReplyQ {
		sess.State = StateAwaitConfirm
	} else {
		idx.finish(sess, now)
	}
	onReply := sess.onReply
	idx.mu.Unlock()

	if onReply != nil {
		onReply(pkt.Payload, nil)
	}
	return nil
}

func (idx *Index) handleInboundConfirm(now time.Time, pkt *wire.Packet) error {
	idx.mu.Lock()

	id := uuid.UUID(pkt.Header.SessionID)
	sess, ok := idx.sessions[id]
	if !ok || sess.Role != RoleResponder || sess.State != StateAwaitConfirm {
		idx.mu.Unlock()
		return nil
	}
	onConfirm := sess.onConfirm
	idx.finish(sess, now)
	idx.mu.Unlock()

	if onConfirm != nil {
		onConfirm(nil)
	}
	return nil
}

func (idx *Index) handleInboundError(now time.Time, pkt *wire.Packet) error {
	idx.mu.Lock()

	id := uuid.UUID(pkt.Header.SessionID)
	sess, ok := idx.sessions[id]
	if !ok {
		idx.mu.Unlock()
		return nil
	}
	var onReply func([]byte, error)
	var onConfirm func(error)
	switch {
	case sess.Role == RoleInitiator && sess.State == StateAwaitReply:
		onReply = sess.onReply
		idx.finish(sess, now)
	case sess.Role == RoleResponder && sess.State == StateAwaitConfirm:
		onConfirm = sess.onConfirm
		idx.finish(sess, now)
	}
	idx.mu.Unlock()

	if onReply != nil {
		onReply(nil, ErrPeerError)
	}
	if onConfirm != nil {
		onConfirm(ErrPeerError)
	}
	return nil
}

// finish transitions sess to Done, releasing its TCP reference if any. Must
// be called with idx.mu held.
func (idx *Index) finish(sess *Session, now time.Time) {
	sess.State = StateDone
	sess.terminalAt = now
	if sess.tcpRef != nil {
		sess.tcpRef.Release()
		sess.tcpRef = nil
	}
}

// pendingCallback is a user callback captured while idx.mu was held, queued
// to run once the lock has been released.
type pendingCallback struct {
	onReply   func(payload []byte, err error)
	replyErr  error
	onConfirm func(error)
	confirmErr error
}

func (p pendingCallback) invoke() {
	if p.onReply != nil {
		p.onReply(nil, p.replyErr)
	}
	if p.onConfirm != nil {
		p.onConfirm(p.confirmErr)
	}
}

// Sweep processes every session's reply-timeout/confirm-timeout deadline
// and reaps terminal sessions past their reaper delay. Called once per
// scheduler tick. Timeout callbacks are collected while idx.mu is held and
// invoked only after it is released, so a callback that calls back into
// Reply/ReplyQuery/Confirm cannot deadlock against this goroutine.
func (idx *Index) Sweep(now time.Time) {
	idx.mu.Lock()

	var pending []pendingCallback
	for id, sess := range idx.sessions {
		switch sess.State {
		case StateAwaitReply:
			if sess.replyDeadline.IsZero() || now.Before(sess.replyDeadline) {
				continue
			}
			if cb, ok := idx.retryOrTimeout(sess, now); ok {
				pending = append(pending, cb)
			}
		case StateAwaitConfirm:
			if sess.Role != RoleResponder || sess.confirmDeadline.IsZero() || now.Before(sess.confirmDeadline) {
				continue
			}
			sess.State = StateTimedOut
			sess.terminalAt = now
			if sess.tcpRef != nil {
				sess.tcpRef.Release()
				sess.tcpRef = nil
			}
			if sess.onConfirm != nil {
				pending = append(pending, pendingCallback{onConfirm: sess.onConfirm, confirmErr: ErrConfirmTimeout})
			}
		}
		if isTerminal(sess.State) && !sess.terminalAt.IsZero() && now.Sub(sess.terminalAt) >= idx.cfg.ReaperDelay {
			delete(idx.sessions, id)
		}
	}
	idx.mu.Unlock()

	for _, cb := range pending {
		cb.invoke()
	}
}

// retryOrTimeout resends sess's request if retries remain, or fails it and
// returns its onReply callback for the caller to invoke once idx.mu has
// been released. A resend that finds its bound TCP connection dead fails
// the session immediately with mux.ErrNoConn — a dropped connection is
// never silently replaced by a fresh one from the pool and retried on it.
// Must be called with idx.mu held.
func (idx *Index) retryOrTimeout(sess *Session, now time.Time) (pendingCallback, bool) {
	if sess.retriesLeft > 0 {
		attempt := sess.retriesLeft
		sess.retriesLeft--
		idx.cfg.Logger.Debug("md reply timeout, retrying",
			zap.Stringer("session", sess.ID), zap.Int("retries_left", sess.retriesLeft))
		delay := sess.replyTimeout
		if idx.cfg.RetryJitter != nil {
			delay += idx.cfg.RetryJitter(attempt)
		}
		if err := idx.send(sess, wire.MsgMDRequest, sess.request); err != nil {
			if errors.Is(err, mux.ErrNoConn) {
				return idx.failSession(sess, now, err)
			}
			idx.cfg.Stats.IncDropped("md_retry_send_error")
		}
		sess.replyDeadline = now.Add(delay)
		return pendingCallback{}, false
	}
	return idx.failSession(sess, now, ErrReplyTimeout)
}

// failSession transitions sess to TimedOut immediately, bypassing any
// remaining retry budget, and returns its onReply callback paired with err.
// Must be called with idx.mu held.
func (idx *Index) failSession(sess *Session, now time.Time, err error) (pendingCallback, bool) {
	sess.State = StateTimedOut
	sess.terminalAt = now
	if sess.tcpRef != nil {
		sess.tcpRef.Release()
		sess.tcpRef = nil
	}
	if sess.onReply == nil {
		return pendingCallback{}, false
	}
	return pendingCallback{onReply: sess.onReply, replyErr: err}, true
}

func isTerminal(s State) bool {
	return s == StateDone || s == StateTimedOut || s == StateAborted
}

// NextDeadline reports the earliest time Sweep next needs to run, so the
// scheduler can size its wait. Returns false if no session has a pending
// deadline.
func (idx *Index) NextDeadline() (time.Time, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var best time.Time
	have := false
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if !have || t.Before(best) {
			best = t
			have = true
		}
	}
	for _, sess := range idx.sessions {
		consider(sess.replyDeadline)
		consider(sess.confirmDeadline)
		if isTerminal(sess.State) && !sess.terminalAt.IsZero() {
			consider(sess.terminalAt.Add(idx.cfg.ReaperDelay))
		}
	}
	return best, have
}

// Abort drains every non-terminal session to Aborted, invoking its callback
// with ErrAborted, without any network traffic. Used when a session is
// closed out from under in-flight transactions. Callbacks are collected
// while idx.mu is held and invoked only after it is released.
func (idx *Index) Abort(now time.Time) {
	idx.mu.Lock()

	var pending []pendingCallback
	for _, sess := range idx.sessions {
		if isTerminal(sess.State) {
			continue
		}
		onReply, onConfirm := sess.onReply, sess.onConfirm
		if sess.State != StateAwaitReply {
			// An initiator past AwaitReply has already had onReply invoked
			// with its reply payload.
			onReply = nil
		}
		sess.State = StateAborted
		sess.terminalAt = now
		if sess.tcpRef != nil {
			sess.tcpRef.Release()
			sess.tcpRef = nil
		}
		if onReply != nil || onConfirm != nil {
			pending = append(pending, pendingCallback{onReply: onReply, replyErr: ErrAborted, onConfirm: onConfirm, confirmErr: ErrAborted})
		}
	}
	idx.mu.Unlock()

	for _, cb := range pending {
		cb.invoke()
	}
}

// Len reports the number of sessions currently tracked (active and
// not-yet-reaped terminal ones).
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.sessions)
}

func encodeURI(s string) [32]byte {
	var b [32]byte
	copy(b[:], s)
	return b
}

func decodeURI(b [32]byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}
