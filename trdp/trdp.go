// Package trdp is the session façade: it owns one session's socket mux, PD
// publisher/subscriber indices, MD session table, and scheduler, and exposes
// the application-facing operations (Publish/Subscribe/Request/... per
// OpenSession's Config) as a single cohesive object.
package trdp

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trdp/fingerprint"
	"trdp/internal/slab"
	"trdp/mdsession"
	"trdp/mux"
	"trdp/pdpub"
	"trdp/pdsub"
	"trdp/scheduler"
)

// TrafficStoreRegion is a locked, fixed-size shared-memory region.
type TrafficStoreRegion interface {
	Lock()
	Unlock()
	Bytes() []byte
}

// TrafficStore is the optional adjunct shared-memory collaborator. The core
// never implements one; a nil TrafficStore on Config simply means
// publications/subscriptions are not mirrored anywhere.
type TrafficStore interface {
	Open(name string) (TrafficStoreRegion, error)
}

// EventSink receives every PD/MD event in addition to (not instead of) the
// per-call callback a caller supplies to Subscribe/Request/AddListener/etc.
// A nil EventSink on Config disables this path entirely.
type EventSink interface {
	OnPDData(pattern fingerprint.Fingerprint, payload []byte, info pdsub.PDInfo)
	OnPDTimeout(pattern fingerprint.Fingerprint)
	OnPDSend(pattern fingerprint.Fingerprint, payload []byte)
	OnMDMessage(msg mdsession.InboundMessage)
	OnMDReply(id uuid.UUID, payload []byte)
	OnMDConfirm(id uuid.UUID)
	OnMDTimeout(id uuid.UUID, kind Kind)
	OnMDError(id uuid.UUID, err error)
}

// Config configures a session at OpenSession time.
type Config struct {
	PDPort    int
	MDUDPPort int
	MDTCPPort int

	// EtbTopoCnt/OpTrnTopoCnt are this session's own topology counters.
	// Request and Notify stamp them on every outgoing MD header; Publish and
	// Subscribe do not inject them, since each takes an explicit
	// fingerprint.Fingerprint already carrying these fields.
	EtbTopoCnt   uint32
	OpTrnTopoCnt uint32
	SourceURI    string

	CycleTime        time.Duration
	TCPIdleThreshold time.Duration
	ReaperDelay      time.Duration
	ConnectTimeout   time.Duration
	MulticastTTL     int
	Mode             scheduler.Mode

	// UseBlockPool draws publication payload buffers (Publish's initial
	// Payload and every Put) from a sync.Pool-backed fixed-block allocator
	// instead of the heap; subscription receive buffers always come from
	// the heap. Purely an allocation strategy; never alters external
	// semantics.
	UseBlockPool bool
	BlockSize    int

	Sink         EventSink
	TrafficStore TrafficStore
	Logger       *zap.Logger
	Metrics      *Metrics
}

func (c *Config) setDefaults() {
	if c.PDPort == 0 {
		c.PDPort = 17224
	}
	if c.MDUDPPort == 0 {
		c.MDUDPPort = 17225
	}
	if c.MDTCPPort == 0 {
		c.MDTCPPort = 17225
	}
	if c.CycleTime <= 0 {
		c.CycleTime = time.Millisecond
	}
	if c.TCPIdleThreshold <= 0 {
		c.TCPIdleThreshold = 5 * time.Second
	}
	if c.ReaperDelay <= 0 {
		c.ReaperDelay = 2 * time.Second
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 1432
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session is one open TRDP session: its sockets, PD/MD registries, and
// scheduler loop. Safe for concurrent use from any goroutine; every
// operation takes the underlying indices' locks for its mutation window.
type Session struct {
	cfg Config

	mux *mux.Mux
	pub *pdpub.Index
	sub *pdsub.Index
	md  *mdsession.Index
	sch *scheduler.Scheduler

	blocks *blockPool

	cancel  context.CancelFunc
	runDone chan struct{}
	runErr  error
}

// OpenSession binds the configured PD/MD sockets, constructs every index,
// and starts the scheduler loop on its own goroutine.
func OpenSession(cfg Config) (*Session, error) {
	cfg.setDefaults()

	m := mux.New(mux.Config{
		PDPort:         cfg.PDPort,
		MDUDPPort:      cfg.MDUDPPort,
		MDTCPPort:      cfg.MDTCPPort,
		ConnectTimeout: cfg.ConnectTimeout,
		MulticastTTL:   cfg.MulticastTTL,
		Logger:         cfg.Logger,
		Stats:          cfg.Metrics,
	})
	if err := m.BindPD(cfg.PDPort); err != nil {
		return nil, &Err{SocketErr, err}
	}
	if err := m.BindMDUDP(cfg.MDUDPPort); err != nil {
		m.Close()
		return nil, &Err{SocketErr, err}
	}
	if err := m.BindMDTCP(cfg.MDTCPPort); err != nil {
		m.Close()
		return nil, &Err{SocketErr, err}
	}

	pub := pdpub.New(m, pdpub.Config{CycleTime: cfg.CycleTime, Stats: cfg.Metrics})
	sub := pdsub.New(m, pub)
	md := mdsession.New(m, mdsession.Config{ReaperDelay: cfg.ReaperDelay, Stats: cfg.Metrics, Logger: cfg.Logger})
	sch := scheduler.New(m, pub, sub, md, scheduler.Config{
		Mode:             cfg.Mode,
		TickInterval:     cfg.CycleTime,
		TCPIdleThreshold: cfg.TCPIdleThreshold,
		Logger:           cfg.Logger,
	})

	var blocks *blockPool
	if cfg.UseBlockPool {
		blocks = newBlockPool(cfg.BlockSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		mux:     m,
		pub:     pub,
		sub:     sub,
		md:      md,
		sch:     sch,
		blocks:  blocks,
		cancel:  cancel,
		runDone: make(chan struct{}),
	}
	go func() {
		defer close(s.runDone)
		s.runErr = sch.Run(ctx)
	}()
	if cfg.Metrics != nil {
		go s.pollTCPPoolSize(ctx)
	}
	return s, nil
}

// pollTCPPoolSize periodically samples the MD TCP pool's size into the
// configured Metrics sink, stopping when ctx is cancelled.
func (s *Session) pollTCPPoolSize(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TCPIdleThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cfg.Metrics.setTCPPoolSize(s.mux.TCPPoolSize())
		}
	}
}

// TrafficStore returns the optional shared-memory collaborator configured
// at OpenSession, or nil if none was supplied.
func (s *Session) TrafficStore() TrafficStore {
	return s.cfg.TrafficStore
}

// PDLocalAddr returns the bound PD socket's local address, useful when
// Config.PDPort is 0 (ephemeral).
func (s *Session) PDLocalAddr() net.Addr { return s.mux.PDLocalAddr() }

// MDUDPLocalAddr returns the bound MD UDP socket's local address.
func (s *Session) MDUDPLocalAddr() net.Addr { return s.mux.MDUDPLocalAddr() }

// MDTCPLocalAddr returns the bound MD TCP listener's local address.
func (s *Session) MDTCPLocalAddr() net.Addr { return s.mux.MDTCPLocalAddr() }

// UpdateSession replaces the session's own topology counters, which every
// later Request/Notify stamps on its MD header. Publications and
// subscriptions keep the counters carried in their own fingerprints.
func (s *Session) UpdateSession(etbTopoCnt, opTrnTopoCnt uint32) {
	s.cfg.EtbTopoCnt = etbTopoCnt
	s.cfg.OpTrnTopoCnt = opTrnTopoCnt
}

// CloseSession stops the scheduler loop (aborting every in-flight MD
// session with no further network traffic), closes every socket, and
// aggregates any unwind errors.
func (s *Session) CloseSession() error {
	s.cancel()
	<-s.runDone

	var err error
	if s.runErr != nil && s.runErr != context.Canceled {
		err = multierr.Append(err, s.runErr)
	}
	if closeErr := s.mux.Close(); closeErr != nil {
		err = multierr.Append(err, closeErr)
	}
	return classify(err)
}

// Publish registers pub for cyclic (Interval>0) or pull-only (Interval==0)
// emission. OnSend, if set on pub, additionally fires the session's
// EventSink before every emission. When the session uses a block pool, the
// initial Payload is copied into a pooled buffer rather than retained.
func (s *Session) Publish(pub pdpub.Publication) (slab.Handle, error) {
	if s.blocks != nil && pub.Payload != nil {
		// Every buffer a later Put hands back for recycling must be one the
		// pool allocated, never the caller's own slice.
		buf := s.blocks.get(len(pub.Payload))
		copy(buf, pub.Payload)
		pub.Payload = buf
	}
	if sink := s.cfg.Sink; sink != nil {
		userOnSend := pub.OnSend
		pub.OnSend = func(payload []byte) {
			if userOnSend != nil {
				userOnSend(payload)
			}
			sink.OnPDSend(pub.Fingerprint, payload)
		}
	}
	h, err := s.pub.Publish(pub)
	return h, classify(err)
}

// Unpublish removes h.
func (s *Session) Unpublish(h slab.Handle) error {
	return classify(s.pub.Unpublish(h))
}

// Put overwrites h's current payload snapshot. When the session uses a
// block pool, payload is copied into a pooled buffer rather than retained.
func (s *Session) Put(h slab.Handle, payload []byte) error {
	if s.blocks != nil {
		buf := s.blocks.get(len(payload))
		copy(buf, payload)
		payload = buf
	}
	old, err := s.pub.Put(h, payload)
	if s.blocks != nil && old != nil {
		s.blocks.put(old)
	}
	return classify(err)
}

// Subscribe registers sub. Its Callback (if any) is invoked on delivery and
// on timeout (err set); the session's EventSink, if configured, additionally
// observes both.
func (s *Session) Subscribe(sub pdsub.Subscription) (slab.Handle, error) {
	userCallback := sub.Callback
	pattern := sub.Pattern
	sink := s.cfg.Sink
	sub.Callback = func(payload []byte, info pdsub.PDInfo, err error) {
		if userCallback != nil {
			userCallback(payload, info, err)
		}
		if err != nil {
			if sink != nil {
				sink.OnPDTimeout(pattern)
			}
			return
		}
		s.cfg.Metrics.incDelivered("pd")
		if sink != nil {
			sink.OnPDData(pattern, payload, info)
		}
	}
	h, err := s.sub.Subscribe(sub)
	return h, classify(err)
}

// Unsubscribe removes h, symmetrically leaving its multicast group if any.
func (s *Session) Unsubscribe(h slab.Handle) error {
	return classify(s.sub.Unsubscribe(h))
}

// Get returns h's current sample per the pull API.
func (s *Session) Get(h slab.Handle) ([]byte, pdsub.PDInfo, error) {
	payload, info, err := s.sub.Get(h, time.Now())
	return payload, info, classify(err)
}

// Request sends an Mr (request/reply, or request/reply/confirm when
// pattern is PatternRequestReplyConfirm) and returns its sessionId. onReply
// is invoked exactly once with the reply payload or a non-nil error.
func (s *Session) Request(peerUDP *net.UDPAddr, peerTCP string, comID uint32, payload []byte, pattern mdsession.Pattern, replyTimeout time.Duration, retries int, destURI string, onReply func(payload []byte, err error)) (uuid.UUID, error) {
	// id is assigned once RequestWithTopo returns. A reply can be dispatched
	// on the scheduler goroutine as soon as the session table's lock is
	// released, which is before that assignment, so the sink wrapper waits
	// on idReady before reading id.
	var id uuid.UUID
	idReady := make(chan struct{})
	wrapped := onReply
	if sink := s.cfg.Sink; sink != nil {
		wrapped = func(payload []byte, err error) {
			if onReply != nil {
				onReply(payload, err)
			}
			<-idReady
			switch {
			case err == nil:
				sink.OnMDReply(id, payload)
			case err == mdsession.ErrReplyTimeout:
				sink.OnMDTimeout(id, TimeoutErr)
			default:
				sink.OnMDError(id, err)
			}
		}
	}
	var err error
	id, err = s.md.RequestWithTopo(time.Now(), peerUDP, peerTCP, comID, s.cfg.EtbTopoCnt, s.cfg.OpTrnTopoCnt, payload, pattern, replyTimeout, retries, s.cfg.SourceURI, destURI, wrapped)
	close(idReady)
	return id, classify(err)
}

// Notify sends an Mn: fire-and-forget, no session is created.
func (s *Session) Notify(peerUDP *net.UDPAddr, peerTCP string, comID uint32, payload []byte, destURI string) error {
	return classify(s.md.NotifyWithTopo(peerUDP, peerTCP, comID, s.cfg.EtbTopoCnt, s.cfg.OpTrnTopoCnt, payload, s.cfg.SourceURI, destURI))
}

// Reply sends an Mp (reply, no confirm needed) for a responder session.
func (s *Session) Reply(id uuid.UUID, payload []byte) error {
	return classify(s.md.Reply(time.Now(), id, payload))
}

// ReplyQuery sends an Mq (reply, confirm required). onConfirm is invoked
// exactly once.
func (s *Session) ReplyQuery(id uuid.UUID, payload []byte, confirmTimeout time.Duration, onConfirm func(error)) error {
	wrapped := onConfirm
	if sink := s.cfg.Sink; sink != nil {
		wrapped = func(err error) {
			if onConfirm != nil {
				onConfirm(err)
			}
			if err != nil {
				sink.OnMDTimeout(id, classifyKind(err))
			} else {
				sink.OnMDConfirm(id)
			}
		}
	}
	return classify(s.md.ReplyQuery(time.Now(), id, payload, confirmTimeout, wrapped))
}

// Confirm sends an Mc for an initiator session awaiting confirm.
func (s *Session) Confirm(id uuid.UUID) error {
	return classify(s.md.Confirm(time.Now(), id))
}

// AddListener registers a responder listener matching inbound Mr/Mn
// traffic. r<=0 disables intake rate limiting.
func (s *Session) AddListener(pattern fingerprint.Fingerprint, uriPattern string, r float64, burst int, callback func(mdsession.InboundMessage)) (slab.Handle, error) {
	sink := s.cfg.Sink
	wrapped := func(msg mdsession.InboundMessage) {
		s.cfg.Metrics.incDelivered("md")
		if sink != nil {
			sink.OnMDMessage(msg)
		}
		if callback != nil {
			callback(msg)
		}
	}
	h, err := s.md.AddListener(pattern, uriPattern, r, burst, wrapped)
	return h, classify(err)
}

// DelListener removes a previously registered listener.
func (s *Session) DelListener(h slab.Handle) error {
	return classify(s.md.DelListener(h))
}

func classifyKind(err error) Kind {
	if ce, ok := classify(err).(*Err); ok {
		return ce.Kind
	}
	return IoErr
}
