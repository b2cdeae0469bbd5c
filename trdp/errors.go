package trdp

import (
	"errors"
	"fmt"

	"trdp/mdsession"
	"trdp/mux"
	"trdp/pdpub"
	"trdp/pdsub"
	"trdp/wire"
)

// Kind classifies every error an application-facing operation can return.
type Kind int

const (
	NoErr Kind = iota
	ParamErr
	InitErr
	NoSubErr
	NoPubErr
	TimeoutErr
	NoDataErr
	SocketErr
	IoErr
	BlockErr
	MemErr
	MutexErr
	NoConnErr
	CrcErr
	WireErr
)

func (k Kind) String() string {
	switch k {
	case NoErr:
		return "NoErr"
	case ParamErr:
		return "ParamErr"
	case InitErr:
		return "InitErr"
	case NoSubErr:
		return "NoSubErr"
	case NoPubErr:
		return "NoPubErr"
	case TimeoutErr:
		return "TimeoutErr"
	case NoDataErr:
		return "NoDataErr"
	case SocketErr:
		return "SocketErr"
	case IoErr:
		return "IoErr"
	case BlockErr:
		return "BlockErr"
	case MemErr:
		return "MemErr"
	case MutexErr:
		return "MutexErr"
	case NoConnErr:
		return "NoConnErr"
	case CrcErr:
		return "CrcErr"
	case WireErr:
		return "WireErr"
	default:
		return "UnknownErr"
	}
}

// Err is the error type every façade operation returns: a Kind an
// application can switch on via errors.As, wrapping the underlying cause.
type Err struct {
	Kind Kind
	Err  error
}

func (e *Err) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Err) Unwrap() error { return e.Err }

var (
	errClosed     = errors.New("trdp: session is closed")
	errNilPointer = errors.New("trdp: required argument is nil")
)

// classify maps an error from mux/pdpub/pdsub/mdsession/wire to the Kind an
// application sees. A nil err classifies to nil, not NoErr — callers return
// classify(err) directly.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errNilPointer):
		return &Err{ParamErr, err}
	case errors.Is(err, errClosed):
		return &Err{InitErr, err}
	case errors.Is(err, pdsub.ErrDuplicate), errors.Is(err, pdsub.ErrUnknownHandle):
		return &Err{NoSubErr, err}
	case errors.Is(err, pdpub.ErrUnknownHandle):
		return &Err{NoPubErr, err}
	case errors.Is(err, mdsession.ErrUnknownSession), errors.Is(err, mdsession.ErrUnknownListener), errors.Is(err, mdsession.ErrWrongState):
		// Sessions and listeners are referenced by handle/id the same way
		// subscriptions are; the Kind table has no dedicated "unknown
		// session" or "wrong state" entry so both fold into ParamErr (bad
		// argument for the session's current state).
		return &Err{ParamErr, err}
	case errors.Is(err, pdsub.ErrTimeout), errors.Is(err, mdsession.ErrReplyTimeout), errors.Is(err, mdsession.ErrConfirmTimeout):
		return &Err{TimeoutErr, err}
	case errors.Is(err, pdsub.ErrNoData):
		return &Err{NoDataErr, err}
	case errors.Is(err, mux.ErrBlock):
		return &Err{BlockErr, err}
	case errors.Is(err, mux.ErrNoConn), errors.Is(err, mdsession.ErrAborted):
		return &Err{NoConnErr, err}
	case errors.Is(err, mux.ErrSocket):
		return &Err{SocketErr, err}
	case errors.Is(err, mdsession.ErrPeerError):
		return &Err{IoErr, err}
	case errors.Is(err, wire.ErrBadHeaderCrc), errors.Is(err, wire.ErrBadPayloadCrc):
		return &Err{CrcErr, err}
	case errors.Is(err, wire.ErrBadMagic), errors.Is(err, wire.ErrBadVersion), errors.Is(err, wire.ErrTruncated), errors.Is(err, wire.ErrTooLarge):
		return &Err{WireErr, err}
	default:
		return &Err{IoErr, err}
	}
}
